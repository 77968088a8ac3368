package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

type recorder struct {
	name string
	subs []types.Processor
}

func (r *recorder) Process(context.Context, types.Message) error { return nil }
func (r *recorder) Subscribe(p types.Processor)                  { r.subs = append(r.subs, p) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildProcessorChain(t *testing.T) {
	source := &recorder{name: "source"}
	first := &recorder{name: "first"}
	second := &recorder{name: "second"}
	inlet := &recorder{name: "inlet"}

	BuildProcessorChain(discardLogger(), source, []types.Processor{first, second}, inlet)

	assert.Equal(t, []types.Processor{first}, source.subs)
	assert.Equal(t, []types.Processor{second}, first.subs)
	assert.Equal(t, []types.Processor{inlet}, second.subs)
}

func TestBuildProcessorChainWithoutProcessors(t *testing.T) {
	source := &recorder{name: "source"}
	inlet := &recorder{name: "inlet"}

	BuildProcessorChain(discardLogger(), source, nil, inlet)

	assert.Equal(t, []types.Processor{inlet}, source.subs)
}
