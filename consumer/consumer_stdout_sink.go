package consumer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

// StdoutConsumer writes each event to stdout as one line of JSON.
type StdoutConsumer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStdoutConsumer creates a consumer writing to out, or os.Stdout when nil.
func NewStdoutConsumer(out io.Writer) *StdoutConsumer {
	if out == nil {
		out = os.Stdout
	}
	return &StdoutConsumer{out: out}
}

func (s *StdoutConsumer) Name() string { return NameStdout }

func (s *StdoutConsumer) Process(_ context.Context, events []types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		output, err := encodeEvent(event)
		if err != nil {
			return fmt.Errorf("StdoutConsumer: %w", err)
		}
		if _, err := s.out.Write(append(output, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func (s *StdoutConsumer) Reset() {}

func (s *StdoutConsumer) Close() error { return nil }
