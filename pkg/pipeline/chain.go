package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

// Source is anything that feeds messages into a processor chain.
type Source interface {
	Subscribe(types.Processor)
}

// BuildProcessorChain chains processors sequentially, subscribes the inlet
// to the last processor and the first processor to the source. With no
// processors the source feeds the inlet directly.
func BuildProcessorChain(logger *slog.Logger, source Source, processors []types.Processor, inlet types.Processor) {
	var lastProcessor types.Processor

	for _, p := range processors {
		if lastProcessor != nil {
			lastProcessor.Subscribe(p)
			logger.Debug("Chained processor", "from", typeName(lastProcessor), "to", typeName(p))
		} else {
			source.Subscribe(p)
			logger.Debug("Chained source", "to", typeName(p))
		}
		lastProcessor = p
	}

	if lastProcessor != nil {
		lastProcessor.Subscribe(inlet)
		logger.Debug("Chained processor", "from", typeName(lastProcessor), "to", typeName(inlet))
		return
	}
	source.Subscribe(inlet)
}

func typeName(v interface{}) string {
	return fmt.Sprintf("%T", v)
}
