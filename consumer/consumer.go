// Package consumer contains the sinks that receive drained event batches.
//
// Every sink holds its client lazily: the first Process call after
// construction or Reset dials it. Reset drops the client without waiting on
// it so a broken connection never stalls the worker.
package consumer

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

// Sink names, used as worker subscription ids and metric labels.
const (
	NameElasticsearch = "es_message_handler"
	NameMQTT          = "mqtt_message_handler"
	NameRabbitMQ      = "rabbitmq_message_handler"
	NameRedis         = "redis_message_handler"
	NameNATS          = "nats_message_handler"
	NameMongoDB       = "mongodb_message_handler"
	NamePostgreSQL    = "postgresql_message_handler"
	NameWebSocket     = "websocket_message_handler"
	NameStdout        = "stdout_message_handler"
)

// DocumentID derives the stable id for an event from its time, device and
// receiver, so redelivering the same event overwrites rather than duplicates.
func DocumentID(event types.Event) string {
	key := fmt.Sprintf("%s-%s-%s",
		types.FormatValue(event["time"]),
		types.FormatValue(event["deviceId"]),
		types.FormatValue(event["receiverId"]))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func encodeEvent(event types.Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("error marshaling event: %w", err)
	}
	return data, nil
}

// deviceIDs lists the distinct device ids in a batch, in first-seen order.
func deviceIDs(events []types.Event) []string {
	seen := make(map[string]struct{}, len(events))
	var ids []string
	for _, e := range events {
		id := e.String("deviceId")
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
