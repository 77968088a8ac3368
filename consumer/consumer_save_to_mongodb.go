package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

const mongoConnectTimeout = 10 * time.Second

type MongoDBConfig struct {
	URI        string
	Database   string
	Collection string
}

// DocumentWriter is the narrow collection capability the sink needs.
type DocumentWriter interface {
	BulkUpsert(ctx context.Context, docs map[string]bson.M) error
	Close(ctx context.Context) error
}

// SaveToMongoDB upserts events keyed by their document id.
type SaveToMongoDB struct {
	config MongoDBConfig
	logger *slog.Logger
	dial   func(MongoDBConfig) (DocumentWriter, error)

	mu     sync.Mutex
	client DocumentWriter
}

func NewSaveToMongoDB(config MongoDBConfig, logger *slog.Logger) (*SaveToMongoDB, error) {
	if config.URI == "" {
		return nil, fmt.Errorf("missing environment MONGODB_URI")
	}
	if config.Database == "" {
		return nil, fmt.Errorf("missing environment MONGODB_DATABASE")
	}
	if config.Collection == "" {
		return nil, fmt.Errorf("missing environment MONGODB_COLLECTION")
	}
	return &SaveToMongoDB{
		config: config,
		logger: loggerOrDefault(logger),
		dial:   newMongoWriter,
	}, nil
}

func (m *SaveToMongoDB) Name() string { return NameMongoDB }

func (m *SaveToMongoDB) Process(ctx context.Context, events []types.Event) error {
	client, err := m.connection()
	if err != nil {
		return err
	}

	docs := make(map[string]bson.M, len(events))
	for _, event := range events {
		doc, err := toBSON(event)
		if err != nil {
			return err
		}
		docs[DocumentID(event)] = doc
	}

	if err := client.BulkUpsert(ctx, docs); err != nil {
		return fmt.Errorf("error writing to MongoDB: %w", err)
	}
	m.logger.Debug(fmt.Sprintf("Upserted %d documents", len(docs)))
	return nil
}

// toBSON round-trips through JSON so json.Number values are stored as
// numbers rather than strings.
func toBSON(event types.Event) (bson.M, error) {
	data, err := encodeEvent(event)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, fmt.Errorf("error converting event to BSON: %w", err)
	}
	return doc, nil
}

func (m *SaveToMongoDB) connection() (DocumentWriter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		client, err := m.dial(m.config)
		if err != nil {
			return nil, err
		}
		m.client = client
	}
	return m.client, nil
}

func (m *SaveToMongoDB) Reset() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if client != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
			defer cancel()
			_ = client.Close(ctx)
		}()
	}
}

func (m *SaveToMongoDB) Close() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()
	return client.Close(ctx)
}

type mongoWriter struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func newMongoWriter(config MongoDBConfig) (DocumentWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	return &mongoWriter{
		client:     client,
		collection: client.Database(config.Database).Collection(config.Collection),
	}, nil
}

func (w *mongoWriter) BulkUpsert(ctx context.Context, docs map[string]bson.M) error {
	models := make([]mongo.WriteModel, 0, len(docs))
	for id, doc := range docs {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": id}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	_, err := w.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

func (w *mongoWriter) Close(ctx context.Context) error {
	return w.client.Disconnect(ctx)
}
