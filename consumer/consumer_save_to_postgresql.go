package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

const defaultPostgresTable = "rtls_events"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type PostgresConfig struct {
	URL   string
	Table string
}

// RowWriter is the narrow database capability the sink needs.
type RowWriter interface {
	SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) error
	Close()
}

// SaveToPostgreSQL stores every event as a JSONB row keyed by its document
// id. Redelivered events are ignored.
type SaveToPostgreSQL struct {
	config PostgresConfig
	logger *slog.Logger
	dial   func(context.Context, PostgresConfig) (RowWriter, error)

	mu     sync.Mutex
	client RowWriter
}

func NewSaveToPostgreSQL(config PostgresConfig, logger *slog.Logger) (*SaveToPostgreSQL, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("missing environment POSTGRES_URL")
	}
	if config.Table == "" {
		config.Table = defaultPostgresTable
	}
	if !tableNamePattern.MatchString(config.Table) {
		return nil, fmt.Errorf("invalid POSTGRES_TABLE %q", config.Table)
	}
	return &SaveToPostgreSQL{
		config: config,
		logger: loggerOrDefault(logger),
		dial:   newPostgresPool,
	}, nil
}

func (p *SaveToPostgreSQL) schema() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id          UUID PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	device_id   TEXT,
	receiver_id TEXT,
	event_time  TIMESTAMPTZ,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_tenant_time ON %[1]s (tenant_id, event_time);`, p.config.Table)
}

func (p *SaveToPostgreSQL) insertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (id, tenant_id, device_id, receiver_id, event_time, payload)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`, p.config.Table)
}

func (p *SaveToPostgreSQL) Name() string { return NamePostgreSQL }

func (p *SaveToPostgreSQL) Process(ctx context.Context, events []types.Event) error {
	client, err := p.connection(ctx)
	if err != nil {
		return err
	}

	query := p.insertSQL()
	batch := &pgx.Batch{}
	for _, event := range events {
		payload, err := encodeEvent(event)
		if err != nil {
			return err
		}
		batch.Queue(query,
			DocumentID(event),
			event.String("tenantId"),
			nullable(event.String("deviceId")),
			nullable(event.String("receiverId")),
			EventTime(event),
			payload,
		)
	}

	results := client.SendBatch(ctx, batch)
	for range events {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("error inserting event: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("error closing batch: %w", err)
	}

	p.logger.Debug(fmt.Sprintf("Inserted %d rows into %s", len(events), p.config.Table))
	return nil
}

// EventTime reads the event's time field as epoch milliseconds or RFC 3339.
// It returns nil when the field is missing or unreadable.
func EventTime(event types.Event) *time.Time {
	raw := types.FormatValue(event["time"])
	if raw == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return &t
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (p *SaveToPostgreSQL) connection(ctx context.Context) (RowWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		client, err := p.dial(ctx, p.config)
		if err != nil {
			return nil, err
		}
		if err := client.Exec(ctx, p.schema()); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		p.client = client
	}
	return p.client, nil
}

func (p *SaveToPostgreSQL) Reset() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		go client.Close()
	}
}

func (p *SaveToPostgreSQL) Close() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		client.Close()
	}
	return nil
}

type postgresPool struct {
	pool *pgxpool.Pool
}

func newPostgresPool(ctx context.Context, config PostgresConfig) (RowWriter, error) {
	pool, err := pgxpool.New(ctx, config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return &postgresPool{pool: pool}, nil
}

func (p *postgresPool) SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults {
	return p.pool.SendBatch(ctx, batch)
}

func (p *postgresPool) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := p.pool.Exec(ctx, sql, args...)
	return err
}

func (p *postgresPool) Close() {
	p.pool.Close()
}
