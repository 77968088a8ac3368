// Package pareto implements the upstream source: a socket.io connection to
// the Pareto RTLS feed driven by a polled reconnect state machine.
package pareto

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
	"github.com/withObsrvr/pareto-event-router/pkg/metrics"
)

const (
	// TickInterval is how often the connection state is evaluated.
	TickInterval = 50 * time.Millisecond
	// ReconnectDelay is the fixed wait before retrying a failed or dropped connection.
	ReconnectDelay = 10 * time.Second
	// LivenessTimeout forces a reconnect when no frame arrives for this long.
	LivenessTimeout = 60 * time.Second
)

// State is the connection state of the source.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Handlers are the transport callbacks registered on every connection.
type Handlers struct {
	OnMessage    func(frame string)
	OnConnect    func()
	OnDisconnect func()
}

// Conn is an open upstream connection.
type Conn interface {
	Close() error
}

// Dialer opens upstream connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string, handlers Handlers) (Conn, error)
}

// Config holds the upstream endpoint and credentials.
type Config struct {
	URL   string
	Token string
}

// Status is a point-in-time snapshot of the source for health reporting.
type Status struct {
	State         string     `json:"state"`
	Connected     bool       `json:"connected"`
	ConnectAt     *time.Time `json:"connect_at,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// Source owns the upstream connection and feeds raw frames to its
// subscribed processors.
type Source struct {
	config       Config
	dialer       Dialer
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration
	processors   []types.Processor

	mu            sync.Mutex
	ctx           context.Context
	state         State
	connectAt     *time.Time
	lastMessageAt *time.Time
	conn          Conn
	connected     bool
	generation    uint64
}

// Option configures a Source.
type Option func(*Source)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Source) {
		s.now = now
	}
}

// WithTickInterval overrides TickInterval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Source) {
		s.tickInterval = d
	}
}

// NewSource validates the configuration and creates an idle source.
func NewSource(config Config, dialer Dialer, logger *slog.Logger, opts ...Option) (*Source, error) {
	if config.URL == "" {
		return nil, errors.New("missing environment PARETO_URL")
	}
	if config.Token == "" {
		return nil, errors.New("missing environment PARETO_API_TOKEN")
	}
	if dialer == nil {
		return nil, errors.New("dialer must be specified")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Source{
		config:       config,
		dialer:       dialer,
		logger:       logger,
		now:          time.Now,
		tickInterval: TickInterval,
		ctx:          context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name identifies the source as a component.
func (s *Source) Name() string { return "SocketClient" }

// Subscribe adds a processor that receives every raw frame.
func (s *Source) Subscribe(p types.Processor) {
	s.processors = append(s.processors, p)
}

// Run drives the state machine until ctx is done, then closes the
// connection. The source starts idle, so the first tick connects.
func (s *Source) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = context.WithoutCancel(ctx)
	s.state = StateIdle
	s.connectAt = nil
	s.lastMessageAt = nil
	s.mu.Unlock()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates the connection state once.
func (s *Source) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := s.connectAt != nil && !now.Before(*s.connectAt)
	idle := s.connectAt == nil && s.state == StateIdle
	if !due && !idle {
		if s.lastMessageAt == nil || now.Sub(*s.lastMessageAt) <= LivenessTimeout {
			s.mu.Unlock()
			return
		}
		stale := s.detachLocked()
		s.scheduleLocked(now)
		s.mu.Unlock()

		metrics.UpstreamEvents.WithLabelValues(metrics.UpstreamLivenessTimeout).Inc()
		s.logger.Error("Error encountered", "error", "no message received in 60 seconds")
		s.logger.Info("Reconnecting to Pareto socket in 10 seconds")
		closeConn(stale)
		return
	}

	stale := s.detachLocked()
	s.state = StateConnecting
	gen := s.generation
	s.mu.Unlock()
	closeConn(stale)

	s.logger.Info("Connecting to Pareto RTLS socket feed")
	conn, err := s.dialer.Dial(ctx, s.config.URL, s.config.Token, s.handlers(gen))

	s.mu.Lock()
	if err != nil {
		s.scheduleLocked(s.now())
		s.mu.Unlock()

		metrics.UpstreamEvents.WithLabelValues(metrics.UpstreamConnectFailure).Inc()
		s.logger.Error("Error encountered", "error", err)
		s.logger.Info("Reconnecting to Pareto socket in 10 seconds")
		return
	}
	if gen != s.generation {
		// The connection dropped before Dial returned; the disconnect
		// handler already scheduled the retry.
		s.mu.Unlock()
		closeConn(conn)
		return
	}
	s.conn = conn
	s.connectAt = nil
	s.state = StateConnected
	started := s.now()
	s.lastMessageAt = &started
	s.mu.Unlock()
}

// Status reports the current connection state.
func (s *Source) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state.String(), Connected: s.connected}
	if s.connectAt != nil {
		t := *s.connectAt
		st.ConnectAt = &t
	}
	if s.lastMessageAt != nil {
		t := *s.lastMessageAt
		st.LastMessageAt = &t
	}
	return st
}

func (s *Source) handlers(gen uint64) Handlers {
	return Handlers{
		OnMessage: func(frame string) {
			s.handleMessage(gen, frame)
		},
		OnConnect: func() {
			s.handleConnect(gen)
		},
		OnDisconnect: func() {
			s.handleDisconnect(gen)
		},
	}
}

func (s *Source) handleMessage(gen uint64, frame string) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	now := s.now()
	s.lastMessageAt = &now
	ctx := s.ctx
	s.mu.Unlock()

	metrics.FramesReceived.Inc()
	for _, p := range s.processors {
		if err := p.Process(ctx, types.Message{Payload: frame}); err != nil {
			s.logger.Error("Error processing message", "error", err)
		}
	}
}

func (s *Source) handleConnect(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.connected = true
	s.mu.Unlock()

	metrics.UpstreamConnected.Set(1)
	metrics.UpstreamEvents.WithLabelValues(metrics.UpstreamConnect).Inc()
	s.logger.Info("Connected to Pareto RTLS socket feed")
}

func (s *Source) handleDisconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	stale := s.detachLocked()
	s.scheduleLocked(s.now())
	s.mu.Unlock()

	metrics.UpstreamEvents.WithLabelValues(metrics.UpstreamDisconnect).Inc()
	s.logger.Info("Disconnected from Pareto RTLS socket feed, reconnecting in 10 seconds")
	closeConn(stale)
}

// detachLocked invalidates the current connection's callbacks and returns
// the connection so the caller can close it outside the lock.
func (s *Source) detachLocked() Conn {
	s.generation++
	conn := s.conn
	s.conn = nil
	if s.connected {
		s.connected = false
		metrics.UpstreamConnected.Set(0)
	}
	return conn
}

func (s *Source) scheduleLocked(now time.Time) {
	next := now.Add(ReconnectDelay)
	s.connectAt = &next
	s.lastMessageAt = nil
	s.state = StateScheduled
}

func (s *Source) shutdown() {
	s.mu.Lock()
	stale := s.detachLocked()
	s.connectAt = nil
	s.lastMessageAt = nil
	s.state = StateIdle
	s.mu.Unlock()

	closeConn(stale)
	s.logger.Debug("Quitting processing loop")
}

func closeConn(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
