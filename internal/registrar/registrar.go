// Package registrar keeps the grid registry aware of the agent's tokens and
// retrieves distributed files from it.
package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"yqhp/grid-agent/internal/metrics"
	"yqhp/grid-agent/pkg/logger"
	"yqhp/grid-agent/pkg/types"
)

// Grid registry endpoints.
const (
	RegisterPath   = "/grid/register"
	UnregisterPath = "/grid/unregister"
	FilePath       = "/grid/file/"
)

// Config holds the configuration for the registrar.
type Config struct {
	// GridHost is the base URL of the grid (e.g., "http://localhost:8081")
	GridHost string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// ReadTimeout bounds reading the response.
	ReadTimeout time.Duration

	// Period is the interval between two registrations.
	Period time.Duration
}

// DefaultConfig returns a default registrar configuration.
func DefaultConfig() *Config {
	return &Config{
		GridHost:       "http://localhost:8081",
		ConnectTimeout: 3 * time.Second,
		ReadTimeout:    20 * time.Second,
		Period:         10 * time.Second,
	}
}

// Inventory provides the tokens published on each heartbeat.
type Inventory interface {
	List() []types.Token
}

// Registrar sends periodic registrations and fetches files from the grid.
type Registrar struct {
	config    *Config
	client    *fiber.Client
	inventory Inventory
	metrics   *metrics.Collector
	logger    *zap.Logger

	agentRef atomic.Pointer[types.AgentRef]

	mu        sync.Mutex
	scheduler gocron.Scheduler
	stopped   bool
	closeOnce sync.Once

	beats    atomic.Int64
	failures atomic.Int64
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithMetrics records heartbeat and file retrieval outcomes.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registrar) { r.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registrar) { r.logger = logger.OrNop(l).Named("registrar") }
}

// New creates a registrar publishing inv.
func New(config *Config, inv Inventory, opts ...Option) *Registrar {
	if config == nil {
		config = DefaultConfig()
	}
	r := &Registrar{
		config:    config,
		client:    fiber.AcquireClient(),
		inventory: inv,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.agentRef.Store(&types.AgentRef{AgentType: types.AgentTypeDefault})
	return r
}

// SetAgentRef sets the identity sent with registrations.
func (r *Registrar) SetAgentRef(ref types.AgentRef) {
	r.agentRef.Store(&ref)
}

// AgentRef returns the identity sent with registrations.
func (r *Registrar) AgentRef() types.AgentRef {
	return *r.agentRef.Load()
}

// Beats returns the number of heartbeat ticks run so far.
func (r *Registrar) Beats() int64 {
	return r.beats.Load()
}

// Failures returns the number of failed heartbeat ticks.
func (r *Registrar) Failures() int64 {
	return r.failures.Load()
}

func (r *Registrar) url(path string) string {
	return strings.TrimRight(r.config.GridHost, "/") + path
}

// prepare applies the connect and read timeouts to a request.
func (r *Registrar) prepare(a *fiber.Agent) *fiber.Agent {
	a.Timeout(r.config.ConnectTimeout + r.config.ReadTimeout)
	if a.HostClient != nil {
		connectTimeout := r.config.ConnectTimeout
		a.HostClient.ReadTimeout = r.config.ReadTimeout
		a.HostClient.Dial = func(addr string) (net.Conn, error) {
			return fasthttp.DialTimeout(addr, connectTimeout)
		}
	}
	return a
}

// Register sends one registration with the current inventory.
func (r *Registrar) Register(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := types.RegistrationMessage{
		AgentRef: r.AgentRef(),
		Tokens:   r.inventory.List(),
	}
	return r.post(r.url(RegisterPath), msg)
}

// Unregister tells the grid the agent is leaving.
func (r *Registrar) Unregister(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.post(r.url(UnregisterPath), r.AgentRef())
}

func (r *Registrar) post(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	req := r.prepare(r.client.Post(url))
	req.Body(body)
	req.Set("Content-Type", "application/json")

	statusCode, _, errs := req.Bytes()
	if len(errs) > 0 {
		return classify(errs[0])
	}

	if statusCode < fiber.StatusOK || statusCode >= fiber.StatusMultipleChoices {
		return fmt.Errorf("%w: %s returned status %d", types.ErrRegistrationTransport, url, statusCode)
	}
	return nil
}

// classify wraps connection failures with ErrRegistryUnreachable and any
// other failure with ErrRegistrationTransport.
func classify(err error) error {
	if isUnreachable(err) {
		return fmt.Errorf("%w: %w", types.ErrRegistryUnreachable, err)
	}
	return fmt.Errorf("%w: %w", types.ErrRegistrationTransport, err)
}

func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, fasthttp.ErrDialTimeout) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// beat is one heartbeat tick. Failures are logged and never stop the schedule.
func (r *Registrar) beat() {
	r.beats.Add(1)
	err := r.Register(context.Background())
	switch {
	case err == nil:
		r.metrics.RecordHeartbeat(metrics.HeartbeatOK)
	case errors.Is(err, types.ErrRegistryUnreachable):
		r.failures.Add(1)
		r.metrics.RecordHeartbeat(metrics.HeartbeatUnreachable)
		r.logger.Warn("Grid registry unreachable", zap.String("grid_host", r.config.GridHost), zap.Error(err))
	default:
		r.failures.Add(1)
		r.metrics.RecordHeartbeat(metrics.HeartbeatFailed)
		r.logger.Error("Failed to send registration", zap.String("grid_host", r.config.GridHost), zap.Error(err))
	}
}

// Start schedules the heartbeat. The first registration runs immediately.
func (r *Registrar) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return fmt.Errorf("%w: registrar already stopped", types.ErrInvalidState)
	}
	if r.scheduler != nil {
		return fmt.Errorf("%w: heartbeat already started", types.ErrInvalidState)
	}
	if r.config.Period <= 0 {
		return fmt.Errorf("invalid registration period %s", r.config.Period)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(r.config.Period),
		gocron.NewTask(r.beat),
		gocron.WithName("grid-registration"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule heartbeat: %w", err)
	}
	s.Start()
	r.scheduler = s

	r.logger.Info("Heartbeat started",
		zap.String("grid_host", r.config.GridHost),
		zap.Duration("period", r.config.Period))
	return nil
}

// Stop stops the heartbeat. No tick starts after Stop returns; an in-flight
// tick may complete. Safe to call when never started.
func (r *Registrar) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	if r.scheduler == nil {
		return nil
	}
	err := r.scheduler.Shutdown()
	r.scheduler = nil
	r.logger.Info("Heartbeat stopped", zap.Int64("beats", r.beats.Load()))
	if err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}

// Close releases the HTTP client. Safe to call more than once.
func (r *Registrar) Close() {
	r.closeOnce.Do(func() {
		fiber.ReleaseClient(r.client)
	})
}
