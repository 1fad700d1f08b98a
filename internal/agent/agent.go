// Package agent 组装令牌池、调度器、注册器与 REST 服务，并管理 Agent 生命周期。
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/grid-agent/api/rest"
	"yqhp/grid-agent/internal/config"
	"yqhp/grid-agent/internal/dispatcher"
	"yqhp/grid-agent/internal/filemanager"
	"yqhp/grid-agent/internal/handler"
	"yqhp/grid-agent/internal/metrics"
	"yqhp/grid-agent/internal/registrar"
	"yqhp/grid-agent/internal/tokenpool"
	"yqhp/grid-agent/internal/worker"
	"yqhp/grid-agent/pkg/logger"
	"yqhp/grid-agent/pkg/types"
)

// State Agent 生命周期状态。
type State string

const (
	StateNew      State = "NEW"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
)

const (
	metricsNamespace = "grid_agent"
	shutdownTimeout  = 5 * time.Second
)

// Agent 网格执行 Agent。
type Agent struct {
	config   *config.Config
	id       string
	handlers *handler.Registry
	logger   *zap.Logger

	state atomic.Value // State

	pool       *tokenpool.Pool
	workers    *worker.Pool
	metrics    *metrics.Collector
	dispatcher *dispatcher.Dispatcher
	registrar  *registrar.Registrar
	files      *filemanager.Manager
	server     *rest.Server

	listener  net.Listener
	url       string
	heartbeat bool

	group  *errgroup.Group
	cancel context.CancelFunc

	mu       sync.Mutex
	stopOnce sync.Once
}

// Option 配置 Agent。
type Option func(*Agent)

// WithHandlers 使用给定的 handler 注册表，默认为内置 handler。
func WithHandlers(r *handler.Registry) Option {
	return func(a *Agent) { a.handlers = r }
}

// WithLogger 设置日志。
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = logger.OrNop(l) }
}

// WithID 使用固定的 Agent id，默认每次启动生成新的 uuid。
func WithID(id string) Option {
	return func(a *Agent) { a.id = id }
}

// New 创建 Agent。配置在此校验。
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	a := &Agent{
		config: cfg,
		id:     uuid.NewString(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.handlers == nil {
		a.handlers = handler.NewRegistry()
		if err := handler.RegisterBuiltins(a.handlers); err != nil {
			return nil, err
		}
	}
	a.logger = a.logger.Named("agent").With(zap.String("agent_id", a.id))
	a.state.Store(StateNew)
	return a, nil
}

// ID 返回 Agent id。
func (a *Agent) ID() string {
	return a.id
}

// State 返回当前生命周期状态。
func (a *Agent) State() State {
	return a.state.Load().(State)
}

// URL 返回 Agent 对外地址，启动前为空。
func (a *Agent) URL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.url
}

// Addr 返回监听地址，未监听时为 nil。
func (a *Agent) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Dispatcher 返回调度器，启动前为 nil。
func (a *Agent) Dispatcher() *dispatcher.Dispatcher {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dispatcher
}

func (a *Agent) transition(from, to State) bool {
	return a.state.CompareAndSwap(from, to)
}

// Start 启动 Agent：创建令牌、监听端口、计算地址、开始服务并启动心跳。
// 启动失败时已启动的部分会被关闭，Agent 进入 STOPPED。
func (a *Agent) Start(ctx context.Context) error {
	if !a.transition(StateNew, StateStarting) {
		return fmt.Errorf("%w: cannot start agent in state %s", types.ErrInvalidState, a.State())
	}

	if err := a.start(ctx); err != nil {
		a.logger.Error("Agent startup failed", zap.Error(err))
		if stopErr := a.Stop(context.Background()); stopErr != nil {
			a.logger.Warn("Cleanup after failed startup reported errors", zap.Error(stopErr))
		}
		return err
	}

	a.state.Store(StateRunning)
	a.logger.Info("Agent started",
		zap.String("url", a.URL()),
		zap.Int("tokens", a.pool.Size()),
		zap.String("grid_host", a.config.Grid.Host))
	return nil
}

func (a *Agent) start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.metrics = metrics.NewCollector(metricsNamespace, a.logger)

	a.pool = tokenpool.New(a.logger)
	for i, group := range a.config.TokenGroups {
		tokens, err := tokenpool.NewTokens(a.id, group)
		if err != nil {
			return fmt.Errorf("token group %d: %w", i, err)
		}
		for _, t := range tokens {
			a.pool.Offer(t)
		}
	}
	a.metrics.SetTokens(a.pool.Size(), 0)

	workers, err := worker.NewPool(-1, a.logger)
	if err != nil {
		return err
	}
	a.workers = workers

	a.registrar = registrar.New(&registrar.Config{
		GridHost:       a.config.Grid.Host,
		ConnectTimeout: a.config.Grid.ConnectTimeout,
		ReadTimeout:    a.config.Grid.ReadTimeout,
		Period:         a.config.Grid.RegistrationPeriod,
	}, a.pool, registrar.WithLogger(a.logger), registrar.WithMetrics(a.metrics))

	a.files = filemanager.New(a.config.Agent.WorkingDir, a.registrar, a.logger)

	a.dispatcher, err = dispatcher.New(dispatcher.Options{
		Pool:            a.pool,
		Workers:         a.workers,
		Handlers:        a.handlers,
		Files:           a.files,
		AgentProperties: a.config.Properties,
		CallTimeout:     a.config.Agent.CallTimeout,
		Metrics:         a.metrics,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}

	a.server = rest.NewServer(a.dispatcher, a.metrics.Handler(), &rest.Config{
		ReadTimeout:      a.config.Agent.ReadTimeout,
		WriteTimeout:     a.config.Agent.WriteTimeout,
		EnableRequestLog: a.config.Logging.Level == "debug",
	}, a.logger)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", ":"+strconv.Itoa(a.config.Agent.Port))
	if err != nil {
		return fmt.Errorf("监听端口 %d 失败: %w", a.config.Agent.Port, err)
	}
	a.listener = ln

	port := ln.Addr().(*net.TCPAddr).Port
	url, err := agentURL(a.config.Agent, port)
	if err != nil {
		return err
	}
	a.url = url
	a.dispatcher.SetAgentURL(url)
	a.registrar.SetAgentRef(types.AgentRef{AgentID: a.id, AgentURL: url, AgentType: types.AgentTypeDefault})

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	a.group = g
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil {
			return fmt.Errorf("REST 服务异常退出: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.sweepSessions(gctx)
		return nil
	})

	if err := a.registrar.Start(); err != nil {
		return err
	}
	a.heartbeat = true
	return nil
}

// agentURL 计算对外地址：显式配置优先，否则使用配置的主机名或本机主机名加端口。
func agentURL(cfg config.AgentConfig, port int) (string, error) {
	if cfg.URL != "" {
		return cfg.URL, nil
	}
	host := cfg.Host
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("获取主机名失败: %w", err)
		}
		host = h
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// sweepSessions 定期驱逐空闲的预约会话并刷新令牌指标。
func (a *Agent) sweepSessions(ctx context.Context) {
	interval := a.config.Agent.SessionTimeout / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := a.pool.EvictSessions(a.config.Agent.SessionTimeout); len(evicted) > 0 {
				a.metrics.RecordSessionsEvicted(len(evicted))
			}
			a.metrics.SetSessions(a.pool.SessionCount())
			a.metrics.SetTokens(a.pool.Size(), a.pool.Size()-len(a.pool.AvailableTokens()))
		}
	}
}

// Wait 阻塞直到 REST 服务退出。
func (a *Agent) Wait() error {
	a.mu.Lock()
	g := a.group
	a.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop 停止心跳、注销、关闭客户端与监听。可在部分启动后调用，多次调用只执行一次。
func (a *Agent) Stop(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.state.Store(StateStopping)

		a.mu.Lock()
		defer a.mu.Unlock()

		if a.registrar != nil {
			if err := a.registrar.Stop(); err != nil {
				errs = append(errs, err)
			}
			if a.heartbeat {
				if err := a.registrar.Unregister(ctx); err != nil {
					a.logger.Warn("Unregister failed", zap.Error(err))
				}
			}
			a.registrar.Close()
		}

		if a.server != nil && a.group != nil {
			if err := a.server.ShutdownWithTimeout(shutdownTimeout); err != nil {
				errs = append(errs, err)
			}
		}
		// Serve 可能尚未注册监听器，关闭监听器保证其返回
		if a.listener != nil {
			_ = a.listener.Close()
		}

		if a.cancel != nil {
			a.cancel()
		}
		if a.group != nil {
			if err := a.group.Wait(); err != nil {
				errs = append(errs, err)
			}
		}

		if a.workers != nil {
			_ = a.workers.Close(0)
		}

		a.state.Store(StateStopped)
		a.logger.Info("Agent stopped")
	})
	return errors.Join(errs...)
}
