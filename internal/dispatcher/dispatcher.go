// Package dispatcher runs calls on tokens within the caller's time budget.
//
// A call resolves its token and handler, flags the token in use and runs the
// handler on a worker. When the budget expires the dispatcher interrupts the
// worker up to MaxInterruptAttempts times and reports whether the token was
// freed. The dispatcher never returns an error: every outcome is a CallResult.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/grid-agent/internal/handler"
	"yqhp/grid-agent/internal/metrics"
	"yqhp/grid-agent/internal/tokenpool"
	"yqhp/grid-agent/internal/worker"
	"yqhp/grid-agent/pkg/logger"
	"yqhp/grid-agent/pkg/types"
)

// Result messages and attachment names returned to the scheduler.
const (
	MsgInterrupted    = "Timeout while processing request. Request execution interrupted successfully."
	MsgNotInterrupted = "Timeout while processing request. WARNING: Request execution couldn't be interrupted. Subsequent calls to that token may fail!"

	AttachmentStacktrace = "stacktrace_before_interruption.log"
	AttachmentException  = "exception.log"
)

const (
	// MaxInterruptAttempts bounds the interruption loop.
	MaxInterruptAttempts = 10
	// InterruptDelay is the wait between two interruption attempts.
	InterruptDelay = 10 * time.Millisecond
	// DefaultCallTimeout applies to calls without a callTimeout.
	DefaultCallTimeout = 5 * time.Minute
)

// Options configures a Dispatcher.
type Options struct {
	Pool     *tokenpool.Pool
	Workers  *worker.Pool
	Handlers *handler.Registry

	// Files is handed to handlers through their context. May be nil.
	Files handler.FileProvider

	// AgentProperties are merged under token and request properties.
	AgentProperties map[string]string

	// CallTimeout replaces a missing or non-positive request callTimeout.
	CallTimeout time.Duration

	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Dispatcher processes calls on tokens.
type Dispatcher struct {
	pool       *tokenpool.Pool
	workers    *worker.Pool
	handlers   *handler.Registry
	files      handler.FileProvider
	agentProps map[string]string
	metrics    *metrics.Collector
	logger     *zap.Logger

	callTimeout    time.Duration
	maxAttempts    int
	interruptDelay time.Duration

	agentURL atomic.Pointer[string]
}

// New creates a dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Pool == nil {
		return nil, errors.New("dispatcher: token pool is required")
	}
	if opts.Workers == nil {
		return nil, errors.New("dispatcher: worker pool is required")
	}
	if opts.Handlers == nil {
		return nil, errors.New("dispatcher: handler registry is required")
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	d := &Dispatcher{
		pool:           opts.Pool,
		workers:        opts.Workers,
		handlers:       opts.Handlers,
		files:          opts.Files,
		agentProps:     maps.Clone(opts.AgentProperties),
		metrics:        opts.Metrics,
		logger:         logger.OrNop(opts.Logger).Named("dispatcher"),
		callTimeout:    callTimeout,
		maxAttempts:    MaxInterruptAttempts,
		interruptDelay: InterruptDelay,
	}
	empty := ""
	d.agentURL.Store(&empty)
	return d, nil
}

// SetAgentURL sets the url reported in unexpected error messages.
func (d *Dispatcher) SetAgentURL(url string) {
	d.agentURL.Store(&url)
}

// AgentURL returns the url reported in unexpected error messages.
func (d *Dispatcher) AgentURL() string {
	return *d.agentURL.Load()
}

type outcome struct {
	result *types.CallResult
	err    error
	stack  []byte
}

// Process runs req on the token tokenID. Only the pool-owned token id is
// retained past the call, so tokenID may alias a request buffer.
func (d *Dispatcher) Process(ctx context.Context, tokenID string, req *types.CallRequest) *types.CallResult {
	if req == nil {
		req = &types.CallRequest{}
	}
	begin := time.Now()

	token, err := d.pool.Get(tokenID)
	if err != nil {
		d.metrics.RecordUnknownToken()
		d.logger.Warn("Call for unknown token", zap.String("token_id", tokenID), zap.String("function", req.Function))
		return types.NewErrorResult(fmt.Sprintf("No token found with id %s", tokenID))
	}
	tokenID = token.ID
	d.pool.Touch(tokenID)

	log := d.logger.With(zap.String("token_id", tokenID), zap.String("function", req.Function))

	h, arg, err := d.handlers.Resolve(req.HandlerKey())
	if err != nil {
		d.metrics.CallStarted()
		d.metrics.CallFinished(metrics.OutcomeFailed, time.Since(begin))
		log.Error("Handler resolution failed", zap.Error(err))
		return d.unexpectedError(req, err, nil)
	}

	if prev, _ := d.pool.MarkInUse(tokenID, true); prev {
		d.metrics.RecordTokenReuse()
		log.Warn("Token already in use, accepting concurrent call")
	}
	d.metrics.CallStarted()

	hc := handler.NewContext(token, d.agentProps, req)
	hc.Arg = arg
	hc.AgentURL = d.AgentURL()
	hc.Files = d.files
	hc.Logger = log

	results := make(chan outcome, 1)
	task, err := d.workers.Submit(ctx, req.Function, func(taskCtx context.Context) {
		d.run(taskCtx, tokenID, h, hc, req, results)
	})
	if err != nil {
		_, _ = d.pool.MarkInUse(tokenID, false)
		d.metrics.CallFinished(metrics.OutcomeFailed, time.Since(begin))
		log.Error("Failed to submit call", zap.Error(err))
		return d.unexpectedError(req, err, nil)
	}
	log.Debug("Call submitted", zap.Duration("timeout", d.timeout(req)))

	if o, ok := d.await(ctx, d.timeout(req), results, log); ok {
		return d.complete(req, o, begin, log)
	}
	return d.interrupt(tokenID, task, begin, log)
}

// await waits for the outcome within timeout. It reports false when the call
// timed out or the caller went away without an outcome being available.
func (d *Dispatcher) await(ctx context.Context, timeout time.Duration, results <-chan outcome, log *zap.Logger) (outcome, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-results:
		return o, true
	case <-timer.C:
	case <-ctx.Done():
	}

	// 超时与完成同时就绪时以完成为准
	select {
	case o := <-results:
		return o, true
	default:
	}

	if err := ctx.Err(); err != nil {
		log.Warn("Call cancelled by caller, interrupting", zap.Error(err))
	} else {
		log.Warn("Call timed out, interrupting", zap.Duration("timeout", timeout))
	}
	return outcome{}, false
}

func (d *Dispatcher) timeout(req *types.CallRequest) time.Duration {
	if req.CallTimeout > 0 {
		return req.Timeout()
	}
	return d.callTimeout
}

// run executes the handler. The token is released before the outcome is
// published so a caller that sees the result also sees inUse=false.
func (d *Dispatcher) run(ctx context.Context, tokenID string, h handler.Handler, hc *handler.Context, req *types.CallRequest, results chan<- outcome) {
	var o outcome
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: fmt.Errorf("panic: %v", r), stack: debug.Stack()}
		}
		_, _ = d.pool.MarkInUse(tokenID, false)
		results <- o
	}()

	o.result, o.err = h.Handle(ctx, hc, req)
}

func (d *Dispatcher) complete(req *types.CallRequest, o outcome, begin time.Time, log *zap.Logger) *types.CallResult {
	if o.err != nil {
		d.metrics.CallFinished(metrics.OutcomeFailed, time.Since(begin))
		log.Error("Call failed", zap.Error(o.err))
		return d.unexpectedError(req, o.err, o.stack)
	}

	result := o.result
	if result == nil {
		result = &types.CallResult{}
	}
	status := metrics.OutcomeCompleted
	if result.Failed() {
		status = metrics.OutcomeFailed
	}
	d.metrics.CallFinished(status, time.Since(begin))
	log.Debug("Call completed", zap.Duration("duration", time.Since(begin)), zap.Bool("failed", result.Failed()))
	return result
}

// interrupt drives the bounded interruption loop for a timed out call.
func (d *Dispatcher) interrupt(tokenID string, task *worker.Task, begin time.Time, log *zap.Logger) *types.CallResult {
	var attachments []types.Attachment
	attempts := 0
	for attempts < d.maxAttempts {
		inUse, _ := d.pool.IsInUse(tokenID)
		if !inUse {
			break
		}
		attempts++
		if task.Started() {
			if stack := task.Stack(); stack != nil {
				attachments = append(attachments, types.NewAttachment(AttachmentStacktrace, stack))
			}
			task.Interrupt()
		}
		time.Sleep(d.interruptDelay)
	}
	d.metrics.RecordInterruptAttempts(attempts)

	if inUse, _ := d.pool.IsInUse(tokenID); inUse {
		d.metrics.CallFinished(metrics.OutcomeStuck, time.Since(begin))
		log.Error("Call could not be interrupted, token may be stuck", zap.Int("attempts", attempts))
		return types.NewErrorResult(MsgNotInterrupted, attachments...)
	}

	d.metrics.CallFinished(metrics.OutcomeInterrupted, time.Since(begin))
	log.Info("Call interrupted", zap.Int("attempts", attempts))
	return types.NewErrorResult(MsgInterrupted, attachments...)
}

func (d *Dispatcher) unexpectedError(req *types.CallRequest, err error, stack []byte) *types.CallResult {
	msg := fmt.Sprintf("Error in agent '%s' while executing '%s': %s", d.AgentURL(), req.Function, err.Error())
	report := fmt.Sprintf("%+v\n", err)
	if len(stack) > 0 {
		report += "\n" + string(stack)
	}
	return types.NewErrorResult(msg, types.NewAttachment(AttachmentException, []byte(report)))
}

// Reserve opens a reservation session on the token.
func (d *Dispatcher) Reserve(tokenID string) error {
	err := d.pool.Reserve(tokenID)
	if err == nil {
		d.metrics.SetSessions(d.pool.SessionCount())
	}
	return err
}

// Release closes the reservation session on the token.
func (d *Dispatcher) Release(tokenID string) error {
	err := d.pool.Release(tokenID)
	if err == nil {
		d.metrics.SetSessions(d.pool.SessionCount())
	}
	return err
}

// List returns the token inventory.
func (d *Dispatcher) List() []types.Token {
	return d.pool.List()
}

// AvailableTokens returns the tokens not in use.
func (d *Dispatcher) AvailableTokens() []types.Token {
	return d.pool.AvailableTokens()
}
