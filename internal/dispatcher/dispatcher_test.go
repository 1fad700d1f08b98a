package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"yqhp/grid-agent/internal/handler"
	"yqhp/grid-agent/internal/metrics"
	"yqhp/grid-agent/internal/tokenpool"
	"yqhp/grid-agent/internal/worker"
	"yqhp/grid-agent/pkg/types"
)

const testAgentURL = "http://agent.local:4444"

// reuseWarning 与 Process 中的日志消息一致
const reuseWarning = "Token already in use, accepting concurrent call"

type fixture struct {
	d    *Dispatcher
	pool *tokenpool.Pool
	logs *observer.ObservedLogs
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	pool := tokenpool.New(log)
	pool.Offer(types.Token{ID: "t1", AgentID: "agent-1", Properties: map[string]string{"tp": "token"}})
	pool.Offer(types.Token{ID: "t2", AgentID: "agent-1"})

	workers, err := worker.NewPool(-1, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = workers.Close(0) })

	registry := handler.NewRegistry()
	require.NoError(t, handler.RegisterBuiltins(registry))

	opts := Options{
		Pool:            pool,
		Workers:         workers,
		Handlers:        registry,
		AgentProperties: map[string]string{"ap": "agent", "tp": "agent"},
		Metrics:         metrics.NewCollector("test", log),
		Logger:          log,
	}
	for _, m := range mutate {
		m(&opts)
	}

	d, err := New(opts)
	require.NoError(t, err)
	d.SetAgentURL(testAgentURL)
	return &fixture{d: d, pool: pool, logs: logs}
}

func (f *fixture) inUse(t *testing.T, id string) bool {
	t.Helper()
	v, err := f.pool.IsInUse(id)
	require.NoError(t, err)
	return v
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestProcessUnknownToken(t *testing.T) {
	f := newFixture(t)
	before := f.d.List()

	res := f.d.Process(context.Background(), "missing", &types.CallRequest{Function: "echo", CallTimeout: 100})

	assert.Equal(t, "No token found with id missing", res.Error)
	assert.Empty(t, res.Attachments)
	assert.Equal(t, before, f.d.List())
}

func TestProcessCompletes(t *testing.T) {
	f := newFixture(t)

	req := &types.CallRequest{
		Function:    "echo",
		Argument:    json.RawMessage(`{"q":"x"}`),
		Properties:  map[string]string{"rp": "request"},
		CallTimeout: 1000,
	}
	res := f.d.Process(context.Background(), "t1", req)
	require.False(t, res.Failed(), res.Error)

	var payload struct {
		Argument   map[string]any    `json:"argument"`
		Properties map[string]string `json:"properties"`
		TokenID    string            `json:"tokenId"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &payload))
	assert.Equal(t, "x", payload.Argument["q"])
	assert.Equal(t, "t1", payload.TokenID)
	assert.Equal(t, map[string]string{"ap": "agent", "tp": "token", "rp": "request"}, payload.Properties)
	assert.False(t, f.inUse(t, "t1"))
}

func TestProcessUsesHandlerKey(t *testing.T) {
	f := newFixture(t)

	res := f.d.Process(context.Background(), "t1", &types.CallRequest{Function: "business step", Handler: "echo", CallTimeout: 1000})
	require.False(t, res.Failed(), res.Error)
	assert.Contains(t, string(res.Payload), `"function":"business step"`)
}

func TestProcessUnknownHandler(t *testing.T) {
	f := newFixture(t)

	res := f.d.Process(context.Background(), "t1", &types.CallRequest{Function: "nope", CallTimeout: 1000})

	assert.Equal(t, "Error in agent '"+testAgentURL+"' while executing 'nope': handler not found: nope", res.Error)
	require.Len(t, res.Attachments, 1)
	assert.Equal(t, AttachmentException, res.Attachments[0].Name)
	assert.False(t, f.inUse(t, "t1"))
}

func TestProcessHandlerError(t *testing.T) {
	f := newFixture(t)

	res := f.d.Process(context.Background(), "t1", &types.CallRequest{Function: "fail(bad input)", CallTimeout: 1000})

	assert.Equal(t, "Error in agent '"+testAgentURL+"' while executing 'fail(bad input)': bad input", res.Error)
	require.Len(t, res.Attachments, 1)
	data, err := res.Attachments[0].Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(data), "bad input")
	assert.False(t, f.inUse(t, "t1"))
}

func TestProcessHandlerPanic(t *testing.T) {
	f := newFixture(t)

	res := f.d.Process(context.Background(), "t1", &types.CallRequest{Function: "panic(boom)", CallTimeout: 1000})

	assert.Equal(t, "Error in agent '"+testAgentURL+"' while executing 'panic(boom)': panic: boom", res.Error)
	require.Len(t, res.Attachments, 1)
	assert.Equal(t, AttachmentException, res.Attachments[0].Name)
	data, err := res.Attachments[0].Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(data), "goroutine")
	assert.False(t, f.inUse(t, "t1"))
}

func TestProcessTimeoutCooperative(t *testing.T) {
	f := newFixture(t)

	start := time.Now()
	res := f.d.Process(context.Background(), "t1", &types.CallRequest{Function: "sleep(10000)", CallTimeout: 50})
	elapsed := time.Since(start)

	assert.Equal(t, MsgInterrupted, res.Error)
	require.NotEmpty(t, res.Attachments)
	assert.Equal(t, AttachmentStacktrace, res.Attachments[0].Name)
	assert.False(t, f.inUse(t, "t1"))
	assert.Less(t, elapsed, 50*time.Millisecond+MaxInterruptAttempts*InterruptDelay+500*time.Millisecond)
}

func TestProcessTimeoutUncooperative(t *testing.T) {
	f := newFixture(t)

	start := time.Now()
	res := f.d.Process(context.Background(), "t1", &types.CallRequest{Function: "sleepThenIgnoreInterrupt(1500)", CallTimeout: 50})
	elapsed := time.Since(start)

	assert.Equal(t, MsgNotInterrupted, res.Error)
	assert.Len(t, res.Attachments, MaxInterruptAttempts)
	for _, a := range res.Attachments {
		assert.Equal(t, AttachmentStacktrace, a.Name)
	}
	assert.True(t, f.inUse(t, "t1"))
	assert.Less(t, elapsed, 50*time.Millisecond+MaxInterruptAttempts*InterruptDelay+700*time.Millisecond)

	// 被放弃的任务自行结束后令牌恢复可用
	assert.Eventually(t, func() bool { return !f.inUse(t, "t1") }, 3*time.Second, 20*time.Millisecond)
}

func TestProcessDefaultTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CallTimeout = 30 * time.Millisecond })

	res := f.d.Process(context.Background(), "t1", &types.CallRequest{Function: "sleep(10000)"})
	assert.Equal(t, MsgInterrupted, res.Error)
}

func TestProcessCallerCancellation(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res := f.d.Process(ctx, "t1", &types.CallRequest{Function: "sleep(10000)", CallTimeout: 60000})
	assert.Equal(t, MsgInterrupted, res.Error)
	assert.False(t, f.inUse(t, "t1"))
}

func TestProcessReuseWarnsOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var first *types.CallResult
	go func() {
		defer wg.Done()
		first = f.d.Process(context.Background(), "t1", &types.CallRequest{Function: "sleep(300)", CallTimeout: 5000})
	}()

	require.Eventually(t, func() bool { return f.inUse(t, "t1") }, time.Second, time.Millisecond)

	second := f.d.Process(context.Background(), "t1", &types.CallRequest{Function: "echo", CallTimeout: 1000})
	require.False(t, second.Failed(), second.Error)

	wg.Wait()
	require.False(t, first.Failed(), first.Error)

	assert.Equal(t, 1, f.logs.FilterMessage(reuseWarning).FilterLevelExact(zapcore.WarnLevel).Len())
	assert.False(t, f.inUse(t, "t1"))
}

func TestProcessOtherTokenUnaffected(t *testing.T) {
	f := newFixture(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.d.Process(context.Background(), "t1", &types.CallRequest{Function: "sleep(200)", CallTimeout: 5000})
	}()
	require.Eventually(t, func() bool { return f.inUse(t, "t1") }, time.Second, time.Millisecond)

	res := f.d.Process(context.Background(), "t2", &types.CallRequest{Function: "echo", CallTimeout: 1000})
	assert.False(t, res.Failed())
	assert.Equal(t, 0, f.logs.FilterMessage(reuseWarning).Len())

	available := f.d.AvailableTokens()
	require.Len(t, available, 1)
	assert.Equal(t, "t2", available[0].ID)
	<-done
}

func TestReserveRelease(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.d.Reserve("t1"))
	assert.True(t, f.pool.HasSession("t1"))
	require.NoError(t, f.d.Release("t1"))
	assert.False(t, f.pool.HasSession("t1"))

	assert.ErrorIs(t, f.d.Reserve("missing"), types.ErrUnknownToken)
	assert.ErrorIs(t, f.d.Release("missing"), types.ErrUnknownToken)
}

func TestListIsIdempotent(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, f.d.List(), f.d.List())
	assert.Len(t, f.d.List(), 2)
}

// aliasedID 返回与 buf 共享内存的字符串，模拟 fiber 路由参数。
func aliasedID(buf []byte) string {
	return unsafe.String(&buf[0], len(buf))
}

func TestAbandonedWorkerReleasesItsOwnToken(t *testing.T) {
	f := newFixture(t)

	buf := []byte("t1")
	res := f.d.Process(context.Background(), aliasedID(buf), &types.CallRequest{
		Function:    "sleepThenIgnoreInterrupt(300)",
		CallTimeout: 20,
	})
	require.Equal(t, MsgNotInterrupted, res.Error)

	// 请求缓冲区被下一个请求复用
	copy(buf, "t2")
	_, err := f.pool.MarkInUse("t2", true)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !f.inUse(t, "t1") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.inUse(t, "t2"))
}

func TestAwaitPrefersReadyOutcome(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 100; i++ {
		results := make(chan outcome, 1)
		results <- outcome{result: &types.CallResult{Payload: json.RawMessage(`{"done":true}`)}}

		o, ok := f.d.await(context.Background(), 0, results, zap.NewNop())
		require.True(t, ok)
		assert.JSONEq(t, `{"done":true}`, string(o.result.Payload))
	}
}

func TestAwaitTimesOutWithoutOutcome(t *testing.T) {
	f := newFixture(t)
	_, ok := f.d.await(context.Background(), 5*time.Millisecond, make(chan outcome, 1), zap.NewNop())
	assert.False(t, ok)
}
