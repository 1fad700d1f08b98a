// Package worker 在 ants 协程池上运行可中断的任务。
//
// 每个任务记录自身的 goroutine id，以便在超时时抓取其堆栈；
// 中断通过取消任务的 context 实现，是否停止取决于任务本身是否配合。
package worker

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"yqhp/grid-agent/pkg/logger"
)

// Func 任务函数。ctx 在 Interrupt 时被取消。
type Func func(ctx context.Context)

// Task 在池中运行的一次调用。
type Task struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc

	started chan struct{}
	done    chan struct{}

	gid        atomic.Uint64
	interrupts atomic.Int32

	mu         sync.Mutex
	panicValue any
	panicStack []byte
}

// Name 任务名称。
func (t *Task) Name() string {
	return t.name
}

// Started 判断任务是否已开始执行。
func (t *Task) Started() bool {
	select {
	case <-t.started:
		return true
	default:
		return false
	}
}

// Done 在任务结束（包括 panic）后关闭。
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Interrupt 请求任务停止。
func (t *Task) Interrupt() {
	t.interrupts.Add(1)
	t.cancel()
}

// Interrupts 返回 Interrupt 被调用的次数。
func (t *Task) Interrupts() int {
	return int(t.interrupts.Load())
}

// Panic 返回任务 panic 的值与堆栈，未 panic 时为 nil。
func (t *Task) Panic() (any, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.panicValue, t.panicStack
}

// Stack 返回运行该任务的 goroutine 的当前堆栈。
// 任务未开始或已结束时返回 nil。
func (t *Task) Stack() []byte {
	if !t.Started() {
		return nil
	}
	select {
	case <-t.done:
		return nil
	default:
	}

	gid := t.gid.Load()
	if gid == 0 {
		return nil
	}
	return goroutineStack(gid)
}

func (t *Task) run(fn Func) {
	t.gid.Store(currentGoroutineID())
	close(t.started)
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.mu.Lock()
			t.panicValue = r
			t.panicStack = debug.Stack()
			t.mu.Unlock()
		}
	}()
	fn(t.ctx)
}

// Pool 任务池。
type Pool struct {
	pool   *ants.Pool
	logger *zap.Logger

	submitted atomic.Int64
}

// NewPool 创建任务池。size <= 0 表示不限制并发数。
func NewPool(size int, l *zap.Logger) (*Pool, error) {
	log := logger.OrNop(l).Named("worker")
	p, err := ants.NewPool(size,
		ants.WithPanicHandler(func(r interface{}) {
			log.Error("Worker panic escaped task", zap.Any("panic", r))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("创建协程池失败: %w", err)
	}
	return &Pool{pool: p, logger: log}, nil
}

// Submit 提交任务。返回的 Task 可用于等待、抓取堆栈与中断。
func (p *Pool) Submit(ctx context.Context, name string, fn Func) (*Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		name:    name,
		ctx:     taskCtx,
		cancel:  cancel,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := p.pool.Submit(func() {
		defer cancel()
		t.run(fn)
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("提交任务 %s 失败: %w", name, err)
	}
	p.submitted.Add(1)
	return t, nil
}

// Running 返回正在运行的任务数。
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Submitted 返回累计提交的任务数。
func (p *Pool) Submitted() int64 {
	return p.submitted.Load()
}

// Close 释放池，最多等待 timeout 让运行中的任务结束。
func (p *Pool) Close(timeout time.Duration) error {
	if timeout <= 0 {
		p.pool.Release()
		return nil
	}
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		p.logger.Warn("Worker pool released with running tasks", zap.Int("running", p.pool.Running()), zap.Error(err))
		return err
	}
	return nil
}

var goroutinePrefix = []byte("goroutine ")

// currentGoroutineID 解析 runtime.Stack 首行 "goroutine N [running]:"。
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	line := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(line, ' '); i > 0 {
		id, err := strconv.ParseUint(string(line[:i]), 10, 64)
		if err == nil {
			return id
		}
	}
	return 0
}

func allStacks() []byte {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, len(buf)*2)
	}
}

func goroutineStack(gid uint64) []byte {
	header := []byte("goroutine " + strconv.FormatUint(gid, 10) + " ")
	for _, block := range bytes.Split(allStacks(), []byte("\n\n")) {
		if bytes.HasPrefix(block, header) {
			return append([]byte(nil), block...)
		}
	}
	return nil
}
