package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool(-1, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(time.Second) })
	return p
}

func TestSubmitRuns(t *testing.T) {
	p := newTestPool(t)

	ran := make(chan struct{})
	task, err := p.Submit(context.Background(), "simple", func(ctx context.Context) {
		close(ran)
	})
	require.NoError(t, err)

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}
	<-ran
	assert.True(t, task.Started())
	assert.Equal(t, "simple", task.Name())
	assert.Nil(t, task.Stack())
	assert.EqualValues(t, 1, p.Submitted())
}

func TestInterruptCooperative(t *testing.T) {
	p := newTestPool(t)

	task, err := p.Submit(context.Background(), "waiter", func(ctx context.Context) {
		<-ctx.Done()
	})
	require.NoError(t, err)

	require.Eventually(t, task.Started, time.Second, time.Millisecond)
	task.Interrupt()

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task ignored interrupt")
	}
	assert.Equal(t, 1, task.Interrupts())
}

func blockingFunctionForStack(release <-chan struct{}) {
	<-release
}

func TestStackOfRunningTask(t *testing.T) {
	p := newTestPool(t)

	release := make(chan struct{})
	task, err := p.Submit(context.Background(), "blocked", func(ctx context.Context) {
		blockingFunctionForStack(release)
	})
	require.NoError(t, err)
	require.Eventually(t, task.Started, time.Second, time.Millisecond)

	var stack []byte
	require.Eventually(t, func() bool {
		stack = task.Stack()
		return stack != nil
	}, time.Second, time.Millisecond)
	assert.Contains(t, string(stack), "blockingFunctionForStack")

	close(release)
	<-task.Done()
	assert.Nil(t, task.Stack())
}

func TestPanicIsRecovered(t *testing.T) {
	p := newTestPool(t)

	task, err := p.Submit(context.Background(), "boom", func(ctx context.Context) {
		panic("boom")
	})
	require.NoError(t, err)
	<-task.Done()

	v, stack := task.Panic()
	assert.Equal(t, "boom", v)
	assert.NotEmpty(t, stack)
}

func TestCurrentGoroutineID(t *testing.T) {
	assert.NotZero(t, currentGoroutineID())
}
