package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/grid-agent/pkg/types"
)

func TestNewContextPropertyPrecedence(t *testing.T) {
	token := types.Token{ID: "t1", Properties: map[string]string{"b": "token", "c": "token"}}
	req := &types.CallRequest{Properties: map[string]string{"c": "request"}}

	hc := NewContext(token, map[string]string{"a": "agent", "b": "agent"}, req)

	assert.Equal(t, "agent", hc.Property("a", ""))
	assert.Equal(t, "token", hc.Property("b", ""))
	assert.Equal(t, "request", hc.Property("c", ""))
	assert.Equal(t, "def", hc.Property("missing", "def"))
	assert.NotNil(t, hc.Log())
}

func TestEcho(t *testing.T) {
	req := &types.CallRequest{Function: "echo", Argument: json.RawMessage(`{"x":1}`)}
	hc := NewContext(types.Token{ID: "t1"}, map[string]string{"p": "v"}, req)

	res, err := echo(context.Background(), hc, req)
	require.NoError(t, err)
	require.False(t, res.Failed())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(res.Payload, &payload))
	assert.Equal(t, map[string]any{"x": float64(1)}, payload["argument"])
	assert.Equal(t, "t1", payload["tokenId"])
	assert.Equal(t, map[string]any{"p": "v"}, payload["properties"])
	require.Len(t, res.Measures, 1)
	assert.Equal(t, NameEcho, res.Measures[0].Name)
}

func TestSleepStopsOnCancel(t *testing.T) {
	hc := &Context{Arg: "10000"}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := sleep(ctx, hc, &types.CallRequest{})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sleep ignored cancellation")
	}
}

func TestSleepDurationFromArgument(t *testing.T) {
	req := &types.CallRequest{Argument: json.RawMessage(`{"ms":5}`)}
	res, err := sleep(context.Background(), &Context{}, req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"slept":5}`, string(res.Payload))

	_, err = sleep(context.Background(), &Context{Arg: "abc"}, req)
	assert.Error(t, err)
}

func TestFailAndPanic(t *testing.T) {
	_, err := fail(context.Background(), &Context{Arg: "bad input"}, &types.CallRequest{})
	assert.EqualError(t, err, "bad input")

	assert.PanicsWithValue(t, "panic requested", func() {
		_, _ = panicking(context.Background(), &Context{}, &types.CallRequest{})
	})
}

type stubFiles struct {
	fv   types.FileVersion
	path string
	err  error
}

func (s stubFiles) GetFile(context.Context, string) (types.FileVersion, string, error) {
	return s.fv, s.path, s.err
}

func TestGetFile(t *testing.T) {
	hc := &Context{Arg: "f1", Files: stubFiles{fv: types.FileVersion{FileID: "f1", Filename: "data.csv"}, path: "/tmp/f1/data.csv"}}
	res, err := getFile(context.Background(), hc, &types.CallRequest{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/tmp/f1/data.csv","filename":"data.csv","directory":false}`, string(res.Payload))
	require.Len(t, res.Measures, 1)

	hc.Files = stubFiles{err: errors.New("down")}
	_, err = getFile(context.Background(), hc, &types.CallRequest{})
	assert.EqualError(t, err, "down")

	_, err = getFile(context.Background(), &Context{}, &types.CallRequest{})
	assert.Error(t, err)
}

func TestOutputBuilder(t *testing.T) {
	b := NewOutputBuilder()
	now := time.UnixMilli(1000)
	b.now = func() time.Time { return now }

	b.StartMeasure("first")
	now = now.Add(20 * time.Millisecond)
	b.StartMeasure("second")
	now = now.Add(5 * time.Millisecond)
	b.StopMeasure(map[string]any{"k": "v"})
	b.AddAttachment("out.txt", []byte("hi"))
	b.Add("ok", true)

	res, err := b.Build()
	require.NoError(t, err)
	require.Len(t, res.Measures, 2)
	assert.Equal(t, types.Measure{Name: "first", Begin: 1000, Duration: 20}, res.Measures[0])
	assert.Equal(t, types.Measure{Name: "second", Begin: 1020, Duration: 5, Data: map[string]any{"k": "v"}}, res.Measures[1])
	require.Len(t, res.Attachments, 1)
	data, err := res.Attachments[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
	assert.JSONEq(t, `{"ok":true}`, string(res.Payload))

	failed, err := NewOutputBuilder().SetError("nope").Build()
	require.NoError(t, err)
	assert.True(t, failed.Failed())
	assert.Nil(t, failed.Payload)
}
