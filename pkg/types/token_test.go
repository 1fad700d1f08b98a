package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterest_JSON(t *testing.T) {
	in, err := NewInterest("linux|windows", true)
	require.NoError(t, err)

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"selectionPattern":"linux|windows","must":true}`, string(data))

	var out Interest
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Required)
	assert.True(t, out.Matches("windows"))
	assert.False(t, out.Matches("mac"))
}

func TestInterest_InvalidPattern(t *testing.T) {
	_, err := NewInterest("([", false)
	assert.Error(t, err)

	var out Interest
	err = json.Unmarshal([]byte(`{"selectionPattern":"([","must":false}`), &out)
	assert.Error(t, err)
}

func TestInterest_NilMatches(t *testing.T) {
	var in *Interest
	assert.False(t, in.Matches("anything"))
}

func TestAttachment_Hex(t *testing.T) {
	a := NewAttachment("exception.log", []byte("boom"))
	assert.Equal(t, "626f6f6d", a.HexContent)

	data, err := a.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "boom", string(data))
}

func TestCallRequest_HandlerKey(t *testing.T) {
	r := &CallRequest{Function: "echo", CallTimeout: 250}
	assert.Equal(t, "echo", r.HandlerKey())
	assert.Equal(t, int64(250), r.Timeout().Milliseconds())

	r.Handler = "sleep"
	assert.Equal(t, "sleep", r.HandlerKey())
}

func TestNewErrorResult(t *testing.T) {
	r := NewErrorResult("failed", NewAttachment("a", nil), NewAttachment("b", nil))
	assert.True(t, r.Failed())
	assert.Len(t, r.Attachments, 2)

	ok := &CallResult{}
	assert.False(t, ok.Failed())
}
