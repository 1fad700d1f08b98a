package handler

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"yqhp/grid-agent/pkg/types"
)

// OutputBuilder composes a CallResult from payload entries, attachments and
// measures.
type OutputBuilder struct {
	mu          sync.Mutex
	payload     map[string]any
	errMsg      string
	attachments []types.Attachment
	measures    []types.Measure

	current      string
	currentBegin time.Time

	now func() time.Time
}

// NewOutputBuilder creates an empty builder.
func NewOutputBuilder() *OutputBuilder {
	return &OutputBuilder{
		payload: make(map[string]any),
		now:     time.Now,
	}
}

// Add sets a payload entry.
func (b *OutputBuilder) Add(key string, value any) *OutputBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payload[key] = value
	return b
}

// SetError marks the result as failed.
func (b *OutputBuilder) SetError(msg string) *OutputBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errMsg = msg
	return b
}

// AddAttachment attaches a binary blob.
func (b *OutputBuilder) AddAttachment(name string, data []byte) *OutputBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachments = append(b.attachments, types.NewAttachment(name, data))
	return b
}

// StartMeasure starts a named measure. A measure still open is stopped first.
func (b *OutputBuilder) StartMeasure(name string) *OutputBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != "" {
		b.stopLocked(nil)
	}
	b.current = name
	b.currentBegin = b.now()
	return b
}

// StopMeasure stops the open measure, attaching data to it.
func (b *OutputBuilder) StopMeasure(data map[string]any) *OutputBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != "" {
		b.stopLocked(data)
	}
	return b
}

func (b *OutputBuilder) stopLocked(data map[string]any) {
	end := b.now()
	b.measures = append(b.measures, types.Measure{
		Name:     b.current,
		Begin:    b.currentBegin.UnixMilli(),
		Duration: end.Sub(b.currentBegin).Milliseconds(),
		Data:     data,
	})
	b.current = ""
}

// AddMeasure records a measure taken elsewhere.
func (b *OutputBuilder) AddMeasure(name string, begin time.Time, duration time.Duration, data map[string]any) *OutputBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.measures = append(b.measures, types.Measure{
		Name:     name,
		Begin:    begin.UnixMilli(),
		Duration: duration.Milliseconds(),
		Data:     data,
	})
	return b
}

// Build returns the result. An open measure is stopped.
func (b *OutputBuilder) Build() (*types.CallResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != "" {
		b.stopLocked(nil)
	}

	result := &types.CallResult{
		Error:       b.errMsg,
		Attachments: append([]types.Attachment(nil), b.attachments...),
		Measures:    append([]types.Measure(nil), b.measures...),
	}
	if len(b.payload) > 0 {
		raw, err := json.Marshal(b.payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		result.Payload = raw
	}
	return result, nil
}
