// Package handler provides the business functions executed on a token.
// Handlers are registered by name before the agent serves traffic and are
// resolved from the call's handler key.
package handler

import (
	"context"
	"maps"

	"go.uber.org/zap"

	"yqhp/grid-agent/pkg/logger"
	"yqhp/grid-agent/pkg/types"
)

// Handler defines the interface for all functions runnable on a token.
type Handler interface {
	// Name returns the key the handler is registered under.
	Name() string

	// Description returns a human-readable description of the handler.
	Description() string

	// Handle runs the call. ctx is cancelled when the call is interrupted.
	Handle(ctx context.Context, hc *Context, req *types.CallRequest) (*types.CallResult, error)
}

// FileProvider resolves a grid file id into a local path.
type FileProvider interface {
	GetFile(ctx context.Context, fileID string) (types.FileVersion, string, error)
}

// Context holds what a handler may use while running on a token.
type Context struct {
	// Token is a snapshot of the token the call runs on.
	Token types.Token

	// Properties are agent properties overlaid by token then request properties.
	Properties map[string]string

	// Arg is the text between parentheses of the function id, if any.
	Arg string

	// AgentURL is the public url of the agent.
	AgentURL string

	Files  FileProvider
	Logger *zap.Logger
}

// NewContext builds a handler context. Property precedence is
// agent < token < request.
func NewContext(token types.Token, agentProps map[string]string, req *types.CallRequest) *Context {
	props := make(map[string]string, len(agentProps)+len(token.Properties))
	maps.Copy(props, agentProps)
	maps.Copy(props, token.Properties)
	if req != nil {
		maps.Copy(props, req.Properties)
	}
	return &Context{
		Token:      token,
		Properties: props,
		Logger:     zap.NewNop(),
	}
}

// Property returns a merged property or def when absent.
func (c *Context) Property(key, def string) string {
	if v, ok := c.Properties[key]; ok {
		return v
	}
	return def
}

// Log returns the context logger, never nil.
func (c *Context) Log() *zap.Logger {
	return logger.OrNop(c.Logger)
}

// BaseHandler provides common functionality for handlers.
type BaseHandler struct {
	name        string
	description string
}

// NewBaseHandler creates a new base handler.
func NewBaseHandler(name, description string) BaseHandler {
	return BaseHandler{name: name, description: description}
}

// Name returns the handler name.
func (b BaseHandler) Name() string {
	return b.name
}

// Description returns the handler description.
func (b BaseHandler) Description() string {
	return b.description
}

// Func adapts a plain function into a Handler.
type Func struct {
	BaseHandler
	fn func(ctx context.Context, hc *Context, req *types.CallRequest) (*types.CallResult, error)
}

// NewFunc wraps fn as a named handler.
func NewFunc(name, description string, fn func(ctx context.Context, hc *Context, req *types.CallRequest) (*types.CallResult, error)) *Func {
	return &Func{BaseHandler: NewBaseHandler(name, description), fn: fn}
}

// Handle calls the wrapped function.
func (f *Func) Handle(ctx context.Context, hc *Context, req *types.CallRequest) (*types.CallResult, error) {
	return f.fn(ctx, hc, req)
}
