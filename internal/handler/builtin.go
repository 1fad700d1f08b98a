package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"yqhp/grid-agent/pkg/types"
)

// Built-in handler names.
const (
	NameEcho                     = "echo"
	NameSleep                    = "sleep"
	NameSleepThenIgnoreInterrupt = "sleepThenIgnoreInterrupt"
	NameFail                     = "fail"
	NamePanic                    = "panic"
	NameGetFile                  = "getFile"
)

// RegisterBuiltins adds the built-in handlers to r.
func RegisterBuiltins(r *Registry) error {
	for _, h := range []Handler{
		NewFunc(NameEcho, "returns the argument, merged properties and token id", echo),
		NewFunc(NameSleep, "sleeps for the given milliseconds, stops on interrupt", sleep),
		NewFunc(NameSleepThenIgnoreInterrupt, "sleeps for the given milliseconds ignoring interrupts", sleepIgnoringInterrupt),
		NewFunc(NameFail, "returns an error", fail),
		NewFunc(NamePanic, "panics", panicking),
		NewFunc(NameGetFile, "fetches a grid file into the local cache", getFile),
	} {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func echo(_ context.Context, hc *Context, req *types.CallRequest) (*types.CallResult, error) {
	out := NewOutputBuilder()
	out.StartMeasure(NameEcho)
	var arg any
	if len(req.Argument) > 0 {
		if err := json.Unmarshal(req.Argument, &arg); err != nil {
			return nil, fmt.Errorf("decode argument: %w", err)
		}
	}
	out.Add("argument", arg).
		Add("properties", hc.Properties).
		Add("tokenId", hc.Token.ID).
		Add("function", req.Function)
	return out.Build()
}

// duration reads the call duration from the function argument, e.g.
// "sleep(500)", or from {"ms": 500} in the request argument.
func duration(hc *Context, req *types.CallRequest) (time.Duration, error) {
	if hc.Arg != "" {
		ms, err := strconv.ParseInt(hc.Arg, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", hc.Arg, err)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	if len(req.Argument) > 0 {
		var arg struct {
			MS int64 `json:"ms"`
		}
		if err := json.Unmarshal(req.Argument, &arg); err == nil {
			return time.Duration(arg.MS) * time.Millisecond, nil
		}
	}
	return 0, nil
}

func sleep(ctx context.Context, hc *Context, req *types.CallRequest) (*types.CallResult, error) {
	d, err := duration(hc, req)
	if err != nil {
		return nil, err
	}
	begin := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		hc.Log().Debug("Sleep interrupted", zap.Duration("elapsed", time.Since(begin)))
		return nil, ctx.Err()
	}
	return NewOutputBuilder().
		Add("slept", d.Milliseconds()).
		AddMeasure(NameSleep, begin, time.Since(begin), nil).
		Build()
}

func sleepIgnoringInterrupt(_ context.Context, hc *Context, req *types.CallRequest) (*types.CallResult, error) {
	d, err := duration(hc, req)
	if err != nil {
		return nil, err
	}
	time.Sleep(d)
	return NewOutputBuilder().Add("slept", d.Milliseconds()).Build()
}

func fail(_ context.Context, hc *Context, _ *types.CallRequest) (*types.CallResult, error) {
	msg := hc.Arg
	if msg == "" {
		msg = "failure requested"
	}
	return nil, errors.New(msg)
}

func panicking(_ context.Context, hc *Context, _ *types.CallRequest) (*types.CallResult, error) {
	msg := hc.Arg
	if msg == "" {
		msg = "panic requested"
	}
	panic(msg)
}

func getFile(ctx context.Context, hc *Context, req *types.CallRequest) (*types.CallResult, error) {
	if hc.Files == nil {
		return nil, errors.New("no file provider configured")
	}
	fileID := hc.Arg
	if fileID == "" && len(req.Argument) > 0 {
		var arg struct {
			FileID string `json:"fileId"`
		}
		if err := json.Unmarshal(req.Argument, &arg); err != nil {
			return nil, fmt.Errorf("decode argument: %w", err)
		}
		fileID = arg.FileID
	}
	if fileID == "" {
		return nil, errors.New("file id is required")
	}

	out := NewOutputBuilder()
	out.StartMeasure(NameGetFile)
	fv, path, err := hc.Files.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	out.StopMeasure(map[string]any{"fileId": fileID})
	return out.Add("path", path).
		Add("filename", fv.Filename).
		Add("directory", fv.IsDirectory).
		Build()
}
