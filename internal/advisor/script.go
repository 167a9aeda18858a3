//go:build !no_scripting

package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"visionflow/internal/store"
)

// ScriptAdvisor answers advisory calls from a sandboxed Lua script that
// defines any of these globals:
//
//	analyze_media(file)                  -> {tags=..., readabilityScore=..., optimizationTips=...}
//	suggest_playlist_name(names)         -> string
//	suggest_schedule(playlists, devices) -> string
//
// file is a table with name, size and mime. A missing global makes that call
// fail, which callers treat like any other advisory failure.
type ScriptAdvisor struct {
	name    string
	proto   *lua.FunctionProto
	timeout time.Duration
	logger  *slog.Logger
}

// NewScriptAdvisor compiles code once; each call runs it in a fresh VM.
func NewScriptAdvisor(name, code string, logger *slog.Logger) (*ScriptAdvisor, error) {
	chunk, err := parse.Parse(strings.NewReader(code), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return &ScriptAdvisor{
		name:    name,
		proto:   proto,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "advisor", "script", name),
	}, nil
}

// LoadScriptAdvisor reads and compiles the script at path.
func LoadScriptAdvisor(path string, logger *slog.Logger) (*ScriptAdvisor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read advisor script: %w", err)
	}
	return NewScriptAdvisor(path, string(data), logger)
}

func (a *ScriptAdvisor) newState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	L.SetContext(ctx)

	mod := L.NewTable()
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		a.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))
	L.SetGlobal("advisor", mod)

	L.Push(L.NewFunctionFromProto(a.proto))
	if err := L.PCall(0, 0, nil); err != nil {
		L.Close()
		return nil, err
	}
	return L, nil
}

// call runs global fn with args and returns its first result.
func (a *ScriptAdvisor) call(ctx context.Context, op, fn string, args func(L *lua.LState) []lua.LValue) (lua.LValue, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	L, err := a.newState(ctx)
	if err != nil {
		return nil, &ServiceError{Op: op, Err: timeoutErr(err)}
	}
	defer L.Close()

	f, ok := L.GetGlobal(fn).(*lua.LFunction)
	if !ok {
		return nil, &ServiceError{Op: op, Err: fmt.Errorf("%s is not defined", fn)}
	}
	if err := L.CallByParam(lua.P{
		Fn:      f,
		NRet:    1,
		Protect: true,
	}, args(L)...); err != nil {
		return nil, &ServiceError{Op: op, Err: timeoutErr(err)}
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

func timeoutErr(err error) error {
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return fmt.Errorf("timeout: %w", context.DeadlineExceeded)
	}
	return err
}

func (a *ScriptAdvisor) AnalyzeMedia(ctx context.Context, fileName string, data []byte) (*store.AIMetadata, error) {
	ret, err := a.call(ctx, "analyze_media", "analyze_media", func(L *lua.LState) []lua.LValue {
		file := L.NewTable()
		file.RawSetString("name", lua.LString(fileName))
		file.RawSetString("size", lua.LNumber(len(data)))
		file.RawSetString("mime", lua.LString(detectMime(data)))
		return []lua.LValue{file}
	})
	if err != nil {
		return nil, err
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, &ServiceError{Op: "analyze_media", Err: fmt.Errorf("expected table, got %s", ret.Type())}
	}
	meta := &store.AIMetadata{
		OptimizationTips: lua.LVAsString(tbl.RawGetString("optimizationTips")),
		ReadabilityScore: clampScore(int(lua.LVAsNumber(tbl.RawGetString("readabilityScore")))),
	}
	if tags, ok := tbl.RawGetString("tags").(*lua.LTable); ok {
		tags.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(lua.LString); ok {
				meta.Tags = append(meta.Tags, string(s))
			}
		})
	}
	return meta, nil
}

func (a *ScriptAdvisor) SuggestPlaylistName(ctx context.Context, assetNames []string) (string, error) {
	ret, err := a.call(ctx, "suggest_playlist_name", "suggest_playlist_name", func(L *lua.LState) []lua.LValue {
		names := make([]interface{}, len(assetNames))
		for i, n := range assetNames {
			names[i] = n
		}
		return []lua.LValue{goToLua(L, names)}
	})
	if err != nil {
		return "", err
	}
	s, ok := ret.(lua.LString)
	if !ok {
		return "", &ServiceError{Op: "suggest_playlist_name", Err: fmt.Errorf("expected string, got %s", ret.Type())}
	}
	return cleanName(string(s)), nil
}

func (a *ScriptAdvisor) SuggestSchedule(ctx context.Context, playlists []store.Playlist, devices []store.Device) (string, error) {
	ret, err := a.call(ctx, "suggest_schedule", "suggest_schedule", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{goToLua(L, toGeneric(playlists)), goToLua(L, toGeneric(devices))}
	})
	if err != nil {
		return "", err
	}
	s, ok := ret.(lua.LString)
	if !ok {
		return "", &ServiceError{Op: "suggest_schedule", Err: fmt.Errorf("expected string, got %s", ret.Type())}
	}
	return string(s), nil
}

// toGeneric round-trips v through JSON so goToLua sees maps and slices with
// the same field names the API uses.
func toGeneric(v any) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
