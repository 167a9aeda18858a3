//go:build !no_scripting

package advisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"visionflow/internal/store"
)

const testScript = `
function analyze_media(file)
  advisor.log("analyzing " .. file.name)
  return {
    tags = {"script", file.mime},
    readabilityScore = 70,
    optimizationTips = "size " .. file.size,
  }
end

function suggest_playlist_name(names)
  return '"' .. names[1] .. " and friends" .. '"'
end

function suggest_schedule(playlists, devices)
  return #playlists .. " playlists on " .. #devices .. " screens, first " .. playlists[1].name
end
`

func newTestScript(t *testing.T, code string) *ScriptAdvisor {
	t.Helper()
	a, err := NewScriptAdvisor("test.lua", code, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestScriptAnalyzeMedia(t *testing.T) {
	a := newTestScript(t, testScript)
	meta, err := a.AnalyzeMedia(context.Background(), "logo.png", []byte("\x89PNG\r\n\x1a\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Tags) != 2 || meta.Tags[0] != "script" || meta.Tags[1] != "image/png" {
		t.Errorf("tags = %v", meta.Tags)
	}
	if meta.ReadabilityScore != 70 {
		t.Errorf("score = %d, want 70", meta.ReadabilityScore)
	}
	if meta.OptimizationTips != "size 8" {
		t.Errorf("tips = %q", meta.OptimizationTips)
	}
}

func TestScriptSuggestions(t *testing.T) {
	a := newTestScript(t, testScript)
	name, err := a.SuggestPlaylistName(context.Background(), []string{"menu.jpg", "promo.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if name != "menu.jpg and friends" {
		t.Errorf("name = %q", name)
	}

	advice, err := a.SuggestSchedule(context.Background(),
		[]store.Playlist{{ID: "p1", Name: "Reception"}},
		[]store.Device{{ID: "d1"}, {ID: "d2"}})
	if err != nil {
		t.Fatal(err)
	}
	if advice != "1 playlists on 2 screens, first Reception" {
		t.Errorf("advice = %q", advice)
	}
}

func TestScriptMissingFunction(t *testing.T) {
	a := newTestScript(t, `function suggest_playlist_name(names) return "x" end`)
	_, err := a.AnalyzeMedia(context.Background(), "a.jpg", nil)
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServiceError", err)
	}
	if !strings.Contains(err.Error(), "not defined") {
		t.Errorf("err = %v", err)
	}
}

func TestScriptSandbox(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"os", `function suggest_playlist_name() return os.getenv("HOME") end`},
		{"io", `function suggest_playlist_name() return io.read() end`},
		{"require", `function suggest_playlist_name() return require("x") end`},
		{"load", `function suggest_playlist_name() return load("return 1")() end`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestScript(t, tt.code)
			if _, err := a.SuggestPlaylistName(context.Background(), nil); err == nil {
				t.Errorf("%s should be unavailable in the sandbox", tt.name)
			}
		})
	}
}

func TestScriptTimeout(t *testing.T) {
	a := newTestScript(t, `function suggest_schedule() while true do end end`)
	a.timeout = 50 * time.Millisecond
	_, err := a.SuggestSchedule(context.Background(), nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestScriptCompileError(t *testing.T) {
	if _, err := NewScriptAdvisor("bad.lua", "function (", newTestLogger()); err == nil {
		t.Fatal("expected compile error")
	}
}
