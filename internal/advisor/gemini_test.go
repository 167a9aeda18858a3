package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// geminiStub answers generateContent with the given text.
func geminiStub(t *testing.T, status int, text string, seen *geminiRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("x-goog-api-key"))
		}
		if seen != nil {
			json.NewDecoder(r.Body).Decode(seen)
		}
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"error":{"message":"quota"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{map[string]any{"text": text}}},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGemini(t *testing.T, url string) *Gemini {
	t.Helper()
	g, err := NewGemini(GeminiConfig{APIKey: "test-key", BaseURL: url, RatePerMinute: 6000})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestNewGeminiRequiresKey(t *testing.T) {
	if _, err := NewGemini(GeminiConfig{}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestGeminiAnalyzeMedia(t *testing.T) {
	var seen geminiRequest
	srv := geminiStub(t, http.StatusOK,
		`{"tags":["office","clean"],"readabilityScore":120,"optimizationTips":"Increase contrast."}`, &seen)
	g := newTestGemini(t, srv.URL)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	meta, err := g.AnalyzeMedia(context.Background(), "welcome.png", png)
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Tags) != 2 || meta.Tags[0] != "office" {
		t.Errorf("tags = %v", meta.Tags)
	}
	if meta.ReadabilityScore != 100 {
		t.Errorf("score = %d, want clamped 100", meta.ReadabilityScore)
	}
	if len(seen.Contents) != 1 || len(seen.Contents[0].Parts) != 2 {
		t.Fatalf("request parts = %+v", seen.Contents)
	}
	inline := seen.Contents[0].Parts[1].InlineData
	if inline == nil || inline.MimeType != "image/png" {
		t.Errorf("inline data = %+v, want image/png", inline)
	}
	if seen.GenerationConfig["responseMimeType"] != "application/json" {
		t.Errorf("generationConfig = %v", seen.GenerationConfig)
	}
}

func TestGeminiSuggestPlaylistName(t *testing.T) {
	srv := geminiStub(t, http.StatusOK, "\"Morning Lobby\"\n", nil)
	g := newTestGemini(t, srv.URL)
	name, err := g.SuggestPlaylistName(context.Background(), []string{"a.jpg", "b.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if name != "Morning Lobby" {
		t.Errorf("name = %q, want %q", name, "Morning Lobby")
	}
}

func TestGeminiErrorStatus(t *testing.T) {
	srv := geminiStub(t, http.StatusTooManyRequests, "", nil)
	g := newTestGemini(t, srv.URL)
	_, err := g.SuggestSchedule(context.Background(), nil, nil)
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServiceError", err)
	}
	if se.Op != "suggest_schedule" {
		t.Errorf("op = %q", se.Op)
	}
	if got := ScheduleAdvice(context.Background(), g, nil, nil, newTestLogger()); got != DefaultScheduleAdvice {
		t.Errorf("fallback advice = %q", got)
	}
}

func TestGeminiBadJSON(t *testing.T) {
	srv := geminiStub(t, http.StatusOK, "not json", nil)
	g := newTestGemini(t, srv.URL)
	if _, err := g.AnalyzeMedia(context.Background(), "a.jpg", []byte{0xFF, 0xD8, 0xFF}); err == nil {
		t.Fatal("expected decode error")
	}
}
