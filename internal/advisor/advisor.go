// Package advisor wraps optional AI enrichment. Every call is best-effort:
// callers fall back to no enrichment or to the fixed defaults below.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"visionflow/internal/store"
)

// Fallbacks used when the advisory service cannot answer.
const (
	DefaultPlaylistName   = "New Strategic Playlist"
	DefaultScheduleAdvice = "AI scheduling suggestions are unavailable right now."
)

// ErrDisabled is returned by the no-op advisor.
var ErrDisabled = errors.New("advisor disabled")

// ServiceError wraps a failed advisory call.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string { return fmt.Sprintf("advisor %s: %v", e.Op, e.Err) }

func (e *ServiceError) Unwrap() error { return e.Err }

// Advisor is an external text/vision service.
type Advisor interface {
	AnalyzeMedia(ctx context.Context, fileName string, data []byte) (*store.AIMetadata, error)
	SuggestPlaylistName(ctx context.Context, assetNames []string) (string, error)
	SuggestSchedule(ctx context.Context, playlists []store.Playlist, devices []store.Device) (string, error)
}

// Nop is the advisor used when none is configured.
type Nop struct{}

func (Nop) AnalyzeMedia(context.Context, string, []byte) (*store.AIMetadata, error) {
	return nil, &ServiceError{Op: "analyze_media", Err: ErrDisabled}
}

func (Nop) SuggestPlaylistName(context.Context, []string) (string, error) {
	return "", &ServiceError{Op: "suggest_playlist_name", Err: ErrDisabled}
}

func (Nop) SuggestSchedule(context.Context, []store.Playlist, []store.Device) (string, error) {
	return "", &ServiceError{Op: "suggest_schedule", Err: ErrDisabled}
}

// PlaylistName asks a for a name and falls back to DefaultPlaylistName.
func PlaylistName(ctx context.Context, a Advisor, assetNames []string, logger *slog.Logger) string {
	name, err := a.SuggestPlaylistName(ctx, assetNames)
	if err == nil {
		name = cleanName(name)
	}
	if err != nil || name == "" {
		logger.Warn("playlist name suggestion failed, using default", "err", err)
		return DefaultPlaylistName
	}
	return name
}

// ScheduleAdvice asks a for advice and falls back to DefaultScheduleAdvice.
func ScheduleAdvice(ctx context.Context, a Advisor, playlists []store.Playlist, devices []store.Device, logger *slog.Logger) string {
	advice, err := a.SuggestSchedule(ctx, playlists, devices)
	if err != nil || strings.TrimSpace(advice) == "" {
		logger.Warn("schedule advice failed, using default", "err", err)
		return DefaultScheduleAdvice
	}
	return strings.TrimSpace(advice)
}

// cleanName strips quotes and surrounding whitespace from a model answer.
func cleanName(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, `"`, ""))
}

// clampScore keeps a readability score within 0..100.
func clampScore(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// detectMime sniffs the content type of data.
func detectMime(data []byte) string {
	return mimetype.Detect(data).String()
}
