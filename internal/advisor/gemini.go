package advisor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"visionflow/internal/store"
)

// DefaultGeminiModel is used when GeminiConfig.Model is empty.
const DefaultGeminiModel = "gemini-2.0-flash"

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiConfig configures the Gemini REST client.
type GeminiConfig struct {
	APIKey        string
	Model         string
	BaseURL       string
	RatePerMinute int
	HTTPClient    *http.Client
}

// Gemini calls the Generative Language REST API.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewGemini creates a client. Calls beyond RatePerMinute wait for a token.
func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	g := &Gemini{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
	}
	if g.model == "" {
		g.model = DefaultGeminiModel
	}
	if g.baseURL == "" {
		g.baseURL = defaultGeminiBaseURL
	}
	if g.client == nil {
		g.client = &http.Client{Timeout: 30 * time.Second}
	}
	perMin := cfg.RatePerMinute
	if perMin <= 0 {
		perMin = 10
	}
	g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1)
	return g, nil
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig map[string]any  `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

var mediaSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"tags":             map[string]any{"type": "ARRAY", "items": map[string]any{"type": "STRING"}},
		"readabilityScore": map[string]any{"type": "NUMBER"},
		"optimizationTips": map[string]any{"type": "STRING"},
	},
	"required": []string{"tags", "readabilityScore", "optimizationTips"},
}

func (g *Gemini) AnalyzeMedia(ctx context.Context, fileName string, data []byte) (*store.AIMetadata, error) {
	prompt := "Analyze this media file for use on a digital signage TV.\n" +
		"File name: " + fileName + "\n" +
		"1. Give 5 descriptive tags.\n" +
		"2. Give a readability score (0-100) for viewing at 3-5 meters.\n" +
		"3. Suggest 2-3 tips to improve visual impact.\n" +
		"Return ONLY JSON matching the schema."
	req := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{
			{Text: prompt},
			{InlineData: &geminiInlineData{
				MimeType: detectMime(data),
				Data:     base64.StdEncoding.EncodeToString(data),
			}},
		}}},
		GenerationConfig: map[string]any{
			"responseMimeType": "application/json",
			"responseSchema":   mediaSchema,
		},
	}
	text, err := g.generate(ctx, req)
	if err != nil {
		return nil, &ServiceError{Op: "analyze_media", Err: err}
	}
	var raw struct {
		Tags             []string `json:"tags"`
		ReadabilityScore float64  `json:"readabilityScore"`
		OptimizationTips string   `json:"optimizationTips"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, &ServiceError{Op: "analyze_media", Err: fmt.Errorf("decode answer: %w", err)}
	}
	return &store.AIMetadata{
		Tags:             raw.Tags,
		ReadabilityScore: clampScore(int(raw.ReadabilityScore)),
		OptimizationTips: raw.OptimizationTips,
	}, nil
}

func (g *Gemini) SuggestPlaylistName(ctx context.Context, assetNames []string) (string, error) {
	prompt := "Create a short, professional, punchy name for a TV playlist containing these files: " +
		strings.Join(assetNames, ", ") + ". Return ONLY the suggested name."
	text, err := g.generate(ctx, geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}}})
	if err != nil {
		return "", &ServiceError{Op: "suggest_playlist_name", Err: err}
	}
	return cleanName(text), nil
}

func (g *Gemini) SuggestSchedule(ctx context.Context, playlists []store.Playlist, devices []store.Device) (string, error) {
	pj, _ := json.Marshal(playlists)
	dj, _ := json.Marshal(devices)
	prompt := "Given these playlists: " + string(pj) + " and these devices: " + string(dj) +
		", suggest an ideal scheduling pattern for a corporate setting that maximizes engagement at peak hours." +
		" Focus on morning welcomes, lunch specials and end-of-day summaries. Answer as a plain-text summary."
	text, err := g.generate(ctx, geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}}})
	if err != nil {
		return "", &ServiceError{Op: "suggest_schedule", Err: err}
	}
	return strings.TrimSpace(text), nil
}

func (g *Gemini) generate(ctx context.Context, body geminiRequest) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out geminiResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("empty response")
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}
