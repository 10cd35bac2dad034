// Package elevenlabs provides an ElevenLabs-backed synthesizer. Stream uses
// the stream-input WebSocket API so audio starts flowing before the whole
// segment is rendered; Generate uses the one-shot REST endpoint.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/realchar/pkg/provider/tts"
)

const (
	defaultWSBase       = "wss://api.elevenlabs.io"
	defaultHTTPBase     = "https://api.elevenlabs.io"
	defaultModel        = "eleven_flash_v2_5"
	defaultOutputFmt    = "mp3_44100_128"
	firstSegmentLatency = 4
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128", "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		if format != "" {
			p.outputFormat = format
		}
	}
}

// WithBaseURL points both the WebSocket and REST clients at base, which must
// be an http:// or https:// URL. Used for self-hosted proxies and tests.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		if base == "" {
			return
		}
		base = strings.TrimRight(base, "/")
		p.httpBase = base
		p.wsBase = "ws" + strings.TrimPrefix(base, "http")
	}
}

// WithHTTPClient overrides the HTTP client used for REST calls and the
// WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements tts.Synthesizer backed by the ElevenLabs API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
	httpBase     string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		httpBase:     defaultHTTPBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type audioResponse struct {
	Audio   string `json:"audio"` // base64
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is the "begin of input" handshake that authenticates the stream.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

var defaultVoiceSettings = voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}

// Stream implements tts.Synthesizer. Each call opens its own WebSocket, sends
// the whole segment followed by a flush, and forwards decoded audio chunks to
// seg.Transport as they arrive.
func (p *Provider) Stream(ctx context.Context, seg tts.Segment) error {
	if seg.VoiceID == "" {
		return errors.New("elevenlabs: voice id must not be empty")
	}
	if seg.Interrupt.Fired() {
		return nil
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-seg.Interrupt.Done():
			cancel()
		case <-sctx.Done():
		}
	}()

	err := p.stream(sctx, seg)
	switch {
	case err == nil:
		return nil
	case seg.Interrupt.Fired():
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

func (p *Provider) stream(ctx context.Context, seg tts.Segment) error {
	conn, _, err := websocket.Dial(ctx, p.streamURL(seg), &websocket.DialOptions{HTTPClient: p.httpClient})
	if err != nil {
		return fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 22)

	vs := defaultVoiceSettings
	// ElevenLabs requires a non-empty first text value.
	if err := writeJSON(ctx, conn, boiMessage{Text: " ", VoiceSettings: &vs, XiAPIKey: p.apiKey}); err != nil {
		return fmt.Errorf("elevenlabs: send BOI: %w", err)
	}
	if err := writeJSON(ctx, conn, textMessage{Text: seg.Text + " ", TryTriggerGeneration: true}); err != nil {
		return fmt.Errorf("elevenlabs: send text: %w", err)
	}
	if err := writeJSON(ctx, conn, textMessage{Text: ""}); err != nil {
		return fmt.Errorf("elevenlabs: send flush: %w", err)
	}

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return fmt.Errorf("elevenlabs: server error: %s: %s", resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			if err := seg.Transport.SendAudio(ctx, audio); err != nil {
				return err
			}
		}
		if resp.IsFinal {
			conn.Close(websocket.StatusNormalClosure, "done")
			return nil
		}
	}
}

// Generate implements tts.Synthesizer using the REST endpoint.
func (p *Provider) Generate(ctx context.Context, text, voiceID, language string) ([]byte, error) {
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voice id must not be empty")
	}
	body := map[string]any{
		"text":           text,
		"model_id":       p.model,
		"voice_settings": defaultVoiceSettings,
	}
	if code := languageCode(language); code != "" {
		body["language_code"] = code
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: generate: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		p.httpBase, url.PathEscape(voiceID), url.QueryEscape(p.outputFormat))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: generate: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: generate HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("elevenlabs: generate: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: generate read: %w", err)
	}
	return audio, nil
}

// streamURL builds the stream-input URL for seg. The first segment of a reply
// trades some quality for latency.
func (p *Provider) streamURL(seg tts.Segment) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	if seg.First {
		q.Set("optimize_streaming_latency", fmt.Sprint(firstSegmentLatency))
	}
	if code := languageCode(seg.Language); code != "" {
		q.Set("language_code", code)
	}
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.wsBase, url.PathEscape(seg.VoiceID), q.Encode())
}

// languageCode reduces a BCP 47 tag such as "en-US" to its ISO 639-1 part.
func languageCode(tag string) string {
	if tag == "" {
		return ""
	}
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var _ tts.Synthesizer = (*Provider)(nil)
