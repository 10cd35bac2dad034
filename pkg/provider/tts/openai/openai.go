// Package openai provides a synthesizer backed by the OpenAI speech API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/realchar/pkg/provider/tts"
)

const (
	// DefaultModel renders every segment after the first.
	DefaultModel = oai.SpeechModelTTS1HD

	// FastModel renders the first segment of a reply.
	FastModel = oai.SpeechModelTTS1

	defaultVoice = "alloy"
	chunkSize    = 4096
)

// Provider implements tts.Synthesizer using the OpenAI API.
type Provider struct {
	client    oai.Client
	model     string
	fastModel string
}

type config struct {
	baseURL   string
	fastModel string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithFastModel overrides the model used for the first segment of a reply.
func WithFastModel(model string) Option {
	return func(c *config) {
		c.fastModel = model
	}
}

// New constructs a new OpenAI synthesizer. If model is empty, [DefaultModel] is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{fastModel: FastModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	return &Provider{
		client:    oai.NewClient(reqOpts...),
		model:     model,
		fastModel: cfg.fastModel,
	}, nil
}

// Stream implements tts.Synthesizer. The response body is forwarded to the
// transport in fixed-size chunks; the interrupt is checked between chunks.
func (p *Provider) Stream(ctx context.Context, seg tts.Segment) error {
	if seg.Interrupt.Fired() {
		return nil
	}
	model := p.model
	if seg.First {
		model = p.fastModel
	}

	body, err := p.speech(ctx, seg.Text, seg.VoiceID, model)
	if err != nil {
		return err
	}
	defer body.Close()

	buf := make([]byte, chunkSize)
	for {
		if seg.Interrupt.Fired() {
			return nil
		}
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := seg.Transport.SendAudio(ctx, chunk); sendErr != nil {
				return sendErr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("openai tts: read: %w", err)
		}
	}
}

// Generate implements tts.Synthesizer.
func (p *Provider) Generate(ctx context.Context, text, voiceID, _ string) ([]byte, error) {
	body, err := p.speech(ctx, text, voiceID, p.model)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	audio, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read: %w", err)
	}
	return audio, nil
}

func (p *Provider) speech(ctx context.Context, text, voiceID, model string) (io.ReadCloser, error) {
	if voiceID == "" {
		voiceID = defaultVoice
	}
	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          model,
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}
	return resp.Body, nil
}

var _ tts.Synthesizer = (*Provider)(nil)
