package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/realchar/internal/augment"
	"github.com/MrWong99/realchar/internal/conversation"
	"github.com/MrWong99/realchar/internal/observe"
	"github.com/MrWong99/realchar/internal/orchestrator"
	"github.com/MrWong99/realchar/internal/pipeline"
	"github.com/MrWong99/realchar/internal/timing"
	"github.com/MrWong99/realchar/pkg/provider/llm"
	"github.com/MrWong99/realchar/pkg/provider/stt"
	"github.com/MrWong99/realchar/pkg/provider/tts"
)

// ConverseRequest is one user message as received by the outer transport.
type ConverseRequest struct {
	CharacterID string
	SessionID   string
	UserID      string

	// Input is the user's text. It is ignored when Audio is set.
	Input string

	// Audio is a spoken user message; its transcript becomes the input.
	Audio []byte

	// AudioFormat is the container of Audio, such as stt.FormatWebM.
	AudioFormat string

	Platform string
	Language string

	Options orchestrator.Options

	// Transport receives synthesized audio. Nil makes the turn text only.
	Transport tts.Transport

	// Interrupt stops synthesis of the reply when fired. May be nil.
	Interrupt *tts.Interrupt

	// OnToken sees every generated token, e.g. to stream text to the client.
	// An error aborts the turn. May be nil.
	OnToken func(ctx context.Context, token string) error
}

// Converse runs one turn: it resolves the character, rebuilds the session
// history, generates the reply while speaking it sentence by sentence, and
// persists the exchange. Generation and synthesis errors are returned
// unchanged; a failure to persist the exchange is only logged.
func (a *App) Converse(ctx context.Context, req ConverseRequest) (string, error) {
	char, ok := a.registry.Get(req.CharacterID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCharacter, req.CharacterID)
	}
	ctx = observe.WithTurn(ctx, char.ID, req.SessionID)
	log := observe.Logger(ctx)

	if len(req.Audio) > 0 {
		text, err := a.transcribe(ctx, char.Name, req)
		if err != nil {
			return "", err
		}
		req.Input = text
	}

	history := conversation.New(char.SystemPrompt)
	if a.interactions != nil && req.SessionID != "" {
		h, err := conversation.Load(ctx, a.interactions, char.SystemPrompt, req.SessionID)
		if err != nil {
			log.Warn("could not load session history, starting fresh", "err", err)
		} else {
			history = h
		}
	}
	tuning, _ := a.turnSettings()
	if a.summariser != nil {
		if err := conversation.Compact(ctx, history, tuning.HistoryTokenBudget, a.summariser); err != nil {
			log.Warn("could not compact session history", "err", err)
		}
	}

	callbacks := []pipeline.Callback{&pipeline.TextCollector{OnNewToken: req.OnToken}}
	if req.Transport != nil {
		if synth := a.providers.Synthesizer(char.TTS); synth != nil {
			callbacks = append(callbacks, pipeline.NewSpeechDispatcher(pipeline.SpeechConfig{
				Synthesizer: synth,
				Transport:   req.Transport,
				Interrupt:   req.Interrupt,
				VoiceID:     char.VoiceID,
				Language:    req.Language,
				Clock:       a.clock,
				Metrics:     a.metrics,
			}))
		} else {
			log.Debug("no synthesizer configured, replying with text only", "tts", char.TTS)
		}
	}

	opts := req.Options
	opts.UserID = req.UserID
	reply, err := a.orch.Load().Chat(ctx, orchestrator.Turn{
		Character: char,
		History:   history,
		Input:     req.Input,
		Options:   opts,
		Callbacks: callbacks,
		Metadata:  turnMetadata(char.ID, req),
	})
	if err != nil {
		return "", err
	}

	if a.interactions != nil {
		in := &conversation.Interaction{
			UserID:        req.UserID,
			SessionID:     req.SessionID,
			CharacterID:   char.ID,
			ClientMessage: req.Input,
			ServerMessage: reply,
			Platform:      req.Platform,
			ActionType:    actionType(req.Transport),
			Language:      req.Language,
			LLMConfig: map[string]any{
				"temperature": tuning.Temperature,
				"max_tokens":  tuning.MaxTokens,
			},
		}
		if err := a.interactions.Save(ctx, in); err != nil {
			log.Warn("failed to persist interaction", "err", err)
		}
	}
	return reply, nil
}

// ErrNoSpeech is returned by Converse when spoken input transcribes to
// nothing, so no reply is generated.
var ErrNoSpeech = errors.New("app: no speech recognised")

// ErrSpeechDisabled is returned by Converse for spoken input when no
// transcriber is configured.
var ErrSpeechDisabled = errors.New("app: speech input is not configured")

// transcribe turns req.Audio into text, biased towards the character's name.
func (a *App) transcribe(ctx context.Context, characterName string, req ConverseRequest) (string, error) {
	if a.providers.STT == nil {
		return "", ErrSpeechDisabled
	}
	a.clock.Start(timing.SpeechToText)
	text, err := a.providers.STT.Transcribe(ctx, stt.Request{
		Audio:    req.Audio,
		Format:   req.AudioFormat,
		Prompt:   characterName,
		Language: req.Language,
	})
	a.clock.Log(timing.SpeechToText)
	if err != nil {
		a.metrics.RecordProviderError(ctx, "stt", "transcribe")
		return "", fmt.Errorf("app: transcribe: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNoSpeech
	}
	observe.Logger(ctx).Debug("speech transcribed", "chars", len(text))
	return text, nil
}

func actionType(t tts.Transport) string {
	if t == nil {
		return "text"
	}
	return "audio"
}

const memorizePrompt = "You extract durable facts about the user from a conversation, " +
	"such as their name, preferences, plans and relationships. Reply with one short fact " +
	"per line and nothing else. Reply with nothing if there are no such facts."

// ErrMemoryDisabled is returned by MemorizeSession when long-term memory is
// not configured.
var ErrMemoryDisabled = errors.New("app: memory is not configured")

// MemorizeSession asks the model for durable facts about userID in the
// stored session and saves each as a memory, so later sessions can recall
// them. It returns the number of facts saved.
func (a *App) MemorizeSession(ctx context.Context, userID, sessionID string) (int, error) {
	_, memory := a.turnSettings()
	if memory == nil || a.interactions == nil || a.providers.LLM == nil {
		return 0, ErrMemoryDisabled
	}
	past, err := a.interactions.ListBySession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("app: memorize: %w", err)
	}
	if len(past) == 0 {
		return 0, nil
	}

	var transcript strings.Builder
	for _, in := range past {
		fmt.Fprintf(&transcript, "User: %s\nCharacter: %s\n", in.ClientMessage, in.ServerMessage)
	}
	resp, err := a.providers.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: memorizePrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: transcript.String()}},
		Temperature:  0,
	})
	if err != nil {
		a.metrics.RecordProviderError(ctx, "llm", "complete")
		return 0, fmt.Errorf("app: memorize: %w", err)
	}

	saved := 0
	for line := range strings.Lines(resp.Content) {
		fact := strings.TrimSpace(strings.TrimLeft(line, "-* "))
		if fact == "" {
			continue
		}
		if err := memory.Save(ctx, &augment.MemoryRecord{
			UserID:          userID,
			SourceSessionID: sessionID,
			Content:         fact,
		}); err != nil {
			return saved, fmt.Errorf("app: memorize: %w", err)
		}
		saved++
	}
	slog.Info("session memorized", "session_id", sessionID, "facts", saved)
	return saved, nil
}

// turnMetadata tags the generation request with who is talking to whom.
func turnMetadata(characterID string, req ConverseRequest) map[string]string {
	md := map[string]string{
		llm.MetaCharacterID: characterID,
		llm.MetaSessionID:   req.SessionID,
	}
	if req.UserID != "" {
		md[llm.MetaUserID] = req.UserID
	}
	return md
}
