package app

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MrWong99/realchar/internal/observe"
	"github.com/MrWong99/realchar/pkg/provider/stt"
	"github.com/MrWong99/realchar/pkg/provider/tts"
	"github.com/MrWong99/realchar/pkg/transport/ws"
)

// Conversation websocket protocol.
//
// The client sends its message as a text frame, or as a binary frame holding
// spoken input in a WebM container. The text frame [interruptCommand] stops
// the audio of the reply in progress. For every message the server streams
// the generated tokens as text frames and the synthesized speech as binary
// frames, then a single [endOfReply] text frame. A failed turn ends with a
// text frame starting with [errorPrefix] instead.
const (
	interruptCommand = "[!interrupt]"
	endOfReply       = "[end]\n"
	errorPrefix      = "[error] "

	// maxFrameBytes bounds one client frame.
	maxFrameBytes = 4 << 20
)

// serveConversation upgrades the request to a conversation websocket for the
// character named by the character_id query parameter. The session id comes
// from the path; without one a fresh session is started.
func (a *App) serveConversation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	characterID := q.Get("character_id")
	if _, ok := a.registry.Get(characterID); !ok {
		http.Error(w, "unknown character", http.StatusNotFound)
		return
	}
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.cfg.Server.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the error response.
		observe.Logger(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(maxFrameBytes)

	s := &wsSession{
		app:  a,
		conn: ws.New(c),
		template: ConverseRequest{
			CharacterID: characterID,
			SessionID:   sessionID,
			UserID:      q.Get("user_id"),
			Platform:    q.Get("platform"),
			Language:    q.Get("language"),
		},
	}
	if perSecond := a.cfg.Server.MessageRate; perSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
	}
	if s.template.Platform == "" {
		s.template.Platform = "web"
	}

	ctx := observe.WithTurn(r.Context(), characterID, sessionID)
	observe.Logger(ctx).Info("conversation opened")
	s.run(ctx, c)
	observe.Logger(ctx).Info("conversation closed")
}

// wsSession is one open conversation websocket. Turns run one at a time in
// the order the messages arrived.
type wsSession struct {
	app      *App
	conn     *ws.Conn
	template ConverseRequest
	limiter  *rate.Limiter

	mu      sync.Mutex
	current *tts.Interrupt
}

func (s *wsSession) run(ctx context.Context, c *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	turns := make(chan ConverseRequest, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.converseLoop(ctx, turns)
	}()

	s.readLoop(ctx, c, turns)
	cancel()
	close(turns)
	wg.Wait()
}

// readLoop turns client frames into queued turns until the connection closes.
// A new message stops the speech of the reply in progress.
func (s *wsSession) readLoop(ctx context.Context, c *websocket.Conn, turns chan<- ConverseRequest) {
	log := observe.Logger(ctx)
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("client closed the conversation")
			default:
				if ctx.Err() == nil {
					log.Warn("conversation read failed", "err", err)
				}
			}
			return
		}

		if typ == websocket.MessageText && string(data) == interruptCommand {
			s.interruptCurrent()
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			_ = s.conn.SendText(ctx, errorPrefix+"too many messages")
			continue
		}

		req := s.template
		req.Transport = s.conn
		req.Interrupt = tts.NewInterrupt()
		if typ == websocket.MessageBinary {
			req.Audio = data
			req.AudioFormat = stt.FormatWebM
		} else {
			req.Input = string(data)
		}

		s.interruptCurrent()
		select {
		case turns <- req:
		case <-ctx.Done():
			return
		}
	}
}

func (s *wsSession) converseLoop(ctx context.Context, turns <-chan ConverseRequest) {
	for req := range turns {
		if ctx.Err() != nil {
			continue
		}
		s.setCurrent(req.Interrupt)
		req.OnToken = s.conn.SendText
		_, err := s.app.Converse(ctx, req)
		s.setCurrent(nil)

		if err != nil {
			if ctx.Err() == nil {
				observe.Logger(ctx).Warn("conversation turn failed", "err", err)
				_ = s.conn.SendText(ctx, errorPrefix+clientError(err))
			}
			continue
		}
		_ = s.conn.SendText(ctx, endOfReply)
	}
}

func (s *wsSession) setCurrent(i *tts.Interrupt) {
	s.mu.Lock()
	s.current = i
	s.mu.Unlock()
}

func (s *wsSession) interruptCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Fire()
	}
}

// clientError is the message shown to the user for a failed turn. Provider
// failures are not exposed.
func clientError(err error) string {
	switch {
	case errors.Is(err, ErrNoSpeech):
		return "no speech recognised"
	case errors.Is(err, ErrSpeechDisabled):
		return "speech input is not configured"
	case errors.Is(err, ErrUnknownCharacter):
		return "unknown character"
	default:
		return "could not generate a reply"
	}
}
