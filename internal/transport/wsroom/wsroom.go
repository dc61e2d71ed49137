// Package wsroom is the bundled room transport: participants connect with a
// websocket, stream PCM16 mono audio as binary messages and receive the
// agent's speech the same way.
//
// A connection is authorised by a room access token (see internal/token)
// passed as the "token" query parameter or a bearer Authorization header. The
// token's room and identity select the session. Text messages carry control
// frames in both directions: the client may send {"type":"leave"}, and the
// server pushes a "ready" message followed by JSON-encoded
// [session.Update] values.
//
// A token that grants publishing data may also change the session with
// {"type":"config"} (replace the persona and providers) or
// {"type":"config_update"} (change only the fields present):
//
//	{"type": "config_update",
//	 "persona": {"name": "Ada", "system_prompt": "...", "language": "de-DE", "greeting": "Hallo!"},
//	 "voice": {"stt": {"provider": "deepgram", "model": "nova-3", "language": "de"},
//	           "llm": {"provider": "openai", "model": "gpt-4o", "temperature": 0.4, "max_tokens": 300},
//	           "tts": {"provider": "elevenlabs", "voice": "rachel", "speed": 1.1}}}
//
// Changes apply from the next turn.
//
// A close with status 1000 or a leave message ends the session. Any other
// close suspends it for the reconnection grace period; connecting again with
// a token for the same room and identity resumes it.
package wsroom

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/internal/token"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

const (
	// DefaultSampleRate is the rate of inbound PCM when none is configured.
	DefaultSampleRate = 16000

	defaultReadLimit    = 64 << 10
	defaultWriteTimeout = 5 * time.Second
	defaultUpdateBuffer = 64
)

// StatusReplaced closes a connection superseded by a newer one for the same
// room and participant.
const StatusReplaced websocket.StatusCode = 4001

// Dispatcher receives the transport events of every connection.
// *session.Manager implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev audio.Event) error
}

// Reconfigurer receives the configuration messages of connections whose token
// grants publishing data. *session.Manager implements it.
type Reconfigurer interface {
	Reconfigure(ctx context.Context, roomID, participantID string, c session.Change) error
}

// Config tunes the transport.
type Config struct {
	// AllowedOrigins lists browser origins allowed to connect besides the
	// server's own host. "*" allows every origin.
	AllowedOrigins []string

	// SampleRate of inbound PCM16 mono audio. Defaults to [DefaultSampleRate].
	SampleRate int

	// ReadLimit caps the size of a single inbound message in bytes.
	ReadLimit int64

	// WriteTimeout bounds a single outbound write.
	WriteTimeout time.Duration

	// UpdateBuffer is the number of session updates queued per connection
	// before new ones are dropped.
	UpdateBuffer int

	Logger *slog.Logger
}

// Server accepts room connections. It is an [http.Handler].
type Server struct {
	issuer   *token.Issuer
	dispatch Dispatcher
	cfg      Config
	log      *slog.Logger
	accept   websocket.AcceptOptions

	mu      sync.Mutex
	conns   map[string]*conn
	closing bool
}

// New creates a transport that authorises connections with issuer and hands
// their events to d.
func New(issuer *token.Issuer, d Dispatcher, cfg Config) *Server {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaultUpdateBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		issuer:   issuer,
		dispatch: d,
		cfg:      cfg,
		log:      cfg.Logger.With("component", "wsroom"),
		conns:    make(map[string]*conn),
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			s.accept.InsecureSkipVerify = true
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			s.accept.OriginPatterns = append(s.accept.OriginPatterns, u.Host)
		} else {
			s.accept.OriginPatterns = append(s.accept.OriginPatterns, o)
		}
	}
	return s
}

// Register adds GET /rooms/ws to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /rooms/ws", s)
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close closes every connection with status 1001 and refuses new ones. The
// sessions are left to the [Dispatcher]'s owner to shut down.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Go(func() { c.ws.Close(websocket.StatusGoingAway, "server shutting down") })
	}
	wg.Wait()
}

// ServeHTTP authorises the request, upgrades it and serves the connection
// until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if raw == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}
	claims, err := s.issuer.Verify(raw)
	if err != nil {
		s.log.Info("rejected room connection", "err", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if !claims.Video.CanPublish {
		http.Error(w, "token does not grant publishing", http.StatusForbidden)
		return
	}
	if s.isClosing() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &s.accept)
	if err != nil {
		// Accept has already written the response.
		s.log.Info("websocket upgrade failed", "err", err)
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	c := s.newConn(ws, claims.Video.Room, claims.Identity(), claims.Video.CanSubscribe, claims.Video.CanPublishData)
	s.serve(r.Context(), c)
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// track registers c, superseding an older connection of the same
// participant.
func (s *Server) track(c *conn) {
	s.mu.Lock()
	old := s.conns[c.key]
	s.conns[c.key] = c
	s.mu.Unlock()

	if old != nil {
		old.replaced.Store(true)
		go old.ws.Close(StatusReplaced, "replaced by a newer connection")
	}
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.key] == c {
		delete(s.conns, c.key)
	}
}

func (s *Server) serve(ctx context.Context, c *conn) {
	log := s.log.With("room", c.room, "participant", c.participant)
	defer c.cancel()
	defer s.untrack(c)

	s.track(c)
	go c.writeLoop(log)

	c.send(readyMessage{
		Type:          "ready",
		RoomID:        c.room,
		ParticipantID: c.participant,
		SampleRate:    s.cfg.SampleRate,
		Channels:      1,
	})
	err := s.dispatch.Dispatch(ctx, audio.Event{
		Type:          audio.EventJoin,
		RoomID:        c.room,
		ParticipantID: c.participant,
		Sink:          c,
	})
	if err != nil {
		log.Warn("join failed", "err", err)
		c.ended.Store(true)
		status := websocket.StatusInternalError
		if errors.Is(err, session.ErrShuttingDown) {
			status = websocket.StatusGoingAway
		}
		c.ws.Close(status, "join failed")
		return
	}
	log.Info("participant connected")

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			s.closed(ctx, c, log, err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if err := s.frame(ctx, c, data); err != nil {
				log.Info("closing connection", "err", err)
				c.ended.Store(true)
				c.ws.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
		case websocket.MessageText:
			if s.control(ctx, c, log, data) {
				return
			}
		}
	}
}

// frame forwards one binary message. It returns an error when the session is
// gone and the connection should close.
func (s *Server) frame(ctx context.Context, c *conn, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data)%2 != 0 {
		c.violations.Add(1)
		s.log.Debug("dropping odd-length pcm frame", "room", c.room, "participant", c.participant, "bytes", len(data))
		return nil
	}
	f := audio.AudioFrame{
		Data:       data,
		SampleRate: s.cfg.SampleRate,
		Channels:   1,
		Timestamp:  c.ts,
	}
	c.ts += pcmDuration(len(data), s.cfg.SampleRate)

	err := s.dispatch.Dispatch(ctx, audio.Event{
		Type:          audio.EventFrame,
		RoomID:        c.room,
		ParticipantID: c.participant,
		Frame:         f,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrShuttingDown):
		return err
	default:
		s.log.Debug("frame not delivered", "room", c.room, "participant", c.participant, "err", err)
		return nil
	}
}

// control handles a text message. It reports whether the connection is done.
func (s *Server) control(ctx context.Context, c *conn, log *slog.Logger, data []byte) bool {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug("ignoring malformed control message", "err", err)
		return false
	}
	switch msg.Type {
	case "leave":
		c.ended.Store(true)
		s.dispatchEnd(ctx, c, log, audio.EventLeave)
		c.ws.Close(websocket.StatusNormalClosure, "left")
		return true
	case "ping":
		c.send(serverMessage{Type: "pong"})
	case "config", "config_update":
		s.configure(ctx, c, log, msg)
	default:
		log.Debug("ignoring unknown control message", "type", msg.Type)
	}
	return false
}

// configure forwards a configuration message to the session. Rejections are
// reported to the client as an "error" message.
func (s *Server) configure(ctx context.Context, c *conn, log *slog.Logger, msg clientMessage) {
	r, ok := s.dispatch.(Reconfigurer)
	switch {
	case !c.publishData:
		c.send(serverMessage{Type: "error", Error: "token does not grant publishing data"})
		return
	case !ok:
		c.send(serverMessage{Type: "error", Error: "configuration changes not supported"})
		return
	}
	if err := r.Reconfigure(ctx, c.room, c.participant, msg.change()); err != nil {
		log.Warn("configuration change not delivered", "type", msg.Type, "err", err)
		c.send(serverMessage{Type: "error", Error: "configuration change not delivered"})
	}
}

// closed turns a read error into a leave or disconnect.
func (s *Server) closed(ctx context.Context, c *conn, log *slog.Logger, err error) {
	switch {
	case c.ended.Load(), c.replaced.Load(), s.isClosing():
		return
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
		log.Info("participant closed the connection")
		s.dispatchEnd(ctx, c, log, audio.EventLeave)
	default:
		log.Info("participant connection lost", "err", err)
		s.dispatchEnd(ctx, c, log, audio.EventDisconnect)
	}
}

func (s *Server) dispatchEnd(ctx context.Context, c *conn, log *slog.Logger, typ audio.EventType) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()
	err := s.dispatch.Dispatch(ctx, audio.Event{Type: typ, RoomID: c.room, ParticipantID: c.participant})
	if err != nil {
		log.Warn("failed to deliver "+typ.String(), "err", err)
	}
}

// pcmDuration is the playback time of n bytes of PCM16 mono.
func pcmDuration(n, sampleRate int) time.Duration {
	return time.Duration(n/2) * time.Second / time.Duration(sampleRate)
}

type clientMessage struct {
	Type    string         `json:"type"`
	Persona *personaConfig `json:"persona,omitempty"`
	Voice   *voiceConfig   `json:"voice,omitempty"`
}

type personaConfig struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	Language     string `json:"language"`
	Greeting     string `json:"greeting"`
}

type voiceConfig struct {
	STT *struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
		Language string `json:"language"`
	} `json:"stt"`
	LLM *struct {
		Provider    string   `json:"provider"`
		Model       string   `json:"model"`
		Temperature *float64 `json:"temperature"`
		MaxTokens   int      `json:"max_tokens"`
	} `json:"llm"`
	TTS *struct {
		Provider string  `json:"provider"`
		Model    string  `json:"model"`
		Voice    string  `json:"voice"`
		Speed    float64 `json:"speed"`
	} `json:"tts"`
}

// change converts a config or config_update message. A config message resets
// everything it leaves out to the session's initial settings.
func (m clientMessage) change() session.Change {
	ch := session.Change{Reset: m.Type == "config"}
	if p := m.Persona; p != nil {
		ch.Name = p.Name
		ch.SystemPrompt = p.SystemPrompt
		ch.Language = p.Language
		ch.Greeting = p.Greeting
	}
	v := m.Voice
	if v == nil {
		return ch
	}
	if v.STT != nil {
		ch.Providers.STT = session.ProviderChoice{Name: v.STT.Provider, Model: v.STT.Model}
		ch.Language = cmp.Or(v.STT.Language, ch.Language)
	}
	if v.LLM != nil {
		ch.Providers.LLM = session.ProviderChoice{Name: v.LLM.Provider, Model: v.LLM.Model}
		ch.Temperature = v.LLM.Temperature
		ch.MaxTokens = v.LLM.MaxTokens
	}
	if v.TTS != nil {
		ch.Providers.TTS = session.ProviderChoice{Name: v.TTS.Provider, Model: v.TTS.Model}
		ch.Voice = v.TTS.Voice
		ch.Speed = v.TTS.Speed
	}
	return ch
}

type serverMessage struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

type readyMessage struct {
	Type          string `json:"type"`
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
}

// conn is one participant connection. It is the participant's [audio.Sink]
// and, through the sink, the session's [session.Observer].
type conn struct {
	srv         *Server
	ws          *websocket.Conn
	key         string
	room        string
	participant string
	subscribe   bool
	publishData bool

	ctx     context.Context
	cancel  context.CancelFunc
	updates chan any

	ended      atomic.Bool
	replaced   atomic.Bool
	dropped    atomic.Int64
	violations atomic.Int64

	// Owned by the read loop.
	ts time.Duration
}

func (s *Server) newConn(ws *websocket.Conn, room, participant string, subscribe, publishData bool) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		srv:         s,
		ws:          ws,
		key:         room + "/" + participant,
		room:        room,
		participant: participant,
		subscribe:   subscribe,
		publishData: publishData,
		ctx:         ctx,
		cancel:      cancel,
		updates:     make(chan any, s.cfg.UpdateBuffer),
	}
}

// WriteFrame sends agent audio as a binary message.
func (c *conn) WriteFrame(ctx context.Context, f audio.AudioFrame) error {
	if c.ctx.Err() != nil {
		return audio.ErrSinkClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.subscribe || len(f.Data) == 0 {
		return nil
	}
	// Cancelling a write tears the websocket down, so writes are bounded by
	// the connection rather than the caller.
	wctx, cancel := context.WithTimeout(c.ctx, c.srv.cfg.WriteTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageBinary, f.Data); err != nil {
		if c.ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
			return audio.ErrSinkClosed
		}
		return fmt.Errorf("wsroom: write audio: %w", err)
	}
	return nil
}

// Observe queues a session update for the client. It never blocks; updates
// beyond the buffer are dropped.
func (c *conn) Observe(u session.Update) {
	c.send(u)
}

func (c *conn) send(v any) {
	select {
	case c.updates <- v:
	default:
		if c.dropped.Add(1) == 1 {
			c.srv.log.Warn("update queue full, dropping updates", "room", c.room, "participant", c.participant)
		}
	}
}

// writeLoop drains the update queue until the connection ends. A terminated
// session closes the connection after its final update.
func (c *conn) writeLoop(log *slog.Logger) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case v := <-c.updates:
			data, err := json.Marshal(v)
			if err != nil {
				log.Error("failed to encode update", "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(c.ctx, c.srv.cfg.WriteTimeout)
			err = c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug("update write failed", "err", err)
				return
			}
			if u, ok := v.(session.Update); ok && u.Type == session.UpdateState && u.State == session.StateTerminated {
				c.ended.Store(true)
				c.ws.Close(websocket.StatusNormalClosure, closeReason("session ended: "+u.Reason))
				return
			}
		}
	}
}

// closeReason trims r to the 123 bytes a close frame can carry without
// splitting a rune.
func closeReason(r string) string {
	const maxReason = 123
	if len(r) <= maxReason {
		return r
	}
	cut := maxReason
	for cut > 0 && !utf8.RuneStart(r[cut]) {
		cut--
	}
	return r[:cut]
}
