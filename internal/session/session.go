// Package session coordinates the pipeline of one room participant: inbound
// audio is segmented into turns, each turn is transcribed, answered and
// spoken, and the participant may interrupt the agent at any time.
//
// Every [Session] runs a single event loop goroutine. Transport input (frames,
// disconnects, reconnects) and stage events arrive on queues and are applied
// there one at a time, so coordinator state needs no locking. Stages run in
// their own goroutines and are controlled only through their handles; an
// event is acted upon only if its handle is still the active one of the
// current turn.
//
// [Manager] is the registry of live sessions keyed by room and participant.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/MrWong99/voxrelay/internal/history"
	"github.com/MrWong99/voxrelay/internal/notify"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/stage"
	"github.com/MrWong99/voxrelay/internal/transcript"
	"github.com/MrWong99/voxrelay/internal/turnbuffer"
	"github.com/MrWong99/voxrelay/internal/usage"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

const (
	// persistTimeout bounds every history store and notifier call.
	persistTimeout = 5 * time.Second

	// summaryTimeout bounds one conversation summary request.
	summaryTimeout = 30 * time.Second

	// vocabularyBoost is the keyword boost sent for persona vocabulary.
	vocabularyBoost = 2.0
)

// Params holds the dependencies of a [Session].
type Params struct {
	// ID identifies the session. A random UUID is used when empty.
	ID            string
	RoomID        string
	ParticipantID string

	// Sink receives the agent's audio. It may be nil until the participant
	// connects.
	Sink audio.Sink

	Config       Config
	Capabilities Capabilities

	// History persists finished turns and seeds the conversation. Optional.
	History history.Store

	// Notifier announces the session's start and end. Optional.
	Notifier notify.Notifier

	// Summariser compacts old conversation turns. Without one they are
	// dropped.
	Summariser Summariser

	// Observer receives every coordinator update. A Sink that implements
	// [Observer] receives them as well.
	Observer Observer

	// Switcher rebuilds providers when the participant switches them.
	// Without one, provider changes are rejected.
	Switcher ProviderSwitcher

	Metrics *observe.Metrics
	Clock   Clock
	Logger  *slog.Logger
}

// Inbound messages of the event loop.
type (
	frameMsg      struct{ frame audio.AudioFrame }
	disconnectMsg struct{}
	reconnectMsg  struct{ sink audio.Sink }
	leaveMsg      struct{}
	snapshotMsg   struct{ reply chan Snapshot }
	graceMsg      struct{ gen int }
	summaryMsg    struct{ text string }
	changeMsg     struct{ change Change }
	switchedMsg   struct {
		gen  int
		prev ProviderChoices
		caps Capabilities
		err  error
	}
)

// Session is the coordinator of one participant's conversation with the
// agent.
//
// Push, Disconnect, Reconnect, Reconfigure, Leave and Snapshot are safe for
// concurrent use.
// Run must be called exactly once.
type Session struct {
	id            string
	roomID        string
	participantID string

	cfg        Config
	caps       Capabilities
	store      history.Store
	notifier   notify.Notifier
	summariser Summariser
	observer   Observer
	metrics    *observe.Metrics
	span       *observe.TurnSpan
	clock      Clock
	log        *slog.Logger

	egress  *audio.Egress
	vad     vad.SessionHandle
	buf     *turnbuffer.Buffer
	usage   *usage.Tracker
	started time.Time

	inbox  chan any
	events chan stage.Event
	jobs   chan func(context.Context)
	done   chan struct{}
	bg     sync.WaitGroup

	// ctx is the parent of every stage handle. Set by Run.
	ctx context.Context

	mu    sync.Mutex
	final Snapshot
	err   error

	// Everything below is owned by the event loop.
	state        State
	sinkObserver Observer
	turn         *Turn
	tx           *stage.Transcription
	resp         *stage.Response
	synth        *stage.Synthesis
	current      map[stage.Kind]*stage.Handle
	seqs         map[*stage.Handle]uint64
	finalAt      time.Time
	turns        []Turn
	conv         *Conversation
	failures     int
	suspended    bool
	deferred     []stage.Event
	grace        Timer
	graceGen     int
	ending       bool
	endReason    string
	endErr       error

	// Configuration changes wait here while a turn is in progress.
	switcher    ProviderSwitcher
	initial     Persona
	baseCaps    Capabilities
	choices     ProviderChoices
	switchGen   int
	pending     *Persona
	pendingCaps *Capabilities
	greeted     bool

	corrector *transcript.Corrector
	keywords  []stt.KeywordBoost
}

// New creates a session. The session does nothing until [Session.Run] is
// called.
func New(p Params) (*Session, error) {
	cfg := p.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := p.Capabilities.Validate(); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Clock == nil {
		p.Clock = RealClock()
	}
	if p.Metrics == nil {
		p.Metrics = observe.DefaultMetrics()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	log := p.Logger.With("session_id", p.ID, "room_id", p.RoomID, "participant_id", p.ParticipantID)

	vs, err := p.Capabilities.VAD.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("session: create vad session: %w", err)
	}
	buf, err := turnbuffer.New(cfg.TurnBuffer, vs)
	if err != nil {
		vs.Close()
		return nil, fmt.Errorf("session: create turn buffer: %w", err)
	}

	opts := []audio.EgressOption{audio.WithEgressLogger(log)}
	if cfg.RealtimePacing {
		opts = append(opts, audio.WithRealtimePacing())
	}
	egress := audio.NewEgress(opts...)

	s := &Session{
		id:            p.ID,
		roomID:        p.RoomID,
		participantID: p.ParticipantID,
		cfg:           cfg,
		caps:          p.Capabilities,
		store:         p.History,
		notifier:      p.Notifier,
		summariser:    p.Summariser,
		observer:      p.Observer,
		metrics:       p.Metrics,
		clock:         p.Clock,
		log:           log,
		egress:        egress,
		vad:           vs,
		buf:           buf,
		inbox:         make(chan any, cfg.QueueSize),
		events:        make(chan stage.Event, cfg.QueueSize),
		jobs:          make(chan func(context.Context), cfg.QueueSize),
		done:          make(chan struct{}),
		ctx:           context.Background(),
		usage:         usage.NewTracker(p.Clock.Now()),
		state:         StateIdle,
		current:       make(map[stage.Kind]*stage.Handle),
		seqs:          make(map[*stage.Handle]uint64),
		conv:          NewConversation(cfg.ContextTokens),
		switcher:      p.Switcher,
		initial:       cfg.Persona,
		baseCaps:      p.Capabilities,
	}
	if len(cfg.Persona.Vocabulary) > 0 {
		s.corrector = transcript.NewCorrector(cfg.Persona.Vocabulary)
		for _, term := range cfg.Persona.Vocabulary {
			if term = strings.TrimSpace(term); term != "" {
				s.keywords = append(s.keywords, stt.KeywordBoost{Keyword: term, Boost: vocabularyBoost})
			}
		}
	}
	s.attach(p.Sink)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// RoomID returns the room the session belongs to.
func (s *Session) RoomID() string { return s.roomID }

// ParticipantID returns the identity of the human participant.
func (s *Session) ParticipantID() string { return s.participantID }

// Done is closed once the event loop has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended: nil for a leave or shutdown, an error
// wrapping [ErrTerminated] otherwise. It returns nil while the session runs.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push delivers one inbound audio frame.
func (s *Session) Push(ctx context.Context, frame audio.AudioFrame) error {
	return s.deliver(ctx, frameMsg{frame: frame})
}

// Disconnect reports that the transport lost the participant. The active turn
// is suspended until [Session.Reconnect] or the grace period expires.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.deliver(ctx, disconnectMsg{})
}

// Reconnect attaches sink after a disconnect and resumes the suspended turn.
// On a connected session it replaces the sink.
func (s *Session) Reconnect(ctx context.Context, sink audio.Sink) error {
	return s.deliver(ctx, reconnectMsg{sink: sink})
}

// Reconfigure changes the persona, voice or providers. The turn in progress
// finishes with the old settings; the change applies from the next turn.
// Provider switches are built in the background and reported with an
// [UpdateConfig] update.
func (s *Session) Reconfigure(ctx context.Context, c Change) error {
	return s.deliver(ctx, changeMsg{change: c})
}

// Leave ends the session.
func (s *Session) Leave(ctx context.Context) error {
	return s.deliver(ctx, leaveMsg{})
}

// Snapshot returns a consistent copy of the coordinator state. After the
// session ended it returns the final state.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := s.deliver(ctx, snapshotMsg{reply: reply}); err != nil {
		if errors.Is(err, ErrClosed) {
			return s.finalSnapshot(), nil
		}
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-s.done:
		return s.finalSnapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Session) finalSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

func (s *Session) deliver(ctx context.Context, m any) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- m:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue is deliver for messages the session sends itself.
func (s *Session) enqueue(m any) {
	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

// post is the [stage.Poster] of every stage handle.
func (s *Session) post(ctx context.Context, ev stage.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// Run executes the event loop until the participant leaves, the session is
// terminated or ctx is cancelled. It returns [Session.Err].
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = runCtx
	s.started = s.clock.Now()
	s.usage = usage.NewTracker(s.started)

	egressDone := make(chan struct{})
	go func() {
		defer close(egressDone)
		if err := s.egress.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("egress stopped", "err", err)
		}
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for job := range s.jobs {
			jctx, jcancel := context.WithTimeout(context.WithoutCancel(runCtx), persistTimeout)
			job(jctx)
			jcancel()
		}
	}()

	s.metrics.ActiveSessions.Add(runCtx, 1)
	s.seed(runCtx)
	s.announce(notify.TypeStarted, "", nil)
	s.log.Info("session started", "grace", s.cfg.GracePeriod)
	s.setState(StateListening)
	if s.cfg.Persona.Greeting != "" {
		s.greet()
	}

	s.loop(runCtx)

	s.finish()
	cancel()
	<-egressDone
	s.bg.Wait()
	close(s.jobs)
	<-workerDone
	s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	return s.Err()
}

func (s *Session) loop(ctx context.Context) {
	for s.state != StateTerminated {
		select {
		case <-ctx.Done():
			s.end(EndShutdown, nil)
		case m := <-s.inbox:
			s.handle(m)
		case ev := <-s.events:
			s.onStageEvent(ev)
		}
	}
}

func (s *Session) handle(m any) {
	switch m := m.(type) {
	case frameMsg:
		if !s.suspended {
			s.onFrame(m.frame)
		}
	case disconnectMsg:
		s.suspend()
	case reconnectMsg:
		s.resume(m.sink)
	case leaveMsg:
		s.end(EndLeft, nil)
	case snapshotMsg:
		m.reply <- s.snapshot()
	case graceMsg:
		if s.suspended && m.gen == s.graceGen {
			s.log.Warn("reconnect grace period expired", "grace", s.cfg.GracePeriod)
			s.terminate(EndGraceExpired)
		}
	case summaryMsg:
		s.conv.FinishSummary(m.text)
	case changeMsg:
		s.reconfigure(m.change)
	case switchedMsg:
		s.switched(m)
	}
}

// finish runs after the loop: it publishes the final state, releases the
// session's resources and schedules the end-of-session record.
func (s *Session) finish() {
	snap := s.snapshot()
	s.mu.Lock()
	s.final = snap
	s.err = s.endErr
	s.mu.Unlock()
	close(s.done)

	s.egress.Close()
	if err := s.vad.Close(); err != nil {
		s.log.Debug("close vad session", "err", err)
	}

	summary := s.usage.Summary()
	rec := history.Session{
		ID:            s.id,
		RoomID:        s.roomID,
		ParticipantID: s.participantID,
		Started:       s.started,
		Ended:         s.clock.Now(),
		EndReason:     s.endReason,
		Usage:         summary,
	}
	if s.store != nil {
		s.schedule(func(ctx context.Context) {
			if err := s.store.EndSession(ctx, rec); err != nil {
				s.log.Warn("failed to record session", "err", err)
			}
		})
	}
	typ := notify.TypeEnded
	if s.endErr != nil {
		typ = notify.TypeTerminated
	}
	s.announce(typ, s.endReason, &summary)
	s.log.Info("session ended", "reason", s.endReason, "turns", len(s.turns))
}

// schedule runs job on the session's persistence worker. Jobs run one at a
// time in submission order.
func (s *Session) schedule(job func(ctx context.Context)) {
	select {
	case s.jobs <- job:
	default:
		s.log.Warn("persistence queue full, dropping job")
	}
}

func (s *Session) announce(typ, reason string, summary *usage.Summary) {
	if s.notifier == nil {
		return
	}
	ev := notify.Event{
		Type:          typ,
		SessionID:     s.id,
		RoomID:        s.roomID,
		ParticipantID: s.participantID,
		Reason:        reason,
		Time:          s.clock.Now(),
		Usage:         summary,
	}
	s.schedule(func(ctx context.Context) {
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.log.Warn("failed to send notification", "type", typ, "err", err)
		}
	})
}

// seed loads the participant's recent turns into the conversation.
func (s *Session) seed(ctx context.Context) {
	if s.store == nil || s.cfg.HistoryTurns == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	turns, err := s.store.RecentTurns(ctx, s.roomID, s.participantID, s.cfg.HistoryTurns)
	if err != nil {
		s.log.Warn("failed to load turn history", "err", err)
		return
	}
	s.conv.Seed(turns)
	s.conv.Trim()
}

// ---------------------------------------------------------------------------
// Transport input
// ---------------------------------------------------------------------------

func (s *Session) onFrame(f audio.AudioFrame) {
	evs, err := s.buf.Push(f)
	if err != nil {
		s.log.Debug("dropping frame", "err", err)
		return
	}
	for _, ev := range evs {
		switch ev.Type {
		case turnbuffer.SpeechDetected:
			s.onSpeech()
		case turnbuffer.ChunkReady:
			s.onChunk(ev.Chunk)
		}
		if s.state == StateTerminated {
			return
		}
	}
}

// onSpeech opens a turn for a new utterance. A reply in progress is cut off
// (barge-in); a turn still waiting for its transcript is superseded and its
// audio carried into the new turn.
func (s *Session) onSpeech() {
	var carry []turnbuffer.Chunk
	if t := s.turn; t != nil {
		switch t.Stage {
		case StageListening:
			return
		case StageTranscribing:
			if s.tx != nil {
				carry = s.tx.Chunks()
			}
			s.abandon(ReasonSuperseded, true)
		case StageResponding, StageSpeaking:
			s.metrics.BargeIns.Add(s.ctx, 1)
			s.log.Info("barge-in", "turn_id", t.ID, "stage", t.Stage)
			s.abandon(ReasonBargeIn, true)
		}
	}
	s.openTurn(carry)
}

func (s *Session) onChunk(c turnbuffer.Chunk) {
	t := s.turn
	if t == nil || t.Stage != StageListening {
		s.log.Debug("dropping chunk outside an open utterance", "seq", c.Seq)
		return
	}
	if s.tx == nil {
		s.startTranscription(c.Format)
	}
	s.tx.Send(c)
	if c.Final {
		s.advance(StageTranscribing)
	}
}

func (s *Session) suspend() {
	if s.suspended {
		return
	}
	s.suspended = true
	s.egress.SetSink(nil)
	// An utterance cut off by the disconnect closes with the audio received so
	// far. A reconnected transport starts a new audio timeline.
	if s.buf.Open() {
		for _, ev := range s.buf.Flush() {
			s.onChunk(ev.Chunk)
		}
	}
	s.buf.Reset()
	s.graceGen++
	gen := s.graceGen
	s.grace = s.clock.AfterFunc(s.cfg.GracePeriod, func() { s.enqueue(graceMsg{gen: gen}) })
	s.metrics.SuspendedSessions.Add(s.ctx, 1)
	s.log.Info("participant disconnected, session suspended", "grace", s.cfg.GracePeriod)
}

func (s *Session) resume(sink audio.Sink) {
	s.attach(sink)
	if !s.suspended {
		return
	}
	s.stopGrace()
	s.log.Info("participant reconnected, resuming", "deferred_events", len(s.deferred))
	deferred := s.deferred
	s.deferred = nil
	for _, ev := range deferred {
		s.onStageEvent(ev)
		if s.state == StateTerminated {
			return
		}
	}
}

func (s *Session) attach(sink audio.Sink) {
	if sink == nil {
		return
	}
	s.egress.SetSink(sink)
	s.sinkObserver, _ = sink.(Observer)
}

func (s *Session) stopGrace() {
	if !s.suspended {
		return
	}
	s.suspended = false
	s.graceGen++
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.metrics.SuspendedSessions.Add(s.ctx, -1)
}

// ---------------------------------------------------------------------------
// Stage events
// ---------------------------------------------------------------------------

// onStageEvent applies ev if it belongs to the active handle of the current
// turn. Events of cancelled or replaced handles are dropped.
func (s *Session) onStageEvent(ev stage.Event) {
	if s.suspended {
		s.deferred = append(s.deferred, ev)
		return
	}
	h := ev.Handle
	t := s.turn
	if h == nil || t == nil || t.Stage.Terminal() || h.TurnID() != t.ID ||
		s.current[h.Kind()] != h || h.Status() == stage.StatusCancelled {
		s.log.Debug("dropping stale stage event", "type", ev.Type, "seq", ev.Seq)
		return
	}
	if want := s.seqs[h] + 1; ev.Seq != want {
		s.fail(&stage.Error{
			Kind:   stage.Terminal,
			Stage:  h.Kind(),
			Reason: stage.ReasonProtocolViolation,
			Err:    fmt.Errorf("%w: event %d out of order, want %d", stage.ErrProtocolViolation, ev.Seq, want),
		})
		return
	}
	s.seqs[h] = ev.Seq

	switch h.Kind() {
	case stage.KindTranscription:
		s.onTranscription(ev)
	case stage.KindResponse:
		s.onResponse(ev)
	case stage.KindSynthesis:
		s.onSynthesis(ev)
	}
}

func (s *Session) onTranscription(ev stage.Event) {
	t := s.turn
	switch ev.Type {
	case stage.EventPartial:
		t.Transcript = ev.Text
		s.update(Update{Type: UpdateTranscript, TurnID: t.ID, Text: ev.Text})
	case stage.EventComplete:
		s.recordStage(ev.Handle, s.caps.STTModel)
		s.usage.AddAudio(s.caps.STTModel, s.tx.AudioDuration())
		t.Transcript = ev.Text
		t.Final = true
		s.update(Update{Type: UpdateTranscript, TurnID: t.ID, Text: ev.Text, Final: true})
		if ev.Text == "" {
			s.abandon(ReasonEmptyTranscript, false)
			return
		}
		s.startResponse()
	case stage.EventFailed:
		s.recordStage(ev.Handle, s.caps.STTModel)
		s.fail(ev.Err)
	}
}

func (s *Session) onResponse(ev stage.Event) {
	t := s.turn
	switch ev.Type {
	case stage.EventFragment:
		if t.Response != "" {
			t.Response += " "
		}
		t.Response += ev.Text
		s.update(Update{Type: UpdateFragment, TurnID: t.ID, Text: ev.Text})
		if s.synth == nil {
			s.startSynthesis()
		}
		s.synth.Send(ev.Text)
	case stage.EventComplete:
		s.recordStage(ev.Handle, s.caps.LLMModel)
		if ev.Usage != nil {
			s.usage.AddTokens(s.caps.LLMModel, *ev.Usage)
		}
		if ev.Text != "" {
			t.Response = ev.Text
		}
		if s.synth == nil {
			s.complete()
			return
		}
		s.synth.Close()
	case stage.EventFailed:
		s.recordStage(ev.Handle, s.caps.LLMModel)
		s.fail(ev.Err)
	}
}

func (s *Session) onSynthesis(ev stage.Event) {
	t := s.turn
	switch ev.Type {
	case stage.EventStarted:
		t.Synthesis = "playing"
		s.metrics.ResponseLatency.Record(s.ctx, s.clock.Now().Sub(s.finalAt).Seconds())
		s.advance(StageSpeaking)
	case stage.EventComplete:
		s.recordStage(ev.Handle, s.caps.TTSModel)
		s.usage.AddCharacters(s.caps.TTSModel, utf8.RuneCountInString(t.Response))
		t.Synthesis = ev.Handle.Status().String()
		s.complete()
	case stage.EventFailed:
		s.recordStage(ev.Handle, s.caps.TTSModel)
		t.Synthesis = ev.Handle.Status().String()
		s.fail(ev.Err)
	}
}

// ---------------------------------------------------------------------------
// Stage lifecycle
// ---------------------------------------------------------------------------

func (s *Session) track(h *stage.Handle) {
	s.current[h.Kind()] = h
	s.seqs[h] = 0
}

// correct applies vocabulary correction to a final transcript. It runs on
// the transcription goroutine and only reads immutable session state.
func (s *Session) correct(tr stt.Transcript) string {
	if s.corrector == nil {
		return tr.Text
	}
	res := s.corrector.Correct(tr)
	for _, c := range res.Corrections {
		s.log.Debug("transcript corrected", "original", c.Original, "corrected", c.Corrected, "confidence", c.Confidence)
	}
	return res.Text
}

func (s *Session) startTranscription(f audio.Format) {
	if f.SampleRate == 0 {
		f = audio.Format{SampleRate: s.cfg.VAD.SampleRate, Channels: 1}
	}
	s.tx = stage.StartTranscription(s.ctx, s.turn.ID, s.caps.STT, stage.TranscriptionConfig{
		Stream: stt.StreamConfig{
			SampleRate: f.SampleRate,
			Channels:   max(f.Channels, 1),
			Language:   s.cfg.Persona.Language,
			Keywords:   s.keywords,
		},
		Timeout: s.cfg.TranscriptionTimeout,
		Retry:   s.cfg.Retry,
		OnRetry: s.onRetry(s.caps.STTModel, usage.KindSTT),
		Correct: s.correct,
		Logger:  s.log,
	}, s.post)
	s.track(s.tx.Handle())
}

func (s *Session) startResponse() {
	t := s.turn
	p := s.cfg.Persona
	req := llm.CompletionRequest{
		SystemPrompt: p.SystemPrompt,
		Messages:     append(s.conv.Messages(), llm.Message{Role: llm.RoleUser, Content: t.Transcript}),
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
	}
	s.finalAt = s.clock.Now()
	s.resp = stage.StartResponse(s.ctx, t.ID, s.caps.LLM, req, stage.ResponseConfig{
		Timeout:     s.cfg.ResponseTimeout,
		ClauseAfter: s.cfg.ClauseAfter,
		Retry:       s.cfg.Retry,
		OnRetry:     s.onRetry(s.caps.LLMModel, usage.KindLLM),
		Logger:      s.log,
	}, s.post)
	s.track(s.resp.Handle())
	s.advance(StageResponding)
}

func (s *Session) startSynthesis() {
	s.synth = stage.StartSynthesis(s.ctx, s.turn.ID, s.caps.TTS, s.egress, stage.SynthesisConfig{
		Voice:         s.cfg.Persona.Voice,
		Format:        s.cfg.OutputFormat,
		FrameDuration: s.cfg.FrameDuration,
		Timeout:       s.cfg.SynthesisTimeout,
		Retry:         s.cfg.Retry,
		OnRetry:       s.onRetry(s.caps.TTSModel, usage.KindTTS),
		Logger:        s.log,
	}, s.post)
	s.turn.Synthesis = stage.StatusOpen.String()
	s.track(s.synth.Handle())
}

func (s *Session) onRetry(model, kind string) func(error) {
	return func(err error) {
		s.metrics.RecordProviderError(context.Background(), model, kind)
		s.log.Warn("retrying provider", "kind", kind, "err", err)
	}
}

func (s *Session) recordStage(h *stage.Handle, model string) {
	status := h.Status().String()
	s.metrics.RecordStage(s.ctx, string(h.Kind()), status, time.Since(h.Opened()).Seconds())
	s.metrics.RecordProviderRequest(s.ctx, model, string(h.Kind()), status)
	s.span.Stage(string(h.Kind()), status, h.Opened())
}

// cancelHandles stops every stage of the current turn.
func (s *Session) cancelHandles() {
	for _, h := range s.current {
		if h.Cancel() {
			s.metrics.RecordStage(s.ctx, string(h.Kind()), stage.StatusCancelled.String(), time.Since(h.Opened()).Seconds())
			s.span.Stage(string(h.Kind()), stage.StatusCancelled.String(), h.Opened())
		}
	}
	s.tx, s.resp, s.synth = nil, nil, nil
	clear(s.current)
	clear(s.seqs)
}

// interruptPlayback drops the queued audio of an abandoned turn. Once it
// returns no frame of the turn reaches the sink.
func (s *Session) interruptPlayback(turnID, reason string) {
	why := audio.TurnCancelled
	if reason == ReasonBargeIn {
		why = audio.PlayerBargeIn
	}
	if n := s.egress.Interrupt(turnID, why); n > 0 {
		s.log.Debug("interrupted playback", "turn_id", turnID, "reason", why, "frames", n)
	}
}

// ---------------------------------------------------------------------------
// Turn lifecycle
// ---------------------------------------------------------------------------

func (s *Session) openTurn(carry []turnbuffer.Chunk) {
	t := &Turn{
		ID:      ulid.Make().String(),
		Started: s.clock.Now(),
		Stage:   StageListening,
	}
	s.turn = t
	s.span = observe.StartTurn(s.ctx, s.id, t.ID)
	s.update(Update{Type: UpdateTurn, TurnID: t.ID, Stage: t.Stage})
	s.setState(StateListening)
	if len(carry) == 0 {
		return
	}
	s.startTranscription(carry[0].Format)
	for _, c := range carry {
		c.Final = false
		s.tx.Send(c)
	}
}

// advance moves the current turn forward. Moves backward are ignored.
func (s *Session) advance(to TurnStage) {
	t := s.turn
	if t == nil || to.rank() <= t.Stage.rank() {
		return
	}
	t.Stage = to
	s.update(Update{Type: UpdateTurn, TurnID: t.ID, Stage: to})
	s.setState(stateFor(to))
}

func (s *Session) complete() {
	t := s.turn
	s.failures = 0
	if t.Greeting {
		s.conv.Add(llm.Message{Role: llm.RoleAssistant, Content: t.Response})
	} else {
		s.conv.Add(
			llm.Message{Role: llm.RoleUser, Content: t.Transcript},
			llm.Message{Role: llm.RoleAssistant, Content: t.Response},
		)
	}
	s.compact()
	s.closeTurn(StageComplete, "")
}

// abandon ends the current turn before completion. cancelled marks turns cut
// short by the coordinator rather than by a failure.
func (s *Session) abandon(reason string, cancelled bool) {
	if s.turn == nil {
		return
	}
	s.turn.Cancelled = cancelled
	s.closeTurn(StageAbandoned, reason)
}

// fail abandons the current turn because of a stage failure and terminates
// the session after too many consecutive failures.
func (s *Session) fail(se *stage.Error) {
	if se == nil {
		se = &stage.Error{Kind: stage.Terminal, Reason: stage.ReasonProviderError, Err: errors.New("unknown stage failure")}
	}
	if se.Reason == stage.ReasonProtocolViolation {
		s.metrics.RecordProtocolViolation(s.ctx, string(se.Stage))
		s.log.Error("stage protocol violation", "stage", se.Stage, "err", se.Err)
	} else {
		s.log.Warn("turn failed", "stage", se.Stage, "reason", se.Reason, "err", se.Err)
	}
	s.abandon(se.Reason, false)
	s.failures++
	if s.failures >= s.cfg.MaxConsecutiveFailures {
		s.log.Error("too many consecutive turn failures", "failures", s.failures)
		s.terminate(EndConsecutiveFailures)
	}
}

func (s *Session) closeTurn(to TurnStage, reason string) {
	t := s.turn
	s.cancelHandles()
	if to == StageAbandoned {
		s.interruptPlayback(t.ID, reason)
	}
	t.Stage = to
	t.Reason = reason
	t.Ended = s.clock.Now()
	s.turn = nil
	s.turns = append(s.turns, *t)

	outcome := history.OutcomeComplete
	if to == StageAbandoned {
		outcome = history.OutcomeAbandoned
	}
	s.metrics.RecordTurn(s.ctx, outcome, reason)
	s.span.End(outcome, reason, to == StageAbandoned && !t.Cancelled)
	s.span = nil
	s.update(Update{Type: UpdateTurn, TurnID: t.ID, Stage: to, Reason: reason})
	s.persist(*t, outcome)
	if !s.ending {
		s.applyPending()
		s.setState(StateListening)
	}
}

func (s *Session) persist(t Turn, outcome string) {
	if s.store == nil {
		return
	}
	rec := history.Turn{
		SessionID:     s.id,
		TurnID:        t.ID,
		RoomID:        s.roomID,
		ParticipantID: s.participantID,
		Started:       t.Started,
		Ended:         t.Ended,
		Transcript:    t.Transcript,
		Response:      t.Response,
		Outcome:       outcome,
		Reason:        t.Reason,
	}
	s.schedule(func(ctx context.Context) {
		if err := s.store.AppendTurn(ctx, rec); err != nil {
			s.log.Warn("failed to store turn", "turn_id", rec.TurnID, "err", err)
		}
	})
}

// compact keeps the conversation within its token budget.
func (s *Session) compact() {
	if !s.conv.NeedsCompaction() {
		return
	}
	s.log.Debug("compacting conversation", "tokens", s.conv.tokenEstimate(), "summarise", s.summariser != nil)
	if s.summariser == nil {
		s.conv.Trim()
		return
	}
	msgs := s.conv.BeginSummary()
	ctx := s.ctx
	s.bg.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
		defer cancel()
		text, err := s.summariser.Summarise(ctx, msgs)
		if err != nil {
			s.log.Warn("conversation summary failed, dropping old turns", "err", err)
			text = ""
		}
		s.enqueue(summaryMsg{text: text})
	})
}

// greet speaks the persona greeting as a turn of its own. The participant
// can interrupt it like any reply.
func (s *Session) greet() {
	s.greeted = true
	text := s.cfg.Persona.Greeting
	if text == "" || s.turn != nil {
		return
	}
	t := &Turn{
		ID:       ulid.Make().String(),
		Started:  s.clock.Now(),
		Stage:    StageListening,
		Final:    true,
		Greeting: true,
	}
	s.turn = t
	s.span = observe.StartTurn(s.ctx, s.id, t.ID)
	s.update(Update{Type: UpdateTurn, TurnID: t.ID, Stage: t.Stage})
	s.finalAt = s.clock.Now()
	s.advance(StageResponding)

	t.Response = text
	s.update(Update{Type: UpdateFragment, TurnID: t.ID, Text: text})
	s.startSynthesis()
	s.synth.Send(text)
	s.synth.Close()
}

// ---------------------------------------------------------------------------
// Configuration changes
// ---------------------------------------------------------------------------

func (s *Session) reconfigure(c Change) {
	cur := s.cfg.Persona
	if s.pending != nil {
		cur = *s.pending
	}
	p := c.persona(cur, s.initial)
	s.pending = &p

	if !c.Providers.IsZero() || (c.Reset && !s.choices.IsZero()) {
		s.switchProviders(c)
	}
	if s.turn == nil {
		s.applyPending()
	}
	s.log.Info("configuration changed", "persona", p.Name, "voice", p.Voice.ID, "language", p.Language, "deferred", s.turn != nil)
	s.update(Update{Type: UpdateConfig})

	if c.Greeting != "" && !s.greeted && s.turn == nil {
		s.greet()
	}
}

// switchProviders builds the provider set for the session's switched kinds
// in the background. Only the result of the latest switch is applied.
func (s *Session) switchProviders(c Change) {
	prev := s.choices
	if c.Reset {
		s.choices = c.Providers
	} else {
		s.choices = s.choices.merge(c.Providers)
	}
	s.switchGen++
	gen := s.switchGen
	if s.switcher == nil {
		s.choices = prev
		s.log.Warn("provider switch requested without a switcher")
		s.update(Update{Type: UpdateConfig, Reason: "provider switching unavailable"})
		return
	}
	if s.choices.IsZero() {
		s.pendingCaps = &s.baseCaps
		return
	}
	ctx, sw, base, choices := s.ctx, s.switcher, s.baseCaps, s.choices
	s.bg.Go(func() {
		caps, err := sw.Switch(ctx, base, choices)
		s.enqueue(switchedMsg{gen: gen, prev: prev, caps: caps, err: err})
	})
}

func (s *Session) switched(m switchedMsg) {
	if m.gen != s.switchGen {
		return
	}
	if m.err != nil {
		s.choices = m.prev
		s.log.Warn("provider switch failed", "err", m.err)
		s.update(Update{Type: UpdateConfig, Reason: m.err.Error()})
		return
	}
	s.pendingCaps = &m.caps
	if s.turn == nil {
		s.applyPending()
	}
	s.update(Update{Type: UpdateConfig})
}

// applyPending installs configuration changes that waited for the turn in
// progress to end.
func (s *Session) applyPending() {
	if s.pending != nil {
		s.cfg.Persona = *s.pending
		s.pending = nil
	}
	if s.pendingCaps != nil {
		s.caps = *s.pendingCaps
		s.pendingCaps = nil
		s.log.Info("providers switched",
			"stt", s.caps.STTModel, "llm", s.caps.LLMModel, "tts", s.caps.TTSModel)
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func (s *Session) terminate(reason string) {
	s.metrics.RecordSessionTerminated(s.ctx, reason)
	s.end(reason, fmt.Errorf("%w: %s", ErrTerminated, reason))
}

// end abandons the active turn, cancels every handle and moves the session to
// terminated.
func (s *Session) end(reason string, err error) {
	if s.state == StateTerminated {
		return
	}
	s.ending = true
	s.abandon(reason, true)
	s.cancelHandles()
	s.stopGrace()
	s.deferred = nil
	s.endReason, s.endErr = reason, err
	s.setState(StateTerminated)
}

func (s *Session) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.metrics.RecordTransition(s.ctx, string(from), string(to))
	u := Update{Type: UpdateState, State: to}
	if to == StateTerminated {
		u.Reason = s.endReason
	}
	s.update(u)
}

func (s *Session) update(u Update) {
	u.SessionID = s.id
	if s.observer != nil {
		s.observer.Observe(u)
	}
	if s.sinkObserver != nil {
		s.sinkObserver.Observe(u)
	}
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:            s.id,
		RoomID:        s.roomID,
		ParticipantID: s.participantID,
		State:         s.state,
		Suspended:     s.suspended,
		Failures:      s.failures,
		History:       append([]Turn(nil), s.turns...),
	}
	if s.turn != nil {
		t := *s.turn
		snap.Turn = &t
	}
	return snap
}

func stateFor(st TurnStage) State {
	switch st {
	case StageTranscribing:
		return StateTranscribing
	case StageResponding:
		return StateResponding
	case StageSpeaking:
		return StateSpeaking
	default:
		return StateListening
	}
}

// String returns a short description for logs.
func (s *Session) String() string {
	return strings.Join([]string{s.roomID, s.participantID, s.id}, "/")
}
