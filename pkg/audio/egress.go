package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EgressOption configures an [Egress] during construction.
type EgressOption func(*Egress)

// WithRealtimePacing makes the egress wait for each frame's playback duration
// after writing it, so that at most one frame is ever ahead of the listener.
// Without pacing the queue is drained as fast as the sink accepts frames.
func WithRealtimePacing() EgressOption {
	return func(e *Egress) {
		e.pace = true
	}
}

// WithEgressLogger sets the logger used for sink errors.
func WithEgressLogger(l *slog.Logger) EgressOption {
	return func(e *Egress) {
		e.log = l
	}
}

// maxInterrupted bounds how many interrupted turns an egress remembers. A
// producer of an interrupted turn must stop before this many later turns are
// interrupted, or its late frames are accepted again.
const maxInterrupted = 32

// InterruptReason identifies why playback of a turn was cut short.
type InterruptReason int

const (
	// TurnCancelled indicates that the session abandoned the turn: a stage
	// failed, a newer utterance superseded it or the session is ending.
	TurnCancelled InterruptReason = iota

	// PlayerBargeIn indicates that the participant started speaking while the
	// turn was still being played. The floor goes to the participant.
	PlayerBargeIn
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case TurnCancelled:
		return "TURN_CANCELLED"
	case PlayerBargeIn:
		return "PLAYER_BARGE_IN"
	default:
		return "UNKNOWN"
	}
}

// item is one queued entry: either a frame or a barrier callback.
type item struct {
	turnID  string
	frame   AudioFrame
	barrier func()
}

// Egress is the playback boundary of one session. Frames are tagged with the
// turn that produced them and written to the current [Sink] strictly in
// enqueue order by [Egress.Run].
//
// [Egress.Interrupt] drops every queued frame of a turn and waits for an
// in-flight write to finish, so once it returns no further frame of that turn
// reaches the sink. While no sink is attached (participant disconnected) the queue is held,
// not dropped.
//
// All exported methods are safe for concurrent use.
type Egress struct {
	log  *slog.Logger
	pace bool

	// sendMu is held for the duration of a sink write.
	sendMu sync.Mutex

	mu    sync.Mutex
	queue []item

	// interrupted holds the most recent interrupted turns; order is their
	// insertion order, oldest first.
	interrupted map[string]InterruptReason
	order       []string

	sink      Sink
	written   int
	closed    bool
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewEgress creates an empty egress with no sink attached.
func NewEgress(opts ...EgressOption) *Egress {
	e := &Egress{
		log:         slog.Default(),
		interrupted: make(map[string]InterruptReason),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetSink attaches s as the playback target. Passing nil detaches the current
// sink; queued frames are kept until a new sink is attached.
func (e *Egress) SetSink(s Sink) {
	e.mu.Lock()
	e.sink = s
	e.mu.Unlock()
	e.wake()
}

// Enqueue appends frame for turnID. It reports false, dropping the frame, if
// the turn has been interrupted or the egress is closed.
func (e *Egress) Enqueue(turnID string, frame AudioFrame) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if _, dead := e.interrupted[turnID]; dead {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, item{turnID: turnID, frame: frame})
	e.mu.Unlock()
	e.wake()
	return true
}

// Barrier queues fn behind every frame enqueued so far. fn is called from the
// playback goroutine once all of those frames have been written. If turnID is
// interrupted first, fn is discarded together with the turn's frames.
func (e *Egress) Barrier(turnID string, fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if _, dead := e.interrupted[turnID]; dead {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, item{turnID: turnID, barrier: fn})
	e.mu.Unlock()
	e.wake()
	return true
}

// Interrupt cancels playback of turnID for reason: queued frames and barriers
// of the turn are dropped and later enqueues for it are refused. Interrupt
// blocks until any write in progress has returned. It returns the number of
// dropped frames.
func (e *Egress) Interrupt(turnID string, reason InterruptReason) int {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.remember(turnID, reason)
	kept := e.queue[:0]
	dropped := 0
	for _, it := range e.queue {
		if it.turnID == turnID {
			if it.barrier == nil {
				dropped++
			}
			continue
		}
		kept = append(kept, it)
	}
	clear(e.queue[len(kept):])
	e.queue = kept
	if dropped > 0 {
		e.log.Debug("egress: playback interrupted", "turn_id", turnID, "reason", reason, "dropped", dropped)
	}
	return dropped
}

// Interrupted reports whether turnID was interrupted and why. Only the most
// recent interrupted turns are remembered.
func (e *Egress) Interrupted(turnID string) (InterruptReason, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.interrupted[turnID]
	return r, ok
}

// remember records an interrupted turn, forgetting the oldest one once
// maxInterrupted are held. Must be called with e.mu held.
func (e *Egress) remember(turnID string, reason InterruptReason) {
	if _, ok := e.interrupted[turnID]; ok {
		return
	}
	if len(e.order) == maxInterrupted {
		delete(e.interrupted, e.order[0])
		e.order = append(e.order[:0], e.order[1:]...)
	}
	e.interrupted[turnID] = reason
	e.order = append(e.order, turnID)
}

// Pending returns the number of queued frames.
func (e *Egress) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, it := range e.queue {
		if it.barrier == nil {
			n++
		}
	}
	return n
}

// Written returns the number of frames delivered to a sink so far.
func (e *Egress) Written() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.written
}

// Close stops [Egress.Run] and discards the queue. Close is idempotent.
func (e *Egress) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.queue = nil
		e.mu.Unlock()
		close(e.done)
	})
}

// Run writes queued frames to the sink until ctx is cancelled or the egress is
// closed, returning nil in the latter case. A failed write detaches the sink
// and keeps the frame at the head of the queue for the next sink. Barrier
// callbacks run on this goroutine and must not call back into the egress.
func (e *Egress) Run(ctx context.Context) error {
	var pacer *time.Timer
	defer func() {
		if pacer != nil {
			pacer.Stop()
		}
	}()

	for {
		if err := e.wait(ctx); err != nil {
			if errors.Is(err, errEgressClosed) {
				return nil
			}
			return err
		}

		played, err := e.step(ctx)
		if err != nil {
			return err
		}
		if !e.pace || played <= 0 {
			continue
		}
		if pacer == nil {
			pacer = time.NewTimer(played)
		} else {
			pacer.Reset(played)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		case <-pacer.C:
		}
	}
}

// wait blocks until there is work and a sink to deliver it to.
func (e *Egress) wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		ready := len(e.queue) > 0 && (e.sink != nil || e.queue[0].barrier != nil)
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return errEgressClosed
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return errEgressClosed
		case <-e.notify:
		}
	}
}

// step delivers the head of the queue and returns the played duration.
func (e *Egress) step(ctx context.Context) (time.Duration, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return 0, nil
	}
	head := e.queue[0]
	sink := e.sink
	if head.barrier == nil && sink == nil {
		e.mu.Unlock()
		return 0, nil
	}
	e.queue[0] = item{}
	e.queue = e.queue[1:]
	e.mu.Unlock()

	if head.barrier != nil {
		head.barrier()
		return 0, nil
	}

	if err := sink.WriteFrame(ctx, head.frame); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		e.log.Warn("egress: sink write failed, detaching", "err", err)
		e.mu.Lock()
		if _, dead := e.interrupted[head.turnID]; !dead && !e.closed {
			e.queue = append([]item{head}, e.queue...)
		}
		if e.sink == sink {
			e.sink = nil
		}
		e.mu.Unlock()
		return 0, nil
	}

	e.mu.Lock()
	e.written++
	e.mu.Unlock()
	return head.frame.Duration(), nil
}

func (e *Egress) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

var errEgressClosed = errors.New("audio: egress closed")
