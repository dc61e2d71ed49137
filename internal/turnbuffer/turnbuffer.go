// Package turnbuffer segments a continuous stream of inbound audio frames into
// utterance-aligned chunks.
//
// A [Buffer] runs every frame through a VAD session. An utterance opens once
// speech has been sustained for [Config.MinSpeech] (shorter bursts are treated
// as noise) and closes after [Config.SilenceTimeout] of silence or when it
// reaches [Config.MaxUtterance]. While open, audio is cut into chunks of
// roughly [Config.ChunkDuration]; the last chunk of an utterance carries
// Final=true and is emitted exactly once.
//
// A Buffer is not safe for concurrent use. It is owned by the session event
// loop.
package turnbuffer

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

// Config tunes utterance boundaries. All durations are measured in audio
// time, not wall-clock time.
type Config struct {
	// MinSpeech is how long speech must be sustained before an utterance
	// opens.
	MinSpeech time.Duration

	// SilenceTimeout is how long speech must stay absent before an open
	// utterance closes.
	SilenceTimeout time.Duration

	// MaxUtterance force-closes an utterance that runs this long. Zero
	// disables the limit.
	MaxUtterance time.Duration

	// ChunkDuration is the target length of each emitted chunk.
	ChunkDuration time.Duration

	// PreRoll is how much audio preceding the first speech frame is kept and
	// emitted at the start of the utterance.
	PreRoll time.Duration
}

// DefaultConfig returns the boundary settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MinSpeech:      100 * time.Millisecond,
		SilenceTimeout: 300 * time.Millisecond,
		MaxUtterance:   30 * time.Second,
		ChunkDuration:  200 * time.Millisecond,
		PreRoll:        200 * time.Millisecond,
	}
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.MinSpeech < 0 {
		errs = append(errs, errors.New("turnbuffer: min speech must not be negative"))
	}
	if c.SilenceTimeout <= 0 {
		errs = append(errs, errors.New("turnbuffer: silence timeout must be positive"))
	}
	if c.ChunkDuration <= 0 {
		errs = append(errs, errors.New("turnbuffer: chunk duration must be positive"))
	}
	if c.MaxUtterance < 0 {
		errs = append(errs, errors.New("turnbuffer: max utterance must not be negative"))
	}
	if c.PreRoll < 0 {
		errs = append(errs, errors.New("turnbuffer: pre-roll must not be negative"))
	}
	return errors.Join(errs...)
}

// EventType distinguishes the events returned by [Buffer.Push].
type EventType int

const (
	// SpeechDetected is raised once per utterance, when it opens.
	SpeechDetected EventType = iota

	// ChunkReady carries an utterance chunk. The chunk with Final set closes
	// the utterance.
	ChunkReady
)

// String returns the name of the event type.
func (t EventType) String() string {
	switch t {
	case SpeechDetected:
		return "speech_detected"
	case ChunkReady:
		return "chunk_ready"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Chunk is a bounded slice of one utterance.
type Chunk struct {
	// Seq numbers chunks within an utterance, starting at 0.
	Seq int

	// Start and End are stream offsets taken from the frame timestamps.
	Start, End time.Duration

	// Data holds the PCM of every frame in the chunk.
	Data []byte

	// Format is the PCM format of Data.
	Format audio.Format

	// Final marks the last chunk of the utterance.
	Final bool
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	return audio.AudioFrame{Data: c.Data, SampleRate: c.Format.SampleRate, Channels: c.Format.Channels}.Duration()
}

// Event is returned by [Buffer.Push].
type Event struct {
	Type  EventType
	Chunk Chunk
}

type phase int

const (
	phaseIdle phase = iota
	phaseDebounce
	phaseOpen
)

// Buffer segments frames into utterance chunks.
type Buffer struct {
	cfg Config
	vad vad.SessionHandle

	phase     phase
	held      []audio.AudioFrame // pre-roll and debounce frames
	speechRun time.Duration
	silence   time.Duration
	utterance time.Duration

	chunk    Chunk
	chunkLen time.Duration
	hasChunk bool
	seq      int
	lastEnd  time.Duration
	format   audio.Format
}

// New creates a Buffer driven by v. The Buffer does not take ownership of v.
func New(cfg Config, v vad.SessionHandle) (*Buffer, error) {
	if v == nil {
		return nil, errors.New("turnbuffer: vad session must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Buffer{cfg: cfg, vad: v}, nil
}

// Open reports whether an utterance is currently open.
func (b *Buffer) Open() bool {
	return b.phase == phaseOpen
}

// Push feeds one frame and returns the events it caused, in order. Frames the
// VAD cannot classify are rejected with the VAD error and leave the buffer
// unchanged.
func (b *Buffer) Push(f audio.AudioFrame) ([]Event, error) {
	ev, err := b.vad.ProcessFrame(f.Data)
	if err != nil {
		return nil, fmt.Errorf("turnbuffer: %w", err)
	}
	speech := ev.IsSpeech()
	d := f.Duration()

	switch b.phase {
	case phaseIdle:
		b.held = append(b.held, f)
		if !speech {
			b.trimPreRoll()
			return nil, nil
		}
		b.phase = phaseDebounce
		b.speechRun = d
		if b.speechRun >= b.cfg.MinSpeech {
			return b.open(), nil
		}
		return nil, nil

	case phaseDebounce:
		b.held = append(b.held, f)
		if !speech {
			b.phase = phaseIdle
			b.speechRun = 0
			b.trimPreRoll()
			return nil, nil
		}
		b.speechRun += d
		if b.speechRun >= b.cfg.MinSpeech {
			return b.open(), nil
		}
		return nil, nil

	default:
		if speech {
			b.silence = 0
		} else {
			b.silence += d
		}
		b.append(f)
		if b.silence >= b.cfg.SilenceTimeout || (b.cfg.MaxUtterance > 0 && b.utterance >= b.cfg.MaxUtterance) {
			return []Event{b.finish()}, nil
		}
		if b.chunkLen >= b.cfg.ChunkDuration {
			return []Event{b.cut(false)}, nil
		}
		return nil, nil
	}
}

// Flush closes an open utterance immediately, returning its final chunk.
// Frames still in debounce are discarded. Flush returns nil when no utterance
// is open.
func (b *Buffer) Flush() []Event {
	if b.phase != phaseOpen {
		b.reset()
		return nil
	}
	return []Event{b.finish()}
}

// Reset discards all buffered audio and VAD state.
func (b *Buffer) Reset() {
	b.reset()
	b.vad.Reset()
}

func (b *Buffer) reset() {
	b.phase = phaseIdle
	b.held = nil
	b.speechRun = 0
	b.silence = 0
	b.utterance = 0
	b.chunk = Chunk{}
	b.chunkLen = 0
	b.hasChunk = false
	b.seq = 0
	b.lastEnd = 0
	b.format = audio.Format{}
}

// open starts an utterance with the held frames and emits SpeechDetected plus
// any chunks the pre-roll already fills.
func (b *Buffer) open() []Event {
	b.phase = phaseOpen
	b.silence = 0
	b.utterance = 0
	b.seq = 0
	events := []Event{{Type: SpeechDetected}}
	held := b.held
	b.held = nil
	for _, f := range held {
		b.append(f)
		if b.chunkLen >= b.cfg.ChunkDuration {
			events = append(events, b.cut(false))
		}
	}
	return events
}

func (b *Buffer) append(f audio.AudioFrame) {
	if !b.hasChunk {
		b.chunk = Chunk{
			Seq:    b.seq,
			Start:  f.Timestamp,
			Format: audio.Format{SampleRate: f.SampleRate, Channels: f.Channels},
		}
		b.chunkLen = 0
		b.hasChunk = true
	}
	d := f.Duration()
	b.chunk.Data = append(b.chunk.Data, f.Data...)
	b.chunk.End = f.Timestamp + d
	b.lastEnd = b.chunk.End
	b.format = b.chunk.Format
	b.chunkLen += d
	b.utterance += d
}

func (b *Buffer) cut(final bool) Event {
	c := b.chunk
	c.Final = final
	b.chunk = Chunk{}
	b.chunkLen = 0
	b.hasChunk = false
	b.seq++
	return Event{Type: ChunkReady, Chunk: c}
}

// finish emits the final chunk and returns to idle. An utterance whose audio
// was fully emitted already gets an empty final chunk.
func (b *Buffer) finish() Event {
	var ev Event
	if b.hasChunk {
		ev = b.cut(true)
	} else {
		ev = Event{Type: ChunkReady, Chunk: Chunk{Seq: b.seq, Start: b.lastEnd, End: b.lastEnd, Format: b.format, Final: true}}
	}
	b.reset()
	return ev
}

// trimPreRoll drops held frames older than the pre-roll window.
func (b *Buffer) trimPreRoll() {
	var total time.Duration
	i := len(b.held)
	for i > 0 {
		d := b.held[i-1].Duration()
		if total+d > b.cfg.PreRoll {
			break
		}
		total += d
		i--
	}
	if i > 0 {
		b.held = append([]audio.AudioFrame(nil), b.held[i:]...)
	}
}
