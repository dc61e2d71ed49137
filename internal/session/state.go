package session

import (
	"errors"
	"time"
)

// ErrTerminated is returned by a session that ended because of repeated turn
// failures or an expired reconnect grace period.
var ErrTerminated = errors.New("session: terminated")

// ErrClosed is returned when delivering to a session whose event loop has
// stopped.
var ErrClosed = errors.New("session: closed")

// State is the coordinator state of a session.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateResponding   State = "responding"
	StateSpeaking     State = "speaking"
	StateTerminated   State = "terminated"
)

// TurnStage is the lifecycle position of a [Turn]. A turn only moves forward:
// listening, transcribing, responding, speaking, complete. It may be
// abandoned from any stage before complete.
type TurnStage string

const (
	StageListening    TurnStage = "listening"
	StageTranscribing TurnStage = "transcribing"
	StageResponding   TurnStage = "responding"
	StageSpeaking     TurnStage = "speaking"
	StageComplete     TurnStage = "complete"
	StageAbandoned    TurnStage = "abandoned"
)

// Terminal reports whether the stage is final.
func (s TurnStage) Terminal() bool {
	return s == StageComplete || s == StageAbandoned
}

func (s TurnStage) rank() int {
	switch s {
	case StageListening:
		return 0
	case StageTranscribing:
		return 1
	case StageResponding:
		return 2
	case StageSpeaking:
		return 3
	default:
		return 4
	}
}

// Abandon reasons recorded on turns, in addition to the stage failure reasons
// of package stage.
const (
	ReasonBargeIn         = "barge_in"
	ReasonSuperseded      = "superseded"
	ReasonEmptyTranscript = "empty_transcript"
)

// Session end reasons.
const (
	EndLeft                = "left"
	EndShutdown            = "shutdown"
	EndConsecutiveFailures = "consecutive_failures"
	EndGraceExpired        = "grace_expired"
)

// Turn is one participant utterance and the agent's reply.
type Turn struct {
	ID      string    `json:"id"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended,omitzero"`
	Stage   TurnStage `json:"stage"`

	// Transcript holds the latest partial until Final is set.
	Transcript string `json:"transcript,omitempty"`
	Final      bool   `json:"final,omitempty"`

	// Response grows by one fragment at a time.
	Response string `json:"response,omitempty"`

	// Synthesis is the status of the synthesis handle, empty until opened.
	Synthesis string `json:"synthesis,omitempty"`

	// Reason is the abandon reason code.
	Reason string `json:"reason,omitempty"`

	// Cancelled is set when the turn's handles were cancelled by the
	// coordinator rather than ending on their own.
	Cancelled bool `json:"cancelled,omitempty"`

	// Greeting marks the persona greeting, a turn with a response and no
	// transcript.
	Greeting bool `json:"greeting,omitempty"`
}

// Snapshot is a consistent copy of a session's coordinator state.
type Snapshot struct {
	ID            string `json:"id"`
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
	State         State  `json:"state"`
	Suspended     bool   `json:"suspended"`
	Failures      int    `json:"consecutive_failures"`

	// Turn is the active turn, nil between turns.
	Turn *Turn `json:"turn,omitempty"`

	// History holds the finished turns of this session, oldest first.
	History []Turn `json:"history"`
}

// UpdateType classifies [Update] values.
type UpdateType string

const (
	UpdateState      UpdateType = "state"
	UpdateTurn       UpdateType = "turn"
	UpdateTranscript UpdateType = "transcript"
	UpdateFragment   UpdateType = "fragment"

	// UpdateConfig reports an accepted configuration change. Reason carries
	// the error of a rejected provider switch.
	UpdateConfig UpdateType = "config"
)

// Update is a coordinator event pushed to observers.
type Update struct {
	Type      UpdateType `json:"type"`
	SessionID string     `json:"session_id"`
	State     State      `json:"state,omitempty"`
	TurnID    string     `json:"turn_id,omitempty"`
	Stage     TurnStage  `json:"stage,omitempty"`
	Text      string     `json:"text,omitempty"`
	Final     bool       `json:"final,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Observer receives coordinator updates. Observe runs on the session's event
// loop and must not block.
type Observer interface {
	Observe(u Update)
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(u Update)

// Observe calls f(u).
func (f ObserverFunc) Observe(u Update) { f(u) }
