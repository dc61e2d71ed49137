package vad

// VADEvent is the classification of one audio frame.
type VADEvent struct {
	Type        VADEventType
	Probability float64 // speech probability in [0, 1]
}

// IsSpeech reports whether the frame carries speech.
func (e VADEvent) IsSpeech() bool {
	switch e.Type {
	case VADSpeechStart, VADSpeechContinue:
		return true
	}
	return false
}

// VADEventType is the detector state after a frame. A speech run always
// opens with VADSpeechStart and closes with VADSpeechEnd.
type VADEventType int

const (
	VADSpeechStart VADEventType = iota
	VADSpeechContinue
	VADSpeechEnd
	VADSilence
)

var eventTypeNames = [...]string{
	VADSpeechStart:    "speech_start",
	VADSpeechContinue: "speech_continue",
	VADSpeechEnd:      "speech_end",
	VADSilence:        "silence",
}

func (t VADEventType) String() string {
	if t < 0 || int(t) >= len(eventTypeNames) {
		return "unknown"
	}
	return eventTypeNames[t]
}
