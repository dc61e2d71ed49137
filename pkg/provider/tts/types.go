package tts

// VoiceProfile selects the voice a session speaks with. Backends ignore the
// fields they have no use for.
type VoiceProfile struct {
	ID       string // backend voice id, e.g. an ElevenLabs voice or a Coqui speaker
	Name     string
	Provider string // backend the ID belongs to

	// SpeedFactor scales the speaking rate within [0.5, 2.0]. Zero keeps the
	// backend default.
	SpeedFactor float64

	// Metadata carries backend details such as the model a speaker belongs to.
	Metadata map[string]string
}
