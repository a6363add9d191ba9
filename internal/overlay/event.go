package overlay

// Event types sent to avatar clients
const (
	TypeEmotion   = "emotion"
	TypeAnimation = "animation"
	TypeStatus    = "status"
	TypeSpeech    = "speech"
	TypeText      = "text"
)

// Avatar statuses
const (
	StatusThinking = "thinking"
	StatusTalking  = "talking"
	StatusIdle     = "idle"
)

// Display durations in milliseconds
const (
	CueDuration  = 2000
	TextDuration = 5000
)

// Event is one JSON message for avatar clients
type Event struct {
	Type       string  `json:"type"`
	Emotion    string  `json:"emotion,omitempty"`
	Intensity  float64 `json:"intensity,omitempty"`
	Animation  string  `json:"animation,omitempty"`
	Status     string  `json:"status,omitempty"`
	IsSpeaking *bool   `json:"isSpeaking,omitempty"`
	Text       string  `json:"text,omitempty"`
	Duration   int     `json:"duration,omitempty"`
}

// EmotionEvent sets a facial expression at full intensity
func EmotionEvent(emotion string) Event {
	return Event{Type: TypeEmotion, Emotion: emotion, Intensity: 1.0, Duration: CueDuration}
}

// AnimationEvent plays a gesture
func AnimationEvent(animation string) Event {
	return Event{Type: TypeAnimation, Animation: animation, Duration: CueDuration}
}

// StatusEvent reports thinking, talking or idle
func StatusEvent(status string) Event {
	return Event{Type: TypeStatus, Status: status}
}

// SpeechEvent marks the start or end of a spoken chunk
func SpeechEvent(speaking bool, text string) Event {
	return Event{Type: TypeSpeech, IsSpeaking: &speaking, Text: text}
}

// TextEvent shows the answer so far over the avatar
func TextEvent(text string) Event {
	return Event{Type: TypeText, Text: text, Duration: TextDuration}
}
