package cue

// Emotion identifiers understood by the avatar
const (
	EmotionHappy     = "happy"
	EmotionSad       = "sad"
	EmotionAngry     = "angry"
	EmotionSurprised = "surprised"
	EmotionNeutral   = "neutral"
)

// Gesture (animation) identifiers understood by the avatar
const (
	GestureSurprise   = "surprise_move"
	GestureActiveTalk = "activeTalking_move"
	GestureGreeting   = "greeting_move"
	GestureThinking   = "thinking_move"
	GestureExcitement = "excitement_move"
)

var emotionTable = map[string]string{
	"😊": EmotionHappy,
	"😄": EmotionHappy,
	"😉": EmotionHappy,
	"😃": EmotionHappy,
	"😆": EmotionHappy,
	"😂": EmotionHappy,
	"😅": EmotionHappy,
	"😏": EmotionHappy,
	"😜": EmotionHappy,
	"😋": EmotionHappy,
	"😇": EmotionHappy,
	"😎": EmotionHappy,
	"🥰": EmotionHappy,
	"😍": EmotionHappy,
	"😘": EmotionHappy,
	"😚": EmotionHappy,
	"😙": EmotionHappy,
	"😗": EmotionHappy,
	"😽": EmotionHappy,
	"😺": EmotionHappy,
	"😸": EmotionHappy,
	"😹": EmotionHappy,
	"😻": EmotionHappy,
	"😼": EmotionHappy,

	"😢": EmotionSad,
	"😭": EmotionSad,
	"😔": EmotionSad,
	"😞": EmotionSad,
	"🥲": EmotionSad,
	"🥹": EmotionSad,
	"😿": EmotionSad,

	"😡": EmotionAngry,
	"😤": EmotionAngry,
	"😾": EmotionAngry,

	"😱": EmotionSurprised,
	"😬": EmotionSurprised,
	"😳": EmotionSurprised,
	"🙀": EmotionSurprised,

	"😐": EmotionNeutral,
}

var gestureTable = map[string]string{
	"😱":     GestureSurprise,
	"😳":     GestureSurprise,
	"🙀":     GestureSurprise,
	"🤯":     GestureSurprise,
	"🫢":     GestureSurprise,
	"🥶":     GestureSurprise,
	"🥴":     GestureSurprise,
	"🫨":     GestureSurprise,
	"😮":     GestureSurprise,
	"😲":     GestureSurprise,
	"😯":     GestureSurprise,
	"😵":     GestureSurprise,
	"😵‍💫": GestureSurprise,
	"🥱":     GestureSurprise,
	"🤭":     GestureSurprise,
	"🤔":     GestureSurprise,

	"😡": GestureActiveTalk,
	"😤": GestureActiveTalk,

	"😢": GestureThinking,
	"😭": GestureThinking,

	"🤩": GestureExcitement,
	"🤗": GestureExcitement,
	"🥳": GestureExcitement,
	"🤪": GestureExcitement,
	"🤠": GestureExcitement,
	"🤓": GestureExcitement,
	"🤘": GestureExcitement,
	"✨": GestureExcitement,
	"💃": GestureExcitement,
	"🕺": GestureExcitement,
	"🥂": GestureExcitement,
	"🎉": GestureExcitement,
	"🎊": GestureExcitement,

	"😊":  GestureGreeting,
	"😄":  GestureGreeting,
	"🥰":  GestureGreeting,
	"👋":  GestureGreeting,
	"🖐️": GestureGreeting,
	"🖐":  GestureGreeting,
	"✋":  GestureGreeting,
	"🤚":  GestureGreeting,
	"🫱":  GestureGreeting,
	"🫲":  GestureGreeting,
	"🫳":  GestureGreeting,
	"🫴":  GestureGreeting,
	"🤝":  GestureGreeting,
	"🙏":  GestureGreeting,
	"🙌":  GestureGreeting,
	"👏":  GestureGreeting,
}
