package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/hession/companion/internal/cue"
	"github.com/hession/companion/internal/llm"
	"github.com/hession/companion/internal/logger"
	"github.com/hession/companion/internal/overlay"
	"github.com/hession/companion/internal/segment"
)

// StreamState is the per-request state of one streamed answer
type StreamState struct {
	ctx   context.Context
	p     *Pipeline
	speak bool
	echo  llm.StreamHandler

	segments segment.Buffer
	full     strings.Builder
	runes    int
	// runes of full at the last overlay text update
	lastUpdate int
	cues       *cue.Debouncer
	spoken     int
}

func (p *Pipeline) newStreamState(ctx context.Context, req Request) *StreamState {
	return &StreamState{
		ctx:   ctx,
		p:     p,
		speak: req.Speak,
		echo:  req.OnToken,
		cues:  cue.NewDebouncer(p.cfg.CueCooldown, p.now),
	}
}

// OnToken handles one streamed token. It runs on the model's reading
// goroutine, so speaking a chunk holds back the rest of the stream.
func (s *StreamState) OnToken(token string) {
	if token == "" {
		return
	}
	s.full.WriteString(token)
	s.runes += utf8.RuneCountInString(token)
	if s.echo != nil {
		s.echo(token)
	}

	s.emitCues(token)
	s.updateText(token)

	for _, chunk := range s.segments.Add(token) {
		s.speakChunk(chunk)
	}
}

func (s *StreamState) emitCues(token string) {
	emotion, gesture := cue.Extract(token)
	if s.cues.Allow(cue.KindEmotion, emotion) {
		s.p.display.Publish(overlay.EmotionEvent(emotion))
	}
	if s.cues.Allow(cue.KindGesture, gesture) {
		s.p.display.Publish(overlay.AnimationEvent(gesture))
	}
}

func (s *StreamState) updateText(token string) {
	update := s.runes-s.lastUpdate > s.p.cfg.UpdateMinChars
	if s.p.cfg.UpdateOnPunctuation && strings.ContainsAny(token, ".!?") {
		update = true
	}
	if !update {
		return
	}
	text := s.Text()
	s.p.display.PublishText(text)
	s.p.display.Publish(overlay.TextEvent(text))
	s.lastUpdate = s.runes
}

// Flush speaks whatever is left in the segment buffer
func (s *StreamState) Flush() {
	if chunk, ok := s.segments.Flush(); ok {
		s.speakChunk(chunk)
	}
}

func (s *StreamState) speakChunk(chunk string) {
	if !s.speak || s.ctx.Err() != nil {
		return
	}
	d := s.p.display
	d.Publish(overlay.StatusEvent(overlay.StatusTalking))
	d.Publish(overlay.SpeechEvent(true, chunk))

	if clean := s.p.cleaner.Clean(chunk); strings.TrimSpace(clean) != "" {
		if err := s.p.speaker.Speak(s.ctx, clean); err != nil {
			logger.Warn("pipeline: speech failed, chunk skipped: %v", err)
		} else {
			s.spoken++
		}
	}

	d.Publish(overlay.StatusEvent(overlay.StatusIdle))
	d.Publish(overlay.SpeechEvent(false, ""))
}

// Unspoken returns the text still waiting for a sentence boundary
func (s *StreamState) Unspoken() string {
	return s.segments.Pending()
}

// Text returns the answer so far, trimmed
func (s *StreamState) Text() string {
	return strings.TrimSpace(s.full.String())
}
