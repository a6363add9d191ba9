// Package speech turns answer chunks into audio. Synthesis and playback are
// delegated to external commands so any TTS engine or player can be used.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hession/companion/internal/logger"
)

// Placeholders substituted in command arguments
const (
	PlaceholderText = "{text}"
	PlaceholderOut  = "{out}"
)

// Speaker synthesizes and plays text, returning after playback ends
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Nop speaks nothing; used for text-only sources
type Nop struct{}

// Speak implements Speaker
func (Nop) Speak(ctx context.Context, text string) error {
	return ctx.Err()
}

// CommandSpeaker runs a synth command that writes {out}, then a player
// command that plays it. Arguments are passed without a shell.
type CommandSpeaker struct {
	synth   []string
	play    []string
	tempDir string
	timeout time.Duration
}

// NewCommandSpeaker creates a speaker. Either command may be empty: with no
// synth, play is expected to speak {text} itself.
func NewCommandSpeaker(synth, play []string, tempDir string, timeout time.Duration) (*CommandSpeaker, error) {
	if len(synth) == 0 && len(play) == 0 {
		return nil, errors.New("speech requires a synth or play command")
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp audio directory: %w", err)
	}
	return &CommandSpeaker{
		synth:   synth,
		play:    play,
		tempDir: tempDir,
		timeout: timeout,
	}, nil
}

// Speak implements Speaker
func (s *CommandSpeaker) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out := filepath.Join(s.tempDir, uuid.NewString()+".wav")
	defer os.Remove(out)

	if len(s.synth) > 0 {
		if err := run(ctx, expand(s.synth, text, out)); err != nil {
			return fmt.Errorf("failed to synthesize speech: %w", err)
		}
	}
	if len(s.play) > 0 {
		if err := run(ctx, expand(s.play, text, out)); err != nil {
			return fmt.Errorf("failed to play speech: %w", err)
		}
	}
	return nil
}

func expand(args []string, text, out string) []string {
	expanded := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, PlaceholderText, text)
		expanded[i] = strings.ReplaceAll(a, PlaceholderOut, out)
	}
	return expanded
}

func run(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", argv[0], ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			logger.Debug("speech: %s stderr: %s", argv[0], msg)
			return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}
