package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/hession/companion/internal/app"
	"github.com/hession/companion/internal/logger"
	"github.com/hession/companion/internal/pipeline"
)

const (
	Version = "0.1.0"

	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// Options identifies the local user talking through the terminal
type Options struct {
	UserID   string
	UserName string
	Source   string
	// Speak voices the answers through the configured speech commands
	Speak bool
	// HistoryFile overrides the readline history location
	HistoryFile string
}

// DefaultOptions returns the options of the local voice user
func DefaultOptions() Options {
	return Options{
		UserID: "local",
		Source: "local",
		Speak:  true,
	}
}

// lineReader is the part of readline the REPL needs
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// session is one terminal conversation
type session struct {
	app  *app.App
	opts Options
	out  io.Writer
	cmds *MemoryCommands
}

func newSession(a *app.App, opts Options, out io.Writer) *session {
	uc := a.Users().Get(opts.UserID, opts.Source)
	return &session{
		app:  a,
		opts: opts,
		out:  out,
		cmds: NewMemoryCommands(uc.Memory, a.Pipeline().Timings),
	}
}

// Run starts the interactive interface and blocks until /exit, EOF or ctx ends
func Run(ctx context.Context, a *app.App, opts Options) error {
	printWelcome(os.Stdout)

	historyFile := opts.HistoryFile
	if historyFile == "" {
		historyFile = getHistoryFilePath()
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            fmt.Sprintf("%sYou: %s", colorGreen, colorReset),
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		AutoComplete:      buildCompleter(GetCommandSuggestions()),
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	// Readline blocks on the terminal; closing it releases the loop on cancel
	stop := context.AfterFunc(ctx, func() { rl.Close() })
	defer stop()

	return newSession(a, opts, rl.Stdout()).loop(ctx, rl)
}

// Ask answers one prompt and writes the streamed answer to out
func Ask(ctx context.Context, a *app.App, opts Options, prompt string, out io.Writer) error {
	res, err := newSession(a, opts, out).respond(ctx, prompt)
	if err != nil {
		return err
	}
	if res.StreamErr != nil {
		return fmt.Errorf("model stream failed: %w", res.StreamErr)
	}
	return nil
}

// printWelcome prints welcome message
func printWelcome(w io.Writer) {
	fmt.Fprintf(w, "\n%s🎙  Companion v%s%s\n", colorCyan, Version, colorReset)
	fmt.Fprintf(w, "%sType /help for help, /exit to quit%s\n\n", colorGray, colorReset)
}

// getHistoryFilePath returns the history file path
func getHistoryFilePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	historyDir := filepath.Join(homeDir, ".companion")
	if err := os.MkdirAll(historyDir, 0755); err != nil {
		return ""
	}
	return filepath.Join(historyDir, "history")
}

// buildCompleter groups suggestions by their first word
func buildCompleter(suggestions []CommandSuggestion) *readline.PrefixCompleter {
	var (
		order []string
		subs  = map[string][]readline.PrefixCompleterInterface{}
	)
	for _, s := range suggestions {
		parts := strings.Fields(s.Text)
		if len(parts) == 0 {
			continue
		}
		if _, seen := subs[parts[0]]; !seen {
			order = append(order, parts[0])
			subs[parts[0]] = nil
		}
		if len(parts) > 1 {
			subs[parts[0]] = append(subs[parts[0]], readline.PcItem(parts[1]))
		}
	}

	items := make([]readline.PrefixCompleterInterface, 0, len(order))
	for _, name := range order {
		items = append(items, readline.PcItem(name, subs[name]...))
	}
	return readline.NewPrefixCompleter(items...)
}

func (s *session) loop(ctx context.Context, rl lineReader) error {
	interrupted := false
	for {
		rl.SetPrompt(fmt.Sprintf("%sYou: %s", colorGreen, colorReset))

		line, err := rl.Readline()
		if ctx.Err() != nil {
			fmt.Fprintf(s.out, "\n%sGoodbye! 👋%s\n", colorCyan, colorReset)
			return nil
		}
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if interrupted {
					fmt.Fprintf(s.out, "%sGoodbye! 👋%s\n", colorCyan, colorReset)
					return nil
				}
				interrupted = true
				fmt.Fprintf(s.out, "%sPress Ctrl+C again or type /exit to quit%s\n", colorYellow, colorReset)
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintf(s.out, "\n%sGoodbye! 👋%s\n", colorCyan, colorReset)
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}
		interrupted = false

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if s.handleCommand(ctx, input) {
				continue
			}
			return nil // /exit command
		}

		if _, err := s.respond(ctx, input); err != nil {
			if ctx.Err() != nil {
				fmt.Fprintf(s.out, "\n%sGoodbye! 👋%s\n", colorCyan, colorReset)
				return nil
			}
			fmt.Fprintf(s.out, "\n%s❌ Error: %v%s\n", colorRed, err, colorReset)
		}
	}
}

// respond sends one prompt through the pipeline, echoing tokens as they stream
func (s *session) respond(ctx context.Context, input string) (*pipeline.Result, error) {
	fmt.Fprintf(s.out, "\n%sSky: %s", colorBlue, colorReset)

	streamed := false
	res, err := s.app.Pipeline().Respond(ctx, pipeline.Request{
		UserID:   s.opts.UserID,
		Source:   s.opts.Source,
		UserName: s.opts.UserName,
		Prompt:   input,
		Speak:    s.opts.Speak,
		OnToken: func(tok string) {
			streamed = true
			fmt.Fprint(s.out, tok)
		},
	})
	if err != nil {
		return res, err
	}

	// Cached answers and memory commands arrive without tokens
	if !streamed {
		fmt.Fprint(s.out, res.Text)
	}
	if res.StreamErr != nil {
		prefix := s.app.Prompts().GetErrorPrefix()
		fmt.Fprintf(s.out, "\n%s❌ %s: %v%s", colorRed, prefix, res.StreamErr, colorReset)
		logger.Warn("cli: answer for %s is partial: %v", s.opts.UserID, res.StreamErr)
	}
	fmt.Fprint(s.out, "\n\n")
	return res, nil
}

// handleCommand handles built-in commands, returns true to continue loop, false to exit
func (s *session) handleCommand(ctx context.Context, cmd string) bool {
	if handled, output := s.cmds.HandleCommand(cmd); handled {
		fmt.Fprintln(s.out, output)
		return true
	}

	parts := strings.Fields(cmd)
	switch strings.ToLower(parts[0]) {
	case "/help":
		printHelp(s.out)
		return true

	case "/exit", "/quit", "/q":
		fmt.Fprintf(s.out, "%sGoodbye! 👋%s\n", colorCyan, colorReset)
		return false

	case "/config":
		fmt.Fprintln(s.out, s.app.Config().String())
		return true

	case "/overlay":
		hub := s.app.Hub()
		if hub == nil {
			fmt.Fprintf(s.out, "%sOverlay is disabled%s\n", colorGray, colorReset)
			return true
		}
		avatars, texts := hub.Clients()
		fmt.Fprintf(s.out, "Overlay %s: %d avatar, %d text clients, %d dropped messages\n",
			s.app.Config().OverlayAddr(), avatars, texts, hub.Dropped())
		return true

	case "/monitor":
		fmt.Fprintln(s.out, formatMonitor(s.app.Pipeline().Monitor().Snapshot(), time.Now()))
		return true

	case "/activity":
		if !s.app.Config().Activity.Enabled {
			fmt.Fprintf(s.out, "%sIdle activity is disabled%s\n", colorGray, colorReset)
			return true
		}
		res, err := s.app.Activity().Fire(ctx)
		if err != nil {
			fmt.Fprintf(s.out, "%s❌ Activity failed: %v%s\n", colorRed, err, colorReset)
			return true
		}
		fmt.Fprintf(s.out, "\n%sSky: %s%s\n\n", colorBlue, colorReset, res.Text)
		return true

	case "/history":
		if len(parts) > 1 && parts[1] == "clear" {
			historyFile := s.opts.HistoryFile
			if historyFile == "" {
				historyFile = getHistoryFilePath()
			}
			if historyFile != "" {
				if err := os.WriteFile(historyFile, []byte{}, 0644); err != nil {
					fmt.Fprintf(s.out, "%s❌ Failed to clear history: %v%s\n", colorRed, err, colorReset)
				} else {
					fmt.Fprintf(s.out, "%s✅ Command history cleared%s\n", colorGreen, colorReset)
				}
			}
		} else {
			fmt.Fprintf(s.out, "%sUse Up/Down arrow keys to browse command history%s\n", colorGray, colorReset)
			fmt.Fprintf(s.out, "%sUse /history clear to clear history%s\n", colorGray, colorReset)
		}
		return true

	default:
		fmt.Fprintf(s.out, "%s❓ Unknown command: %s%s\n", colorYellow, cmd, colorReset)
		fmt.Fprintln(s.out, "Type /help for available commands")
		return true
	}
}

// printHelp prints help information
func printHelp(w io.Writer) {
	fmt.Fprintf(w, "\n%s📚 Companion Help%s\n\n%sBuilt-in Commands:%s\n", colorCyan, colorReset, colorYellow, colorReset)
	for _, s := range GetCommandSuggestions() {
		fmt.Fprintf(w, "  %-18s - %s\n", s.Text, s.Description)
	}
	fmt.Fprintf(w, `
%sMemory phrases:%s
  "запомни ..."              - Save a fact to long-term memory
  "что ты помнишь"           - List remembered facts
  "что было важно вчера"     - Show yesterday's archive
  "статистика памяти"        - Show memory stats

`, colorYellow, colorReset)
}
