package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hession/companion/internal/app"
	"github.com/hession/companion/internal/cli"
	"github.com/hession/companion/internal/config"
	"github.com/hession/companion/internal/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version = "0.1.0"
)

// flags shared by the commands that talk to the model
type chatFlags struct {
	configDir string
	userID    string
	userName  string
	source    string
	noSpeech  bool
	noOverlay bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &chatFlags{}

	rootCmd := &cobra.Command{
		Use:   "companion",
		Short: "Companion - a voice streaming assistant",
		Long: `Companion answers prompts with a streamed, spoken reply.

It can:
  • Stream answers from Ollama, OpenAI-compatible servers or Anthropic
  • Speak every finished sentence while the answer is still streaming
  • Drive an avatar overlay and a text overlay over WebSocket
  • Remember facts you ask it to remember`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), flags)
		},
	}
	rootCmd.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default ./config)")
	rootCmd.PersistentFlags().StringVar(&flags.userID, "user", "local", "user id for memory")
	rootCmd.PersistentFlags().StringVar(&flags.userName, "name", "", "user name shown to the model")
	rootCmd.PersistentFlags().StringVar(&flags.source, "source", "local", "request source, selects the role")
	rootCmd.PersistentFlags().BoolVar(&flags.noSpeech, "no-speech", false, "do not speak answers")
	rootCmd.PersistentFlags().BoolVar(&flags.noOverlay, "no-overlay", false, "do not serve the overlay")

	askCmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Answer one prompt and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), flags, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the overlay and answer prompts read line by line from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or manage configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.configDir != "" {
				config.SetConfigDir(flags.configDir)
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())

			path, _ := config.ConfigPath()
			fmt.Fprintf(cmd.OutOrStdout(), "\nConfig file path: %s\n", path)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Companion v%s\n", version)
		},
	}

	rootCmd.AddCommand(askCmd, serveCmd, configCmd, versionCmd)
	return rootCmd
}

// setup loads configuration, starts logging and builds the app
func setup(flags *chatFlags) (*app.App, error) {
	if flags.configDir != "" {
		config.SetConfigDir(flags.configDir)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flags.noSpeech {
		cfg.Speech.Enabled = false
	}
	if flags.noOverlay {
		cfg.Overlay.Enabled = false
	}
	if cfg.RequiresAPIKey() && !cfg.IsAPIKeyConfigured() {
		path, _ := config.SecretsPath()
		return nil, fmt.Errorf("provider %s needs an API key: set model.api_key or MODEL_API_KEY in %s", cfg.Model.Provider, path)
	}

	if err := logger.Init(logger.Config{
		LogDir:     config.LogDir(),
		Level:      logger.ParseLevel(cfg.Log.Level),
		MaxDays:    cfg.Log.MaxDays,
		ConsoleOut: cfg.Log.Console,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logConfigInfo(cfg)

	prompts, err := config.LoadPromptConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.New(cfg, prompts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// logConfigInfo logs the effective configuration without secrets
func logConfigInfo(cfg *config.Config) {
	logger.Info("Companion v%s starting", version)
	for _, line := range strings.Split(cfg.String(), "\n") {
		logger.Debug("%s", line)
	}
}

func (f *chatFlags) options() cli.Options {
	opts := cli.DefaultOptions()
	opts.UserID = f.userID
	opts.UserName = f.userName
	opts.Source = f.source
	opts.Speak = !f.noSpeech
	return opts
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runChat serves the overlay and idle activity next to the interactive REPL
func runChat(parent context.Context, flags *chatFlags) error {
	a, err := setup(flags)
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx, stop := signalContext(parent)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		serveOverlay(gctx, a)
		return nil
	})
	g.Go(func() error {
		return a.RunActivity(gctx)
	})
	g.Go(func() error {
		// Leaving the REPL stops the overlay
		defer cancel()
		return cli.Run(gctx, a, flags.options())
	})
	return g.Wait()
}

func runAsk(parent context.Context, flags *chatFlags, prompt string, out io.Writer) error {
	flags.noOverlay = true
	a, err := setup(flags)
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx, stop := signalContext(parent)
	defer stop()
	return cli.Ask(ctx, a, flags.options(), prompt, out)
}

// runServe answers stdin lines until EOF or a signal
func runServe(parent context.Context, flags *chatFlags, in io.Reader, out io.Writer) error {
	a, err := setup(flags)
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx, stop := signalContext(parent)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		serveOverlay(gctx, a)
		return nil
	})
	g.Go(func() error {
		return a.RunActivity(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return answerLines(gctx, a, flags.options(), in, out)
	})
	return g.Wait()
}

// answerLines answers every non-empty line of in
func answerLines(ctx context.Context, a *app.App, opts cli.Options, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := cli.Ask(ctx, a, opts, line, out); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("serve: %v", err)
				fmt.Fprintf(out, "Error: %v\n", err)
			}
		}
	}
}

// serveOverlay runs the overlay; a failure leaves the rest running
func serveOverlay(ctx context.Context, a *app.App) {
	if err := a.Run(ctx); err != nil {
		logger.Error("overlay: %v", err)
		fmt.Fprintf(os.Stderr, "Warning: %v, continuing without overlay\n", err)
	}
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		logger.Error("shutdown: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	logger.Close()
}
