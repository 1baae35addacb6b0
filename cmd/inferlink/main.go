package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/codefionn/inferlink/internal/channel"
	"github.com/codefionn/inferlink/internal/chat"
	"github.com/codefionn/inferlink/internal/cli"
	"github.com/codefionn/inferlink/internal/config"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/socketutil"
	"github.com/codefionn/inferlink/internal/transport"
)

type optionalFloat struct {
	value *float64
}

func (f *optionalFloat) String() string {
	if f.value == nil {
		return ""
	}
	return strconv.FormatFloat(*f.value, 'f', -1, 64)
}

func (f *optionalFloat) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	f.value = &v
	return nil
}

// options holds the command line. Only flags given explicitly override the
// configuration file, also when it is reloaded.
type options struct {
	configPath  string
	mode        string
	socket      string
	url         string
	wsURL       string
	maxTokens   int
	system      string
	temperature optionalFloat
	logLevel    string
	logPath     string
	stream      bool
	usage       bool
	noMarkdown  bool
	set         map[string]bool
	prompt      string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if initErr := logger.Init(cfg.Level(), cfg.LogPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()
	plan := socketutil.Select(cfg.Mode())
	logger.Info("inferlink starting (mode=%s, plan=%s)", cfg.Transport.Mode, plan)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := transport.New(cfg)
	defer tr.Close()

	orch := chat.New(tr, chatOptions(cfg))

	stdoutTTY := term.IsTerminal(int(os.Stdout.Fd()))
	width := 80
	if stdoutTTY {
		if w, _, sizeErr := term.GetSize(int(os.Stdout.Fd())); sizeErr == nil && w > 0 {
			width = w
		}
	}
	runner, err := cli.New(orch, tr.State, cli.Options{
		Stream:    opts.stream,
		Markdown:  stdoutTTY && !opts.noMarkdown && !opts.stream,
		Wrap:      stdoutTTY && opts.noMarkdown,
		Width:     width,
		ShowUsage: opts.usage,
	})
	if err != nil {
		return err
	}

	go handleSignals(ctx, cancel, runner)

	if path := opts.configPath; path != "" {
		go watchConfig(ctx, path, opts, tr, orch)
	}

	prompt := opts.prompt
	stdinTTY := term.IsTerminal(int(os.Stdin.Fd()))
	if prompt == "" && !stdinTTY {
		data, readErr := io.ReadAll(os.Stdin)
		if readErr != nil {
			return fmt.Errorf("failed to read prompt from stdin: %w", readErr)
		}
		prompt = string(data)
	}

	if prompt != "" {
		return runner.Run(ctx, prompt)
	}

	if connErr := tr.Connect(ctx); connErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (retrying in the background)\n", connErr)
		if plan.Primary == channel.KindSocket {
			fmt.Fprintf(os.Stderr, "Socket %s: %s\n", cfg.Transport.SocketPath, socketutil.DescribeSocket(cfg.Transport.SocketPath))
		}
	}
	return runner.REPL(ctx, os.Stdin)
}

func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("inferlink", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &options{set: make(map[string]bool)}
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Configuration file (JSON or YAML)")
	fs.StringVar(&opts.mode, "mode", "", "Transport mode: auto, socket, http or websocket")
	fs.StringVar(&opts.socket, "socket", "", "Unix socket path of the inference server")
	fs.StringVar(&opts.url, "url", "", "HTTP base URL of the inference server")
	fs.StringVar(&opts.wsURL, "ws-url", "", "WebSocket URL of the inference server")
	fs.IntVar(&opts.maxTokens, "max-tokens", 0, "Maximum number of tokens to generate")
	fs.StringVar(&opts.system, "system", "", "System prompt prepended to every request")
	fs.Var(&opts.temperature, "temperature", "Sampling temperature (0-2)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error or none")
	fs.StringVar(&opts.logPath, "log-path", "", "Log file path")
	fs.BoolVar(&opts.stream, "stream", false, "Print the answer while it is generated")
	fs.BoolVar(&opts.usage, "usage", false, "Print token usage after every answer")
	fs.BoolVar(&opts.noMarkdown, "no-markdown", false, "Do not render answers as markdown")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options] [prompt]\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "Without a prompt an interactive session is started.")
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	opts.prompt = strings.TrimSpace(strings.Join(fs.Args(), " "))
	return opts, nil
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (o *options) apply(cfg *config.Config) {
	if o.set["mode"] {
		cfg.Transport.Mode = o.mode
	}
	if o.set["socket"] {
		cfg.Transport.SocketPath = o.socket
	}
	if o.set["url"] {
		cfg.Transport.HTTPBaseURL = o.url
	}
	if o.set["ws-url"] {
		cfg.Transport.WebSocketURL = o.wsURL
	}
	if o.set["max-tokens"] {
		cfg.Chat.MaxTokens = o.maxTokens
	}
	if o.set["system"] {
		cfg.Chat.SystemPrompt = o.system
	}
	if o.temperature.value != nil {
		t := *o.temperature.value
		cfg.Chat.Temperature = &t
	}
	if o.set["log-level"] {
		cfg.LogLevel = o.logLevel
	}
	if o.set["log-path"] {
		cfg.LogPath = o.logPath
	}
}

func chatOptions(cfg *config.Config) chat.Options {
	return chat.Options{
		SystemPrompt: cfg.Chat.SystemPrompt,
		MaxTokens:    cfg.Chat.MaxTokens,
		Temperature:  cfg.Chat.Temperature,
	}
}

// handleSignals cancels the answer in flight on the first interrupt and
// exits on an interrupt while idle or on SIGTERM.
func handleSignals(ctx context.Context, cancel context.CancelFunc, runner *cli.CLI) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			if sig == os.Interrupt && runner.Interrupt(ctx) {
				logger.Info("Interrupted answer")
				continue
			}
			logger.Info("Received %s, exiting", sig)
			cancel()
			return
		}
	}
}

func watchConfig(ctx context.Context, path string, opts *options, tr *transport.Transport, orch *chat.Orchestrator) {
	err := config.Watch(ctx, path, func(cfg *config.Config, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: ignoring configuration change: %v\n", err)
			return
		}
		opts.apply(cfg)
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: ignoring configuration change: %v\n", err)
			return
		}
		logger.Global().SetLevel(cfg.Level())
		tr.Reconfigure(cfg)
		orch.SetOptions(chatOptions(cfg))
		logger.Info("Configuration reloaded from %s", path)
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn("Configuration watch stopped: %v", err)
	}
}
