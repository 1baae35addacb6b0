// Package cli implements the interactive and one-shot front end of the
// inferlink command.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/codefionn/inferlink/internal/chat"
	"github.com/codefionn/inferlink/internal/htmlconv"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/progress"
	"github.com/codefionn/inferlink/internal/transport"
)

var (
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170")).Bold(true)
)

// ErrQuit is returned by a command that ends the session.
var ErrQuit = errors.New("quit requested")

// Options control output.
type Options struct {
	Stream bool
	// Markdown renders complete answers with glamour. Streamed answers are
	// printed raw.
	Markdown bool
	// Wrap word-wraps plain answers at Width.
	Wrap  bool
	Width int
	// ShowUsage prints token figures after every answer.
	ShowUsage bool
	Out       io.Writer
	Err       io.Writer
	Logger    *logger.Logger
}

// StatusFunc reports the connection state for /status.
type StatusFunc func() transport.Status

// CLI drives one session.
type CLI struct {
	orch     *chat.Orchestrator
	status   StatusFunc
	conv     *chat.Conversation
	renderer *glamour.TermRenderer
	log      *logger.Logger

	out io.Writer
	err io.Writer

	mu   sync.Mutex
	opts Options
}

// New creates a CLI on top of orch.
func New(orch *chat.Orchestrator, status StatusFunc, opts Options) (*CLI, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Width <= 0 {
		opts.Width = 80
	}

	c := &CLI{
		orch:   orch,
		status: status,
		conv:   chat.NewConversation(),
		log:    logger.OrGlobal(opts.Logger).WithPrefix("cli"),
		out:    opts.Out,
		err:    opts.Err,
		opts:   opts,
	}

	if opts.Markdown {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(opts.Width),
			glamour.WithPreservedNewLines(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
		}
		c.renderer = renderer
	}
	return c, nil
}

// Run answers a single prompt.
func (c *CLI) Run(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt cannot be empty")
	}
	return c.ask(ctx, prompt)
}

// REPL reads prompts from in until EOF, /quit or ctx is done.
func (c *CLI) REPL(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.emit(progress.Status("Type /help for commands."))
	for {
		fmt.Fprint(c.err, promptStyle.Render("> "))

		var line string
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			fmt.Fprintln(c.err)
			return err
		case line = <-lines:
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if err := c.command(line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				c.printError(err)
			}
			continue
		}
		if err := c.ask(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.printError(err)
		}
	}
}

// Interrupt cancels the answer in flight. It reports false when there was
// nothing to cancel.
func (c *CLI) Interrupt(ctx context.Context) bool {
	if !c.orch.InFlight() {
		return false
	}
	if err := c.orch.Cancel(ctx); err != nil {
		c.log.Warn("Cancel failed: %v", err)
	}
	return true
}

// Conversation exposes the session history.
func (c *CLI) Conversation() *chat.Conversation {
	return c.conv
}

func (c *CLI) ask(ctx context.Context, prompt string) error {
	c.mu.Lock()
	opts := c.opts
	c.mu.Unlock()

	if converted, ok := htmlconv.ConvertIfHTML(prompt, c.log); ok {
		prompt = converted
		c.emit(progress.Status("[Converted HTML prompt to markdown]"))
	}

	var onChunk func(string)
	if opts.Stream {
		onChunk = func(token string) { c.emit(progress.Token(token)) }
	}

	resp, err := c.conv.Ask(ctx, c.orch, prompt, opts.Stream, onChunk)
	if err != nil {
		if errors.Is(err, chat.ErrCancelled) {
			c.emit(progress.Update{Message: "\n", Target: progress.TargetStream})
			c.emit(progress.Status("[cancelled]"))
			return nil
		}
		return err
	}

	if opts.Stream {
		if !strings.HasSuffix(resp.Text, "\n") {
			c.emit(progress.Token("\n"))
		}
	} else {
		c.emit(progress.Update{Message: c.render(resp.Text), AddNewLine: true, Target: progress.TargetStream})
	}

	if opts.ShowUsage {
		c.emit(progress.Status("%s", FormatUsage(resp)))
	}
	return nil
}

func (c *CLI) render(text string) string {
	if c.renderer == nil {
		if c.opts.Wrap {
			return wordwrap.String(text, c.opts.Width)
		}
		return text
	}
	out, err := c.renderer.Render(text)
	if err != nil {
		c.log.Debug("Markdown rendering failed: %v", err)
		return text
	}
	return out
}

func (c *CLI) command(line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return ErrQuit
	case "/help":
		c.emit(progress.Status("/reset clears the history, /status shows the connection, /stream on|off toggles streaming, /quit exits"))
	case "/reset":
		c.conv.Reset()
		c.emit(progress.Status("History cleared."))
	case "/status":
		if c.status == nil {
			return errors.New("status is not available")
		}
		c.emit(progress.Status("%s, %d turns", c.status(), c.conv.Len()))
	case "/stream":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return errors.New("usage: /stream on|off")
		}
		c.mu.Lock()
		c.opts.Stream = fields[1] == "on"
		c.mu.Unlock()
		c.emit(progress.Status("Streaming %s.", fields[1]))
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
	return nil
}

func (c *CLI) emit(update progress.Update) {
	progress.Dispatch(c.write, update)
}

func (c *CLI) write(update progress.Update) error {
	if update.ToStream() {
		if _, err := io.WriteString(c.out, update.Message); err != nil {
			return err
		}
	}
	if update.ToStatus() {
		msg := strings.TrimSuffix(update.Message, "\n")
		if _, err := fmt.Fprintln(c.err, statusStyle.Render(msg)); err != nil {
			return err
		}
	}
	return nil
}

func (c *CLI) printError(err error) {
	fmt.Fprintln(c.err, errorStyle.Render("Error: "+err.Error()))
}

// FormatUsage renders the usage figures of resp on one line.
func FormatUsage(resp *chat.Response) string {
	u := resp.Usage
	parts := []string{fmt.Sprintf("%d prompt / %d completion tokens", u.PromptTokens, u.CompletionTokens)}
	if u.TokensPerSecond > 0 {
		parts = append(parts, fmt.Sprintf("%.1f tok/s", u.TokensPerSecond))
	}
	if u.ServerTime > 0 {
		parts = append(parts, fmt.Sprintf("server %s", u.ServerTime))
	}
	parts = append(parts, fmt.Sprintf("total %s", resp.Elapsed.Round(time.Millisecond)))
	return strings.Join(parts, ", ")
}
