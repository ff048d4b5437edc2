package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"

	"go.uber.org/zap"
	"golang.org/x/term"
)

// Console is the line-oriented operator surface of a running call.
type Console struct {
	session     ports.SessionService
	in          io.Reader
	out         io.Writer
	interactive bool
	logger      *zap.SugaredLogger
}

// New creates a console. Prompts are only written when in is a terminal.
func New(session ports.SessionService, in io.Reader, out io.Writer, logger *zap.SugaredLogger) *Console {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &Console{
		session:     session,
		in:          in,
		out:         out,
		interactive: interactive,
		logger:      logger,
	}
}

// SetInteractive forces prompting on or off.
func (c *Console) SetInteractive(v bool) {
	c.interactive = v
}

// Run reads commands until an empty line, EOF or ctx ends. Rejected commands are reported and
// the loop continues.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		c.prompt()

		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read command: %w", err)
					}
				default:
				}
				return nil
			}
			line = l
		}

		res, err := c.session.Execute(ctx, line)
		switch {
		case errors.Is(err, domain.ErrSessionEnded):
			return nil
		case err != nil:
			c.logger.Debugw("command rejected", "command", strings.TrimSpace(line), "error", err)
			c.println(res.Notice)
		case res.Notice != "":
			c.println(res.Notice)
		}
	}
}

func (c *Console) prompt() {
	if !c.interactive {
		return
	}
	cs := c.session.CallState()
	if strings.HasPrefix(cs.Policy, "relay_one") {
		c.println("Enter new SSRC filter 1,2 or 3")
	}
	c.println("... or 0 to switch between simulcast and a single stream")
	c.println("Press enter to stop...")
}

func (c *Console) println(s string) {
	if s == "" {
		return
	}
	fmt.Fprintln(c.out, s)
}
