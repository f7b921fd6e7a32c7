// Package terminal implements the channel.Channel contract over stdin/
// stdout, the default interactive surface for `ironclaw run`.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/channel"
)

// Channel is a single-user stdin/stdout channel.Channel implementation.
type Channel struct {
	userID string
	in     io.Reader
	out    io.Writer
	scan   *bufio.Scanner
}

// New constructs a terminal channel reading in and writing responses/
// status events to out.
func New(userID string, in io.Reader, out io.Writer) *Channel {
	return &Channel{userID: userID, in: in, out: out, scan: bufio.NewScanner(in)}
}

func (c *Channel) Name() string { return "terminal" }

func (c *Channel) Start(ctx context.Context) (<-chan channel.IncomingMessage, error) {
	out := make(chan channel.IncomingMessage)
	go func() {
		defer close(out)
		for c.scan.Scan() {
			line := c.scan.Text()
			msg := channel.IncomingMessage{
				ID:               uuid.NewString(),
				ChannelName:      c.Name(),
				UserID:           c.userID,
				Content:          line,
				ExternalThreadID: c.userID, // single persistent terminal thread per user
				ReceivedAt:       time.Now().UTC(),
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Channel) Respond(ctx context.Context, incoming *channel.IncomingMessage, resp channel.OutgoingResponse) error {
	_, err := fmt.Fprintf(c.out, "%s\n", resp.Content)
	return err
}

func (c *Channel) SendStatus(ctx context.Context, incoming *channel.IncomingMessage, status channel.StatusUpdate) error {
	switch status.Kind {
	case channel.StatusToolStarted:
		_, err := fmt.Fprintf(c.out, "[tool] %s...\n", status.ToolName)
		return err
	case channel.StatusToolCompleted:
		_, err := fmt.Fprintf(c.out, "[tool] %s done (ok=%v)\n", status.ToolName, status.Success)
		return err
	case channel.StatusApprovalNeeded:
		_, err := fmt.Fprintf(c.out, "[approval needed] %s %s -- reply yes/always/no\n", status.Tool, status.ParamsPreview)
		return err
	case channel.StatusError:
		_, err := fmt.Fprintf(c.out, "[error] %s\n", status.Message)
		return err
	default:
		return nil
	}
}

func (c *Channel) HealthCheck(ctx context.Context) error { return nil }

func (c *Channel) Shutdown(ctx context.Context) error { return nil }
