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
	"time"

	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/pkg/models"
)

const localUserID = "local"

// runChat drives the interactive REPL: read a line, submit it, render the
// event stream until the turn settles, repeat.
func runChat(configPath, sessionID string, offline bool) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	c, err := buildCore(cfg, offline)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	c.orch.Start(ctx)
	c.scouts.Start(ctx)

	session, err := resolveSession(c, sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("session %s (model %s). /quit to exit, /new for a fresh session\n", session.ID, session.Model)

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("you> ")
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/new":
			session, err = c.sessions.Create(localUserID, c.model(), workDir())
			if err != nil {
				return err
			}
			fmt.Printf("session %s\n", session.ID)
			continue
		}

		if err := c.orch.Submit(channels.UserMessage{
			SessionID: session.ID,
			UserID:    localUserID,
			Content:   line,
		}); err != nil {
			return err
		}
		if err := renderTurn(ctx, c, session.ID, reader); err != nil {
			return err
		}
		for _, f := range c.scouts.Digest().Drain() {
			fmt.Printf("[%s] %s: %s\n", f.Urgency, f.Scout, f.Summary)
		}
	}
}

func resolveSession(c *core, sessionID string) (*models.Session, error) {
	if sessionID != "" {
		session, _, err := c.sessions.Get(sessionID)
		return session, err
	}
	return c.sessions.Create(localUserID, c.model(), workDir())
}

func workDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	return dir
}

// renderTurn prints outbound events until the turn produces its assistant
// message or fails. Approval prompts block on stdin.
func renderTurn(ctx context.Context, c *core, sessionID string, reader *bufio.Reader) error {
	interrupted := false
	for {
		select {
		case <-ctx.Done():
			if !interrupted {
				interrupted = true
				fmt.Println("\n(cancelling)")
				c.orch.CancelTurn(sessionID)
			}
			select {
			case ev, ok := <-c.pipe.Outbound():
				if !ok {
					return nil
				}
				if done := renderEvent(c, ev, reader); done {
					return nil
				}
			case <-time.After(3 * time.Second):
				return nil
			}
		case ev, ok := <-c.pipe.Outbound():
			if !ok {
				return nil
			}
			if done := renderEvent(c, ev, reader); done {
				return nil
			}
		}
	}
}

// renderEvent prints one event and reports whether the turn is finished.
func renderEvent(c *core, ev channels.Event, reader *bufio.Reader) bool {
	switch e := ev.(type) {
	case channels.StreamDelta:
		fmt.Print(e.Text)
	case channels.StreamEnd:
		fmt.Println()
	case channels.ToolUse:
		fmt.Printf("[tool] %s %s\n", e.Name, e.Summary)
	case channels.ToolResult:
		status := "ok"
		if !e.Success {
			status = "failed"
		}
		fmt.Printf("[tool] %s %s (%s, %s)\n", e.Name, status, e.Summary, e.Duration.Round(time.Millisecond))
	case channels.ApprovalRequired:
		promptApproval(c, e, reader)
	case channels.AssistantMessage:
		if e.Usage.CostUSD > 0 {
			fmt.Printf("(%d in / %d out tokens, $%.4f)\n",
				e.Usage.InputTokens, e.Usage.OutputTokens, e.Usage.CostUSD)
		}
		return true
	case channels.ErrorEvent:
		fmt.Printf("[error] %s: %s\n", e.Kind, e.Message)
		return true
	case channels.Notification:
		fmt.Printf("[%s] %s: %s\n", e.Urgency, e.Scout, e.Title)
	}
	return false
}

// promptApproval asks the user to decide a pending approval request.
// "y" grants once, "a" grants and remembers for the session, anything else
// denies.
func promptApproval(c *core, req channels.ApprovalRequired, reader *bufio.Reader) {
	fmt.Printf("[approval] %s %s %q: allow? [y/a/N] ", req.ToolName, req.Action, req.Target)
	answer, err := reader.ReadString('\n')
	if err != nil {
		answer = "n"
	}
	answer = strings.ToLower(strings.TrimSpace(answer))

	// The REPL does not run Serve, so the response goes straight to the
	// approval manager instead of through the inbound pipe.
	c.approvals.Resolve(channels.ApprovalResponse{
		RequestID: req.RequestID,
		UserID:    localUserID,
		Approved:  answer == "y" || answer == "a",
		Remember:  answer == "a",
	})
}
