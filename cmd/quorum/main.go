// Command quorum is the CLI client for quorumd.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumhq/quorum/internal/config"
	"github.com/quorumhq/quorum/internal/event"
	"github.com/quorumhq/quorum/internal/hierarchy"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "quorum",
	Short:        "Client for the quorum orchestration daemon",
	SilenceUsage: true,
}

var (
	spawnTitle  string
	spawnRole   string
	spawnParent string
	spawnCWD    string
	spawnModel  string
	spawnWatch  bool
)

var spawnCmd = &cobra.Command{
	Use:   "spawn <prompt>",
	Short: "Start a new agent session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDaemon(cfg)
		if err != nil {
			return err
		}
		defer c.close()

		err = c.send(map[string]any{
			"type":     "spawn",
			"prompt":   args[0],
			"title":    spawnTitle,
			"role":     spawnRole,
			"parentId": spawnParent,
			"cwd":      spawnCWD,
			"model":    spawnModel,
		})
		if err != nil {
			return err
		}

		f, err := c.await(10*time.Second, "spawned", "spawn_failed")
		if err != nil {
			return err
		}
		if f.Type == "spawn_failed" {
			return fmt.Errorf("spawn failed: %s", f.Error)
		}

		fmt.Println(styleOK.Render("session ") + styleTitle.Render(f.SessionID))
		if spawnWatch {
			return watchSession(c, f.SessionID)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Stream a session's live events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDaemon(cfg)
		if err != nil {
			return err
		}
		defer c.close()
		return watchSession(c, args[0])
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Show the session tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDaemon(cfg)
		if err != nil {
			return err
		}
		defer c.close()

		if err := c.send(map[string]any{"type": "sessions"}); err != nil {
			return err
		}
		f, err := c.await(10*time.Second, "sessions")
		if err != nil {
			return err
		}

		var sessions []hierarchy.Session
		if err := json.Unmarshal(f.Sessions, &sessions); err != nil {
			return fmt.Errorf("decode sessions: %w", err)
		}
		var agg hierarchy.Aggregates
		if len(f.Aggregates) > 0 {
			json.Unmarshal(f.Aggregates, &agg)
		}

		if len(sessions) == 0 {
			fmt.Println(styleDim.Render("no sessions"))
			return nil
		}
		for _, s := range sessions {
			indent := strings.Repeat("  ", s.Depth)
			title := s.Title
			if title == "" {
				title = s.ID
			}
			line := fmt.Sprintf("%s%s %s %s",
				indent,
				statusStyle(string(s.AgentStatus)).Render("["+string(s.AgentStatus)+"]"),
				styleTitle.Render(title),
				styleDim.Render(s.ID))
			fmt.Println(line)
			if s.Escalation != nil {
				fmt.Println(indent + "  " + styleBlocked.Render("! "+s.Escalation.Summary))
			}
		}
		fmt.Printf("%s\n", styleDim.Render(fmt.Sprintf(
			"total %d, active %d, blocked %d", agg.Total, agg.Active, agg.Blocked)))
		return nil
	},
}

var (
	answerDeny       bool
	answerApproveAll bool
	answerText       string
)

var answerCmd = &cobra.Command{
	Use:   "answer <session-id> <request-id>",
	Short: "Answer a pending permission or question",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDaemon(cfg)
		if err != nil {
			return err
		}
		defer c.close()

		msg := map[string]any{
			"uiSessionId": args[0],
			"requestId":   args[1],
		}
		if answerText != "" {
			msg["type"] = "question_response"
			answers, err := json.Marshal([]map[string]string{{"answer": answerText}})
			if err != nil {
				return err
			}
			msg["answers"] = json.RawMessage(answers)
		} else {
			msg["type"] = "permission_response"
			msg["approved"] = !answerDeny
			msg["approveAll"] = answerApproveAll
		}
		if err := c.send(msg); err != nil {
			return err
		}

		// The daemon only replies on failure; a resolved event confirms.
		f, err := c.await(5*time.Second, "response_dropped", "session:escalation_resolved")
		if err != nil {
			fmt.Println(styleDim.Render("sent (no confirmation received)"))
			return nil
		}
		if f.Type == "response_dropped" {
			return fmt.Errorf("response dropped: %s", f.Error)
		}
		fmt.Println(styleOK.Render("resolved"))
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a running session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDaemon(cfg)
		if err != nil {
			return err
		}
		defer c.close()

		if err := c.send(map[string]any{"type": "cancel", "uiSessionId": args[0]}); err != nil {
			return err
		}
		f, err := c.await(5*time.Second, "cancel_failed", "aborted")
		if err != nil {
			fmt.Println(styleDim.Render("sent (no confirmation received)"))
			return nil
		}
		if f.Type == "cancel_failed" {
			return fmt.Errorf("cancel failed: %s", f.Error)
		}
		fmt.Println(styleOK.Render("aborted"))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print a session's persisted messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDaemon(cfg)
		if err != nil {
			return err
		}
		defer c.close()

		if err := c.send(map[string]any{"type": "history", "uiSessionId": args[0]}); err != nil {
			return err
		}
		f, err := c.await(10*time.Second, "history", "history_failed")
		if err != nil {
			return err
		}
		if f.Type == "history_failed" {
			return fmt.Errorf("history failed: %s", f.Error)
		}

		var msgs []struct {
			Role    string               `json:"role"`
			Content []event.ContentBlock `json:"content"`
		}
		if err := json.Unmarshal(f.Messages, &msgs); err != nil {
			return fmt.Errorf("decode history: %w", err)
		}
		for _, m := range msgs {
			printBlocks(m.Role, m.Content)
		}
		return nil
	},
}

func init() {
	spawnCmd.Flags().StringVar(&spawnTitle, "title", "", "session title")
	spawnCmd.Flags().StringVar(&spawnRole, "role", "", "role tag")
	spawnCmd.Flags().StringVar(&spawnParent, "parent", "", "parent session id")
	spawnCmd.Flags().StringVar(&spawnCWD, "cwd", "", "working directory for the worker")
	spawnCmd.Flags().StringVar(&spawnModel, "model", "", "model override")
	spawnCmd.Flags().BoolVarP(&spawnWatch, "watch", "w", false, "stream events after spawning")

	answerCmd.Flags().BoolVar(&answerDeny, "deny", false, "deny the permission request")
	answerCmd.Flags().BoolVar(&answerApproveAll, "approve-all", false, "approve this and all later requests this run")
	answerCmd.Flags().StringVar(&answerText, "text", "", "free-text answer for a question request")

	rootCmd.AddCommand(spawnCmd, watchCmd, sessionsCmd, answerCmd, cancelCmd, historyCmd)
}

// watchSession focuses a session and renders its events until a terminal
// one arrives.
func watchSession(c *client, sessionID string) error {
	if err := c.send(map[string]any{"type": "focus", "uiSessionId": sessionID}); err != nil {
		return err
	}
	fmt.Println(styleDim.Render("watching " + sessionID + " (ctrl-c to stop)"))

	for {
		f, err := c.read()
		if err != nil {
			return err
		}
		if f.UISessionID != sessionID {
			continue
		}
		renderFrame(f)
		switch f.Type {
		case "done", "error", "aborted":
			return nil
		}
	}
}

func renderFrame(f *frame) {
	switch f.Type {
	case "assistant", "user":
		var blocks []event.ContentBlock
		if len(f.Content) > 0 {
			json.Unmarshal(f.Content, &blocks)
		}
		printBlocks(f.Role, blocks)

	case "stream_snapshot":
		// Partial output; rendered only at final snapshot to keep the
		// scrollback clean.

	case "permission_request":
		fmt.Println(styleBlocked.Render("? permission: ") + styleTool.Render(f.ToolName) +
			styleDim.Render("  request "+f.RequestID))
		if f.Message != "" {
			fmt.Println("  " + f.Message)
		}
		if len(f.ToolInput) > 0 {
			fmt.Println(styleDim.Render("  input: " + compact(f.ToolInput)))
		}

	case "ask_user_question":
		fmt.Println(styleBlocked.Render("? question") + styleDim.Render("  request "+f.RequestID))
		if len(f.Questions) > 0 {
			fmt.Println("  " + compact(f.Questions))
		}

	case "error":
		fmt.Println(styleError.Render("error: ") + f.Error)
		if f.ErrorKind != "" {
			fmt.Println(styleDim.Render("  kind: " + f.ErrorKind))
		}

	case "done":
		fmt.Println(styleOK.Render("done"))

	case "aborted":
		fmt.Println(styleDim.Render("aborted"))

	default:
		if strings.HasPrefix(f.Type, "session:") {
			fmt.Println(styleDim.Render("· " + strings.TrimPrefix(f.Type, "session:")))
		}
	}
}

func printBlocks(role string, blocks []event.ContentBlock) {
	roleStyle := styleUser
	if role == "assistant" {
		roleStyle = styleAssistant
	}
	for _, b := range blocks {
		switch b.Type {
		case event.BlockText:
			if b.Text != "" {
				fmt.Println(roleStyle.Render(role+": ") + b.Text)
			}
		case event.BlockThinking:
			if b.Thinking != "" {
				fmt.Println(styleDim.Render("thinking: " + b.Thinking))
			}
		case event.BlockToolUse:
			fmt.Println(styleTool.Render("tool: "+b.Name) + styleDim.Render(" "+compact(b.Input)))
		case event.BlockToolResult:
			fmt.Println(styleDim.Render("result: " + compact(b.Content)))
		}
	}
}

func compact(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
