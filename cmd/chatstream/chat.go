package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/chatstream-dev/chatstream"
	"github.com/chatstream-dev/chatstream/internal/observability"
	"github.com/chatstream-dev/chatstream/pkg/history"
	"github.com/chatstream-dev/chatstream/pkg/msgtree"
	"github.com/chatstream-dev/chatstream/pkg/session"
)

func newChatCmd() *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "chat [session-id]",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat REPL.

With a session id, the stored conversation is loaded and continued;
without one, a new session starts on the first message.

Interactive commands:
  /help              Show available commands
  /new               Start a new session
  /sessions          List stored sessions
  /switch <id>       Switch to a stored session
  /branch <msg-id>   Make a message the active branch
  /retry             Regenerate the last answer
  /quit              Exit
  Ctrl+C             Abort the current response`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := ""
			if len(args) == 1 {
				sessionID = args[0]
			}
			return runChat(sessionID, model)
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "Override the configured model for this session")
	return cmd
}

// repl holds the interactive session state.
type repl struct {
	client *chatstream.Client
	line   *liner.State
	model  string

	historyFile string
}

func runChat(sessionID, model string) error {
	cfg, err := chatstream.LoadConfig(configFile)
	if err != nil {
		return err
	}

	client, err := chatstream.New(cfg, chatstream.Hooks{
		Notify:   func(msg string) { fmt.Println(msg) },
		Navigate: func(id string) { fmt.Printf("(session %s)\n", id) },
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Close(ctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.MetricsHandler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	r := &repl{client: client, model: model}
	r.openLiner()
	defer r.closeLiner()

	if sessionID != "" {
		if err := r.switchSession(sessionID); err != nil {
			return err
		}
	}

	fmt.Println("chatstream — type a message, /help for commands, /quit to exit")
	return r.loop()
}

func (r *repl) openLiner() {
	r.line = liner.NewLiner()
	r.line.SetCtrlCAborts(true)

	home, err := os.UserHomeDir()
	if err == nil {
		r.historyFile = filepath.Join(home, ".chatstream", "input_history")
		if f, err := os.Open(r.historyFile); err == nil {
			_, _ = r.line.ReadHistory(f)
			_ = f.Close()
		}
	}
}

func (r *repl) closeLiner() {
	if r.historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(r.historyFile), 0700); err == nil {
			if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
				_, _ = r.line.WriteHistory(f)
				_ = f.Close()
			}
		}
	}
	_ = r.line.Close()
}

func (r *repl) loop() error {
	for {
		input, err := r.line.Prompt("> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := r.command(input)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		r.submit(input, nil)
	}
}

func (r *repl) command(input string) (quit bool, err error) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/q", "/exit":
		return true, nil

	case "/help", "/h":
		fmt.Println("/new, /sessions, /switch <id>, /branch <msg-id>, /retry, /quit")
		return false, nil

	case "/new":
		id := r.client.Store.Create("")
		_ = r.client.Store.SetCurrent(id)
		if r.client.History != nil {
			if _, err := r.client.History.CreateSession(context.Background(), id, ""); err != nil {
				return false, err
			}
		}
		fmt.Printf("(session %s)\n", id)
		return false, nil

	case "/sessions":
		return false, r.listSessions()

	case "/switch":
		if len(fields) != 2 {
			return false, errors.New("usage: /switch <session-id>")
		}
		return false, r.switchSession(fields[1])

	case "/branch":
		if len(fields) != 2 {
			return false, errors.New("usage: /branch <message-id>")
		}
		return false, r.switchBranch(fields[1])

	case "/retry":
		return false, r.retry()

	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

func (r *repl) listSessions() error {
	if r.client.History == nil {
		return errors.New("history is disabled")
	}
	metas, err := r.client.History.ListSessions(context.Background())
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Println("no stored sessions")
		return nil
	}
	for _, m := range metas {
		marker := " "
		if m.ID == r.client.Store.CurrentID() {
			marker = "*"
		}
		fmt.Printf("%s %s  %s  (%s)\n", marker, m.ID, m.Name, m.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

// switchSession loads a stored conversation into the store and makes it
// current.
func (r *repl) switchSession(id string) error {
	if r.client.History == nil {
		return errors.New("history is disabled")
	}

	tree, err := history.LoadTree(context.Background(), r.client.History, id)
	if err != nil {
		return err
	}

	r.client.Store.Create(id)
	if err := r.client.Store.UpdateTree(id, func(*msgtree.Tree) *msgtree.Tree { return tree }); err != nil {
		return err
	}
	_ = r.client.Store.SetLoaded(id, true)
	if err := r.client.Store.SetCurrent(id); err != nil {
		return err
	}

	for _, m := range tree.LatestChain() {
		printMessage(m)
	}
	return nil
}

// switchBranch repoints the active branch at the given message.
func (r *repl) switchBranch(raw string) error {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %q", raw)
	}

	sessionID := r.client.Store.CurrentID()
	if sessionID == "" {
		return errors.New("no active session")
	}

	var branchErr error
	err = r.client.Store.UpdateTree(sessionID, func(tree *msgtree.Tree) *msgtree.Tree {
		next, err := tree.SetAsLatest(msgtree.MessageID(id))
		if err != nil {
			branchErr = err
			return tree
		}
		return next
	})
	if err != nil {
		return err
	}
	if branchErr != nil {
		return branchErr
	}

	tree, err := r.client.Store.Tree(sessionID)
	if err != nil {
		return err
	}
	for _, m := range tree.LatestChain() {
		printMessage(m)
	}
	return nil
}

// retry regenerates the last assistant answer on the active branch.
func (r *repl) retry() error {
	sessionID := r.client.Store.CurrentID()
	if sessionID == "" {
		return errors.New("no active session")
	}

	tree, err := r.client.Store.Tree(sessionID)
	if err != nil {
		return err
	}
	chain := tree.LatestChain()

	var target *msgtree.Message
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Role == msgtree.RoleAssistant {
			target = chain[i]
			break
		}
	}
	if target == nil {
		return errors.New("nothing to regenerate")
	}

	prompt := ""
	if target.ParentID != nil {
		if parent, ok := tree.Get(*target.ParentID); ok {
			prompt = parent.Text
		}
	}

	targetID := target.ID
	r.submit(prompt, &targetID)
	return nil
}

// submit sends one message and renders the streamed response until the
// session returns to input. Ctrl+C aborts the stream.
func (r *repl) submit(message string, regenTarget *msgtree.MessageID) {
	ctrl := r.client.Controller
	store := r.client.Store

	err := ctrl.Submit(context.Background(), chatstream.SubmitParams{
		SessionID:          store.CurrentID(),
		Message:            message,
		RegenerationTarget: regenTarget,
		Model:              r.model,
	})
	if err != nil {
		if !errors.Is(err, session.ErrBusy) {
			fmt.Printf("error: %v\n", err)
		}
		return
	}

	sessionID := store.CurrentID()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	printed := 0
	for {
		select {
		case <-sigCh:
			fmt.Println("\n(aborted)")
			ctrl.Abort(sessionID)

		case <-ticker.C:
			sess, ok := store.Get(sessionID)
			if !ok {
				return
			}
			printed = r.printProgress(sess, printed)
			if sess.State == session.StateInput {
				r.printOutcome(sess, printed)
				return
			}
		}
	}
}

// printProgress prints any newly streamed answer text and returns the
// new printed length.
func (r *repl) printProgress(sess session.Session, printed int) int {
	chain := sess.Tree.LatestChain()
	if len(chain) == 0 {
		return printed
	}
	tail := chain[len(chain)-1]
	if tail.Role != msgtree.RoleAssistant || len(tail.Text) <= printed {
		return printed
	}
	fmt.Print(tail.Text[printed:])
	return len(tail.Text)
}

func (r *repl) printOutcome(sess session.Session, printed int) {
	if printed > 0 {
		fmt.Println()
	}
	if sess.LoadingError != "" {
		fmt.Printf("error: %s\n", sess.LoadingError)
		return
	}
	if sess.UncaughtError != "" {
		fmt.Printf("error: %s\n", sess.UncaughtError)
		return
	}

	chain := sess.Tree.LatestChain()
	if len(chain) == 0 {
		return
	}
	tail := chain[len(chain)-1]
	if printed == 0 {
		printMessage(tail)
	} else if tail.Role == msgtree.RoleAssistant {
		printExtras(tail)
	}
	if sess.CanContinue {
		fmt.Println("(answer truncated; send an empty follow-up to continue)")
	}
}

func printMessage(m *msgtree.Message) {
	switch m.Role {
	case msgtree.RoleUser:
		fmt.Printf("[%d] you: %s\n", m.ID, m.Text)
	case msgtree.RoleAssistant:
		fmt.Printf("[%d] assistant: %s\n", m.ID, m.Text)
		printExtras(m)
	case msgtree.RoleError:
		fmt.Printf("[%d] error: %s\n", m.ID, m.ErrorText)
	}
}

// printExtras surfaces the non-text parts of an answer: sub-question
// research, tool calls and retrieved documents.
func printExtras(m *msgtree.Message) {
	for _, sq := range m.SubQuestions {
		fmt.Printf("  ? %s\n", sq.Question)
		if sq.Answer != "" {
			fmt.Printf("    %s\n", sq.Answer)
		}
	}
	if m.ToolCall != nil {
		fmt.Printf("  [tool: %s]\n", m.ToolCall.Name)
	}
	if m.Retrieval != nil {
		for _, doc := range m.Retrieval.Documents {
			fmt.Printf("  - %s\n", doc.Title)
		}
	}
	if m.ErrorText != "" {
		fmt.Printf("  (incomplete: %s)\n", m.ErrorText)
	}
}
