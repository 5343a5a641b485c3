// Command sage runs the agentic loop runtime from a terminal: an
// interactive REPL by default, a one-shot print mode under -p, and
// session resume under -r/-c.
//
// Command tree and flag-wiring style follow a buildRootCmd + cobra.Command
// tree, trimmed to this module's scope: no channel gateway, no
// service-install subcommands.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/majiayu000/sage/internal/checkpoint"
	"github.com/majiayu000/sage/internal/contextmgr"
	"github.com/majiayu000/sage/internal/engerr"
	"github.com/majiayu000/sage/internal/eventbus"
	"github.com/majiayu000/sage/internal/executor"
	"github.com/majiayu000/sage/internal/hooks"
	"github.com/majiayu000/sage/internal/input"
	"github.com/majiayu000/sage/internal/llm"
	"github.com/majiayu000/sage/internal/llm/providers"
	"github.com/majiayu000/sage/internal/message"
	"github.com/majiayu000/sage/internal/permission"
	"github.com/majiayu000/sage/internal/session"
	"github.com/majiayu000/sage/internal/supervisor"
	"github.com/majiayu000/sage/internal/toolorch"
)

var (
	printMode   string
	resumeID    string
	continueRun bool
	providerFl  string
	modelFl     string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sage",
		Short:        "Sage - an agentic loop runtime for software engineering tasks",
		SilenceUsage: true,
		RunE:         runAgent,
	}
	root.Flags().StringVarP(&printMode, "print", "p", "", "run non-interactively with this prompt and exit")
	root.Flags().StringVarP(&resumeID, "resume", "r", "", "resume the named session")
	root.Flags().BoolVarP(&continueRun, "continue", "c", false, "continue the most recent session")
	root.Flags().StringVar(&providerFl, "provider", "anthropic", "LLM provider to use")
	root.Flags().StringVar(&modelFl, "model", "", "model override")
	return root
}

func sessionRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".sage", "sessions")
}

func buildClient(ctx context.Context, bus *eventbus.Bus) (*llm.Client, error) {
	client := llm.NewClient(llm.ClientConfig{Bus: bus})

	if key, err := llm.ResolveAPIKey("anthropic"); err == nil {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: key})
		if err != nil {
			return nil, err
		}
		client.Register(p)
	}
	if key, err := llm.ResolveAPIKey("openai"); err == nil {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{APIKey: key})
		if err != nil {
			return nil, err
		}
		client.Register(p)
	}
	if key, err := llm.ResolveAPIKey("google"); err == nil {
		p, err := providers.NewGoogleProvider(ctx, providers.GoogleConfig{APIKey: key})
		if err != nil {
			return nil, err
		}
		client.Register(p)
	}
	return client, nil
}

// stubExecutor satisfies toolorch.Executor with no tools registered;
// a real deployment wires in filesystem/shell/search tools here.
type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, call message.ToolCall) (string, error) {
	return "", engerr.New(engerr.KindTool, "cmd.sage", fmt.Sprintf("no tool registered for %q", call.Name))
}

func (stubExecutor) SnapshotPaths(call message.ToolCall) []string { return nil }

func runAgent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	bus := eventbus.New(0, nil)

	client, err := buildClient(ctx, bus)
	if err != nil {
		return err
	}

	gate := permission.NewGate(permission.DefaultPolicy())
	hookMgr := hooks.NewManager(nil)

	cpRoot := filepath.Join(sessionRoot(), "checkpoints")
	if err := os.MkdirAll(cpRoot, 0o755); err != nil {
		return fmt.Errorf("sage: preparing checkpoint root: %w", err)
	}
	cp, err := checkpoint.NewManager(ctx, cpRoot, filepath.Join(cpRoot, "index.db"))
	if err != nil {
		return fmt.Errorf("sage: opening checkpoint index: %w", err)
	}
	defer cp.Close()

	sup := supervisor.New(supervisor.Policy{}, nil)
	inputCh := input.New(0)
	go input.AutoResponder(ctx, inputCh, func(req input.Request) string { return "yes" })

	orch := toolorch.New(toolorch.Config{}, stubExecutor{}, gate, cp, hookMgr, sup, inputCh, bus)
	compactor := contextmgr.New(contextmgr.Config{}, nil)
	store := session.NewJSONLStore(sessionRoot())
	recorder := session.NewRecorder(store)

	exec := executor.New(client, orch, compactor, recorder, bus, nil)

	sessionID := resolveSessionID()
	var history []message.Message
	if _, existing, err := store.Load(ctx, sessionID); err == nil {
		history = existing
	}
	if _, err := store.Start(ctx, sessionID); err != nil {
		return fmt.Errorf("sage: starting session: %w", err)
	}
	defer store.Close(ctx, sessionID)

	opts := executor.Options{
		Provider: providerFl,
		Model:    modelFl,
	}

	if printMode != "" {
		return runOnce(ctx, exec, recorder, sessionID, history, printMode, opts)
	}
	return runInteractive(ctx, exec, recorder, sessionID, history, opts)
}

func resolveSessionID() string {
	if resumeID != "" {
		return resumeID
	}
	if continueRun {
		// The most recent session is the one whose metadata.json was
		// written last; with none on disk a fresh session starts.
		latest, latestMod := "", time.Time{}
		entries, _ := os.ReadDir(sessionRoot())
		for _, e := range entries {
			info, err := os.Stat(filepath.Join(sessionRoot(), e.Name(), "metadata.json"))
			if err == nil && info.ModTime().After(latestMod) {
				latest, latestMod = e.Name(), info.ModTime()
			}
		}
		if latest != "" {
			return latest
		}
	}
	return uuid.NewString()
}

func runOnce(ctx context.Context, exec *executor.Executor, recorder *session.Recorder, sessionID string, history []message.Message, prompt string, opts executor.Options) error {
	userMsg := message.Message{Role: message.RoleUser, Content: prompt, CreatedAt: time.Now()}
	history = append(history, userMsg)
	if err := recorder.Record(ctx, sessionID, userMsg); err != nil {
		return err
	}

	outcome := exec.Run(ctx, sessionID, history, opts)
	printTranscriptTail(outcome.Messages, len(history))

	if outcome.Err != nil {
		return outcome.Err
	}
	return nil
}

func runInteractive(ctx context.Context, exec *executor.Executor, recorder *session.Recorder, sessionID string, history []message.Message, opts executor.Options) error {
	fmt.Println("sage interactive session", sessionID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return nil
		}

		userMsg := message.Message{Role: message.RoleUser, Content: line, CreatedAt: time.Now()}
		history = append(history, userMsg)
		if err := recorder.Record(ctx, sessionID, userMsg); err != nil {
			fmt.Fprintln(os.Stderr, "error recording message:", err)
			continue
		}

		before := len(history)
		outcome := exec.Run(ctx, sessionID, history, opts)
		history = outcome.Messages
		printTranscriptTail(history, before)

		if outcome.Err != nil {
			fmt.Fprintln(os.Stderr, "error:", outcome.Err)
		}
	}
}

func printTranscriptTail(messages []message.Message, from int) {
	for _, m := range messages[from:] {
		if m.Role == message.RoleAssistant && m.Content != "" {
			fmt.Println(m.Content)
		}
	}
}
