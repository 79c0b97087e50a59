// Package acp adapts an ACP (Agent Client Protocol) agent subprocess to the
// unified provider contract. ACP speaks JSON-RPC 2.0 over the agent's
// stdin/stdout.
package acp

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/provider"
)

// ProviderID is the registry id of this adapter.
const ProviderID = "acp"

const stopWait = 5 * time.Second

// Provider runs one agent subprocess per query and bridges its notification
// stream into provider events.
type Provider struct {
	cfg    config.ProviderConfig
	logger *logger.Logger
}

// New creates the ACP provider.
func New(cfg config.ProviderConfig, log *logger.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "acp-provider")),
	}
}

// ID implements provider.Provider.
func (p *Provider) ID() string { return ProviderID }

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Resume: true, Thinking: true}
}

// Execute implements provider.Provider. The agent command is spawned in the
// session working directory, driven through the ACP handshake, prompted, and
// torn down when the turn completes or aborts.
func (p *Provider) Execute(ctx context.Context, input provider.QueryInput, onEvent provider.EventFunc) error {
	if len(p.cfg.AgentCommand) == 0 {
		return fmt.Errorf("no agent command configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		logger:  p.logger,
		queryID: provider.NewQueryID(),
		input:   input,
		onEvent: onEvent,
		cancel:  cancel,
		tools:   make(map[string]toolCall),
	}

	// The request context must not kill the subprocess mid-teardown; the
	// explicit stop below owns its lifecycle.
	argv := agentArgv(p.cfg.AgentCommand, input)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = input.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	p.logger.Debug("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("workdir", input.WorkingDir))
	defer p.stopAgent(cmd, stdin)

	client := newClient(p.logger.Zap(), input.WorkingDir, r.handleUpdate, r.handlePermission)
	conn := acp.NewClientSideConnection(client, stdin, stdout)
	conn.SetLogger(slog.Default().With("component", "acp-conn"))
	r.conn = conn

	if _, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "threadline",
			Version: "1.0.0",
		},
	}); err != nil {
		return fmt.Errorf("ACP initialize handshake failed: %w", err)
	}

	if err := r.openSession(ctx); err != nil {
		return err
	}
	if err := r.promptLoop(ctx); err != nil {
		return err
	}
	return r.finish()
}

// agentArgv builds the subprocess command line: the configured command, an
// optional binary override, and one --add-dir flag per extra directory. The
// configured slice is never mutated.
func agentArgv(base []string, input provider.QueryInput) []string {
	argv := append([]string(nil), base...)
	if input.PathToExecutable != "" {
		argv[0] = input.PathToExecutable
	}
	for _, dir := range input.ExtraDirs {
		argv = append(argv, "--add-dir", dir)
	}
	return argv
}

func (p *Provider) stopAgent(cmd *exec.Cmd, stdin interface{ Close() error }) {
	// ACP agents exit when stdin closes; the kill is a backstop.
	_ = stdin.Close()
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopWait):
		p.logger.Warn("agent did not exit, killing", zap.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
		<-done
	}
}

type toolCall struct {
	name    string
	started time.Time
}

// run holds the per-query bridge state shared between the prompt loop and
// the notification callbacks.
type run struct {
	logger  *logger.Logger
	queryID string
	input   provider.QueryInput
	onEvent provider.EventFunc
	cancel  context.CancelFunc
	conn    *acp.ClientSideConnection

	mu            sync.Mutex
	sessionID     string
	tools         map[string]toolCall
	pendingSystem []string
	emitErr       error
	aborted       bool
}

func (r *run) emit(ev provider.Event) {
	ev.ProviderID = ProviderID
	ev.QueryID = r.queryID
	ev.Timestamp = time.Now()

	r.mu.Lock()
	if r.emitErr != nil {
		r.mu.Unlock()
		return
	}
	err := r.onEvent(ev)
	if err != nil {
		r.emitErr = err
	}
	r.mu.Unlock()

	if err != nil {
		// Consumer rejected the stream; stop the agent turn.
		r.cancel()
	}
}

func (r *run) openSession(ctx context.Context) error {
	if r.input.ResumeSessionID != "" {
		_, err := r.conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId: acp.SessionId(r.input.ResumeSessionID),
			Cwd:       r.input.WorkingDir,
		})
		if err == nil {
			r.setSessionID(r.input.ResumeSessionID)
			r.emit(provider.Event{
				Type:      provider.EventSession,
				SessionID: r.input.ResumeSessionID,
				Resumed:   true,
			})
			return nil
		}
		r.logger.Warn("failed to resume session, starting fresh",
			zap.String("session_id", r.input.ResumeSessionID),
			zap.Error(err))
	}

	resp, err := r.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        r.input.WorkingDir,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	r.setSessionID(string(resp.SessionId))
	r.emit(provider.Event{
		Type:      provider.EventSession,
		SessionID: string(resp.SessionId),
	})
	return nil
}

// promptLoop sends the assembled prompt and keeps the turn going while the
// post-tool hook produces steering payloads. ACP has no mid-turn system
// message injection, so steering is delivered as a follow-up prompt on the
// same session.
func (r *run) promptLoop(ctx context.Context) error {
	message := r.input.Prompt
	if r.input.SystemPrompt != "" && r.input.ResumeSessionID == "" {
		message = r.input.SystemPrompt + "\n\n" + message
	}

	for {
		_, err := r.conn.Prompt(ctx, acp.PromptRequest{
			SessionId: acp.SessionId(r.sessionIDNow()),
			Prompt:    []acp.ContentBlock{acp.TextBlock(message)},
		})
		if err != nil {
			if r.abortedNow() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("prompt failed: %w", err)
		}

		next := r.takePendingSystem()
		if next == "" {
			return nil
		}
		r.logger.Debug("continuing turn with steering payload",
			zap.String("session_id", r.sessionIDNow()),
			zap.Int("length", len(next)))
		message = next
	}
}

func (r *run) finish() error {
	r.mu.Lock()
	emitErr := r.emitErr
	aborted := r.aborted
	r.mu.Unlock()

	if emitErr != nil {
		return emitErr
	}
	if aborted {
		r.emit(provider.Event{Type: provider.EventDone, Reason: provider.DoneAborted})
		return provider.ErrAbortRequested
	}
	r.emit(provider.Event{Type: provider.EventDone, Reason: provider.DoneCompleted})
	return nil
}

func (r *run) setSessionID(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

func (r *run) sessionIDNow() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *run) abortedNow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *run) takePendingSystem() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pendingSystem) == 0 {
		return ""
	}
	out := strings.Join(r.pendingSystem, "\n")
	r.pendingSystem = nil
	return out
}

// handleUpdate translates an ACP session notification into provider events.
func (r *run) handleUpdate(n acp.SessionNotification) {
	u := n.Update

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			r.emit(provider.Event{
				Type: provider.EventText,
				Text: u.AgentMessageChunk.Content.Text.Text,
			})
		}

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			r.emit(provider.Event{
				Type: provider.EventThinking,
				Text: u.AgentThoughtChunk.Content.Text.Text,
			})
		}

	case u.ToolCall != nil:
		name := toolName(string(u.ToolCall.Kind), u.ToolCall.Title)
		id := string(u.ToolCall.ToolCallId)
		r.mu.Lock()
		r.tools[id] = toolCall{name: name, started: time.Now()}
		r.mu.Unlock()

		r.emit(provider.Event{
			Type:      provider.EventTool,
			ToolPhase: provider.ToolStart,
			ToolName:  name,
			ToolInput: rawInputMap(u.ToolCall.RawInput),
		})

	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		if status != "completed" && status != "complete" && status != "error" {
			return
		}
		id := string(u.ToolCallUpdate.ToolCallId)
		r.mu.Lock()
		tc, ok := r.tools[id]
		delete(r.tools, id)
		r.mu.Unlock()
		if !ok {
			return
		}

		r.emit(provider.Event{
			Type:      provider.EventTool,
			ToolPhase: provider.ToolEnd,
			ToolName:  tc.name,
		})

		if r.input.Hooks != nil {
			decision := r.input.Hooks.PostTool(tc.name)
			if decision.SystemMessage != "" {
				r.mu.Lock()
				r.pendingSystem = append(r.pendingSystem, decision.SystemMessage)
				r.mu.Unlock()
			}
		}
	}
}

// handlePermission gates tool execution through the pre-tool hook. An abort
// decision cancels the whole turn; a block rejects the single invocation.
func (r *run) handlePermission(ctx context.Context, name string, input map[string]interface{}, options []acp.PermissionOption) (acp.RequestPermissionResponse, error) {
	if r.input.Hooks != nil {
		decision := r.input.Hooks.PreTool(name, input)
		if decision.Abort {
			r.mu.Lock()
			r.aborted = true
			r.mu.Unlock()
			r.logger.Info("aborting turn on pre-tool hook", zap.String("tool", name))
			_ = r.conn.Cancel(ctx, acp.CancelNotification{
				SessionId: acp.SessionId(r.sessionIDNow()),
			})
			return cancelledPermission(), nil
		}
		if decision.BlockedReason != "" {
			r.emit(provider.Event{
				Type:      provider.EventTool,
				ToolPhase: provider.ToolStart,
				ToolName:  name,
				ToolInput: map[string]interface{}{"blocked": decision.BlockedReason},
			})
			return cancelledPermission(), nil
		}
	}

	bypass := r.input.PermissionMode == provider.PermissionBypass || r.input.SkipPermissions
	if id, ok := preferOption(options, bypass); ok {
		return selectedPermission(id), nil
	}
	return cancelledPermission(), nil
}

// preferOption picks the permission option for the configured mode: bypass
// takes a standing allow when the agent offers one, default grants a single
// invocation at a time. Falls back to the first option of any kind.
func preferOption(options []acp.PermissionOption, bypass bool) (acp.PermissionOptionId, bool) {
	first, second := acp.PermissionOptionKindAllowOnce, acp.PermissionOptionKindAllowAlways
	if bypass {
		first, second = second, first
	}
	for _, kind := range []acp.PermissionOptionKind{first, second} {
		for i := range options {
			if options[i].Kind == kind {
				return options[i].OptionId, true
			}
		}
	}
	if len(options) > 0 {
		return options[0].OptionId, true
	}
	return "", false
}

func cancelledPermission() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}

func selectedPermission(id acp.PermissionOptionId) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: id},
		},
	}
}

// toolName prefers the kind; some agents only populate the title, in which
// case the first word is the closest thing to a name.
func toolName(kind, title string) string {
	if kind != "" {
		return kind
	}
	if idx := strings.Index(title, " "); idx > 0 {
		return title[:idx]
	}
	if title != "" {
		return title
	}
	return "tool"
}

func rawInputMap(raw interface{}) map[string]interface{} {
	if raw == nil {
		return nil
	}
	if m, ok := raw.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"raw_input": raw}
}
