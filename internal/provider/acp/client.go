package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
)

// updateHandler receives session notifications from the agent.
type updateHandler func(acp.SessionNotification)

// permissionHandler decides a tool permission request. name and input are
// extracted from the tool call the request is attached to.
type permissionHandler func(ctx context.Context, name string, input map[string]interface{}, options []acp.PermissionOption) (acp.RequestPermissionResponse, error)

// client implements acp.Client for one agent subprocess. File operations are
// served directly; terminal methods are stubs because the agents this gateway
// runs execute shell commands through their own tools.
type client struct {
	logger        *zap.Logger
	workspaceRoot string
	onUpdate      updateHandler
	onPermission  permissionHandler
}

func newClient(log *zap.Logger, workspaceRoot string, onUpdate updateHandler, onPermission permissionHandler) *client {
	return &client{
		logger:        log,
		workspaceRoot: workspaceRoot,
		onUpdate:      onUpdate,
		onPermission:  onPermission,
	}
}

// SessionUpdate forwards agent notifications.
func (c *client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	if c.onUpdate != nil {
		c.onUpdate(n)
	}
	return nil
}

// RequestPermission extracts the tool identity and delegates the decision.
func (c *client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	name := ""
	if p.ToolCall.Kind != nil {
		name = string(*p.ToolCall.Kind)
	}
	if name == "" && p.ToolCall.Title != nil {
		title := *p.ToolCall.Title
		if idx := strings.Index(title, " "); idx > 0 {
			name = title[:idx]
		} else {
			name = title
		}
	}

	input := map[string]interface{}{}
	if p.ToolCall.RawInput != nil {
		if m, ok := p.ToolCall.RawInput.(map[string]interface{}); ok {
			input = m
		} else {
			input["raw_input"] = p.ToolCall.RawInput
		}
	}

	c.logger.Debug("permission request",
		zap.String("session_id", string(p.SessionId)),
		zap.String("tool", name),
		zap.Int("num_options", len(p.Options)))

	if c.onPermission == nil {
		return cancelledPermission(), nil
	}
	return c.onPermission(ctx, name, input, p.Options)
}

// ReadTextFile serves file reads requested by the agent.
func (c *client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}

	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile serves file writes requested by the agent.
func (c *client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

func (c *client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{TerminalId: "t-1"}, nil
}

func (c *client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (c *client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

var _ acp.Client = (*client)(nil)
