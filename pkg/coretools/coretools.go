// Package coretools registers the baseline tool set: echo, current_time,
// read_file, write_file, and exec. Write and exec are gated behind human
// approval; exec additionally denies destructive commands outright.
package coretools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/tool"
)

// Register installs the core tools into the registry.
func Register(registry *tool.Registry) error {
	tools := []tool.Definition{
		echoTool(),
		currentTimeTool(),
		readFileTool(),
		writeFileTool(),
		execTool(),
	}
	for _, def := range tools {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func echoTool() tool.Definition {
	return tool.Definition{
		Name:        "echo",
		Description: "Echo the given message back verbatim.",
		Parameters: []tool.Parameter{
			{Name: "message", Type: "string", Description: "Message to echo", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}, call tool.CallContext) (interface{}, error) {
			message, _ := args["message"].(string)
			return message, nil
		},
	}
}

func currentTimeTool() tool.Definition {
	return tool.Definition{
		Name:        "current_time",
		Description: "Return the current wall-clock time in RFC 3339 format.",
		Parameters: []tool.Parameter{
			{Name: "timezone", Type: "string", Description: "IANA timezone name, defaults to UTC", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}, call tool.CallContext) (interface{}, error) {
			loc := time.UTC
			if tz, ok := args["timezone"].(string); ok && tz != "" {
				parsed, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
				}
				loc = parsed
			}
			return time.Now().In(loc).Format(time.RFC3339), nil
		},
	}
}

func readFileTool() tool.Definition {
	return tool.Definition{
		Name:        "read_file",
		Description: "Read a file from the local filesystem.",
		Parameters: []tool.Parameter{
			{Name: "path", Type: "string", Description: "Path of the file to read", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}, call tool.CallContext) (interface{}, error) {
			path, _ := args["path"].(string)
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			return string(data), nil
		},
	}
}

func writeFileTool() tool.Definition {
	return tool.Definition{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories as needed.",
		Parameters: []tool.Parameter{
			{Name: "path", Type: "string", Description: "Destination path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
		},
		PreToolUse: func(args map[string]interface{}) tool.HookDecision {
			return tool.DecisionApprove
		},
		ApprovalPrompt: func(args map[string]interface{}) string {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			return fmt.Sprintf("write_file: %s (%d bytes)", path, len(content))
		},
		Handler: func(ctx context.Context, args map[string]interface{}, call tool.CallContext) (interface{}, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
			}
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", path, err)
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
		},
	}
}

// deniedCommandPrefixes are rejected before the approval gate is even
// consulted.
var deniedCommandPrefixes = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	"shutdown",
	"reboot",
}

func execTool() tool.Definition {
	return tool.Definition{
		Name:        "exec",
		Description: "Execute a shell command and return its combined output.",
		Parameters: []tool.Parameter{
			{Name: "command", Type: "string", Description: "Command line to execute", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory", Required: false},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds", Required: false},
		},
		PreToolUse: func(args map[string]interface{}) tool.HookDecision {
			command, _ := args["command"].(string)
			trimmed := strings.TrimSpace(command)
			for _, prefix := range deniedCommandPrefixes {
				if strings.HasPrefix(trimmed, prefix) {
					return tool.DecisionDeny
				}
			}
			return tool.DecisionApprove
		},
		ApprovalPrompt: func(args map[string]interface{}) string {
			command, _ := args["command"].(string)
			return fmt.Sprintf("exec: %s", command)
		},
		Handler: func(ctx context.Context, args map[string]interface{}, call tool.CallContext) (interface{}, error) {
			command, _ := args["command"].(string)

			timeout := 30 * time.Second
			if secs, ok := args["timeout"].(float64); ok && secs > 0 {
				timeout = time.Duration(secs * float64(time.Second))
			}
			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
			if cwd, ok := args["cwd"].(string); ok && cwd != "" {
				cmd.Dir = cwd
			}

			var buf bytes.Buffer
			cmd.Stdout = &buf
			cmd.Stderr = &buf
			err := cmd.Run()

			if execCtx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("command timed out after %s", timeout)
			}

			result := map[string]interface{}{
				"output": buf.String(),
			}
			if cmd.ProcessState != nil {
				result["exit_code"] = cmd.ProcessState.ExitCode()
			}
			if err != nil {
				result["error"] = err.Error()
			}
			return result, nil
		},
	}
}
