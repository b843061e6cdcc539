package toolkit

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/seamwork/tiller/dispatch"
)

// ToolConfig tunes the registered tool set.
type ToolConfig struct {
	// DefaultTimeoutMs applies to bash_run calls that omit timeout_ms.
	DefaultTimeoutMs int
	// MaxTimeoutMs caps the timeout a call may request.
	MaxTimeoutMs int
	// BuildCommand is the shell command the build tool runs, e.g. "go build ./...".
	BuildCommand string
	// BuildTimeoutMs bounds a single build invocation.
	BuildTimeoutMs int
}

// DefaultToolConfig returns the standard timeouts.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		DefaultTimeoutMs: 120000,
		MaxTimeoutMs:     600000,
		BuildCommand:     "make build",
		BuildTimeoutMs:   300000,
	}
}

const maxToolOutputBytes = 50000

func clampOutput(s string) string {
	if len(s) <= maxToolOutputBytes {
		return s
	}
	return s[:maxToolOutputBytes] + "\n... (output truncated)"
}

// dangerousCommandPatterns flag shell commands that must always be confirmed
// interactively regardless of prior approvals.
var dangerousCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+.*\bof=/dev/`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`\bgit\s+push\s+.*(--force|-f)\b`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)?777\b`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*\|\s*(ba)?sh\b`),
}

// IsDangerousCommand reports whether a shell command matches a pattern that
// always requires interactive confirmation.
func IsDangerousCommand(command string) bool {
	for _, p := range dangerousCommandPatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}

// RegisterCoreTools registers the built-in tool set against env.
func RegisterCoreTools(reg *dispatch.Registry, env Environment, cfg ToolConfig) {
	reg.Register(readFileTool(env))
	reg.Register(writeFileTool(env))
	reg.Register(editFileTool(env))
	reg.Register(listDirTool(env))
	reg.Register(grepSearchTool(env))
	reg.Register(bashRunTool(env, cfg))
	reg.Register(buildTool(env, cfg))
}

func readFileTool(env Environment) dispatch.Tool {
	return dispatch.Tool{
		Name:        "read_file",
		Description: "Read a file's contents with line numbers. Supports offset and limit for large files.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path": map[string]interface{}{"type": "string", "description": "Path to the file, absolute or relative to the working directory"},
				"offset":    map[string]interface{}{"type": "integer", "description": "1-based line to start reading from"},
				"limit":     map[string]interface{}{"type": "integer", "description": "Maximum number of lines to return"},
			},
			"required": []string{"file_path"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, _ := dispatch.StringArg(args, "file_path")
			content, err := env.ReadFile(path)
			if err != nil {
				return "", err
			}
			lines := strings.Split(content, "\n")
			offset, _ := dispatch.IntArg(args, "offset")
			if offset < 1 {
				offset = 1
			}
			limit, ok := dispatch.IntArg(args, "limit")
			if !ok || limit <= 0 {
				limit = len(lines)
			}
			if offset > len(lines) {
				return "", fmt.Errorf("offset %d is past the end of %s (%d lines)", offset, path, len(lines))
			}
			end := offset - 1 + limit
			if end > len(lines) {
				end = len(lines)
			}
			var b strings.Builder
			for i := offset - 1; i < end; i++ {
				fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
			}
			return clampOutput(b.String()), nil
		},
	}
}

func writeFileTool(env Environment) dispatch.Tool {
	return dispatch.Tool{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories as needed. Overwrites existing files.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path": map[string]interface{}{"type": "string", "description": "Path to the file to write"},
				"content":   map[string]interface{}{"type": "string", "description": "Full file content"},
			},
			"required": []string{"file_path", "content"},
		},
		Mutating: true,
		Execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, _ := dispatch.StringArg(args, "file_path")
			content, _ := dispatch.StringArg(args, "content")
			if err := env.WriteFile(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	}
}

func editFileTool(env Environment) dispatch.Tool {
	return dispatch.Tool{
		Name:        "edit_file",
		Description: "Replace an exact string in a file. old_string must match exactly once unless replace_all is set.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path":   map[string]interface{}{"type": "string", "description": "Path to the file to edit"},
				"old_string":  map[string]interface{}{"type": "string", "description": "Exact text to replace"},
				"new_string":  map[string]interface{}{"type": "string", "description": "Replacement text"},
				"replace_all": map[string]interface{}{"type": "boolean", "description": "Replace every occurrence instead of requiring uniqueness"},
			},
			"required": []string{"file_path", "old_string", "new_string"},
		},
		Mutating: true,
		Execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, _ := dispatch.StringArg(args, "file_path")
			oldStr, _ := dispatch.StringArg(args, "old_string")
			newStr, _ := dispatch.StringArg(args, "new_string")
			replaceAll, _ := dispatch.BoolArg(args, "replace_all")

			if oldStr == newStr {
				return "", fmt.Errorf("old_string and new_string are identical")
			}
			content, err := env.ReadFile(path)
			if err != nil {
				return "", err
			}
			count := strings.Count(content, oldStr)
			if count == 0 {
				return "", fmt.Errorf("old_string not found in %s", path)
			}
			if count > 1 && !replaceAll {
				return "", fmt.Errorf("old_string matches %d times in %s; provide more context or set replace_all", count, path)
			}
			var updated string
			replaced := count
			if replaceAll {
				updated = strings.ReplaceAll(content, oldStr, newStr)
			} else {
				updated = strings.Replace(content, oldStr, newStr, 1)
				replaced = 1
			}
			if err := env.WriteFile(path, updated); err != nil {
				return "", err
			}
			return fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, path), nil
		},
	}
}

func listDirTool(env Environment) dispatch.Tool {
	return dispatch.Tool{
		Name:        "list_dir",
		Description: "List the entries of a directory.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "Directory to list; defaults to the working directory"},
			},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, _ := dispatch.StringArg(args, "path")
			if path == "" {
				path = "."
			}
			entries, err := env.ListDirectory(path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			var b strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&b, "%s/\n", e.Name)
				} else {
					fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name, e.Size)
				}
			}
			return clampOutput(b.String()), nil
		},
	}
}

func grepSearchTool(env Environment) dispatch.Tool {
	return dispatch.Tool{
		Name:        "grep_search",
		Description: "Search file contents with a regular expression, returning matching lines with file and line number.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pattern":          map[string]interface{}{"type": "string", "description": "Regular expression to search for"},
				"path":             map[string]interface{}{"type": "string", "description": "File or directory to search; defaults to the working directory"},
				"case_insensitive": map[string]interface{}{"type": "boolean", "description": "Ignore case when matching"},
			},
			"required": []string{"pattern"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
			pattern, _ := dispatch.StringArg(args, "pattern")
			path, _ := dispatch.StringArg(args, "path")
			ci, _ := dispatch.BoolArg(args, "case_insensitive")
			out, err := env.Grep(ctx, pattern, path, ci)
			if err != nil {
				return "", err
			}
			if strings.TrimSpace(out) == "" {
				return "No matches found.", nil
			}
			return clampOutput(out), nil
		},
	}
}

func bashRunTool(env Environment, cfg ToolConfig) dispatch.Tool {
	return dispatch.Tool{
		Name:        "bash_run",
		Description: "Run a shell command in the working directory and return its output and exit code.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command":     map[string]interface{}{"type": "string", "description": "Shell command to run"},
				"timeout_ms":  map[string]interface{}{"type": "integer", "description": "Timeout in milliseconds"},
				"working_dir": map[string]interface{}{"type": "string", "description": "Directory to run in; defaults to the project working directory"},
			},
			"required": []string{"command"},
		},
		Mutating:   true,
		ShellStyle: true,
		Dangerous: func(args map[string]interface{}) bool {
			command, _ := dispatch.StringArg(args, "command")
			return IsDangerousCommand(command)
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
			command, _ := dispatch.StringArg(args, "command")
			timeoutMs, ok := dispatch.IntArg(args, "timeout_ms")
			if !ok || timeoutMs <= 0 {
				timeoutMs = cfg.DefaultTimeoutMs
			}
			if cfg.MaxTimeoutMs > 0 && timeoutMs > cfg.MaxTimeoutMs {
				timeoutMs = cfg.MaxTimeoutMs
			}
			workingDir, _ := dispatch.StringArg(args, "working_dir")

			result, err := env.ExecCommand(ctx, command, timeoutMs, workingDir)
			if err != nil {
				return "", err
			}
			return clampOutput(formatExecResult(result)), nil
		},
	}
}

func buildTool(env Environment, cfg ToolConfig) dispatch.Tool {
	return dispatch.Tool{
		Name:        "build",
		Description: "Run the project build command and return compiler output.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Mutating: true,
		Execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
			result, err := env.ExecCommand(ctx, cfg.BuildCommand, cfg.BuildTimeoutMs, "")
			if err != nil {
				return "", err
			}
			return clampOutput(formatExecResult(result)), nil
		},
	}
}

func formatExecResult(result *ExecResult) string {
	var b strings.Builder
	if result.Stdout != "" {
		b.WriteString(result.Stdout)
	}
	if result.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(result.Stderr)
	}
	if result.TimedOut {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("(command timed out)")
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "exit code: %d", result.ExitCode)
	return b.String()
}
