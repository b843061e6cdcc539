// Package toolkit provides the concrete tool collaborators: local file
// I/O, shell execution, search, and the project build command.
package toolkit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// Environment abstracts where tool operations run.
type Environment interface {
	ReadFile(path string) (string, error)
	WriteFile(path string, content string) error
	FileExists(path string) bool
	ListDirectory(path string) ([]DirEntry, error)
	ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string) (*ExecResult, error)
	Grep(ctx context.Context, pattern, path string, caseInsensitive bool) (string, error)
	WorkingDirectory() string
}

// sensitiveEnvSuffixes are case-insensitive suffixes for environment
// variables excluded from child processes.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always included regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

func filterEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if safeEnvVars[parts[0]] || !isSensitiveEnvVar(parts[0]) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// LocalEnvironment runs tools on the local machine.
type LocalEnvironment struct {
	workingDir string
}

// NewLocalEnvironment creates a local environment rooted at workingDir.
func NewLocalEnvironment(workingDir string) *LocalEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return &LocalEnvironment{workingDir: workingDir}
}

func (e *LocalEnvironment) WorkingDirectory() string { return e.workingDir }

func (e *LocalEnvironment) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalEnvironment) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(e.resolvePath(path))
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	return string(data), nil
}

func (e *LocalEnvironment) WriteFile(path string, content string) error {
	resolved := e.resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return fmt.Errorf("write_file: failed to create directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0644)
}

func (e *LocalEnvironment) FileExists(path string) bool {
	_, err := os.Stat(e.resolvePath(path))
	return err == nil
}

func (e *LocalEnvironment) ListDirectory(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(e.resolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("list_dir: %w", err)
	}
	var result []DirEntry
	for _, entry := range entries {
		de := DirEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			de.Size = info.Size()
		}
		result = append(result, de)
	}
	return result, nil
}

// structureMaxDepth and structureMaxEntries bound the project tree snapshot
// recorded into the model context.
const (
	structureMaxDepth   = 3
	structureMaxEntries = 200
)

// skippedStructureDirs are directories omitted from the structure snapshot.
var skippedStructureDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"dist":         true,
	"__pycache__":  true,
}

// StructureSnapshot renders a bounded directory tree of the working
// directory: one entry per line, indented by depth, hidden entries skipped.
func (e *LocalEnvironment) StructureSnapshot() (string, error) {
	var b strings.Builder
	entries := 0
	var walk func(dir, indent string, depth int) error
	walk = func(dir, indent string, depth int) error {
		list, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range list {
			name := entry.Name()
			if strings.HasPrefix(name, ".") || skippedStructureDirs[name] {
				continue
			}
			if entries >= structureMaxEntries {
				b.WriteString(indent + "...\n")
				break
			}
			entries++
			if entry.IsDir() {
				b.WriteString(indent + name + "/\n")
				if depth < structureMaxDepth {
					if err := walk(filepath.Join(dir, name), indent+"  ", depth+1); err != nil {
						return err
					}
				}
			} else {
				b.WriteString(indent + name + "\n")
			}
		}
		return nil
	}
	if err := walk(e.workingDir, "", 1); err != nil {
		return "", fmt.Errorf("structure snapshot: %w", err)
	}
	return b.String(), nil
}

func (e *LocalEnvironment) ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string) (*ExecResult, error) {
	if workingDir == "" {
		workingDir = e.workingDir
	} else {
		workingDir = e.resolvePath(workingDir)
	}

	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	shell := "/bin/bash"
	shellArg := "-c"
	if runtime.GOOS == "windows" {
		shell = "cmd.exe"
		shellArg = "/c"
	}

	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	cmd.Dir = workingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = filterEnvironment()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			result.ExitCode = -1
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("exec_command: %w", err)
		}
	}
	return result, nil
}

func (e *LocalEnvironment) Grep(ctx context.Context, pattern, path string, caseInsensitive bool) (string, error) {
	if path == "" {
		path = e.workingDir
	} else {
		path = e.resolvePath(path)
	}

	// Prefer ripgrep, fall back to grep.
	if rgPath, err := exec.LookPath("rg"); err == nil {
		args := []string{pattern, path, "--line-number", "--no-heading"}
		if caseInsensitive {
			args = append(args, "-i")
		}
		cmd := exec.CommandContext(ctx, rgPath, args...)
		cmd.Dir = e.workingDir
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		_ = cmd.Run() // exit 1 means no matches
		return stdout.String(), nil
	}

	args := []string{"-rn", pattern, path}
	if caseInsensitive {
		args = append([]string{"-i"}, args...)
	}
	cmd := exec.CommandContext(ctx, "grep", args...)
	cmd.Dir = e.workingDir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	_ = cmd.Run()
	return stdout.String(), nil
}
