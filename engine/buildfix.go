package engine

import (
	"regexp"
	"strconv"
	"strings"
)

// Severity classifies a compiler diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one structured location extracted from raw build output.
type Diagnostic struct {
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Column   int      `json:"column,omitempty"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message"`
}

// gccPattern matches GCC/Clang style diagnostics: file:line:col: error: msg,
// with the column optional.
var gccPattern = regexp.MustCompile(`^(.+?):(\d+)(?::(\d+))?:\s+(error|warning):\s+(.+)$`)

// msvcPattern matches MSVC style diagnostics: file(line): error C1234: msg.
var msvcPattern = regexp.MustCompile(`^(.+?)\((\d+)\)\s*:\s+(error|warning)\s+([A-Z]+\d+):\s+(.+)$`)

// ParseDiagnostics extracts structured diagnostics from raw compiler output.
// Lines that match neither format are ignored.
func ParseDiagnostics(output string) []Diagnostic {
	var diags []Diagnostic
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := gccPattern.FindStringSubmatch(line); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			col := 0
			if m[3] != "" {
				col, _ = strconv.Atoi(m[3])
			}
			diags = append(diags, Diagnostic{
				File:     m[1],
				Line:     lineNo,
				Column:   col,
				Severity: Severity(m[4]),
				Message:  m[5],
			})
			continue
		}
		if m := msvcPattern.FindStringSubmatch(line); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			diags = append(diags, Diagnostic{
				File:     m[1],
				Line:     lineNo,
				Severity: Severity(m[3]),
				Code:     m[4],
				Message:  m[5],
			})
		}
	}
	return diags
}

// ErrorsOnly filters diagnostics down to errors.
func ErrorsOnly(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// ErrorSummary captures one failed build attempt for the retry state.
type ErrorSummary struct {
	Raw         string       `json:"raw"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// RetryState tracks the bounded compile-fix loop. Created on the first
// failing build, destroyed on success or on exhausting MaxAttempts.
type RetryState struct {
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	LastError   *ErrorSummary `json:"last_error,omitempty"`
}

// Exhausted reports whether no further build attempts remain.
func (rs RetryState) Exhausted() bool {
	return rs.Attempt >= rs.MaxAttempts
}

// buildExitCode extracts the trailing "exit code: N" line from a build
// tool's output. Returns -1 when absent.
var exitCodePattern = regexp.MustCompile(`exit code:\s+(-?\d+)\s*$`)

func buildExitCode(output string) int {
	m := exitCodePattern.FindStringSubmatch(strings.TrimSpace(output))
	if m == nil {
		return -1
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return code
}

// fixPrompt renders the targeted fix request sent to the model: just the
// failing locations, not the whole transcript.
func fixPrompt(summary *ErrorSummary, attempt, maxAttempts int) string {
	var b strings.Builder
	b.WriteString("The build failed. Fix only the reported errors using the edit_file tool, then the build will be retried.\n")
	b.WriteString("Attempt ")
	b.WriteString(strconv.Itoa(attempt))
	b.WriteString(" of ")
	b.WriteString(strconv.Itoa(maxAttempts))
	b.WriteString(".\n\n")
	errs := ErrorsOnly(summary.Diagnostics)
	if len(errs) > 0 {
		b.WriteString("Errors:\n")
		for _, d := range errs {
			b.WriteString("- ")
			b.WriteString(d.File)
			b.WriteString(":")
			b.WriteString(strconv.Itoa(d.Line))
			if d.Column > 0 {
				b.WriteString(":")
				b.WriteString(strconv.Itoa(d.Column))
			}
			b.WriteString(" ")
			b.WriteString(d.Message)
			b.WriteString("\n")
		}
	} else {
		b.WriteString("Raw build output:\n")
		b.WriteString(summary.Raw)
		b.WriteString("\n")
	}
	return b.String()
}
