// Package permission implements the tool confirmation gate: a persisted
// permission table keyed by tool identity (and command signature for
// shell-style tools) that decides, per call, whether human approval is
// required before dispatch.
package permission

import (
	"strings"
	"sync"
)

// Decision is a user's confirmation choice for a scope.
type Decision string

const (
	// AllowOnce approves a single call. Never persisted.
	AllowOnce Decision = "allow_once"
	// AllowAlways approves every future call with the same scope. Persisted.
	AllowAlways Decision = "allow_always"
	// Deny rejects the scope outright on every future call. Persisted.
	Deny Decision = "deny"
)

// Call carries the identity the gate evaluates. Dangerous and Mutating are
// self-reported by the tool for the given arguments.
type Call struct {
	Tool         string
	ShellCommand string // raw command string for shell-style tools
	Dangerous    bool
	Mutating     bool
}

// CommandSignature returns the leading token of a shell command string,
// e.g. "ls" for "ls -la /tmp".
func CommandSignature(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Scope returns the permission-table key for the call: the bare tool name,
// or tool:command-signature for shell-style tools.
func (c Call) Scope() string {
	if c.ShellCommand != "" {
		if sig := CommandSignature(c.ShellCommand); sig != "" {
			return c.Tool + ":" + sig
		}
	}
	return c.Tool
}

// Verdict is the gate's decision for one call.
type Verdict struct {
	Scope             string
	Rejected          bool // persisted deny: refuse before dispatch
	NeedsConfirmation bool
	Reason            string
}

// Gate owns the permission table. It is safe for concurrent use; the
// editor-channel listener and the agent loop share one instance.
type Gate struct {
	mu    sync.Mutex
	store Store
	table map[string]Decision
}

// NewGate creates a Gate backed by the given store. The persisted table is
// read once at startup.
func NewGate(store Store) (*Gate, error) {
	table, err := store.Load()
	if err != nil {
		return nil, err
	}
	if table == nil {
		table = make(map[string]Decision)
	}
	return &Gate{store: store, table: table}, nil
}

// Evaluate applies the confirmation decision table to a call:
//
//  1. a dangerous call always requires confirmation, even with a persisted
//     allow_always for its scope;
//  2. a persisted allow_always lets the call proceed unprompted;
//  3. a persisted deny rejects the call outright;
//  4. an unknown scope defaults to confirmation when the tool self-reports
//     as mutating; read-only tools proceed on first use.
func (g *Gate) Evaluate(call Call) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	scope := call.Scope()

	if call.Dangerous {
		return Verdict{
			Scope:             scope,
			NeedsConfirmation: true,
			Reason:            "arguments flagged dangerous",
		}
	}

	if g.table[scope] == AllowAlways {
		return Verdict{Scope: scope}
	}

	if g.table[scope] == Deny || g.table[call.Tool] == Deny {
		return Verdict{
			Scope:    scope,
			Rejected: true,
			Reason:   "scope denied by a previous decision",
		}
	}

	if !call.Mutating {
		return Verdict{Scope: scope}
	}

	return Verdict{
		Scope:             scope,
		NeedsConfirmation: true,
		Reason:            "first use of this scope",
	}
}

// RecordDecision stores a user decision for a scope. AllowAlways and Deny
// persist through the store; AllowOnce is deliberately not recorded, so the
// same scope is independently confirmed on its next call.
func (g *Gate) RecordDecision(scope string, decision Decision) error {
	if decision == AllowOnce {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.table[scope] = decision
	return g.store.Put(scope, decision)
}

// Snapshot returns a copy of the in-memory permission table.
func (g *Gate) Snapshot() map[string]Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]Decision, len(g.table))
	for k, v := range g.table {
		out[k] = v
	}
	return out
}
