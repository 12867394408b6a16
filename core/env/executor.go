// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package env implements the command execution environment: tokenizing
// command lines, resolving variables and dispatching to registered
// handlers, falling back to a shared global executor.
package env

import (
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const (
	separator    = ' '
	mergeMarker  = '"'
	variableMark = '%'
)

// Handler runs a command. args[0] is the invocation as typed. A returned
// error is reported as a Failure regardless of the returned status.
type Handler func(e *Executor, args []string) (Status, error)

// Command is a registration record.
type Command struct {
	Invocation string
	Handler    Handler
	Help       string
}

// Provider is a static table of commands contributed by one module.
type Provider struct {
	Name     string
	Core     bool
	Commands []Command
}

// Rejection records a command that failed to register.
type Rejection struct {
	Provider   string
	Invocation string
	Reason     string
}

func (r Rejection) String() string {
	return fmt.Sprintf("%s: '%s' rejected: %s", r.Provider, r.Invocation, r.Reason)
}

type registration struct {
	Command
	provider string
	core     bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithProviders registers command tables, in order.
func WithProviders(p ...Provider) Option {
	return func(e *Executor) {
		e.providers = append(e.providers, p...)
	}
}

// WithLogger sets the logger used to report rejected registrations and
// recovered panics.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) {
		e.log = l
	}
}

// Executor is a command and variable scope.
type Executor struct {
	name   string
	global *Executor
	log    *logging.Logger
	out    *Output

	providers []Provider
	commands  map[string]*registration
	rejected  []Rejection

	varLock   sync.RWMutex
	variables map[string]Variable
}

// NewExecutor builds an executor. Unresolved commands and variables are
// looked up in global, which may be nil for the process-wide executor
// itself.
func NewExecutor(name string, global *Executor, opts ...Option) *Executor {
	e := &Executor{
		name:      name,
		global:    global,
		out:       new(Output),
		commands:  make(map[string]*registration),
		variables: make(map[string]Variable),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, p := range e.providers {
		e.register(p)
	}
	e.providers = nil
	return e
}

func (e *Executor) register(p Provider) {
	for _, c := range p.Commands {
		key := strings.ToLower(c.Invocation)
		reject := func(reason string) {
			r := Rejection{Provider: p.Name, Invocation: c.Invocation, Reason: reason}
			e.rejected = append(e.rejected, r)
			if e.log != nil {
				e.log.Warningf("%s: %v", e.name, r)
			}
		}
		switch {
		case key == "" || strings.ContainsAny(key, " \"%"):
			reject("invalid invocation")
			continue
		case c.Handler == nil:
			reject("nil handler")
			continue
		}
		if prev, ok := e.commands[key]; ok && !p.Core {
			reject(fmt.Sprintf("already registered by %s", prev.provider))
			continue
		}
		c.Invocation = key
		e.commands[key] = &registration{Command: c, provider: p.Name, core: p.Core}
	}
}

// Name returns the executor name.
func (e *Executor) Name() string {
	return e.name
}

// Global returns the fallback executor, or nil.
func (e *Executor) Global() *Executor {
	return e.global
}

// Out returns the output fan-out for this executor.
func (e *Executor) Out() *Output {
	return e.out
}

// Rejected returns the registrations that were refused.
func (e *Executor) Rejected() []Rejection {
	return e.rejected
}

// Lookup resolves a command locally, then in the global executor.
func (e *Executor) Lookup(invocation string) (Command, bool) {
	key := strings.ToLower(invocation)
	for x := e; x != nil; x = x.global {
		if r, ok := x.commands[key]; ok {
			return r.Command, true
		}
	}
	return Command{}, false
}

// Commands returns every resolvable command, local ones shadowing global
// ones, sorted by invocation.
func (e *Executor) Commands() []Command {
	seen := make(map[string]bool)
	var out []Command
	for x := e; x != nil; x = x.global {
		for k, r := range x.commands {
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, r.Command)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Invocation < out[j].Invocation })
	return out
}

// InvokeString parses and invokes raw.
func (e *Executor) InvokeString(raw string) Result {
	return e.Invoke(e.Parse(raw))
}

// Invoke runs the command named by args[0]. It never panics and never
// returns an error, the outcome is carried in the Result.
func (e *Executor) Invoke(args []string) (res Result) {
	if len(args) == 0 || args[0] == "" {
		return Result{Status: Skip}
	}
	cmd, ok := e.Lookup(args[0])
	if !ok {
		return Result{Status: NotFound, Err: fmt.Sprintf("unknown command '%s'", args[0])}
	}

	defer func() {
		if r := recover(); r != nil {
			if e.log != nil {
				e.log.Errorf("%s: command '%s' panicked: %v\n%s", e.name, cmd.Invocation, r, debug.Stack())
			}
			res = Result{Status: Failure, Err: fmt.Sprintf("%v", r)}
		}
	}()

	status, err := cmd.Handler(e, args)
	if err != nil {
		return Result{Status: Failure, Err: err.Error()}
	}
	return Result{Status: status}
}

// Parse splits raw into arguments. Spaces separate arguments except inside
// a "quoted group", and %name% is replaced by the value of the variable
// name. An unterminated quote runs to the end of the input, an unterminated
// variable marker is kept as literal text.
func (e *Executor) Parse(raw string) []string {
	var (
		args    []string
		cur     strings.Builder
		pending bool
		merging bool
	)
	flush := func() {
		if cur.Len() > 0 || pending {
			args = append(args, cur.String())
		}
		cur.Reset()
		pending = false
	}

	// The markers are all ASCII, so scanning bytes leaves every other
	// byte, valid UTF-8 or not, exactly as it was.
	for i := 0; i < len(raw); i++ {
		switch c := raw[i]; c {
		case mergeMarker:
			if merging {
				pending = true
				flush()
			}
			merging = !merging
		case variableMark:
			end := strings.IndexByte(raw[i+1:], variableMark)
			if end < 0 {
				cur.WriteByte(c)
				continue
			}
			end += i + 1
			if v, ok := e.GetVariable(raw[i+1 : end]); ok {
				cur.WriteString(fmt.Sprint(v))
			}
			pending = true
			i = end
		case separator:
			if merging {
				cur.WriteByte(c)
			} else {
				flush()
			}
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return args
}

// HasVariable returns true if name resolves locally or globally.
func (e *Executor) HasVariable(name string) bool {
	_, ok := e.variable(name)
	return ok
}

func (e *Executor) variable(name string) (Variable, bool) {
	for x := e; x != nil; x = x.global {
		x.varLock.RLock()
		v, ok := x.variables[name]
		x.varLock.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// GetVariable returns the value of name, resolved locally then globally.
func (e *Executor) GetVariable(name string) (interface{}, bool) {
	v, ok := e.variable(name)
	if !ok {
		return nil, false
	}
	return v.Get(), true
}

// SetVariable sets a local variable, creating a Literal if needed.
func (e *Executor) SetVariable(name string, value interface{}) error {
	e.varLock.Lock()
	v, ok := e.variables[name]
	if !ok {
		e.variables[name] = NewLiteral(value)
		e.varLock.Unlock()
		return nil
	}
	e.varLock.Unlock()
	return v.Set(value)
}

// CreateVariable adds v under name, failing if name is already defined
// locally.
func (e *Executor) CreateVariable(name string, v Variable) error {
	if name == "" || strings.ContainsRune(name, variableMark) {
		return fmt.Errorf("env: invalid variable name '%s'", name)
	}
	e.varLock.Lock()
	defer e.varLock.Unlock()
	if _, ok := e.variables[name]; ok {
		return fmt.Errorf("env: variable '%s' already exists", name)
	}
	e.variables[name] = v
	return nil
}

// RemoveVariable deletes a local variable, returning true if it existed.
func (e *Executor) RemoveVariable(name string) bool {
	e.varLock.Lock()
	defer e.varLock.Unlock()
	_, ok := e.variables[name]
	delete(e.variables, name)
	return ok
}

// Variables returns the names of the local variables, sorted.
func (e *Executor) Variables() []string {
	e.varLock.RLock()
	defer e.varLock.RUnlock()
	out := make([]string, 0, len(e.variables))
	for k := range e.variables {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
