// Package statemachine drives a sequence of page interactions through a validated state graph.
//
// A machine is a directed graph of named states. Each state may hold a page object and an
// action; the action inspects the page, does its work and names the next state, which must be
// one of the state's declared transitions. States with no transitions are terminal. Run is
// single threaded: each action runs on the caller's goroutine under the state's wait deadline.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mgazza/meter-datafeeds/internal/logger"
)

// DefaultWaitTime bounds each state when AddState is not given WithWaitTime.
const DefaultWaitTime = 30 * time.Second

var (
	// ErrUnknownState is returned by Validate when a transition names an undeclared state.
	ErrUnknownState = errors.New("unknown state")
	// ErrNoInitialState is returned when the machine has no states or the initial state is undeclared.
	ErrNoInitialState = errors.New("no initial state")
	// ErrNoTerminalState is returned when no terminal state is reachable from the initial state.
	ErrNoTerminalState = errors.New("no reachable terminal state")
	// ErrDuplicateState is returned by Validate when a state name was added twice.
	ErrDuplicateState = errors.New("duplicate state")
	// ErrUndeclaredTransition is returned by Run when an action picks a state outside its transitions.
	ErrUndeclaredTransition = errors.New("undeclared transition")
	// ErrStateTimeout matches every *TimeoutError.
	ErrStateTimeout = errors.New("state wait time exceeded")
)

// TimeoutError reports a state whose page or action outlived its wait time.
type TimeoutError struct {
	State    string
	WaitTime time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("state %q exceeded wait time %s", e.State, e.WaitTime)
}

// Is makes errors.Is(err, ErrStateTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrStateTimeout
}

// Action performs a state's work against its page and returns the name of the next state.
// ctx carries the state's wait deadline.
type Action func(ctx context.Context, page any) (string, error)

// Waiter is implemented by pages that need to become ready before their action runs.
type Waiter interface {
	WaitUntilReady(ctx context.Context) error
}

// State is one node of the graph.
type State struct {
	Name        string
	Page        any
	Action      Action
	Transitions []string
	WaitTime    time.Duration
}

// Terminal reports whether the state has no outgoing transitions.
func (s *State) Terminal() bool {
	return len(s.Transitions) == 0
}

// StateOption customises a state at AddState time.
type StateOption func(*State)

// WithWaitTime overrides DefaultWaitTime for one state.
func WithWaitTime(d time.Duration) StateOption {
	return func(s *State) { s.WaitTime = d }
}

// Option customises a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for state entry and hook failures.
func WithLogger(l logger.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// Machine is a page state machine. Build it with AddState, then Validate and Run.
type Machine struct {
	states     map[string]*State
	order      []string
	duplicates []string
	initial    string
	onEnter    []func(string)
	log        logger.Logger
}

// New returns an empty machine.
func New(opts ...Option) *Machine {
	m := &Machine{
		states: make(map[string]*State),
		log:    logger.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddState registers a state. A nil page denotes a synthetic state such as init or done.
// The first state added is the initial state unless SetInitialState says otherwise.
func (m *Machine) AddState(name string, page any, action Action, transitions []string, opts ...StateOption) {
	s := &State{
		Name:        name,
		Page:        page,
		Action:      action,
		Transitions: slices.Clone(transitions),
		WaitTime:    DefaultWaitTime,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, exists := m.states[name]; exists {
		m.duplicates = append(m.duplicates, name)
	} else {
		m.order = append(m.order, name)
	}
	m.states[name] = s
	if m.initial == "" {
		m.initial = name
	}
}

// SetInitialState selects where Run begins.
func (m *Machine) SetInitialState(name string) {
	m.initial = name
}

// OnEnterState registers a hook called with the state name every time a state is entered.
// Hooks are for side effects such as diagnostics; they cannot change control flow.
func (m *Machine) OnEnterState(hook func(state string)) {
	m.onEnter = append(m.onEnter, hook)
}

// State returns the named state.
func (m *Machine) State(name string) (*State, bool) {
	s, ok := m.states[name]
	return s, ok
}

// Validate checks the graph structure: every transition target is declared, and a terminal
// state is reachable from the initial state. It does not prove every path terminates.
func (m *Machine) Validate() error {
	if len(m.duplicates) > 0 {
		return fmt.Errorf("%w: %v", ErrDuplicateState, m.duplicates)
	}
	if _, ok := m.states[m.initial]; !ok {
		return ErrNoInitialState
	}
	for _, name := range m.order {
		for _, target := range m.states[name].Transitions {
			if _, ok := m.states[target]; !ok {
				return fmt.Errorf("%w: %q declared as transition from %q", ErrUnknownState, target, name)
			}
		}
	}

	seen := map[string]bool{m.initial: true}
	queue := []string{m.initial}
	for len(queue) > 0 {
		s := m.states[queue[0]]
		queue = queue[1:]
		if s.Terminal() {
			return nil
		}
		for _, target := range s.Transitions {
			if !seen[target] {
				seen[target] = true
				queue = append(queue, target)
			}
		}
	}
	return fmt.Errorf("%w from %q", ErrNoTerminalState, m.initial)
}

// Run validates the machine and drives it from the initial state until a terminal state is
// entered, returning that state's name. A state that outlives its wait time aborts the run
// with a *TimeoutError.
func (m *Machine) Run(ctx context.Context) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}

	current := m.states[m.initial]
	for {
		m.enter(current.Name)
		if current.Terminal() {
			return current.Name, nil
		}

		next, err := m.step(ctx, current)
		if err != nil {
			return current.Name, err
		}
		if !slices.Contains(current.Transitions, next) {
			return current.Name, fmt.Errorf("%w: %q -> %q", ErrUndeclaredTransition, current.Name, next)
		}
		current = m.states[next]
	}
}

func (m *Machine) step(ctx context.Context, s *State) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stateCtx, cancel := context.WithTimeout(ctx, s.WaitTime)
	defer cancel()

	timedOut := func(err error) bool {
		return errors.Is(stateCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil &&
			(err == nil || errors.Is(err, context.DeadlineExceeded))
	}

	if w, ok := s.Page.(Waiter); ok {
		if err := w.WaitUntilReady(stateCtx); err != nil {
			if timedOut(err) {
				return "", &TimeoutError{State: s.Name, WaitTime: s.WaitTime}
			}
			return "", fmt.Errorf("state %q: page not ready: %w", s.Name, err)
		}
	}

	if s.Action == nil {
		if len(s.Transitions) != 1 {
			return "", fmt.Errorf("state %q has no action and %d transitions", s.Name, len(s.Transitions))
		}
		return s.Transitions[0], nil
	}

	next, err := s.Action(stateCtx, s.Page)
	if timedOut(err) {
		return "", &TimeoutError{State: s.Name, WaitTime: s.WaitTime}
	}
	if err != nil {
		return "", fmt.Errorf("state %q: %w", s.Name, err)
	}
	return next, nil
}

func (m *Machine) enter(name string) {
	m.log.Debug("Entering state", logger.String("state", name))
	for _, hook := range m.onEnter {
		m.callHook(hook, name)
	}
}

func (m *Machine) callHook(hook func(string), name string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("State entry hook panicked",
				logger.String("state", name), logger.Any("panic", r))
		}
	}()
	hook(name)
}
