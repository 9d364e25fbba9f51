// Package mock provides scriptable agent collaborators for tests.
package mock

import (
	"context"
	"sync"

	"github.com/amelia-dev/amelia/internal/agent"
)

// GenerateFunc scripts one Generate call.
type GenerateFunc func(ctx context.Context, req agent.GenerateRequest) (agent.GenerateResponse, error)

// StreamFunc scripts one StreamAgentic call.
type StreamFunc func(ctx context.Context, req agent.AgenticRequest) (<-chan agent.AgenticEvent, error)

// Driver is a scriptable agent.Driver. Responses are consumed in order;
// when the script runs out the last entry repeats.
type Driver struct {
	mu        sync.Mutex
	generate  []GenerateFunc
	stream    []StreamFunc
	genCalls  []agent.GenerateRequest
	execCalls []agent.AgenticRequest
}

// NewDriver creates an empty scriptable driver.
func NewDriver() *Driver {
	return &Driver{}
}

// OnGenerate appends a scripted Generate response.
func (d *Driver) OnGenerate(fn GenerateFunc) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generate = append(d.generate, fn)
	return d
}

// GenerateText scripts a plain-text Generate response with the given usage.
func (d *Driver) GenerateText(text string, usage agent.Usage) *Driver {
	return d.OnGenerate(func(context.Context, agent.GenerateRequest) (agent.GenerateResponse, error) {
		return agent.GenerateResponse{Text: text, Usage: usage}, nil
	})
}

// GenerateErr scripts a failing Generate call.
func (d *Driver) GenerateErr(err error) *Driver {
	return d.OnGenerate(func(context.Context, agent.GenerateRequest) (agent.GenerateResponse, error) {
		return agent.GenerateResponse{}, err
	})
}

// OnStream appends a scripted StreamAgentic response.
func (d *Driver) OnStream(fn StreamFunc) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stream = append(d.stream, fn)
	return d
}

// StreamEvents scripts a StreamAgentic call that replays the given
// events and closes.
func (d *Driver) StreamEvents(events ...agent.AgenticEvent) *Driver {
	return d.OnStream(func(ctx context.Context, _ agent.AgenticRequest) (<-chan agent.AgenticEvent, error) {
		ch := make(chan agent.AgenticEvent, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return ch, nil
	})
}

// StreamErr scripts a failing StreamAgentic call.
func (d *Driver) StreamErr(err error) *Driver {
	return d.OnStream(func(context.Context, agent.AgenticRequest) (<-chan agent.AgenticEvent, error) {
		return nil, err
	})
}

// Generate implements agent.Driver.
func (d *Driver) Generate(ctx context.Context, req agent.GenerateRequest) (agent.GenerateResponse, error) {
	d.mu.Lock()
	d.genCalls = append(d.genCalls, req)
	fn := takeScript(d.generate, len(d.genCalls)-1)
	d.mu.Unlock()

	if fn == nil {
		return agent.GenerateResponse{Text: "{}"}, nil
	}
	return fn(ctx, req)
}

// StreamAgentic implements agent.Driver.
func (d *Driver) StreamAgentic(ctx context.Context, req agent.AgenticRequest) (<-chan agent.AgenticEvent, error) {
	d.mu.Lock()
	d.execCalls = append(d.execCalls, req)
	fn := takeScript(d.stream, len(d.execCalls)-1)
	d.mu.Unlock()

	if fn == nil {
		ch := make(chan agent.AgenticEvent)
		close(ch)
		return ch, nil
	}
	return fn(ctx, req)
}

// GenerateCalls returns the recorded Generate requests.
func (d *Driver) GenerateCalls() []agent.GenerateRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]agent.GenerateRequest(nil), d.genCalls...)
}

// StreamCalls returns the recorded StreamAgentic requests.
func (d *Driver) StreamCalls() []agent.AgenticRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]agent.AgenticRequest(nil), d.execCalls...)
}

func takeScript[T any](script []T, call int) T {
	var zero T
	if len(script) == 0 {
		return zero
	}
	if call >= len(script) {
		return script[len(script)-1]
	}
	return script[call]
}

// Tracker is a scriptable agent.Tracker backed by a fixed issue set.
type Tracker struct {
	mu     sync.Mutex
	issues map[string]agent.Issue
	err    error
	calls  int
}

// NewTracker creates a Tracker seeded with the given issues.
func NewTracker(issues ...agent.Issue) *Tracker {
	t := &Tracker{issues: make(map[string]agent.Issue)}
	for _, issue := range issues {
		t.issues[issue.ID] = issue
	}
	return t
}

// Fail makes every subsequent GetIssue return err.
func (t *Tracker) Fail(err error) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
	return t
}

// GetIssue implements agent.Tracker.
func (t *Tracker) GetIssue(_ context.Context, id string) (agent.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.err != nil {
		return agent.Issue{}, t.err
	}
	issue, ok := t.issues[id]
	if !ok {
		return agent.Issue{}, &TrackerNotFoundError{IssueID: id}
	}
	return issue, nil
}

// Calls returns the number of GetIssue invocations.
func (t *Tracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// TrackerNotFoundError reports a missing issue.
type TrackerNotFoundError struct {
	IssueID string
}

func (e *TrackerNotFoundError) Error() string {
	return "issue not found: " + e.IssueID
}
