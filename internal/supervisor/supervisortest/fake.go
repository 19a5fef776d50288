// Package supervisortest provides an in-memory supervisor.Supervisor for
// tests of the packages built on top of it.
package supervisortest

import (
	"context"
	"fmt"
	"sync"

	"github.com/terrpan/garm-provider-pm2/internal/supervisor"
)

// Fake keeps processes in memory.  Errors can be injected per verb and
// per process name; every call is recorded as "<verb> <name>".
type Fake struct {
	mu sync.Mutex

	procs []supervisor.Process
	calls []string

	// ConnectErr, ListErr and CloseErr are returned by the matching
	// method when set.
	ConnectErr error
	ListErr    error
	CloseErr   error

	// Errs maps "<verb> <name>" (e.g. "delete r1") to an error returned
	// by that call.  Verbs: launch, restart, stop, delete.
	Errs map[string]error

	Connected bool
	Closed    bool
}

var _ supervisor.Supervisor = (*Fake)(nil)

// New returns a Fake seeded with procs.
func New(procs ...supervisor.Process) *Fake {
	return &Fake{procs: procs, Errs: map[string]error{}}
}

// Add registers a process directly.
func (f *Fake) Add(p supervisor.Process) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = append(f.procs, p)
}

// Calls returns the recorded calls in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Process returns the named process.
func (f *Fake) Process(name string) (supervisor.Process, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := f.index(name); i >= 0 {
		return f.procs[i], true
	}
	return supervisor.Process{}, false
}

// Connect implements supervisor.Supervisor.
func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "connect")
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.Connected = true
	return nil
}

// List implements supervisor.Supervisor.
func (f *Fake) List(context.Context) ([]supervisor.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "list")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]supervisor.Process, len(f.procs))
	for i, p := range f.procs {
		p.Env = p.Env.Clone()
		out[i] = p
	}
	return out, nil
}

// Launch implements supervisor.Supervisor.
func (f *Fake) Launch(_ context.Context, spec supervisor.LaunchSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("launch", spec.Name); err != nil {
		return err
	}
	if f.index(spec.Name) >= 0 {
		return fmt.Errorf("process %s already exists", spec.Name)
	}
	f.procs = append(f.procs, supervisor.Process{
		Name:   spec.Name,
		Status: supervisor.StatusOnline,
		Env:    spec.Env.Clone(),
	})
	return nil
}

// Restart implements supervisor.Supervisor.
func (f *Fake) Restart(_ context.Context, name string) error {
	return f.setStatus("restart", name, supervisor.StatusOnline)
}

// Stop implements supervisor.Supervisor.
func (f *Fake) Stop(_ context.Context, name string) error {
	return f.setStatus("stop", name, supervisor.StatusStopped)
}

// Delete implements supervisor.Supervisor.
func (f *Fake) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete", name); err != nil {
		return err
	}
	i := f.index(name)
	if i < 0 {
		return fmt.Errorf("process %s not found", name)
	}
	f.procs = append(f.procs[:i], f.procs[i+1:]...)
	return nil
}

// Close implements supervisor.Supervisor.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "close")
	f.Closed = true
	return f.CloseErr
}

func (f *Fake) setStatus(verb, name, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(verb, name); err != nil {
		return err
	}
	i := f.index(name)
	if i < 0 {
		return fmt.Errorf("process %s not found", name)
	}
	f.procs[i].Status = status
	return nil
}

// record must be called with f.mu held.
func (f *Fake) record(verb, name string) error {
	call := verb + " " + name
	f.calls = append(f.calls, call)
	return f.Errs[call]
}

func (f *Fake) index(name string) int {
	for i, p := range f.procs {
		if p.Name == name {
			return i
		}
	}
	return -1
}
