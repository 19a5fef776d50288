// Package supervisor defines the abstraction for the local process
// manager that runs GitHub Actions runners on behalf of GARM.  Each
// backend (pm2, Docker) implements the Supervisor interface so the
// registry and provisioning code stay backend-agnostic.
package supervisor

import (
	"context"

	"github.com/terrpan/garm-provider-pm2/internal/metadata"
)

// Status values reported by backends.  They follow pm2's vocabulary;
// other backends translate their native states into these.
const (
	StatusOnline         = "online"
	StatusStopping       = "stopping"
	StatusStopped        = "stopped"
	StatusLaunching      = "launching"
	StatusErrored        = "errored"
	StatusWaitingRestart = "waiting restart"
)

// Process is one supervisor-managed process.
type Process struct {
	Name   string
	Status string
	// Env is the environment snapshot the process was launched with.
	// It is the only persistent record of instance metadata.
	Env metadata.Env
}

// LaunchSpec describes a process to register and start.
type LaunchSpec struct {
	Name        string
	Script      string
	Interpreter string
	Dir         string
	Env         metadata.Env
	AutoRestart bool
}

// Supervisor is the contract every process-management backend must
// satisfy.
//
// Names are the supervisor's namespace: uniqueness of an instance name
// is whatever the backend enforces.  No operation checks beforehand
// that the named process exists; backend errors surface as-is.
type Supervisor interface {
	// Connect prepares the backend for use (daemon ping, API
	// negotiation).
	Connect(ctx context.Context) error

	// List returns every process the backend knows about, with its
	// live status and environment snapshot.
	List(ctx context.Context) ([]Process, error)

	// Launch registers and starts a new long-lived process.
	Launch(ctx context.Context, spec LaunchSpec) error

	// Restart starts a stopped process again.
	Restart(ctx context.Context, name string) error

	// Stop stops a process without deregistering it.
	Stop(ctx context.Context, name string) error

	// Delete deregisters a process.
	Delete(ctx context.Context, name string) error

	// Close releases the connection.  It is called once on the way
	// out of every invocation.
	Close() error
}
