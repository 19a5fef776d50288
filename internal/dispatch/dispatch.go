// Package dispatch routes one GARM provider invocation to its handler,
// prints the JSON result and records the invocation in the audit log.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/garm-provider-pm2/internal/buildinfo"
	"github.com/terrpan/garm-provider-pm2/internal/config"
	"github.com/terrpan/garm-provider-pm2/internal/provider"
	"github.com/terrpan/garm-provider-pm2/internal/registry"
	"github.com/terrpan/garm-provider-pm2/internal/supervisor"
)

// Command names accepted in GARM_COMMAND.
const (
	CreateInstance     = "CreateInstance"
	DeleteInstance     = "DeleteInstance"
	GetInstance        = "GetInstance"
	ListInstances      = "ListInstances"
	RemoveAllInstances = "RemoveAllInstances"
	Start              = "Start"
	StartInstance      = "StartInstance"
	Stop               = "Stop"
	StopInstance       = "StopInstance"
	GetVersion         = "GetVersion"
)

// Registry is the instance registry the dispatcher drives.
type Registry interface {
	List(ctx context.Context, poolID string) ([]provider.Instance, error)
	Get(ctx context.Context, poolID, name string) (provider.Instance, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	RemoveAll(ctx context.Context, poolID string) (registry.RemoveAllResult, error)
}

// Provisioner creates instances.
type Provisioner interface {
	CreateInstance(ctx context.Context, input []byte) (provider.Instance, error)
}

// Auditor records the invocation.
type Auditor interface {
	SetCommand(command string) error
	SetEnv(env map[string]string) error
	AddMessage(format string, args ...any) error
	SetOutput(v any) error
	SetError(err error) error
}

// Config holds the Dispatcher's dependencies.
type Config struct {
	Invocation  config.Invocation
	Supervisor  supervisor.Supervisor
	Registry    Registry
	Provisioner Provisioner
	Auditor     Auditor

	Stdin  io.Reader
	Stdout io.Writer
	Logger *slog.Logger
}

// Dispatcher runs a single command.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	tracer      trace.Tracer
	invocations metric.Int64Counter
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	d := &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("garm-provider-pm2/dispatch"),
	}

	var err error
	d.invocations, err = otel.Meter("garm-provider-pm2/dispatch").Int64Counter(
		"garm_provider.invocations",
		metric.WithDescription("Total number of provider invocations, by command and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create invocations counter", slog.String("error", err.Error()))
	}

	return d
}

// Run executes the invoked command.  The supervisor is closed before
// Run returns, whatever the outcome.
func (d *Dispatcher) Run(ctx context.Context) (err error) {
	inv := d.cfg.Invocation
	command := inv.Command

	ctx, span := d.tracer.Start(ctx, "dispatch.Run", trace.WithAttributes(
		attribute.String("garm.command", command),
		attribute.String("garm.pool_id", inv.PoolID),
		attribute.String("garm.instance", inv.InstanceID),
	))
	defer span.End()

	logger := d.logger.With(slog.String("command", command))

	d.audit(func(a Auditor) error { return a.SetCommand(command) })
	d.audit(func(a Auditor) error { return a.SetEnv(inv.Env) })

	defer func() {
		if cerr := d.cfg.Supervisor.Close(); cerr != nil {
			logger.Warn("failed to close supervisor", slog.String("error", cerr.Error()))
		}

		outcome := "success"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.audit(func(a Auditor) error { return a.SetError(err) })
		}
		if d.invocations != nil {
			d.invocations.Add(ctx, 1, metric.WithAttributes(
				attribute.String("command", command),
				attribute.String("outcome", outcome),
			))
		}
	}()

	if !known(command) {
		name := command
		if name == "" {
			name = "*missing*"
		}
		return provider.NewError(provider.KindUnknownCommand, nil, "unknown command %s", name)
	}

	if command == GetVersion {
		_, err := fmt.Fprintln(d.cfg.Stdout, buildinfo.Version)
		return err
	}

	if err := d.cfg.Supervisor.Connect(ctx); err != nil {
		return provider.NewError(provider.KindSupervisor, err, "connecting to supervisor")
	}

	logger.Debug("dispatching",
		slog.String("poolID", inv.PoolID),
		slog.String("instanceID", inv.InstanceID),
	)

	result, err := d.dispatch(ctx, command)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	d.audit(func(a Auditor) error { return a.SetOutput(result) })
	return d.print(result)
}

func (d *Dispatcher) dispatch(ctx context.Context, command string) (any, error) {
	inv := d.cfg.Invocation
	reg := d.cfg.Registry

	switch command {
	case CreateInstance:
		input, err := io.ReadAll(d.cfg.Stdin)
		if err != nil {
			return nil, provider.NewError(provider.KindInput, err, "reading stdin")
		}
		inst, err := d.cfg.Provisioner.CreateInstance(ctx, input)
		if err != nil {
			return nil, err
		}
		return inst, nil

	case ListInstances:
		instances, err := reg.List(ctx, inv.PoolID)
		if err != nil {
			return nil, err
		}
		if instances == nil {
			instances = []provider.Instance{}
		}
		return instances, nil

	case RemoveAllInstances:
		res, err := reg.RemoveAll(ctx, inv.PoolID)
		for _, o := range res.Outcomes {
			if o.Err != nil {
				d.audit(func(a Auditor) error { return a.AddMessage("delete %s: %v", o.Name, o.Err) })
			} else {
				d.audit(func(a Auditor) error { return a.AddMessage("deleted %s", o.Name) })
			}
		}
		return nil, err
	}

	name, err := d.instanceID()
	if err != nil {
		return nil, err
	}

	switch command {
	case GetInstance:
		inst, err := reg.Get(ctx, inv.PoolID, name)
		if err != nil {
			return nil, err
		}
		return inst, nil
	case DeleteInstance:
		return nil, reg.Delete(ctx, name)
	case Start, StartInstance:
		return nil, reg.Start(ctx, name)
	case Stop, StopInstance:
		return nil, reg.Stop(ctx, name)
	default:
		return nil, provider.NewError(provider.KindUnknownCommand, nil, "unknown command %s", command)
	}
}

func (d *Dispatcher) instanceID() (string, error) {
	if d.cfg.Invocation.InstanceID == "" {
		return "", provider.NewError(provider.KindInput, nil, "%s is not set", config.EnvInstanceID)
	}
	if err := provider.ValidateName(d.cfg.Invocation.InstanceID); err != nil {
		return "", err
	}
	return d.cfg.Invocation.InstanceID, nil
}

// print writes v as 2-space indented JSON followed by a newline.
func (d *Dispatcher) print(v any) error {
	enc := json.NewEncoder(d.cfg.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return provider.NewError(provider.KindInternal, err, "writing result")
	}
	return nil
}

func (d *Dispatcher) audit(fn func(Auditor) error) {
	if d.cfg.Auditor == nil {
		return
	}
	if err := fn(d.cfg.Auditor); err != nil {
		d.logger.Warn("failed to write audit log", slog.String("error", err.Error()))
	}
}

func known(command string) bool {
	switch command {
	case CreateInstance, DeleteInstance, GetInstance, ListInstances, RemoveAllInstances,
		Start, StartInstance, Stop, StopInstance, GetVersion:
		return true
	}
	return false
}
