// Package registry answers lifecycle commands about instances by
// querying and driving the process supervisor.  It keeps no state of its
// own: an instance is a supervisor process whose environment snapshot
// carries the instance metadata.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/garm-provider-pm2/internal/metadata"
	"github.com/terrpan/garm-provider-pm2/internal/provider"
	"github.com/terrpan/garm-provider-pm2/internal/supervisor"
)

// Layout names the directories under the provider's work directory.
type Layout struct {
	WorkDir string
}

// StashDir holds downloaded runner archives shared by all instances.
func (l Layout) StashDir() string { return filepath.Join(l.WorkDir, "stash") }

// JobDir is the runner home of one instance.
func (l Layout) JobDir(name string) string { return filepath.Join(l.WorkDir, "job", name) }

// Config holds the Registry's dependencies.
type Config struct {
	Supervisor supervisor.Supervisor
	Codec      metadata.Codec
	Defaults   metadata.InstanceDefaults
	Layout     Layout

	// Concurrency caps the number of parallel deletions in RemoveAll.
	// Zero means unbounded.
	Concurrency int

	Logger *slog.Logger
}

// Registry implements the instance-level lifecycle operations.
type Registry struct {
	sup         supervisor.Supervisor
	codec       metadata.Codec
	defaults    metadata.InstanceDefaults
	layout      Layout
	concurrency int
	logger      *slog.Logger

	tracer           trace.Tracer
	instancesDeleted metric.Int64Counter
}

// New creates a Registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	r := &Registry{
		sup:         cfg.Supervisor,
		codec:       cfg.Codec,
		defaults:    cfg.Defaults,
		layout:      cfg.Layout,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("garm-provider-pm2/registry"),
	}

	var err error
	r.instancesDeleted, err = otel.Meter("garm-provider-pm2/registry").Int64Counter(
		"garm_provider.instances.deleted",
		metric.WithDescription("Total number of instance deletions, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesDeleted counter", slog.String("error", err.Error()))
	}

	return r
}

// List returns the instances of poolID.  Each process's environment
// snapshot is decoded with its STATUS key overwritten by the live
// supervisor status.
func (r *Registry) List(ctx context.Context, poolID string) ([]provider.Instance, error) {
	ctx, span := r.tracer.Start(ctx, "registry.List",
		trace.WithAttributes(attribute.String("garm.pool_id", poolID)))
	defer span.End()

	procs, err := r.sup.List(ctx)
	if err != nil {
		return nil, r.fail(span, provider.NewError(provider.KindSupervisor, err, "listing processes"))
	}

	instances := make([]provider.Instance, 0, len(procs))
	for _, p := range procs {
		inst := r.decode(p)
		if inst.PoolID != poolID {
			continue
		}
		instances = append(instances, inst)
	}

	span.SetAttributes(attribute.Int("garm.instance_count", len(instances)))
	return instances, nil
}

// Get returns the named instance of poolID.
func (r *Registry) Get(ctx context.Context, poolID, name string) (provider.Instance, error) {
	instances, err := r.List(ctx, poolID)
	if err != nil {
		return provider.Instance{}, err
	}
	for _, inst := range instances {
		if inst.Name == name {
			return inst, nil
		}
	}
	return provider.Instance{}, provider.NewError(provider.KindNotFound, nil,
		"instance %q not found in pool %q", name, poolID)
}

// Start restarts the named process.
func (r *Registry) Start(ctx context.Context, name string) error {
	ctx, span := r.tracer.Start(ctx, "registry.Start",
		trace.WithAttributes(attribute.String("garm.instance", name)))
	defer span.End()

	if err := r.sup.Restart(ctx, name); err != nil {
		return r.fail(span, provider.NewError(provider.KindSupervisor, err, "starting %s", name))
	}
	r.logger.Info("instance started", slog.String("name", name))
	return nil
}

// Stop stops the named process without deregistering it.
func (r *Registry) Stop(ctx context.Context, name string) error {
	ctx, span := r.tracer.Start(ctx, "registry.Stop",
		trace.WithAttributes(attribute.String("garm.instance", name)))
	defer span.End()

	if err := r.sup.Stop(ctx, name); err != nil {
		return r.fail(span, provider.NewError(provider.KindSupervisor, err, "stopping %s", name))
	}
	r.logger.Info("instance stopped", slog.String("name", name))
	return nil
}

// Delete stops the process, deregisters it and removes its runner home.
// Each step runs only if the previous one succeeded.
func (r *Registry) Delete(ctx context.Context, name string) error {
	ctx, span := r.tracer.Start(ctx, "registry.Delete",
		trace.WithAttributes(attribute.String("garm.instance", name)))
	defer span.End()

	err := r.delete(ctx, name)
	r.countDeletion(ctx, err)
	if err != nil {
		return r.fail(span, err)
	}
	r.logger.Info("instance deleted", slog.String("name", name))
	return nil
}

func (r *Registry) delete(ctx context.Context, name string) error {
	if err := provider.ValidateName(name); err != nil {
		return err
	}
	if err := r.sup.Stop(ctx, name); err != nil {
		return provider.NewError(provider.KindSupervisor, err, "stopping %s", name)
	}
	if err := r.sup.Delete(ctx, name); err != nil {
		return provider.NewError(provider.KindSupervisor, err, "deleting %s", name)
	}
	dir := r.layout.JobDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return provider.NewError(provider.KindInternal, err, "removing runner home %s", dir)
	}
	return nil
}

// RemoveOutcome is the result of deleting one instance in RemoveAll.
type RemoveOutcome struct {
	Name string
	Err  error
}

// RemoveAllResult lists the outcome of every deletion, in the order the
// instances were listed.
type RemoveAllResult struct {
	Outcomes []RemoveOutcome
}

// Failed returns the outcomes that carry an error.
func (r RemoveAllResult) Failed() []RemoveOutcome {
	var out []RemoveOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// RemoveAll deletes every instance of poolID concurrently and waits for
// all deletions.  The returned error joins every individual failure; it
// is nil when all deletions succeed or the pool is empty.
func (r *Registry) RemoveAll(ctx context.Context, poolID string) (RemoveAllResult, error) {
	ctx, span := r.tracer.Start(ctx, "registry.RemoveAll",
		trace.WithAttributes(attribute.String("garm.pool_id", poolID)))
	defer span.End()

	instances, err := r.List(ctx, poolID)
	if err != nil {
		return RemoveAllResult{}, r.fail(span, err)
	}

	p := pool.NewWithResults[RemoveOutcome]()
	if r.concurrency > 0 {
		p = p.WithMaxGoroutines(r.concurrency)
	}
	for _, inst := range instances {
		name := inst.Name
		p.Go(func() RemoveOutcome {
			return RemoveOutcome{Name: name, Err: r.Delete(ctx, name)}
		})
	}
	result := RemoveAllResult{Outcomes: p.Wait()}

	var errs []error
	for _, o := range result.Failed() {
		r.logger.Error("failed to delete instance",
			slog.String("name", o.Name),
			slog.String("error", o.Err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", o.Name, o.Err))
	}

	span.SetAttributes(
		attribute.Int("garm.instance_count", len(instances)),
		attribute.Int("garm.failed_count", len(errs)),
	)
	if len(errs) > 0 {
		return result, r.fail(span, errors.Join(errs...))
	}
	return result, nil
}

func (r *Registry) decode(p supervisor.Process) provider.Instance {
	env := p.Env.Clone()
	env.Set(r.codec.Key(metadata.FieldStatus), p.Status)
	return r.codec.DecodeInstance(env, r.defaults)
}

func (r *Registry) countDeletion(ctx context.Context, err error) {
	if r.instancesDeleted == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.instancesDeleted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *Registry) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
