// Package provision implements CreateInstance: it prepares the runner's
// directories, downloads the runner agent, obtains a registration token
// from GARM and launches the bootstrap script under the supervisor.
//
// A failure at any step leaves earlier side effects in place (created
// directories, downloaded files, a launched process).  GARM follows a
// failed CreateInstance with DeleteInstance, which cleans them up.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/garm-provider-pm2/internal/garm"
	"github.com/terrpan/garm-provider-pm2/internal/metadata"
	"github.com/terrpan/garm-provider-pm2/internal/profile"
	"github.com/terrpan/garm-provider-pm2/internal/provider"
	"github.com/terrpan/garm-provider-pm2/internal/registry"
	"github.com/terrpan/garm-provider-pm2/internal/supervisor"
)

// Semantic keys added to the launch environment.
const (
	keyStashDir    = "stashDir"
	keyRunnerHome  = "runnerHome"
	keyStatus      = "status"
	keyGitHubToken = "githubToken"
	keyMetadataURL = "metadata-url"
	keyInstanceTok = "instance-token"
)

// CallbackStatus is reported to GARM once the runner process is up.
const CallbackStatus = "idle"

// MetadataClient is the part of the GARM metadata service the workflow
// needs.
type MetadataClient interface {
	RegistrationToken(ctx context.Context, metadataURL, instanceToken string) (string, error)
	ReportStatus(ctx context.Context, callbackURL, instanceToken string, update garm.StatusUpdate) error
}

// Auditor receives the workflow's audit records.
type Auditor interface {
	SetInput(raw []byte) error
	AddMessage(format string, args ...any) error
	SetOutput(v any) error
}

// Scripts are the external programs the workflow runs.
type Scripts struct {
	Download    string
	Bootstrap   string
	Interpreter string
}

// Config holds the Workflow's dependencies.
type Config struct {
	Supervisor supervisor.Supervisor
	Metadata   MetadataClient
	Runner     CommandRunner
	Auditor    Auditor

	Codec    metadata.Codec
	Defaults metadata.InstanceDefaults
	Layout   registry.Layout
	Scripts  Scripts

	// Profile is the platform runner tools are selected for.  Zero
	// means profile.Current().
	Profile profile.Profile

	// Environ returns the process environment.  Default: os.Environ.
	Environ func() []string

	Logger *slog.Logger
}

// Workflow provisions runner instances.
type Workflow struct {
	cfg    Config
	logger *slog.Logger

	tracer           trace.Tracer
	instancesCreated metric.Int64Counter
	createDuration   metric.Float64Histogram
}

// New creates a Workflow.
func New(cfg Config) *Workflow {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Environ == nil {
		cfg.Environ = os.Environ
	}
	if cfg.Profile == (profile.Profile{}) {
		cfg.Profile = profile.Current()
	}

	w := &Workflow{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("garm-provider-pm2/provision"),
	}

	meter := otel.Meter("garm-provider-pm2/provision")
	var err error
	w.instancesCreated, err = meter.Int64Counter(
		"garm_provider.instances.created",
		metric.WithDescription("Total number of CreateInstance runs, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesCreated counter", slog.String("error", err.Error()))
	}

	w.createDuration, err = meter.Float64Histogram(
		"garm_provider.instance.create.duration",
		metric.WithDescription("Time to provision an instance (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create createDuration histogram", slog.String("error", err.Error()))
	}

	return w
}

// CreateInstance runs the provisioning workflow for the bootstrap
// request in input and returns the created instance.
func (w *Workflow) CreateInstance(ctx context.Context, input []byte) (provider.Instance, error) {
	ctx, span := w.tracer.Start(ctx, "provision.CreateInstance")
	defer span.End()

	start := time.Now()
	inst, err := w.create(ctx, span, input)

	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if w.instancesCreated != nil {
		w.instancesCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if w.createDuration != nil && err == nil {
		w.createDuration.Record(ctx, time.Since(start).Seconds())
	}
	return inst, err
}

func (w *Workflow) create(ctx context.Context, span trace.Span, input []byte) (provider.Instance, error) {
	codec := w.cfg.Codec

	// 1. Parse.
	w.audit(func(a Auditor) error { return a.SetInput(input) })
	req, err := provider.ParseBootstrap(input)
	if err != nil {
		return provider.Instance{}, err
	}
	span.SetAttributes(
		attribute.String("garm.instance", req.Name),
		attribute.String("garm.pool_id", req.PoolID),
	)
	logger := w.logger.With(slog.String("name", req.Name))

	// 2. Directories.
	stashDir := w.cfg.Layout.StashDir()
	runnerHome := w.cfg.Layout.JobDir(req.Name)
	for _, dir := range []string{stashDir, runnerHome} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return provider.Instance{}, provider.NewError(provider.KindInternal, err, "creating %s", dir)
		}
	}

	// 3. Tool selection.
	sel, err := profile.SelectTool(req.Tools, w.cfg.Profile)
	if err != nil {
		return provider.Instance{}, err
	}
	if sel.Ambiguous() {
		logger.Warn("several runner tools match this platform, using the first",
			slog.String("profile", w.cfg.Profile.String()),
			slog.Int("matches", sel.Matches),
		)
		w.note("%d tools match %s, using the first", sel.Matches, w.cfg.Profile)
	}
	w.note("selected tool %s (%s)", sel.Tool.Signature(), sel.Tool.Filename)

	// 4. Base environment.
	baseEnv := metadata.FromEnviron(w.cfg.Environ()).Merge(
		codec.Encode(map[string]any{
			keyStashDir:   stashDir,
			keyRunnerHome: runnerHome,
			keyStatus:     supervisor.StatusLaunching,
		}),
		codec.Encode(toolFields(sel.Tool)),
		codec.Encode(req.Fields),
	)

	// 5. Download.
	logger.Info("downloading runner", slog.String("script", w.cfg.Scripts.Download))
	if err := w.cfg.Runner.Run(ctx, Command{
		Name: w.cfg.Scripts.Interpreter,
		Args: []string{w.cfg.Scripts.Download},
		Env:  baseEnv.Environ(),
		Dir:  runnerHome,
	}); err != nil {
		return provider.Instance{}, err
	}
	w.note("download script finished")

	// 6. Registration token.
	instanceToken := baseEnv.Value(codec.Key(keyInstanceTok))
	token, err := w.cfg.Metadata.RegistrationToken(ctx, baseEnv.Value(codec.Key(keyMetadataURL)), instanceToken)
	if err != nil {
		return provider.Instance{}, err
	}
	w.note("registration token obtained")

	// 7. Launch environment.
	launchEnv := baseEnv.Merge(codec.Encode(map[string]any{keyGitHubToken: token}))

	// 8. Launch.
	if err := w.cfg.Supervisor.Launch(ctx, supervisor.LaunchSpec{
		Name:        req.Name,
		Script:      w.cfg.Scripts.Bootstrap,
		Interpreter: w.cfg.Scripts.Interpreter,
		Dir:         runnerHome,
		Env:         launchEnv,
		AutoRestart: false,
	}); err != nil {
		return provider.Instance{}, provider.NewError(provider.KindSupervisor, err, "launching %s", req.Name)
	}
	logger.Info("runner process launched")
	w.note("launched %s under the supervisor", req.Name)

	// 9. Status callback, best-effort.
	if req.CallbackURL != "" {
		update := garm.StatusUpdate{
			Status:  CallbackStatus,
			Message: fmt.Sprintf("runner %s launched", req.Name),
		}
		if err := w.cfg.Metadata.ReportStatus(ctx, req.CallbackURL, instanceToken, update); err != nil {
			logger.Warn("status callback failed", slog.String("error", err.Error()))
			w.note("status callback failed: %v", err)
		} else {
			w.note("reported status %q", CallbackStatus)
		}
	}

	// 10. Result.
	inst := codec.DecodeInstance(launchEnv, w.cfg.Defaults)
	w.audit(func(a Auditor) error { return a.SetOutput(inst) })
	return inst, nil
}

// toolFields returns the tool's original JSON fields, or its typed
// fields when it was not decoded from JSON.
func toolFields(t provider.Tool) map[string]any {
	if t.Fields != nil {
		return t.Fields
	}
	return map[string]any{
		"os":                  t.OS,
		"architecture":        t.Architecture,
		"download_url":        t.DownloadURL,
		"filename":            t.Filename,
		"sha256_checksum":     t.SHA256Checksum,
		"temp_download_token": t.TempDownloadToken,
	}
}

func (w *Workflow) note(format string, args ...any) {
	w.audit(func(a Auditor) error { return a.AddMessage(format, args...) })
}

// audit applies fn to the auditor.  Audit failures are logged; they do
// not fail provisioning.
func (w *Workflow) audit(fn func(Auditor) error) {
	if w.cfg.Auditor == nil {
		return
	}
	if err := fn(w.cfg.Auditor); err != nil {
		w.logger.Warn("failed to write audit log", slog.String("error", err.Error()))
	}
}
