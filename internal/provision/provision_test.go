package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/garm-provider-pm2/internal/garm"
	"github.com/terrpan/garm-provider-pm2/internal/metadata"
	"github.com/terrpan/garm-provider-pm2/internal/profile"
	"github.com/terrpan/garm-provider-pm2/internal/provider"
	"github.com/terrpan/garm-provider-pm2/internal/registry"
	"github.com/terrpan/garm-provider-pm2/internal/supervisor"
	"github.com/terrpan/garm-provider-pm2/internal/supervisor/supervisortest"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockRunner struct {
	mu   sync.Mutex
	cmds []Command
	err  error
}

func (m *mockRunner) Run(_ context.Context, c Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append(m.cmds, c)
	return m.err
}

type statusCall struct {
	url, token string
	update     garm.StatusUpdate
}

type mockMetadata struct {
	mu sync.Mutex

	token     string
	tokenErr  error
	statusErr error

	tokenURL   string
	tokenAuth  string
	statusSent []statusCall
}

func (m *mockMetadata) RegistrationToken(_ context.Context, url, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenURL, m.tokenAuth = url, token
	return m.token, m.tokenErr
}

func (m *mockMetadata) ReportStatus(_ context.Context, url, token string, u garm.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusSent = append(m.statusSent, statusCall{url: url, token: token, update: u})
	return m.statusErr
}

type mockAuditor struct {
	input    []byte
	messages []string
	output   any
}

func (a *mockAuditor) SetInput(raw []byte) error { a.input = raw; return nil }
func (a *mockAuditor) AddMessage(format string, args ...any) error {
	a.messages = append(a.messages, fmt.Sprintf(format, args...))
	return nil
}
func (a *mockAuditor) SetOutput(v any) error { a.output = v; return nil }

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ProvisionSuite struct {
	suite.Suite
	ctx     context.Context
	work    string
	sup     *supervisortest.Fake
	runner  *mockRunner
	meta    *mockMetadata
	auditor *mockAuditor
	wf      *Workflow
}

func (s *ProvisionSuite) SetupTest() {
	s.ctx = context.Background()
	s.work = s.T().TempDir()
	s.sup = supervisortest.New()
	s.runner = &mockRunner{}
	s.meta = &mockMetadata{token: "REG-TOKEN"}
	s.auditor = &mockAuditor{}
	s.wf = New(Config{
		Supervisor: s.sup,
		Metadata:   s.meta,
		Runner:     s.runner,
		Auditor:    s.auditor,
		Codec:      metadata.Codec{Prefix: "GPM2_"},
		Defaults:   metadata.InstanceDefaults{OSName: "ubuntu", OSVersion: "22.04"},
		Layout:     registry.Layout{WorkDir: s.work},
		Scripts: Scripts{
			Download:    "/srv/bin/download.sh",
			Bootstrap:   "/srv/bin/bootstrap.sh",
			Interpreter: "/usr/bin/bash",
		},
		Profile: profile.Profile{OS: "linux", Architecture: "x64"},
		Environ: func() []string { return []string{"PATH=/usr/bin", "HOME=/home/garm"} },
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestProvisionSuite(t *testing.T) {
	suite.Run(t, new(ProvisionSuite))
}

const bootstrapJSON = `{
  "name": "garm-r1",
  "pool_id": "pool-A",
  "instance-token": "jwt-1",
  "metadata-url": "http://garm:9997/api/v1/metadata",
  "callback-url": "http://garm:9997/api/v1/callbacks/status",
  "os_type": "linux",
  "labels": ["self-hosted", "linux"],
  "tools": [
    {"os": "win", "architecture": "x64", "download_url": "https://example.com/win.zip", "filename": "win.zip"},
    {"os": "linux", "architecture": "x64", "download_url": "https://example.com/linux.tgz", "filename": "linux.tgz", "sha256_checksum": "abc"}
  ]
}`

func (s *ProvisionSuite) TestCreateInstance_HappyPath() {
	inst, err := s.wf.CreateInstance(s.ctx, []byte(bootstrapJSON))
	require.NoError(s.T(), err)

	// Directories.
	runnerHome := filepath.Join(s.work, "job", "garm-r1")
	assert.DirExists(s.T(), filepath.Join(s.work, "stash"))
	assert.DirExists(s.T(), runnerHome)

	// Download ran with the base env.
	require.Len(s.T(), s.runner.cmds, 1)
	dl := s.runner.cmds[0]
	assert.Equal(s.T(), "/usr/bin/bash", dl.Name)
	assert.Equal(s.T(), []string{"/srv/bin/download.sh"}, dl.Args)
	assert.Equal(s.T(), runnerHome, dl.Dir)
	dlEnv := metadata.FromEnviron(dl.Env)
	assert.Equal(s.T(), "/usr/bin", dlEnv.Value("PATH"))
	assert.Equal(s.T(), "https://example.com/linux.tgz", dlEnv.Value("GPM2_DOWNLOAD_URL"))
	assert.Equal(s.T(), "abc", dlEnv.Value("GPM2_SHA_256_CHECKSUM"))
	assert.Equal(s.T(), "self-hosted,linux", dlEnv.Value("GPM2_LABELS"))
	assert.Equal(s.T(), filepath.Join(s.work, "stash"), dlEnv.Value("GPM2_STASH_DIR"))
	assert.Equal(s.T(), runnerHome, dlEnv.Value("GPM2_RUNNER_HOME"))
	_, hasToken := dlEnv.Get("GPM2_GITHUB_TOKEN")
	assert.False(s.T(), hasToken, "download must not see the registration token")

	// Token fetched with the instance credentials.
	assert.Equal(s.T(), "http://garm:9997/api/v1/metadata", s.meta.tokenURL)
	assert.Equal(s.T(), "jwt-1", s.meta.tokenAuth)

	// Launched under the supervisor.
	p, ok := s.sup.Process("garm-r1")
	require.True(s.T(), ok)
	assert.Equal(s.T(), "REG-TOKEN", p.Env.Value("GPM2_GITHUB_TOKEN"))
	assert.Equal(s.T(), "pool-A", p.Env.Value("GPM2_POOL_ID"))

	// Callback.
	require.Len(s.T(), s.meta.statusSent, 1)
	assert.Equal(s.T(), "http://garm:9997/api/v1/callbacks/status", s.meta.statusSent[0].url)
	assert.Equal(s.T(), "jwt-1", s.meta.statusSent[0].token)
	assert.Equal(s.T(), CallbackStatus, s.meta.statusSent[0].update.Status)

	// Result.
	assert.Equal(s.T(), provider.Instance{
		ProviderID: "garm-r1",
		Name:       "garm-r1",
		OSType:     "linux",
		OSName:     "ubuntu",
		OSVersion:  "22.04",
		OSArch:     "x64",
		Status:     provider.StatusCreating,
		PoolID:     "pool-A",
	}, inst)
	assert.Equal(s.T(), inst, s.auditor.output)
	assert.JSONEq(s.T(), bootstrapJSON, string(s.auditor.input))
}

func (s *ProvisionSuite) TestCreateInstance_InitialStatusIsCreating() {
	inst, err := s.wf.CreateInstance(s.ctx, []byte(bootstrapJSON))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), provider.StatusCreating, inst.Status)

	p, _ := s.sup.Process("garm-r1")
	assert.Equal(s.T(), supervisor.StatusLaunching, p.Env.Value("GPM2_STATUS"))
}

func (s *ProvisionSuite) TestCreateInstance_NoMatchingToolHasNoExternalEffects() {
	s.wf.cfg.Profile = profile.Profile{OS: "osx", Architecture: "arm64"}

	_, err := s.wf.CreateInstance(s.ctx, []byte(bootstrapJSON))
	require.ErrorIs(s.T(), err, provider.ErrNoMatchingTool)
	assert.Contains(s.T(), err.Error(), "osx/arm64")

	assert.Empty(s.T(), s.runner.cmds)
	assert.Empty(s.T(), s.meta.tokenURL)
	assert.Empty(s.T(), s.sup.Calls())
}

func (s *ProvisionSuite) TestCreateInstance_AmbiguousToolUsesFirst() {
	input := `{"name":"r2","metadata-url":"http://m","tools":[
		{"os":"linux","architecture":"x64","filename":"first.tgz"},
		{"os":"linux","architecture":"x64","filename":"second.tgz"}]}`

	_, err := s.wf.CreateInstance(s.ctx, []byte(input))
	require.NoError(s.T(), err)

	p, ok := s.sup.Process("r2")
	require.True(s.T(), ok)
	assert.Equal(s.T(), "first.tgz", p.Env.Value("GPM2_FILENAME"))
	assert.Contains(s.T(), s.auditor.messages, "2 tools match linux/x64, using the first")
}

func (s *ProvisionSuite) TestCreateInstance_InvalidInput() {
	_, err := s.wf.CreateInstance(s.ctx, []byte("{nope"))
	assert.ErrorIs(s.T(), err, provider.ErrInput)
	assert.Equal(s.T(), []byte("{nope"), s.auditor.input)

	_, err = s.wf.CreateInstance(s.ctx, []byte(`{"tools": []}`))
	assert.ErrorIs(s.T(), err, provider.ErrInput)
}

func (s *ProvisionSuite) TestCreateInstance_RejectsTraversalName() {
	_, err := s.wf.CreateInstance(s.ctx, []byte(`{"name": "../escape"}`))
	assert.ErrorIs(s.T(), err, provider.ErrInput)

	assert.NoDirExists(s.T(), filepath.Join(s.work, "escape"))
	assert.NoDirExists(s.T(), filepath.Join(s.work, "stash"))
	assert.Empty(s.T(), s.runner.cmds)
	assert.Empty(s.T(), s.sup.Calls())
}

func (s *ProvisionSuite) TestCreateInstance_DownloadFailureStops() {
	s.runner.err = provider.NewError(provider.KindExternalCommand, errors.New("exit status 3"), "download")

	_, err := s.wf.CreateInstance(s.ctx, []byte(bootstrapJSON))
	require.ErrorIs(s.T(), err, provider.ErrExternalCommand)
	assert.Empty(s.T(), s.meta.tokenURL)
	assert.Empty(s.T(), s.sup.Calls())
}

func (s *ProvisionSuite) TestCreateInstance_TokenFailureStops() {
	s.meta.tokenErr = provider.NewError(provider.KindNetwork, nil, "401")

	_, err := s.wf.CreateInstance(s.ctx, []byte(bootstrapJSON))
	require.ErrorIs(s.T(), err, provider.ErrNetwork)
	assert.Empty(s.T(), s.sup.Calls())
}

func (s *ProvisionSuite) TestCreateInstance_LaunchFailureIsSupervisorError() {
	s.sup.Errs["launch garm-r1"] = errors.New("name already in use")

	_, err := s.wf.CreateInstance(s.ctx, []byte(bootstrapJSON))
	require.ErrorIs(s.T(), err, provider.ErrSupervisor)
	assert.Empty(s.T(), s.meta.statusSent)
}

func (s *ProvisionSuite) TestCreateInstance_CallbackFailureIsNotFatal() {
	s.meta.statusErr = errors.New("connection refused")

	inst, err := s.wf.CreateInstance(s.ctx, []byte(bootstrapJSON))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "garm-r1", inst.Name)
	assert.Contains(s.T(), s.auditor.messages, "status callback failed: connection refused")
}

func (s *ProvisionSuite) TestCreateInstance_NoCallbackURL() {
	input := `{"name":"r3","metadata-url":"http://m","tools":[{"os":"linux","architecture":"x64"}]}`

	_, err := s.wf.CreateInstance(s.ctx, []byte(input))
	require.NoError(s.T(), err)
	assert.Empty(s.T(), s.meta.statusSent)
}

func TestExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	out := filepath.Join(t.TempDir(), "out.txt")
	f, err := os.Create(out)
	require.NoError(t, err)
	defer f.Close()

	r := ExecRunner{Output: f}
	require.NoError(t, r.Run(context.Background(), Command{
		Name: "/bin/sh",
		Args: []string{"-c", "echo to-stdout; echo to-stderr >&2; echo $GREETING"},
		Env:  []string{"GREETING=hello"},
	}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to-stdout")
	assert.Contains(t, string(data), "to-stderr")
	assert.Contains(t, string(data), "hello")

	err = r.Run(context.Background(), Command{Name: "/bin/sh", Args: []string{"-c", "exit 3"}})
	require.ErrorIs(t, err, provider.ErrExternalCommand)
	assert.Contains(t, err.Error(), "code 3")

	err = r.Run(context.Background(), Command{Name: "/nonexistent/binary"})
	assert.ErrorIs(t, err, provider.ErrExternalCommand)
}
