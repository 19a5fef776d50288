package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/garm-provider-pm2/internal/buildinfo"
	"github.com/terrpan/garm-provider-pm2/internal/config"
	"github.com/terrpan/garm-provider-pm2/internal/metadata"
	"github.com/terrpan/garm-provider-pm2/internal/provider"
	"github.com/terrpan/garm-provider-pm2/internal/registry"
	"github.com/terrpan/garm-provider-pm2/internal/supervisor"
	"github.com/terrpan/garm-provider-pm2/internal/supervisor/supervisortest"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockProvisioner struct {
	input []byte
	inst  provider.Instance
	err   error
}

func (m *mockProvisioner) CreateInstance(_ context.Context, input []byte) (provider.Instance, error) {
	m.input = input
	return m.inst, m.err
}

type mockAuditor struct {
	mu       sync.Mutex
	command  string
	env      map[string]string
	messages []string
	output   any
	err      error
}

func (a *mockAuditor) SetCommand(c string) error { a.command = c; return nil }
func (a *mockAuditor) SetEnv(e map[string]string) error {
	a.env = e
	return nil
}
func (a *mockAuditor) AddMessage(format string, args ...any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, fmt.Sprintf(format, args...))
	return nil
}
func (a *mockAuditor) SetOutput(v any) error { a.output = v; return nil }
func (a *mockAuditor) SetError(err error) error { a.err = err; return nil }

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type DispatchSuite struct {
	suite.Suite
	ctx     context.Context
	sup     *supervisortest.Fake
	reg     *registry.Registry
	prov    *mockProvisioner
	auditor *mockAuditor
	stdout  *bytes.Buffer
}

func (s *DispatchSuite) SetupTest() {
	s.ctx = context.Background()
	s.sup = supervisortest.New(
		runner("r1", "pool-A", supervisor.StatusOnline),
		runner("r2", "pool-A", supervisor.StatusStopped),
	)
	s.reg = registry.New(registry.Config{
		Supervisor: s.sup,
		Codec:      metadata.Codec{Prefix: "GPM2_"},
		Defaults:   metadata.InstanceDefaults{OSName: "ubuntu", OSVersion: "22.04"},
		Layout:     registry.Layout{WorkDir: s.T().TempDir()},
	})
	s.prov = &mockProvisioner{}
	s.auditor = &mockAuditor{}
	s.stdout = &bytes.Buffer{}
}

func TestDispatchSuite(t *testing.T) {
	suite.Run(t, new(DispatchSuite))
}

func runner(name, pool, status string) supervisor.Process {
	return supervisor.Process{
		Name:   name,
		Status: status,
		Env: metadata.FromMap(map[string]string{
			"GPM2_NAME":         name,
			"GPM2_POOL_ID":      pool,
			"GPM2_OS":           "linux",
			"GPM2_ARCHITECTURE": "x64",
		}),
	}
}

func (s *DispatchSuite) run(stdin string, environ ...string) error {
	d := New(Config{
		Invocation:  config.LoadInvocation(environ),
		Supervisor:  s.sup,
		Registry:    s.reg,
		Provisioner: s.prov,
		Auditor:     s.auditor,
		Stdin:       strings.NewReader(stdin),
		Stdout:      s.stdout,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return d.Run(s.ctx)
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

func (s *DispatchSuite) TestListInstances_PrintsIndentedJSON() {
	require.NoError(s.T(), s.run("", "GARM_COMMAND=ListInstances", "GARM_POOL_ID=pool-A"))

	out := s.stdout.String()
	assert.True(s.T(), strings.HasPrefix(out, "[\n  {\n    \"provider_id\": \"r1\""), out)
	assert.True(s.T(), strings.HasSuffix(out, "]\n"))
	assert.Contains(s.T(), out, `"status": "stopped"`)
	assert.Equal(s.T(), "ListInstances", s.auditor.command)
	assert.Equal(s.T(), "pool-A", s.auditor.env["GARM_POOL_ID"])
}

func (s *DispatchSuite) TestListInstances_EmptyPoolPrintsEmptyArray() {
	require.NoError(s.T(), s.run("", "GARM_COMMAND=ListInstances", "GARM_POOL_ID=pool-Z"))
	assert.Equal(s.T(), "[]\n", s.stdout.String())
}

func (s *DispatchSuite) TestGetInstance() {
	require.NoError(s.T(), s.run("", "GARM_COMMAND=GetInstance", "GARM_POOL_ID=pool-A", "GARM_INSTANCE_ID=r2"))

	assert.Contains(s.T(), s.stdout.String(), `"name": "r2"`)
	assert.IsType(s.T(), provider.Instance{}, s.auditor.output)
}

func (s *DispatchSuite) TestGetInstance_NotFound() {
	err := s.run("", "GARM_COMMAND=GetInstance", "GARM_POOL_ID=pool-A", "GARM_INSTANCE_ID=ghost")
	assert.ErrorIs(s.T(), err, provider.ErrNotFound)
	assert.Empty(s.T(), s.stdout.String())
	assert.ErrorIs(s.T(), s.auditor.err, provider.ErrNotFound)
}

func (s *DispatchSuite) TestGetInstance_RequiresInstanceID() {
	err := s.run("", "GARM_COMMAND=GetInstance", "GARM_POOL_ID=pool-A")
	assert.ErrorIs(s.T(), err, provider.ErrInput)
}

func (s *DispatchSuite) TestCreateInstance_PassesStdin() {
	s.prov.inst = provider.Instance{Name: "r9", ProviderID: "r9", Status: provider.StatusCreating}

	require.NoError(s.T(), s.run(`{"name":"r9"}`, "GARM_COMMAND=CreateInstance"))

	assert.Equal(s.T(), `{"name":"r9"}`, string(s.prov.input))
	assert.Contains(s.T(), s.stdout.String(), `"status": "creating"`)
}

func (s *DispatchSuite) TestStartStopAliases() {
	for _, cmd := range []string{Stop, StopInstance} {
		s.stdout.Reset()
		require.NoError(s.T(), s.run("", "GARM_COMMAND="+cmd, "GARM_INSTANCE_ID=r1"))
		p, _ := s.sup.Process("r1")
		assert.Equal(s.T(), supervisor.StatusStopped, p.Status, cmd)
		assert.Empty(s.T(), s.stdout.String())
	}
	for _, cmd := range []string{Start, StartInstance} {
		require.NoError(s.T(), s.run("", "GARM_COMMAND="+cmd, "GARM_INSTANCE_ID=r1"))
		p, _ := s.sup.Process("r1")
		assert.Equal(s.T(), supervisor.StatusOnline, p.Status, cmd)
	}
}

func (s *DispatchSuite) TestDeleteInstance() {
	require.NoError(s.T(), s.run("", "GARM_COMMAND=DeleteInstance", "GARM_INSTANCE_ID=r1"))

	_, ok := s.sup.Process("r1")
	assert.False(s.T(), ok)
	assert.Empty(s.T(), s.stdout.String())
}

func (s *DispatchSuite) TestDeleteInstance_UnknownProcessFails() {
	err := s.run("", "GARM_COMMAND=DeleteInstance", "GARM_INSTANCE_ID=ghost")

	assert.ErrorIs(s.T(), err, provider.ErrSupervisor)
	assert.ErrorIs(s.T(), s.auditor.err, provider.ErrSupervisor)
	assert.Equal(s.T(), []string{"connect", "stop ghost", "close"}, s.sup.Calls())
	assert.Empty(s.T(), s.stdout.String())
}

func (s *DispatchSuite) TestInstanceIDMustBeSinglePathElement() {
	for _, id := range []string{"..", "../../etc", "job/r1"} {
		err := s.run("", "GARM_COMMAND=DeleteInstance", "GARM_INSTANCE_ID="+id)
		assert.ErrorIs(s.T(), err, provider.ErrInput, id)
	}
	assert.NotContains(s.T(), s.sup.Calls(), "stop ..")
}

func (s *DispatchSuite) TestRemoveAllInstances() {
	require.NoError(s.T(), s.run("", "GARM_COMMAND=RemoveAllInstances", "GARM_POOL_ID=pool-A"))

	_, ok := s.sup.Process("r1")
	assert.False(s.T(), ok)
	_, ok = s.sup.Process("r2")
	assert.False(s.T(), ok)
	assert.ElementsMatch(s.T(), []string{"deleted r1", "deleted r2"}, s.auditor.messages)
}

func (s *DispatchSuite) TestRemoveAllInstances_PartialFailureFails() {
	s.sup.Errs["delete r2"] = errors.New("boom")

	err := s.run("", "GARM_COMMAND=RemoveAllInstances", "GARM_POOL_ID=pool-A")
	assert.ErrorIs(s.T(), err, provider.ErrSupervisor)
	assert.Contains(s.T(), s.auditor.messages, "deleted r1")
}

func (s *DispatchSuite) TestGetVersion() {
	require.NoError(s.T(), s.run("", "GARM_COMMAND=GetVersion"))

	assert.Equal(s.T(), buildinfo.Version+"\n", s.stdout.String())
	assert.NotContains(s.T(), s.sup.Calls(), "connect")
	assert.True(s.T(), s.sup.Closed)
}

// ---------------------------------------------------------------------------
// Errors and cleanup
// ---------------------------------------------------------------------------

func (s *DispatchSuite) TestUnknownCommand() {
	err := s.run("", "GARM_COMMAND=Reboot")
	require.ErrorIs(s.T(), err, provider.ErrUnknownCommand)
	assert.Contains(s.T(), err.Error(), "Reboot")
	assert.True(s.T(), s.sup.Closed)
}

func (s *DispatchSuite) TestMissingCommand() {
	err := s.run("")
	require.ErrorIs(s.T(), err, provider.ErrUnknownCommand)
	assert.Contains(s.T(), err.Error(), "*missing*")
}

func (s *DispatchSuite) TestConnectFailureIsSupervisorError() {
	s.sup.ConnectErr = errors.New("pm2 daemon unreachable")

	err := s.run("", "GARM_COMMAND=ListInstances", "GARM_POOL_ID=pool-A")
	assert.ErrorIs(s.T(), err, provider.ErrSupervisor)
	assert.True(s.T(), s.sup.Closed)
	assert.Empty(s.T(), s.stdout.String())
}

func (s *DispatchSuite) TestSupervisorClosedOnSuccessAndFailure() {
	require.NoError(s.T(), s.run("", "GARM_COMMAND=ListInstances", "GARM_POOL_ID=pool-A"))
	calls := s.sup.Calls()
	assert.Equal(s.T(), "connect", calls[0])
	assert.Equal(s.T(), "close", calls[len(calls)-1])

	s.sup = supervisortest.New()
	s.reg = registry.New(registry.Config{Supervisor: s.sup})
	s.prov.err = provider.NewError(provider.KindInput, nil, "bad")
	require.Error(s.T(), s.run("{}", "GARM_COMMAND=CreateInstance"))
	assert.True(s.T(), s.sup.Closed)
}

func (s *DispatchSuite) TestCloseErrorDoesNotFailCommand() {
	s.sup.CloseErr = errors.New("already closed")
	assert.NoError(s.T(), s.run("", "GARM_COMMAND=ListInstances", "GARM_POOL_ID=pool-A"))
}
