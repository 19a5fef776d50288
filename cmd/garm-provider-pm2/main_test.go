package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/garm-provider-pm2/internal/buildinfo"
	"github.com/terrpan/garm-provider-pm2/internal/provider"
)

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type RunSuite struct {
	suite.Suite
	ctx     context.Context
	dir     string
	logsDir string
	stdout  *bytes.Buffer
}

func (s *RunSuite) SetupTest() {
	s.ctx = context.Background()
	s.dir = s.T().TempDir()
	s.logsDir = filepath.Join(s.dir, "logs")
	s.stdout = &bytes.Buffer{}

	cfgPath = ""

	for _, key := range []string{"GARM_POOL_ID", "GARM_INSTANCE_ID", "GARM_CONTROLLER_ID"} {
		s.T().Setenv(key, "")
	}
	s.T().Setenv("GARM_PROVIDER_CONFIG_FILE", s.writeConfig(s.logsDir))
}

func TestRunSuite(t *testing.T) {
	suite.Run(t, new(RunSuite))
}

func (s *RunSuite) writeConfig(logsDir string) string {
	path := filepath.Join(s.dir, "provider.yaml")
	body := "work_dir: " + filepath.Join(s.dir, "work") + "\n" +
		"logs_dir: " + logsDir + "\n" +
		"logging:\n  level: error\n"
	require.NoError(s.T(), os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (s *RunSuite) run(command string) error {
	s.T().Setenv("GARM_COMMAND", command)
	return run(s.ctx, strings.NewReader(""), s.stdout)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func (s *RunSuite) TestGetVersion_PrintsVersion() {
	require.NoError(s.T(), s.run("GetVersion"))
	assert.Equal(s.T(), buildinfo.Version+"\n", s.stdout.String())

	entries, err := os.ReadDir(s.logsDir)
	require.NoError(s.T(), err)
	assert.Len(s.T(), entries, 1)
}

func (s *RunSuite) TestUnwritableLogsDirDoesNotFailCommand() {
	blocker := filepath.Join(s.dir, "blocker")
	require.NoError(s.T(), os.WriteFile(blocker, nil, 0o644))
	s.T().Setenv("GARM_PROVIDER_CONFIG_FILE", s.writeConfig(filepath.Join(blocker, "logs")))

	require.NoError(s.T(), s.run("GetVersion"))
	assert.Equal(s.T(), buildinfo.Version+"\n", s.stdout.String())
}

func (s *RunSuite) TestCommandErrorIsReportedOnce() {
	err := s.run("Reboot")
	require.Error(s.T(), err)

	var logged loggedError
	assert.True(s.T(), errors.As(err, &logged))
	assert.ErrorIs(s.T(), err, provider.ErrUnknownCommand)
	assert.Empty(s.T(), s.stdout.String())
}

func (s *RunSuite) TestConfigErrorIsLeftToMain() {
	bad := filepath.Join(s.dir, "bad.yaml")
	require.NoError(s.T(), os.WriteFile(bad, []byte("work_dir: [unterminated"), 0o644))
	s.T().Setenv("GARM_PROVIDER_CONFIG_FILE", bad)

	err := s.run("GetVersion")
	require.Error(s.T(), err)

	var logged loggedError
	assert.False(s.T(), errors.As(err, &logged))
}
