package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFrontendDefaults(t *testing.T) {
	cfg, err := LoadFrontend()
	require.NoError(t, err)

	require.Equal(t, 22, cfg.SSHServerPort)
	require.Equal(t, -1, cfg.SSHLoginSuccessRate)
	require.Equal(t, 10*time.Minute, cfg.SSHSessionTimeout)
	require.Equal(t, 30*time.Second, cfg.SSHSocketTimeout)
	require.Equal(t, "localhost:50051", cfg.BackendAddress)
	require.Equal(t, "localhost", cfg.DBHostname)
	require.Equal(t, "", cfg.DBPassword)
}

func TestLoadFrontendReadsEnvOverrides(t *testing.T) {
	t.Setenv("SSH_SERVER_PORT", "2222")
	t.Setenv("SSH_LOGIN_SUCCESS_RATE", "40")
	t.Setenv("DB_PASSWORD", "hunter2")

	cfg, err := LoadFrontend()
	require.NoError(t, err)

	require.Equal(t, 2222, cfg.SSHServerPort)
	require.Equal(t, 40, cfg.SSHLoginSuccessRate)
	require.Equal(t, "hunter2", cfg.DBPassword)
}

func TestLoadFrontendRejectsLoginSuccessRateAboveHundred(t *testing.T) {
	t.Setenv("SSH_LOGIN_SUCCESS_RATE", "101")

	_, err := LoadFrontend()
	require.Error(t, err)
}

func TestLoadBackendDefaults(t *testing.T) {
	cfg, err := LoadBackend()
	require.NoError(t, err)

	require.Equal(t, "localhost", cfg.TargetSystemAddress)
	require.True(t, cfg.EnableIsolatedTargetContainerNetworks)
	require.False(t, cfg.KeepTargetSystemVolumes)
}

func TestLoadBackendReadsEnvOverrides(t *testing.T) {
	t.Setenv("KEEP_TARGET_SYSTEM_VOLUMES", "true")
	t.Setenv("DOCKER_HOST", "unix:///var/run/docker.sock")

	cfg, err := LoadBackend()
	require.NoError(t, err)

	require.True(t, cfg.KeepTargetSystemVolumes)
	require.Equal(t, "unix:///var/run/docker.sock", cfg.DockerHost)
}
