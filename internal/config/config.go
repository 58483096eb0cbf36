// Package config loads the frontend and backend's environment-driven
// configuration with spf13/viper, following the viper.New /
// SetDefault / AutomaticEnv pattern used by dittofs's pkg/config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Frontend holds every environment variable the attacker-facing proxy
// reads, per spec.md §6.
type Frontend struct {
	SSHServerPort               int
	SSHLocalVersion             string
	SSHAllowedUsernamesRegex    string
	SSHAllowedPasswordsRegex    string
	SSHLoginSuccessRate         int
	SSHSessionTimeout           time.Duration
	SSHSocketTimeout            time.Duration
	SSHMaxUnacceptedConnections int
	BackendAddress              string
	LogFile                     string
	EnableDebugLogging          bool
	DBHostname                  string
	DBDatabase                  string
	DBUsername                  string
	DBPassword                  string
	DBMinConnections            int
	DBMaxConnections            int
	PublicIPDiscoveryURL        string
	HostKeyPath                 string
}

// LoadFrontend reads frontend configuration from the process environment,
// applying the defaults listed in spec.md §6.
func LoadFrontend() (*Frontend, error) {
	v := newViper()

	v.SetDefault("SSH_SERVER_PORT", 22)
	v.SetDefault("SSH_LOCAL_VERSION", "SSH-2.0-dropbear_2020.81")
	v.SetDefault("SSH_ALLOWED_USERNAMES_REGEX", "")
	v.SetDefault("SSH_ALLOWED_PASSWORDS_REGEX", "")
	v.SetDefault("SSH_LOGIN_SUCCESS_RATE", -1)
	v.SetDefault("SSH_SESSION_TIMEOUT", "10m")
	v.SetDefault("SSH_SOCKET_TIMEOUT", "30s")
	v.SetDefault("SSH_MAX_UNACCEPTED_CONNECTIONS", 10)

	v.SetDefault("BACKEND_ADDRESS", "localhost:50051")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("ENABLE_DEBUG_LOGGING", false)

	v.SetDefault("DB_HOSTNAME", "localhost")
	v.SetDefault("DB_DATABASE", "honeypot")
	v.SetDefault("DB_USERNAME", "honeypot")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_MIN_CONNECTIONS", 1)
	v.SetDefault("DB_MAX_CONNECTIONS", 10)

	v.SetDefault("PUBLIC_IP_DISCOVERY_URL", "https://ident.me")
	v.SetDefault("HOST_KEY_PATH", "./host.key")

	cfg := &Frontend{
		SSHServerPort:               v.GetInt("SSH_SERVER_PORT"),
		SSHLocalVersion:             v.GetString("SSH_LOCAL_VERSION"),
		SSHAllowedUsernamesRegex:    v.GetString("SSH_ALLOWED_USERNAMES_REGEX"),
		SSHAllowedPasswordsRegex:    v.GetString("SSH_ALLOWED_PASSWORDS_REGEX"),
		SSHLoginSuccessRate:         v.GetInt("SSH_LOGIN_SUCCESS_RATE"),
		SSHSessionTimeout:           v.GetDuration("SSH_SESSION_TIMEOUT"),
		SSHSocketTimeout:            v.GetDuration("SSH_SOCKET_TIMEOUT"),
		SSHMaxUnacceptedConnections: v.GetInt("SSH_MAX_UNACCEPTED_CONNECTIONS"),
		BackendAddress:              v.GetString("BACKEND_ADDRESS"),
		LogFile:                     v.GetString("LOG_FILE"),
		EnableDebugLogging:          v.GetBool("ENABLE_DEBUG_LOGGING"),
		DBHostname:                  v.GetString("DB_HOSTNAME"),
		DBDatabase:                  v.GetString("DB_DATABASE"),
		DBUsername:                  v.GetString("DB_USERNAME"),
		DBPassword:                  v.GetString("DB_PASSWORD"),
		DBMinConnections:            v.GetInt("DB_MIN_CONNECTIONS"),
		DBMaxConnections:            v.GetInt("DB_MAX_CONNECTIONS"),
		PublicIPDiscoveryURL:        v.GetString("PUBLIC_IP_DISCOVERY_URL"),
		HostKeyPath:                 v.GetString("HOST_KEY_PATH"),
	}
	if cfg.SSHLoginSuccessRate < -1 || cfg.SSHLoginSuccessRate > 100 {
		return nil, fmt.Errorf("SSH_LOGIN_SUCCESS_RATE must be between -1 and 100, got %d", cfg.SSHLoginSuccessRate)
	}
	return cfg, nil
}

// Backend holds every environment variable the sandbox orchestrator reads.
type Backend struct {
	TargetSystemAddress                   string
	HTTPAPIBindAddress                    string
	EnableIsolatedTargetContainerNetworks bool
	KeepTargetSystemVolumes               bool
	LogFile                               string
	EnableDebugLogging                    bool
	DockerHost                            string
}

// LoadBackend reads sandbox orchestrator configuration from the process
// environment.
func LoadBackend() (*Backend, error) {
	v := newViper()

	// TARGET_SYSTEM_ADDRESS is the host attacker sessions can reach
	// sandbox containers on, advertised in AcquireResponse.Address — not
	// a bind address. HTTP_API_BIND_ADDRESS is what the provider RPC
	// server itself listens on; its default port matches BACKEND_ADDRESS's
	// default in LoadFrontend so the two sides agree out of the box.
	v.SetDefault("TARGET_SYSTEM_ADDRESS", "localhost")
	v.SetDefault("HTTP_API_BIND_ADDRESS", "0.0.0.0:50051")
	v.SetDefault("ENABLE_ISOLATED_TARGET_CONTAINER_NETWORKS", true)
	v.SetDefault("KEEP_TARGET_SYSTEM_VOLUMES", false)
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("ENABLE_DEBUG_LOGGING", false)
	v.SetDefault("DOCKER_HOST", "")

	return &Backend{
		TargetSystemAddress:                   v.GetString("TARGET_SYSTEM_ADDRESS"),
		HTTPAPIBindAddress:                    v.GetString("HTTP_API_BIND_ADDRESS"),
		EnableIsolatedTargetContainerNetworks: v.GetBool("ENABLE_ISOLATED_TARGET_CONTAINER_NETWORKS"),
		KeepTargetSystemVolumes:               v.GetBool("KEEP_TARGET_SYSTEM_VOLUMES"),
		LogFile:                               v.GetString("LOG_FILE"),
		EnableDebugLogging:                    v.GetBool("ENABLE_DEBUG_LOGGING"),
		DockerHost:                            v.GetString("DOCKER_HOST"),
	}, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}
