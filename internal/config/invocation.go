package config

import (
	"strings"

	"github.com/terrpan/garm-provider-pm2/internal/metadata"
)

// Environment variables GARM sets for every provider invocation.
const (
	EnvPrefixGARM     = "GARM_"
	EnvCommand        = "GARM_COMMAND"
	EnvPoolID         = "GARM_POOL_ID"
	EnvInstanceID     = "GARM_INSTANCE_ID"
	EnvControllerID   = "GARM_CONTROLLER_ID"
	EnvProviderConfig = "GARM_PROVIDER_CONFIG_FILE"
)

// Invocation is the typed view of the GARM_* environment of one
// provider run.
type Invocation struct {
	Command      string
	PoolID       string
	InstanceID   string
	ControllerID string
	ConfigFile   string

	// Env is every GARM_* variable, as recorded in the audit log.
	Env map[string]string
}

// LoadInvocation reads the invocation from environ ("KEY=VALUE" pairs,
// as returned by os.Environ).
func LoadInvocation(environ []string) Invocation {
	env := metadata.FromEnviron(environ).Filter(EnvPrefixGARM)
	return Invocation{
		Command:      strings.TrimSpace(env.Value(EnvCommand)),
		PoolID:       env.Value(EnvPoolID),
		InstanceID:   env.Value(EnvInstanceID),
		ControllerID: env.Value(EnvControllerID),
		ConfigFile:   env.Value(EnvProviderConfig),
		Env:          env.Map(),
	}
}
