// Package config assembles the shim's global option struct from defaults,
// an optional YAML file (--config), environment variables, and finally CLI
// flags, in that increasing-precedence order, following the teacher's
// cobra.OnInitialize pattern for wiring global flags into a shared struct
// rather than reading viper/pflag ad-hoc at each call site.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/pveshim/pkg/backend"
	"github.com/cuemby/pveshim/pkg/errs"
	"github.com/cuemby/pveshim/pkg/log"
	"github.com/cuemby/pveshim/pkg/router"
)

// RouterPattern is the YAML-friendly mirror of router.Pattern.
type RouterPattern struct {
	Glob    string `yaml:"glob"`
	Backend string `yaml:"backend"`
}

// Config is the fully resolved set of global options every verb reads.
type Config struct {
	// Root is the shim's own state directory: state records, the
	// identity mapping file, and backend-materialized artifacts all live
	// under it.
	Root string `yaml:"root"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// DefaultBackend is used when neither an explicit flag, a spec
	// annotation, nor a router pattern selects one (§4.6.3 step 4).
	DefaultBackend string          `yaml:"default_backend"`
	RouterPatterns []RouterPattern `yaml:"router_patterns"`

	NativeBinary string `yaml:"native_binary"` // "crun" or "runc"
	NoPivot      bool   `yaml:"no_pivot"`
	NoNewKeyring bool   `yaml:"no_new_keyring"`

	LxcStorageID  string `yaml:"lxc_storage_id"`
	LxcPrivileged bool   `yaml:"lxc_privileged"`

	VmBaseURL    string `yaml:"vm_base_url"`
	VmNode       string `yaml:"vm_node"`
	VmTemplateID int    `yaml:"vm_template_id"`
	// VmTokenID/VmTokenValue authenticate against the Proxmox API; set via
	// PVESHIM_VM_TOKEN_ID/PVESHIM_VM_TOKEN_VALUE rather than the config
	// file in a real deployment, but the field is YAML-addressable too.
	VmTokenID    string `yaml:"vm_token_id"`
	VmTokenValue string `yaml:"vm_token_value"`

	VmidFloor int `yaml:"vmid_floor"`
}

// Default returns the baseline configuration before file/env/flag overlays.
func Default() Config {
	return Config{
		Root:           "/var/lib/pveshim",
		LogLevel:       string(log.InfoLevel),
		LogFormat:      string(log.FormatText),
		DefaultBackend: "crun",
		NativeBinary:   "crun",
		LxcStorageID:   "local-zfs",
	}
}

// LoadFile overlays cfg with fields present in the YAML file at path. A
// missing path is not an error (--config is optional); a malformed file is.
func LoadFile(cfg Config, path string) (Config, error) {
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errs.Wrap(errs.KindUsage, err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Wrap(errs.KindUsage, err, "malformed config file %s", path)
	}
	return cfg, nil
}

// envPrefix names the environment variables the shim honors, e.g.
// PVESHIM_ROOT, PVESHIM_LOG.
const envPrefix = "PVESHIM_"

// ApplyEnv overlays cfg with PVESHIM_* environment variables, the lowest
// precedence layer above YAML.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv(envPrefix + "ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv(envPrefix + "LOG"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv(envPrefix + "RUNTIME"); v != "" {
		cfg.DefaultBackend = v
	}
	if v := os.Getenv(envPrefix + "VM_TOKEN_ID"); v != "" {
		cfg.VmTokenID = v
	}
	if v := os.Getenv(envPrefix + "VM_TOKEN_VALUE"); v != "" {
		cfg.VmTokenValue = v
	}
	return cfg
}

// ToRouterPatterns converts the YAML-friendly patterns to router.Pattern.
func (c Config) ToRouterPatterns() []router.Pattern {
	patterns := make([]router.Pattern, 0, len(c.RouterPatterns))
	for _, p := range c.RouterPatterns {
		patterns = append(patterns, router.Pattern{Glob: p.Glob, Backend: backend.Tag(p.Backend)})
	}
	return patterns
}
