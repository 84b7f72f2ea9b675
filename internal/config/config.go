// Package config loads portkeeper's configuration.
//
// The configuration file is JSONC (JSON with comments and trailing
// commas), so this package uses github.com/tidwall/jsonc to strip comments
// before parsing with the standard encoding/json library. Values from the
// file are layered over Default(), and a few environment variables
// override paths last.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/mmr-tortoise/portkeeper/internal/model"
)

const (
	// EnvHome overrides the portkeeper home directory (~/.portkeeper).
	EnvHome = "PORTKEEPER_HOME"

	// EnvRegistry overrides the registry file location.
	EnvRegistry = "PORTKEEPER_REGISTRY"

	// EnvSupervisor overrides the pm2 binary.
	EnvSupervisor = "PORTKEEPER_PM2"

	// DefaultFileName is the config file looked up in the home directory.
	DefaultFileName = "config.jsonc"
)

// Duration is a time.Duration that decodes from strings like "10s".
type Duration time.Duration

// UnmarshalJSON accepts a Go duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("invalid duration %s: expected string or milliseconds", string(data))
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON encodes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// CommandLine is an executable plus arguments.
type CommandLine struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// IsZero reports whether no command is configured.
func (c CommandLine) IsZero() bool {
	return c.Command == ""
}

// ServiceCommand holds the command used to run a service type in each
// environment.
type ServiceCommand struct {
	Development CommandLine `json:"development"`
	Production  CommandLine `json:"production"`
}

// For returns the command for env.
func (s ServiceCommand) For(env model.Environment) CommandLine {
	if env == model.EnvProduction {
		return s.Production
	}
	return s.Development
}

// ProductionPolicy configures production process descriptors.
type ProductionPolicy struct {
	// Instances is the number of processes per service (≥ 1).
	Instances int `json:"instances"`

	// ExecMode is "fork" or "cluster".
	ExecMode string `json:"execMode"`

	// MaxMemory is the memory ceiling that forces a restart, in pm2
	// notation ("512M", "1G").
	MaxMemory string `json:"maxMemory"`
}

// RestartPolicy bounds automatic restarts: at most MaxRestarts unstable
// restarts (a process exiting before MinUptime) with a backoff that starts
// at RestartDelay and grows exponentially when Backoff is set.
type RestartPolicy struct {
	MaxRestarts  int      `json:"maxRestarts"`
	MinUptime    Duration `json:"minUptime"`
	RestartDelay Duration `json:"restartDelay"`
	Backoff      bool     `json:"backoff"`
}

// LockConfig bounds how long a registry writer waits for the lock.
type LockConfig struct {
	Attempts     int      `json:"attempts"`
	InitialDelay Duration `json:"initialDelay"`
	MaxDelay     Duration `json:"maxDelay"`
}

// ScanConfig tunes the conflict scanner.
type ScanConfig struct {
	Timeout      Duration `json:"timeout"`
	Concurrency  int      `json:"concurrency"`
	MaxFileBytes int64    `json:"maxFileBytes"`
	Extensions   []string `json:"extensions"`
}

// SupervisorConfig configures the pm2 client.
type SupervisorConfig struct {
	Binary  string   `json:"binary"`
	Timeout Duration `json:"timeout"`
	Retries int      `json:"retries"`
}

// Config is the full portkeeper configuration.
type Config struct {
	// Home is the portkeeper state directory. Relative paths below are
	// resolved against it.
	Home string `json:"-"`

	RegistryPath string `json:"registryPath"`
	EcosystemDir string `json:"ecosystemDir"`
	LogDir       string `json:"logDir"`

	Ranges         map[model.Environment]map[model.ServiceType]model.PortRange `json:"ranges"`
	Commands       map[model.ServiceType]ServiceCommand                        `json:"commands"`
	ContainerPorts map[model.ServiceType]int                                   `json:"containerPorts"`

	Production ProductionPolicy `json:"production"`
	Restart    RestartPolicy    `json:"restart"`
	Lock       LockConfig       `json:"lock"`
	Scan       ScanConfig       `json:"scan"`
	Supervisor SupervisorConfig `json:"supervisor"`

	// ProbeHost makes the allocator skip ports that are already bound on
	// the host by processes unknown to the registry.
	ProbeHost bool `json:"probeHost"`

	// ProbeDocker makes the allocator skip ports published by running
	// Docker containers.
	ProbeDocker bool `json:"probeDocker"`
}

// Default returns the built-in configuration rooted at home.
func Default(home string) *Config {
	return &Config{
		Home:         home,
		RegistryPath: "registry.csv",
		EcosystemDir: "ecosystem",
		LogDir:       "logs",
		Ranges: map[model.Environment]map[model.ServiceType]model.PortRange{
			model.EnvDevelopment: {
				model.ServiceFrontend:  {Min: 3000, Max: 3099},
				model.ServiceBackend:   {Min: 8000, Max: 8099},
				model.ServiceDatabase:  {Min: 5432, Max: 5499},
				model.ServiceRedis:     {Min: 6379, Max: 6399},
				model.ServiceAuxiliary: {Min: 9000, Max: 9099},
			},
			model.EnvProduction: {
				model.ServiceFrontend:  {Min: 4000, Max: 4099},
				model.ServiceBackend:   {Min: 8100, Max: 8199},
				model.ServiceDatabase:  {Min: 5500, Max: 5599},
				model.ServiceRedis:     {Min: 6400, Max: 6499},
				model.ServiceAuxiliary: {Min: 9100, Max: 9199},
			},
		},
		Commands: map[model.ServiceType]ServiceCommand{
			model.ServiceFrontend: {
				Development: CommandLine{Command: "npm", Args: []string{"run", "dev"}},
				Production:  CommandLine{Command: "npm", Args: []string{"run", "start"}},
			},
			model.ServiceBackend: {
				Development: CommandLine{Command: "npm", Args: []string{"run", "dev"}},
				Production:  CommandLine{Command: "npm", Args: []string{"start"}},
			},
		},
		ContainerPorts: map[model.ServiceType]int{
			model.ServiceFrontend: 3000,
			model.ServiceBackend:  8000,
			model.ServiceDatabase: 5432,
			model.ServiceRedis:    6379,
		},
		Production: ProductionPolicy{
			Instances: 2,
			ExecMode:  "cluster",
			MaxMemory: "512M",
		},
		Restart: RestartPolicy{
			MaxRestarts:  10,
			MinUptime:    Duration(10 * time.Second),
			RestartDelay: Duration(100 * time.Millisecond),
			Backoff:      true,
		},
		Lock: LockConfig{
			Attempts:     8,
			InitialDelay: Duration(25 * time.Millisecond),
			MaxDelay:     Duration(time.Second),
		},
		Scan: ScanConfig{
			Timeout:      Duration(10 * time.Second),
			Concurrency:  4,
			MaxFileBytes: 1 << 20,
			Extensions: []string{
				".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs", ".json", ".env",
				".py", ".go", ".rb", ".yml", ".yaml", ".toml",
			},
		},
		Supervisor: SupervisorConfig{
			Binary:  "pm2",
			Timeout: Duration(30 * time.Second),
			Retries: 2,
		},
		ProbeHost:   true,
		ProbeDocker: false,
	}
}

// DefaultHome returns $PORTKEEPER_HOME or ~/.portkeeper.
func DefaultHome() (string, error) {
	if h := os.Getenv(EnvHome); h != "" {
		return h, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(userHome, ".portkeeper"), nil
}

// Load reads the configuration. When path is empty the default file in
// the home directory is used, and a missing default file is not an error.
// An explicitly named file must exist.
func Load(path string) (*Config, error) {
	home, err := DefaultHome()
	if err != nil {
		return nil, err
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(home, DefaultFileName)
	}

	cfg := Default(home)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults only.
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// decode layers JSONC data over the receiver. Range maps are merged per
// environment so a file can override a single service range.
func (c *Config) decode(data []byte) error {
	var overlay Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &overlay); err != nil {
		return err
	}

	// Scalars and structs: decode again onto c so unspecified fields keep
	// their defaults. Maps are merged separately below.
	ranges, commands, containerPorts := c.Ranges, c.Commands, c.ContainerPorts
	c.Ranges, c.Commands, c.ContainerPorts = nil, nil, nil
	if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
		return err
	}
	c.Ranges, c.Commands, c.ContainerPorts = ranges, commands, containerPorts

	for env, services := range overlay.Ranges {
		if c.Ranges[env] == nil {
			c.Ranges[env] = make(map[model.ServiceType]model.PortRange)
		}
		for st, r := range services {
			c.Ranges[env][st] = r
		}
	}
	for st, cmd := range overlay.Commands {
		c.Commands[st] = cmd
	}
	for st, p := range overlay.ContainerPorts {
		c.ContainerPorts[st] = p
	}
	return nil
}

func (c *Config) applyEnv() {
	if p := os.Getenv(EnvRegistry); p != "" {
		c.RegistryPath = p
	}
	if b := os.Getenv(EnvSupervisor); b != "" {
		c.Supervisor.Binary = b
	}
}

func (c *Config) resolvePaths() {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		if strings.HasPrefix(p, "~/") {
			if h, err := os.UserHomeDir(); err == nil {
				return filepath.Join(h, p[2:])
			}
		}
		return filepath.Join(c.Home, p)
	}
	c.RegistryPath = resolve(c.RegistryPath)
	c.EcosystemDir = resolve(c.EcosystemDir)
	c.LogDir = resolve(c.LogDir)
}

// Range returns the configured range for (service, env).
func (c *Config) Range(st model.ServiceType, env model.Environment) (model.PortRange, bool) {
	r, ok := c.Ranges[env][st]
	return r, ok
}

// ServiceRanges flattens the range table in canonical order.
func (c *Config) ServiceRanges() []model.ServiceRange {
	var out []model.ServiceRange
	for _, env := range model.AllEnvironments() {
		for _, st := range model.AllServiceTypes() {
			if r, ok := c.Range(st, env); ok {
				out = append(out, model.ServiceRange{ServiceType: st, Environment: env, Range: r})
			}
		}
	}
	return out
}

// Validate checks ranges and policies. Ranges of one environment must not
// overlap across service types, so two services can never compete for a
// port.
func (c *Config) Validate() error {
	var problems []string

	for env := range c.Ranges {
		if !env.IsValid() {
			problems = append(problems, fmt.Sprintf("ranges: unknown environment %q", env))
		}
	}

	for _, env := range model.AllEnvironments() {
		services := c.Ranges[env]
		for st := range services {
			if !st.IsValid() {
				problems = append(problems, fmt.Sprintf("ranges.%s: unknown service type %q", env, st))
			}
		}
		for _, st := range model.AllServiceTypes() {
			r, ok := services[st]
			if !ok {
				problems = append(problems, fmt.Sprintf("ranges.%s.%s: missing", env, st))
				continue
			}
			if err := r.Validate(); err != nil {
				problems = append(problems, fmt.Sprintf("ranges.%s.%s: %v", env, st, err))
			}
		}
		all := model.AllServiceTypes()
		for i := 0; i < len(all); i++ {
			for j := i + 1; j < len(all); j++ {
				a, aok := services[all[i]]
				b, bok := services[all[j]]
				if aok && bok && a.Overlaps(b) {
					problems = append(problems, fmt.Sprintf("ranges.%s: %s %s overlaps %s %s",
						env, all[i], a, all[j], b))
				}
			}
		}
	}

	for st := range c.Commands {
		if !st.IsValid() {
			problems = append(problems, fmt.Sprintf("commands: unknown service type %q", st))
		}
	}

	if c.Production.Instances < 1 {
		problems = append(problems, "production.instances must be at least 1")
	}
	if c.Production.ExecMode != "fork" && c.Production.ExecMode != "cluster" {
		problems = append(problems, fmt.Sprintf("production.execMode %q must be fork or cluster", c.Production.ExecMode))
	}
	if c.Restart.MaxRestarts < 1 {
		problems = append(problems, "restart.maxRestarts must be at least 1")
	}
	if c.Restart.MinUptime <= 0 {
		problems = append(problems, "restart.minUptime must be positive")
	}
	if c.Lock.Attempts < 1 {
		problems = append(problems, "lock.attempts must be at least 1")
	}
	if c.Scan.Concurrency < 1 {
		problems = append(problems, "scan.concurrency must be at least 1")
	}
	if c.RegistryPath == "" {
		problems = append(problems, "registryPath must not be empty")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
