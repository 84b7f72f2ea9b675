package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmr-tortoise/portkeeper/internal/config"
	"github.com/mmr-tortoise/portkeeper/internal/model"
)

// MaxNameLength caps process names. PM2 accepts longer names, but they are
// unreadable in `pm2 ls` and in log file names.
const MaxNameLength = 50

// Descriptor is the supervisor's view of one service process.
type Descriptor struct {
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	Watch      bool              `json:"watch"`
	Env        map[string]string `json:"env"`

	// MaxMemory is the pm2 memory ceiling ("512M"); empty means none.
	MaxMemory string `json:"maxMemory,omitempty"`
	Instances int    `json:"instances"`
	ExecMode  string `json:"execMode"`

	Autorestart     bool          `json:"autorestart"`
	MinUptime       time.Duration `json:"minUptime"`
	MaxRestarts     int           `json:"maxRestarts"`
	RestartDelay    time.Duration `json:"restartDelay"`
	ExpBackoffDelay time.Duration `json:"expBackoffDelay,omitempty"`

	OutFile   string `json:"outFile"`
	ErrorFile string `json:"errorFile"`

	Project     string            `json:"project"`
	Service     model.ServiceType `json:"service"`
	Environment model.Environment `json:"environment"`
	Port        int               `json:"port"`
}

// Generator turns registry rows into process descriptors. It is pure: the
// same rows always produce the same descriptors in the same order.
type Generator struct {
	commands     map[model.ServiceType]config.ServiceCommand
	production   config.ProductionPolicy
	restart      config.RestartPolicy
	logDir       string
	registryPath string
}

// NewGenerator creates a Generator from the configuration.
func NewGenerator(cfg *config.Config) *Generator {
	return &Generator{
		commands:     cfg.Commands,
		production:   cfg.Production,
		restart:      cfg.Restart,
		logDir:       cfg.LogDir,
		registryPath: cfg.RegistryPath,
	}
}

// Generate builds one descriptor per holding allocation of project whose
// service type has a configured command. Services without a command
// (typically database and redis, which run in containers) are skipped.
// Descriptors are ordered by environment, then service type.
func (g *Generator) Generate(project string, rows []model.Allocation) []Descriptor {
	mine := model.Holding(model.FilterProject(rows, project, ""))
	sort.SliceStable(mine, func(i, j int) bool {
		if mine[i].Environment != mine[j].Environment {
			return mine[i].Environment < mine[j].Environment
		}
		return mine[i].ServiceType.Order() < mine[j].ServiceType.Order()
	})

	var out []Descriptor
	for _, a := range mine {
		cmd, ok := g.commands[a.ServiceType]
		if !ok {
			continue
		}
		line := cmd.For(a.Environment)
		if line.IsZero() {
			continue
		}
		out = append(out, g.describe(a, line, mine))
	}
	return out
}

func (g *Generator) describe(a model.Allocation, line config.CommandLine, siblings []model.Allocation) Descriptor {
	name := ProcessName(a.ProjectName, a.ServiceType, a.Environment)

	env := map[string]string{
		"PORT":     strconv.Itoa(a.Port),
		"NODE_ENV": a.Environment.String(),
	}
	for _, s := range siblings {
		if s.Environment == a.Environment {
			env[s.ServiceType.EnvVarName()] = strconv.Itoa(s.Port)
		}
	}
	if g.registryPath != "" {
		env["PORT_REGISTRY"] = g.registryPath
	}

	d := Descriptor{
		Name:         name,
		Command:      line.Command,
		Args:         append([]string(nil), line.Args...),
		WorkingDir:   a.WorkingDirectory,
		Env:          env,
		Autorestart:  true,
		MinUptime:    g.restart.MinUptime.Std(),
		MaxRestarts:  g.restart.MaxRestarts,
		RestartDelay: g.restart.RestartDelay.Std(),
		OutFile:      filepath.Join(g.logDir, name+".out.log"),
		ErrorFile:    filepath.Join(g.logDir, name+".err.log"),
		Project:      a.ProjectName,
		Service:      a.ServiceType,
		Environment:  a.Environment,
		Port:         a.Port,
	}
	if g.restart.Backoff {
		d.ExpBackoffDelay = g.restart.RestartDelay.Std()
	}

	if a.Environment == model.EnvProduction {
		d.Watch = false
		d.Instances = g.production.Instances
		d.ExecMode = g.production.ExecMode
		if d.Instances > 1 {
			d.ExecMode = "cluster"
		}
		d.MaxMemory = g.production.MaxMemory
	} else {
		d.Watch = true
		d.Instances = 1
		d.ExecMode = "fork"
	}
	return d
}

var nameInvalidChars = regexp.MustCompile(`[^a-z0-9-]+`)
var nameRepeatedDash = regexp.MustCompile(`-{2,}`)

// ProcessName returns the supervisor name for (project, service, env):
// "<project>-<service>-<dev|prod>" lowercased, with anything outside
// [a-z0-9-] replaced by '-'.
//
// Project names are case-sensitive and may contain '.' and '_', so the
// sanitized form alone would map "Alpha" and "alpha", or "my.app" and
// "my_app", onto one pm2 process. Whenever sanitizing changed the raw triple,
// or the name is longer than MaxNameLength, the name gets a '-' and 8 hex
// digits of the raw triple's SHA-256. A suffixed name ends in hex digits and
// an unsuffixed one ends in "dev" or "prod", so the two forms never meet.
func ProcessName(project string, st model.ServiceType, env model.Environment) string {
	raw := project + "-" + st.String() + "-" + env.Suffix()
	name := nameInvalidChars.ReplaceAllString(strings.ToLower(raw), "-")
	name = nameRepeatedDash.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")

	if name == raw && len(name) <= MaxNameLength {
		return name
	}

	sum := sha256.Sum256([]byte(raw))
	suffix := hex.EncodeToString(sum[:])[:8]
	if len(name) > MaxNameLength-len(suffix)-1 {
		name = strings.TrimRight(name[:MaxNameLength-len(suffix)-1], "-")
	}
	return name + "-" + suffix
}
