package envfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/portkeeper/internal/docker"
	"github.com/mmr-tortoise/portkeeper/internal/model"
)

// File names written by WriteFiles.
const (
	EnvFileName     = ".env.ports"
	ComposeFileName = "docker-compose.ports.yml"
)

// RegistryVar is the variable pointing applications at the registry file.
const RegistryVar = "PORT_REGISTRY"

// Entry is one allocated port in an artifact.
type Entry struct {
	Project       string            `json:"project"`
	Service       model.ServiceType `json:"service"`
	Port          int               `json:"port"`
	ContainerPort int               `json:"containerPort"`
	Allocation    model.Allocation  `json:"-"`
}

// Artifact is the rendered view of one environment's allocations.
type Artifact struct {
	Environment  model.Environment `json:"environment"`
	RegistryPath string            `json:"registryPath"`
	Entries      []Entry           `json:"entries"`
}

// Option configures Emit.
type Option func(*emitOptions)

type emitOptions struct {
	containerPorts map[model.ServiceType]int
}

// WithContainerPorts sets the port each service listens on inside its
// container. Services without an entry use their host port.
func WithContainerPorts(ports map[model.ServiceType]int) Option {
	return func(o *emitOptions) {
		o.containerPorts = ports
	}
}

// Emit builds the artifact for env from allocations. Only holding rows of
// env are used. Entries are ordered by service type, so the output is
// deterministic for the same input.
func Emit(allocations []model.Allocation, env model.Environment, registryPath string, opts ...Option) Artifact {
	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}

	art := Artifact{Environment: env, RegistryPath: registryPath}
	for _, a := range allocations {
		if a.Environment != env || !a.Holds() {
			continue
		}
		cp, ok := o.containerPorts[a.ServiceType]
		if !ok || cp <= 0 {
			cp = a.Port
		}
		art.Entries = append(art.Entries, Entry{
			Project:       a.ProjectName,
			Service:       a.ServiceType,
			Port:          a.Port,
			ContainerPort: cp,
			Allocation:    a,
		})
	}
	sort.SliceStable(art.Entries, func(i, j int) bool {
		a, b := art.Entries[i], art.Entries[j]
		if a.Service != b.Service {
			return a.Service.Order() < b.Service.Order()
		}
		return a.Project < b.Project
	})
	return art
}

// Vars returns the variables of the env file in output order.
func (a Artifact) Vars() [][2]string {
	vars := make([][2]string, 0, len(a.Entries)+1)
	for _, e := range a.Entries {
		vars = append(vars, [2]string{e.Service.EnvVarName(), strconv.Itoa(e.Port)})
	}
	if a.RegistryPath != "" {
		vars = append(vars, [2]string{RegistryVar, a.RegistryPath})
	}
	return vars
}

// EnvFile renders KEY=VALUE lines.
func (a Artifact) EnvFile() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Generated by portkeeper (%s). Do not edit; run 'portkeeper env' to refresh.\n", a.Environment)
	for _, kv := range a.Vars() {
		fmt.Fprintf(&b, "%s=%s\n", kv[0], kv[1])
	}
	return []byte(b.String())
}

// composeOverlay is the docker compose file layered over a project's own
// compose file with `-f docker-compose.yml -f docker-compose.ports.yml`.
type composeOverlay struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Ports  []string          `yaml:"ports"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// ComposeManifest renders a compose overlay that publishes each allocated
// host port onto the service's container port and labels the containers
// with the allocation they belong to.
func (a Artifact) ComposeManifest() ([]byte, error) {
	overlay := composeOverlay{Services: make(map[string]composeService, len(a.Entries))}
	for _, e := range a.Entries {
		svc := overlay.Services[e.Service.String()]
		svc.Ports = append(svc.Ports, fmt.Sprintf("%d:%d", e.Port, e.ContainerPort))
		if svc.Labels == nil {
			svc.Labels = docker.BuildLabels(e.Allocation, a.RegistryPath)
		}
		overlay.Services[e.Service.String()] = svc
	}

	// yaml.v3 emits map keys sorted, so the output is stable.
	data, err := yaml.Marshal(&overlay)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize compose manifest: %w", err)
	}
	header := fmt.Sprintf("# Generated by portkeeper (%s). Do not edit; run 'portkeeper env --write' to refresh.\n", a.Environment)
	return append([]byte(header), data...), nil
}

// WriteFiles writes EnvFileName and ComposeFileName into dir and returns
// their paths.
func (a Artifact) WriteFiles(dir string) ([]string, error) {
	manifest, err := a.ComposeManifest()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{EnvFileName, a.EnvFile()},
		{ComposeFileName, manifest},
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := atomicwriter.WriteFile(path, f.data, 0o644); err != nil {
			return paths, fmt.Errorf("failed to write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
