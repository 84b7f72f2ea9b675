package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
)

// Ecosystem is the PM2 ecosystem file layout.
type Ecosystem struct {
	Apps []App `json:"apps"`
}

// App is one entry of an ecosystem file. Durations are milliseconds, the
// unit pm2 expects.
type App struct {
	Name                   string            `json:"name"`
	Script                 string            `json:"script"`
	Args                   []string          `json:"args,omitempty"`
	Cwd                    string            `json:"cwd,omitempty"`
	Watch                  bool              `json:"watch"`
	IgnoreWatch            []string          `json:"ignore_watch,omitempty"`
	Env                    map[string]string `json:"env"`
	MaxMemoryRestart       string            `json:"max_memory_restart,omitempty"`
	Instances              int               `json:"instances"`
	ExecMode               string            `json:"exec_mode"`
	MergeLogs              bool              `json:"merge_logs,omitempty"`
	OutFile                string            `json:"out_file"`
	ErrorFile              string            `json:"error_file"`
	Autorestart            bool              `json:"autorestart"`
	MinUptime              int64             `json:"min_uptime"`
	MaxRestarts            int               `json:"max_restarts"`
	RestartDelay           int64             `json:"restart_delay"`
	ExpBackoffRestartDelay int64             `json:"exp_backoff_restart_delay,omitempty"`
}

// ignoredWhileWatching are never watched for changes in development.
var ignoredWhileWatching = []string{"node_modules", ".git", "logs", "dist", "build"}

// ToApp converts a descriptor to its ecosystem entry.
func (d Descriptor) ToApp() App {
	app := App{
		Name:                   d.Name,
		Script:                 d.Command,
		Args:                   d.Args,
		Cwd:                    d.WorkingDir,
		Watch:                  d.Watch,
		Env:                    d.Env,
		MaxMemoryRestart:       d.MaxMemory,
		Instances:              d.Instances,
		ExecMode:               d.ExecMode,
		MergeLogs:              d.Instances > 1,
		OutFile:                d.OutFile,
		ErrorFile:              d.ErrorFile,
		Autorestart:            d.Autorestart,
		MinUptime:              d.MinUptime.Milliseconds(),
		MaxRestarts:            d.MaxRestarts,
		RestartDelay:           d.RestartDelay.Milliseconds(),
		ExpBackoffRestartDelay: d.ExpBackoffDelay.Milliseconds(),
	}
	if d.Watch {
		app.IgnoreWatch = ignoredWhileWatching
	}
	return app
}

// MarshalEcosystem renders descriptors as an ecosystem file.
func MarshalEcosystem(descriptors []Descriptor) ([]byte, error) {
	eco := Ecosystem{Apps: make([]App, 0, len(descriptors))}
	for _, d := range descriptors {
		eco.Apps = append(eco.Apps, d.ToApp())
	}
	data, err := json.MarshalIndent(eco, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode ecosystem: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteEcosystem atomically writes the ecosystem file at path, creating
// parent directories and the descriptors' log directories as needed.
func WriteEcosystem(path string, descriptors []Descriptor) error {
	data, err := MarshalEcosystem(descriptors)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create ecosystem directory: %w", err)
	}
	for _, d := range descriptors {
		if d.OutFile == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(d.OutFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write ecosystem %s: %w", path, err)
	}
	return nil
}

// ReadEcosystem loads an ecosystem file written by WriteEcosystem.
func ReadEcosystem(path string) (*Ecosystem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var eco Ecosystem
	if err := json.Unmarshal(data, &eco); err != nil {
		return nil, fmt.Errorf("failed to parse ecosystem %s: %w", path, err)
	}
	return &eco, nil
}

// EcosystemPath returns where a project's ecosystem file lives.
func EcosystemPath(dir, project string) string {
	return filepath.Join(dir, project+".ecosystem.json")
}
