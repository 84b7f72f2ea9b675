package supervisor

import (
	"context"
	"time"
)

// Supervisor status values as reported by pm2.
const (
	StatusOnline         = "online"
	StatusLaunching      = "launching"
	StatusWaitingRestart = "waiting restart"
	StatusStopping       = "stopping"
	StatusStopped        = "stopped"
	StatusErrored        = "errored"
	StatusOneLaunch      = "one-launch-status"
)

// ProcessInfo is one supervised process instance. Cluster-mode services
// report one entry per instance, all sharing Name.
type ProcessInfo struct {
	Name        string        `json:"name"`
	ID          int           `json:"id"`
	PID         int           `json:"pid"`
	Status      string        `json:"status"`
	CPU         float64       `json:"cpu"`
	MemoryBytes uint64        `json:"memoryBytes"`
	Uptime      time.Duration `json:"uptime"`
	Restarts    int           `json:"restarts"`
	OutLog      string        `json:"outLog,omitempty"`
	ErrLog      string        `json:"errLog,omitempty"`
}

// Supervisor is a client of the external process supervisor daemon.
// Stop, Restart, Reset and Delete address processes by name.
type Supervisor interface {
	// List returns every process the supervisor knows about.
	List(ctx context.Context) ([]ProcessInfo, error)

	// Start launches the named app from an ecosystem file.
	Start(ctx context.Context, ecosystemPath, name string) error

	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error

	// Reset clears the restart counters of the named process.
	Reset(ctx context.Context, name string) error

	// Delete removes the process from the supervisor entirely.
	Delete(ctx context.Context, name string) error
}
