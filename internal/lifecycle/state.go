package lifecycle

import (
	"time"

	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/supervisor"
)

// MapState converts a supervisor status to a process state. Processes the
// supervisor does not know are configured: their descriptor exists but
// nothing runs.
func MapState(status string) model.ProcessState {
	switch status {
	case supervisor.StatusOnline, supervisor.StatusLaunching, supervisor.StatusWaitingRestart:
		return model.ProcessRunning
	case supervisor.StatusStopped, supervisor.StatusStopping, supervisor.StatusOneLaunch:
		return model.ProcessStopped
	case supervisor.StatusErrored:
		return model.ProcessCrashed
	default:
		return model.ProcessConfigured
	}
}

// ProcessStatus is the observed state of one service process. Cluster
// instances are folded into a single entry.
type ProcessStatus struct {
	Name         string             `json:"name"`
	Project      string             `json:"project"`
	Service      model.ServiceType  `json:"service"`
	Environment  model.Environment  `json:"environment"`
	Port         int                `json:"port"`
	State        model.ProcessState `json:"state"`
	Instances    int                `json:"instances"`
	CPU          float64            `json:"cpu"`
	MemoryBytes  uint64             `json:"memoryBytes"`
	Uptime       time.Duration      `json:"uptime"`
	RestartCount int                `json:"restartCount"`
}

// observed folds the instances of one named process.
type observed struct {
	state     model.ProcessState
	instances int
	cpu       float64
	memory    uint64
	uptime    time.Duration
	restarts  int
}

// fold groups supervisor entries by name. A process is running if any
// instance runs, crashed if none runs and one errored, stopped otherwise.
func fold(procs []supervisor.ProcessInfo) map[string]*observed {
	out := make(map[string]*observed)
	for _, p := range procs {
		o, ok := out[p.Name]
		if !ok {
			o = &observed{state: model.ProcessStopped}
			out[p.Name] = o
		}
		o.instances++
		o.cpu += p.CPU
		o.memory += p.MemoryBytes
		o.restarts += p.Restarts
		if p.Uptime > o.uptime {
			o.uptime = p.Uptime
		}

		switch MapState(p.Status) {
		case model.ProcessRunning:
			o.state = model.ProcessRunning
		case model.ProcessCrashed:
			if o.state != model.ProcessRunning {
				o.state = model.ProcessCrashed
			}
		}
	}
	return out
}

// stateOf returns the folded state of name, or configured when absent.
func stateOf(seen map[string]*observed, name string) model.ProcessState {
	if o, ok := seen[name]; ok {
		return o.state
	}
	return model.ProcessConfigured
}
