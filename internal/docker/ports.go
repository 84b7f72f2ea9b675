package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/mmr-tortoise/portkeeper/internal/port"
)

// Lister is the part of the Docker API client used to enumerate
// containers. *client.Client satisfies it.
type Lister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// Published is one host port published by a running container.
type Published struct {
	HostPort      int
	ContainerPort int
	Protocol      string
	HostIP        string
	ContainerID   string
	ContainerName string

	// Owner is set for containers carrying portkeeper labels.
	Owner *Owner
}

// Holder describes who publishes the port, for conflict messages.
func (p Published) Holder() string {
	name := p.ContainerName
	if name == "" && len(p.ContainerID) >= 12 {
		name = p.ContainerID[:12]
	}
	if p.Owner != nil {
		return fmt.Sprintf("container %s (%s/%s)", name, p.Owner.Project, p.Owner.Service)
	}
	return "container " + name
}

// Snapshot is the set of published host ports at one point in time. It
// implements port.Prober.
type Snapshot struct {
	byPort map[int][]Published
}

// NewSnapshot builds a snapshot from published entries.
func NewSnapshot(entries []Published) *Snapshot {
	s := &Snapshot{byPort: make(map[int][]Published)}
	for _, e := range entries {
		s.byPort[e.HostPort] = append(s.byPort[e.HostPort], e)
	}
	return s
}

// ListPublished asks the daemon for running containers and collects their
// published host ports.
func ListPublished(ctx context.Context, l Lister) (*Snapshot, error) {
	containers, err := l.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("status", "running")),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list containers: %v", ErrUnavailable, err)
	}

	var entries []Published
	for _, c := range containers {
		entries = append(entries, publishedBy(c)...)
	}
	return NewSnapshot(entries), nil
}

// publishedBy maps one container summary to its published ports. Ports
// exposed without a host binding are skipped.
func publishedBy(c container.Summary) []Published {
	name := ""
	if len(c.Names) > 0 {
		// The API returns names with a leading "/".
		name = strings.TrimPrefix(c.Names[0], "/")
	}

	var owner *Owner
	if o, ok, err := ParseLabels(c.Labels); ok && err == nil {
		owner = &o
	}

	var out []Published
	for _, p := range c.Ports {
		if p.PublicPort == 0 {
			continue
		}
		out = append(out, Published{
			HostPort:      int(p.PublicPort),
			ContainerPort: int(p.PrivatePort),
			Protocol:      p.Type,
			HostIP:        p.IP,
			ContainerID:   c.ID,
			ContainerName: name,
			Owner:         owner,
		})
	}
	return out
}

// InUse reports whether any running container publishes port.
func (s *Snapshot) InUse(p int) bool {
	if s == nil {
		return false
	}
	return len(s.byPort[p]) > 0
}

// Lookup returns the containers publishing port.
func (s *Snapshot) Lookup(p int) []Published {
	if s == nil {
		return nil
	}
	return s.byPort[p]
}

// Entries returns every published port, ordered by host port and then
// container name. A port bound on both IPv4 and IPv6 appears once per
// address.
func (s *Snapshot) Entries() []Published {
	if s == nil {
		return nil
	}
	var out []Published
	for _, list := range s.byPort {
		out = append(out, list...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].HostPort != out[j].HostPort {
			return out[i].HostPort < out[j].HostPort
		}
		if out[i].ContainerName != out[j].ContainerName {
			return out[i].ContainerName < out[j].ContainerName
		}
		return out[i].HostIP < out[j].HostIP
	})
	return out
}

// PortSet converts the snapshot for the conflict scanner.
func (s *Snapshot) PortSet() port.PortSet {
	set := make(port.PortSet)
	for _, e := range s.Entries() {
		set.Add(e.HostPort, e.Holder())
	}
	return set
}
