// Package model defines the domain types for portkeeper.
//
// All entities in this package are plain data structures shared between the
// registry, allocator, supervisor and CLI layers. The registry file is the
// only place they are persisted; everything else (process state, Docker
// ports) is observed at runtime.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ServiceType is the category of networked component that needs a port.
// The set is closed so that range lookups stay exhaustive.
type ServiceType string

const (
	ServiceFrontend  ServiceType = "frontend"
	ServiceBackend   ServiceType = "backend"
	ServiceDatabase  ServiceType = "database"
	ServiceRedis     ServiceType = "redis"
	ServiceAuxiliary ServiceType = "auxiliary"
)

// AllServiceTypes returns every service type in canonical order. The order
// is used wherever output must be deterministic (env files, descriptors).
func AllServiceTypes() []ServiceType {
	return []ServiceType{ServiceFrontend, ServiceBackend, ServiceDatabase, ServiceRedis, ServiceAuxiliary}
}

// String returns the string representation of ServiceType.
func (s ServiceType) String() string {
	return string(s)
}

// IsValid checks whether the ServiceType is one of the predefined types.
func (s ServiceType) IsValid() bool {
	switch s {
	case ServiceFrontend, ServiceBackend, ServiceDatabase, ServiceRedis, ServiceAuxiliary:
		return true
	default:
		return false
	}
}

// Order returns the position of the service type in AllServiceTypes, or
// len(AllServiceTypes()) for unknown values.
func (s ServiceType) Order() int {
	for i, st := range AllServiceTypes() {
		if st == s {
			return i
		}
	}
	return len(AllServiceTypes())
}

// EnvVarName returns the environment variable that carries the service's
// port, e.g. "FRONTEND_PORT".
func (s ServiceType) EnvVarName() string {
	return strings.ToUpper(string(s)) + "_PORT"
}

// ParseServiceType converts a string to a ServiceType (case-insensitive).
func ParseServiceType(s string) (ServiceType, error) {
	st := ServiceType(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("invalid service type: %q (valid: frontend, backend, database, redis, auxiliary)", s)
	}
	return st, nil
}

// ParseServiceTypes parses a list of service type names and rejects
// duplicates, since one request can hold at most one port per service.
func ParseServiceTypes(values []string) ([]ServiceType, error) {
	seen := make(map[ServiceType]bool, len(values))
	result := make([]ServiceType, 0, len(values))
	for _, v := range values {
		st, err := ParseServiceType(v)
		if err != nil {
			return nil, err
		}
		if seen[st] {
			return nil, fmt.Errorf("service type %q requested more than once", st)
		}
		seen[st] = true
		result = append(result, st)
	}
	return result, nil
}

// Environment is the deployment environment an allocation belongs to.
// Port uniqueness is enforced per environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// AllEnvironments returns every environment in canonical order.
func AllEnvironments() []Environment {
	return []Environment{EnvDevelopment, EnvProduction}
}

// String returns the string representation of Environment.
func (e Environment) String() string {
	return string(e)
}

// IsValid checks whether the Environment is one of the predefined values.
func (e Environment) IsValid() bool {
	return e == EnvDevelopment || e == EnvProduction
}

// Suffix returns the short form used in process names ("dev" / "prod").
func (e Environment) Suffix() string {
	if e == EnvProduction {
		return "prod"
	}
	return "dev"
}

// ParseEnvironment converts a string to an Environment. The short forms
// "dev" and "prod" are accepted as aliases.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev":
		return EnvDevelopment, nil
	case "production", "prod":
		return EnvProduction, nil
	default:
		return "", fmt.Errorf("invalid environment: %q (valid: development, production)", s)
	}
}

// AllocationStatus is the registry status of an allocation row.
//
//	allocated → configured → allocated (process deleted)
//	allocated/configured → released
type AllocationStatus string

const (
	// StatusAllocated means the port is reserved but no process
	// descriptor has been generated for it.
	StatusAllocated AllocationStatus = "allocated"

	// StatusConfigured means a process descriptor exists for the row.
	StatusConfigured AllocationStatus = "configured"

	// StatusReleased means the port was given back and may be reused.
	StatusReleased AllocationStatus = "released"
)

// String returns the string representation of AllocationStatus.
func (s AllocationStatus) String() string {
	return string(s)
}

// IsValid checks whether the status is one of the predefined values.
func (s AllocationStatus) IsValid() bool {
	switch s {
	case StatusAllocated, StatusConfigured, StatusReleased:
		return true
	default:
		return false
	}
}

// Holds reports whether a row with this status reserves its port.
func (s AllocationStatus) Holds() bool {
	return s == StatusAllocated || s == StatusConfigured
}

// ParseAllocationStatus converts a string to an AllocationStatus.
func ParseAllocationStatus(s string) (AllocationStatus, error) {
	status := AllocationStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid allocation status: %q (valid: allocated, configured, released)", s)
	}
	return status, nil
}

// Allocation is a single (project, service, port, environment) reservation.
type Allocation struct {
	ProjectName      string           `json:"projectName"`
	ServiceType      ServiceType      `json:"serviceType"`
	Port             int              `json:"port"`
	Environment      Environment      `json:"environment"`
	Status           AllocationStatus `json:"status"`
	CreatedAt        time.Time        `json:"createdAt"`
	WorkingDirectory string           `json:"workingDirectory,omitempty"`
}

const (
	// MinPort is the lowest port portkeeper will hand out; privileged
	// ports are never allocated.
	MinPort = 1024

	// MaxPort is the highest valid TCP/UDP port number.
	MaxPort = 65535
)

// Validate checks that the allocation's fields are well formed.
func (a *Allocation) Validate() error {
	if err := ValidateProjectName(a.ProjectName); err != nil {
		return err
	}
	if !a.ServiceType.IsValid() {
		return fmt.Errorf("allocation %s: invalid service type %q", a.ProjectName, a.ServiceType)
	}
	if !a.Environment.IsValid() {
		return fmt.Errorf("allocation %s/%s: invalid environment %q", a.ProjectName, a.ServiceType, a.Environment)
	}
	if a.Port < MinPort || a.Port > MaxPort {
		return fmt.Errorf("allocation %s/%s: port %d out of range (%d-%d)", a.ProjectName, a.ServiceType, a.Port, MinPort, MaxPort)
	}
	if !a.Status.IsValid() {
		return fmt.Errorf("allocation %s/%s: invalid status %q", a.ProjectName, a.ServiceType, a.Status)
	}
	return nil
}

// Holds reports whether the allocation currently reserves its port.
func (a *Allocation) Holds() bool {
	return a.Status.Holds()
}

// String returns a human-readable representation of the allocation.
// Format: "project/service:port (environment, status)"
func (a *Allocation) String() string {
	return fmt.Sprintf("%s/%s:%d (%s, %s)", a.ProjectName, a.ServiceType, a.Port, a.Environment, a.Status)
}

// PortKey identifies a port within an environment. Uniqueness of holding
// allocations is defined over this key.
type PortKey struct {
	Port        int
	Environment Environment
}

// Key returns the allocation's PortKey.
func (a *Allocation) Key() PortKey {
	return PortKey{Port: a.Port, Environment: a.Environment}
}

// ValidateAllocations checks every row individually and verifies that no
// two holding rows share the same (port, environment).
func ValidateAllocations(rows []Allocation) error {
	seen := make(map[PortKey]string)
	for i := range rows {
		if err := rows[i].Validate(); err != nil {
			return err
		}
		if !rows[i].Holds() {
			continue
		}
		key := rows[i].Key()
		if owner, exists := seen[key]; exists {
			return fmt.Errorf("port %d (%s) is held by both %s and %s/%s",
				key.Port, key.Environment, owner, rows[i].ProjectName, rows[i].ServiceType)
		}
		seen[key] = rows[i].ProjectName + "/" + rows[i].ServiceType.String()
	}
	return nil
}

// FilterProject returns the rows belonging to project. When env is
// non-empty only rows of that environment are returned.
func FilterProject(rows []Allocation, project string, env Environment) []Allocation {
	var out []Allocation
	for _, r := range rows {
		if r.ProjectName != project {
			continue
		}
		if env != "" && r.Environment != env {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Holding returns only the rows that reserve their port.
func Holding(rows []Allocation) []Allocation {
	var out []Allocation
	for _, r := range rows {
		if r.Holds() {
			out = append(out, r)
		}
	}
	return out
}

// projectNameRegex allows letters, digits, dot, underscore and hyphen; the
// name must start with a letter or digit. Commas and newlines would break
// the registry's tabular format and are therefore rejected.
var projectNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateProjectName checks whether name is usable as a project name.
func ValidateProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("project name must not be empty")
	}
	if !projectNameRegex.MatchString(name) {
		return fmt.Errorf("invalid project name %q: use letters, digits, '.', '_' or '-', starting with a letter or digit", name)
	}
	return nil
}

// PortRange is an inclusive [Min, Max] port interval.
type PortRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Contains reports whether port lies within the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Min && port <= r.Max
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.Max < r.Min {
		return 0
	}
	return r.Max - r.Min + 1
}

// Overlaps reports whether the two ranges share at least one port.
func (r PortRange) Overlaps(o PortRange) bool {
	return r.Min <= o.Max && o.Min <= r.Max
}

// Validate checks bounds and ordering.
func (r PortRange) Validate() error {
	if r.Min < MinPort || r.Max > MaxPort {
		return fmt.Errorf("range %s outside %d-%d", r, MinPort, MaxPort)
	}
	if r.Min > r.Max {
		return fmt.Errorf("range %s has min greater than max", r)
	}
	return nil
}

// String returns "min-max".
func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// ServiceRange binds a port range to a (service type, environment) pair.
type ServiceRange struct {
	ServiceType ServiceType
	Environment Environment
	Range       PortRange
}

// ProcessState is the lifecycle state of a supervised process.
//
//	configured → running → stopped / crashed → running (restart) → deleted
type ProcessState string

const (
	ProcessConfigured ProcessState = "configured"
	ProcessRunning    ProcessState = "running"
	ProcessStopped    ProcessState = "stopped"
	ProcessCrashed    ProcessState = "crashed"
	ProcessDeleted    ProcessState = "deleted"
)

// String returns the string representation of ProcessState.
func (s ProcessState) String() string {
	return string(s)
}
