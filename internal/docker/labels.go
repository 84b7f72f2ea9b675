package docker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mmr-tortoise/portkeeper/internal/model"
)

// Container labels written into generated compose manifests. All keys share
// the "portkeeper." prefix so they never collide with labels from Compose
// or other tools.
const (
	LabelPrefix = "portkeeper."

	// LabelManagedBy marks containers whose ports come from the registry.
	// Value: always ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	LabelProject     = LabelPrefix + "project"
	LabelService     = LabelPrefix + "service"
	LabelEnvironment = LabelPrefix + "environment"

	// LabelPort holds the host port the registry allocated.
	LabelPort = LabelPrefix + "port"

	// LabelRegistry holds the path of the registry file the allocation
	// lives in.
	LabelRegistry = LabelPrefix + "registry"
)

// ManagedByValue is the value of LabelManagedBy.
const ManagedByValue = "portkeeper"

// BuildLabels returns the labels describing allocation a.
func BuildLabels(a model.Allocation, registryPath string) map[string]string {
	labels := map[string]string{
		LabelManagedBy:   ManagedByValue,
		LabelProject:     a.ProjectName,
		LabelService:     a.ServiceType.String(),
		LabelEnvironment: a.Environment.String(),
		LabelPort:        strconv.Itoa(a.Port),
	}
	if registryPath != "" {
		labels[LabelRegistry] = registryPath
	}
	return labels
}

// Owner is the registry allocation a container claims through its labels.
type Owner struct {
	Project     string
	Service     model.ServiceType
	Environment model.Environment
	Port        int
}

// ParseLabels reads the allocation a container claims. ok is false for
// containers portkeeper did not label; err is set when the labels are
// present but malformed.
func ParseLabels(labels map[string]string) (owner Owner, ok bool, err error) {
	if labels[LabelManagedBy] != ManagedByValue {
		return Owner{}, false, nil
	}

	var missing []string
	for _, key := range []string{LabelProject, LabelService, LabelEnvironment, LabelPort} {
		if _, present := labels[key]; !present {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Owner{}, true, fmt.Errorf("missing required labels: %s", strings.Join(missing, ", "))
	}

	st, err := model.ParseServiceType(labels[LabelService])
	if err != nil {
		return Owner{}, true, fmt.Errorf("invalid label %s: %w", LabelService, err)
	}
	env, err := model.ParseEnvironment(labels[LabelEnvironment])
	if err != nil {
		return Owner{}, true, fmt.Errorf("invalid label %s: %w", LabelEnvironment, err)
	}
	p, err := strconv.Atoi(labels[LabelPort])
	if err != nil || p < 1 || p > 65535 {
		return Owner{}, true, fmt.Errorf("invalid label %s: %q", LabelPort, labels[LabelPort])
	}

	return Owner{Project: labels[LabelProject], Service: st, Environment: env, Port: p}, true, nil
}
