package scan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// manifestPort is a host port declared by a manifest.
type manifestPort struct {
	Port     int
	Evidence string
}

// composeFileNames are the compose manifests looked up at a project root.
var composeFileNames = []string{
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yml",
	"compose.yaml",
}

// devcontainerPaths are the standard devcontainer.json locations relative to
// a project root, in priority order.
var devcontainerPaths = []string{
	".devcontainer/devcontainer.json",
	".devcontainer.json",
}

// composeFile is the subset of a compose manifest the scanner reads.
type composeFile struct {
	Services map[string]struct {
		Ports []yaml.Node `yaml:"ports"`
	} `yaml:"services"`
}

// parseComposePorts extracts published host ports from a compose manifest.
//
// Both syntaxes are supported:
//   - short: "3000", "8080:80", "127.0.0.1:8080:80", "8080:80/tcp"
//   - long:  {target: 80, published: 8080}
//
// A short entry without a host part publishes the container port itself.
func parseComposePorts(data []byte) ([]manifestPort, error) {
	var cf composeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse compose file: %w", err)
	}

	var out []manifestPort
	for name, svc := range cf.Services {
		for _, node := range svc.Ports {
			switch node.Kind {
			case yaml.ScalarNode:
				if p, ok := parseShortPort(node.Value); ok {
					out = append(out, manifestPort{Port: p, Evidence: fmt.Sprintf("services.%s.ports: %s", name, node.Value)})
				}
			case yaml.MappingNode:
				var long struct {
					Target    string `yaml:"target"`
					Published string `yaml:"published"`
				}
				if err := node.Decode(&long); err != nil {
					continue
				}
				published := long.Published
				if published == "" {
					published = long.Target
				}
				if p, ok := parseShortPort(published); ok {
					out = append(out, manifestPort{Port: p, Evidence: fmt.Sprintf("services.%s.ports: published %s", name, published)})
				}
			}
		}
	}
	return out, nil
}

// parseShortPort returns the host port of a short-syntax mapping. Ranges
// ("3000-3005:3000-3005") report their first port.
func parseShortPort(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "/"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ":")

	var host string
	switch len(parts) {
	case 1:
		host = parts[0]
	case 2:
		host = parts[0]
	default:
		// ip:host:container, possibly with an IPv6 address in front.
		host = parts[len(parts)-2]
	}
	if i := strings.Index(host, "-"); i >= 0 {
		host = host[:i]
	}
	p, err := strconv.Atoi(host)
	if err != nil || p <= 0 {
		return 0, false
	}
	return p, true
}

// devcontainer is the subset of devcontainer.json the scanner reads.
// forwardPorts entries are numbers or "service:port" strings; appPort is a
// number, a "host:container" string, or an array of either.
type devcontainer struct {
	ForwardPorts []interface{} `json:"forwardPorts,omitempty"`
	AppPort      interface{}   `json:"appPort,omitempty"`
}

// parseDevcontainerPorts extracts forwarded and published ports from a
// devcontainer.json file. The file is JSONC, so comments and trailing commas
// are stripped first.
func parseDevcontainerPorts(data []byte) ([]manifestPort, error) {
	var dc devcontainer
	if err := json.Unmarshal(jsonc.ToJSON(data), &dc); err != nil {
		return nil, fmt.Errorf("failed to parse devcontainer.json: %w", err)
	}

	var out []manifestPort
	for _, fp := range dc.ForwardPorts {
		switch v := fp.(type) {
		case float64:
			// JSON numbers decode to float64 when the target is interface{}.
			out = append(out, manifestPort{Port: int(v), Evidence: fmt.Sprintf("forwardPorts: %d", int(v))})
		case string:
			// "service:port" forwards the container port of a compose service.
			parts := strings.SplitN(v, ":", 2)
			if p, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
				out = append(out, manifestPort{Port: p, Evidence: "forwardPorts: " + v})
			}
		}
	}

	appPorts := []interface{}{dc.AppPort}
	if arr, ok := dc.AppPort.([]interface{}); ok {
		appPorts = arr
	}
	for _, ap := range appPorts {
		switch v := ap.(type) {
		case float64:
			out = append(out, manifestPort{Port: int(v), Evidence: fmt.Sprintf("appPort: %d", int(v))})
		case string:
			if p, ok := parseShortPort(v); ok {
				out = append(out, manifestPort{Port: p, Evidence: "appPort: " + v})
			}
		}
	}
	return out, nil
}
