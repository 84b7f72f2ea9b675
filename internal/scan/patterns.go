package scan

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mmr-tortoise/portkeeper/internal/model"
)

// portPatterns match hard-coded port literals in source and config files.
// The first capture group of each pattern is the port number.
var portPatterns = []*regexp.Regexp{
	// port = 3000, PORT: 3000, "port": 8080, APP_PORT=8080, serverPort(3000),
	// DB_PORT_DEV=5432. "port" must be a whole word, a snake_case segment or a
	// camelCase suffix, so report: 2024 and support = 5000 do not count.
	regexp.MustCompile(`\b(?:(?:[A-Za-z0-9]+_)*(?:port|Port|PORT)[sS]?|[a-z][A-Za-z0-9]*Ports?)(?:_[A-Za-z0-9]+)*["']?\s*[:=(]\s*["']?(\d{2,5})\b`),
	// localhost:3000, 127.0.0.1:8080, 0.0.0.0:9000, [::1]:3000
	regexp.MustCompile(`(?:\b(?:localhost|127\.0\.0\.1|0\.0\.0\.0)|\[::1?\]):(\d{2,5})\b`),
	// Any host inside a URL authority: http://api.internal:8080,
	// postgres://user:secret@db:5432. Bare host:NNNN outside a URL is left
	// alone; it is indistinguishable from times and YAML keys.
	regexp.MustCompile(`(?:://|@)[A-Za-z0-9.-]+:(\d{2,5})\b`),
	// app.listen(3000), server.listen(8080, ...)
	regexp.MustCompile(`\blisten\(\s*(\d{2,5})\b`),
}

// lineMatch is one port literal found in a line.
type lineMatch struct {
	Port     int
	Evidence string
}

// matchLine returns the distinct valid ports referenced on one line.
// Ports outside the unprivileged range are ignored.
func matchLine(line string) []lineMatch {
	var out []lineMatch
	seen := map[int]bool{}
	for _, re := range portPatterns {
		for _, m := range re.FindAllStringSubmatchIndex(line, -1) {
			// Digits followed by '@' are URL credentials, not a port.
			if m[1] < len(line) && line[m[1]] == '@' {
				continue
			}
			p, err := strconv.Atoi(line[m[2]:m[3]])
			if err != nil || p < model.MinPort || p > model.MaxPort || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, lineMatch{Port: p, Evidence: strings.TrimSpace(line[m[0]:m[1]])})
		}
	}
	return out
}
