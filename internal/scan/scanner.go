package scan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/port"
)

// Source identifies where a finding came from.
type Source string

const (
	SourceCode         Source = "code"
	SourceCompose      Source = "compose"
	SourceDevcontainer Source = "devcontainer"
	SourceDocker       Source = "docker"
)

// Finding is one hard-coded port reference.
type Finding struct {
	Project  string `json:"project"`
	Path     string `json:"path"`
	Line     int    `json:"line,omitempty"`
	Port     int    `json:"port"`
	Evidence string `json:"evidence"`
	Source   Source `json:"source"`

	// Registered is true when the registry holds this port for the same
	// project, i.e. the literal agrees with the allocation.
	Registered bool `json:"registered"`
}

// ProjectReport holds the findings of one project directory.
type ProjectReport struct {
	Name     string    `json:"name"`
	Dir      string    `json:"dir"`
	Findings []Finding `json:"findings"`

	// TimedOut is set when the per-project time budget ran out; Findings
	// are then partial.
	TimedOut bool `json:"timedOut,omitempty"`
}

// Conflict is a port referenced by a project that does not own it: either
// another project holds it in the registry, or several projects hard-code
// it.
type Conflict struct {
	Port         int       `json:"port"`
	RegisteredTo string    `json:"registeredTo,omitempty"`
	Findings     []Finding `json:"findings"`
}

// Report is the result of a scan. Errors lists unreadable paths; they never
// abort the scan.
type Report struct {
	Root     string               `json:"root"`
	Projects []ProjectReport      `json:"projects"`
	Errors   []*model.ScanIOError `json:"-"`
	holders  map[model.PortKey]string
}

// Options tunes a Scanner.
type Options struct {
	// Timeout bounds the time spent on one project. Zero means no limit.
	Timeout time.Duration

	// Concurrency is the number of projects scanned in parallel.
	Concurrency int

	// MaxFileBytes skips larger files. Zero means no limit.
	MaxFileBytes int64

	// Extensions lists the file extensions searched for literals
	// (".js", ".env", ...). Files named ".env*" always match ".env".
	Extensions []string
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
}

// Scanner searches project directories for hard-coded ports. It only
// reads; the registry is never modified.
type Scanner struct {
	opts   Options
	logger *zap.Logger
	extras port.PortSet
}

// NewScanner creates a Scanner. A nil logger disables logging.
func NewScanner(opts Options, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Scanner{opts: opts, logger: logger}
}

// WithPublishedPorts adds ports published by running containers, keyed by
// port with the container as holder. They are reported as Docker findings
// of a pseudo project named "docker".
func (s *Scanner) WithPublishedPorts(ports port.PortSet) *Scanner {
	s.extras = ports
	return s
}

// ScanExistingProjects scans every immediate subdirectory of root as a
// project. rows are the current registry rows, used to flag findings that
// agree with an allocation and to detect conflicts.
func (s *Scanner) ScanExistingProjects(ctx context.Context, root string, rows []model.Allocation) (*Report, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read scan root %s: %w", root, err)
	}

	report := &Report{Root: root, holders: make(map[model.PortKey]string)}
	owned := make(map[string]map[int]bool)
	for _, r := range model.Holding(rows) {
		report.holders[r.Key()] = r.ProjectName
		if owned[r.ProjectName] == nil {
			owned[r.ProjectName] = make(map[int]bool)
		}
		owned[r.ProjectName][r.Port] = true
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !skipDirs[e.Name()] && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	results := make([]ProjectReport, len(dirs))
	var (
		mu     sync.Mutex
		ioErrs []*model.ScanIOError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, name := range dirs {
		g.Go(func() error {
			pr, errs := s.scanProject(gctx, name, filepath.Join(root, name), owned[name])
			results[i] = pr
			if len(errs) > 0 {
				mu.Lock()
				ioErrs = append(ioErrs, errs...)
				mu.Unlock()
			}
			// Only the caller's cancellation stops the scan.
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(s.extras) > 0 {
		docker := ProjectReport{Name: "docker"}
		for _, p := range s.extras.Ports() {
			docker.Findings = append(docker.Findings, Finding{
				Project:  "docker",
				Path:     s.extras[p],
				Port:     p,
				Evidence: fmt.Sprintf("published by %s", s.extras[p]),
				Source:   SourceDocker,
			})
		}
		results = append(results, docker)
	}

	sort.Slice(ioErrs, func(i, j int) bool { return ioErrs[i].Path < ioErrs[j].Path })
	report.Projects = results
	report.Errors = ioErrs
	return report, nil
}

// scanProject walks one project directory within the time budget.
func (s *Scanner) scanProject(ctx context.Context, name, dir string, owned map[int]bool) (ProjectReport, []*model.ScanIOError) {
	pr := ProjectReport{Name: name, Dir: dir}
	var ioErrs []*model.ScanIOError

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	recordErr := func(path string, err error) {
		e := &model.ScanIOError{Project: name, Path: path, Err: err}
		ioErrs = append(ioErrs, e)
		s.logger.Warn("scan read failure", zap.String("project", name), zap.String("path", path), zap.Error(err))
	}

	add := func(f Finding) {
		f.Project = name
		f.Registered = owned[f.Port]
		pr.Findings = append(pr.Findings, f)
	}

	s.scanManifests(dir, add, recordErr)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			recordErr(path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if !s.wantFile(d.Name()) {
			return nil
		}
		if s.opts.MaxFileBytes > 0 {
			info, err := d.Info()
			if err != nil {
				recordErr(path, err)
				return nil
			}
			if info.Size() > s.opts.MaxFileBytes {
				s.logger.Debug("skipping large file", zap.String("path", path), zap.Int64("size", info.Size()))
				return nil
			}
		}

		rel, _ := filepath.Rel(dir, path)
		if err := scanFile(path, func(line int, m lineMatch) {
			add(Finding{Path: rel, Line: line, Port: m.Port, Evidence: m.Evidence, Source: SourceCode})
		}); err != nil {
			recordErr(path, err)
		}
		return nil
	})

	if errors.Is(walkErr, context.DeadlineExceeded) || errors.Is(walkErr, context.Canceled) {
		if ctx.Err() == context.DeadlineExceeded {
			pr.TimedOut = true
			s.logger.Warn("project scan timed out, findings are partial",
				zap.String("project", name), zap.Duration("timeout", s.opts.Timeout))
		}
	} else if walkErr != nil {
		recordErr(dir, walkErr)
	}

	sort.SliceStable(pr.Findings, func(i, j int) bool {
		a, b := pr.Findings[i], pr.Findings[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Port < b.Port
	})
	return pr, ioErrs
}

// scanManifests reads compose and devcontainer manifests at the project
// root.
func (s *Scanner) scanManifests(dir string, add func(Finding), recordErr func(string, error)) {
	for _, name := range composeFileNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				recordErr(path, err)
			}
			continue
		}
		ports, err := parseComposePorts(data)
		if err != nil {
			recordErr(path, err)
			continue
		}
		for _, p := range ports {
			add(Finding{Path: name, Port: p.Port, Evidence: p.Evidence, Source: SourceCompose})
		}
	}

	for _, rel := range devcontainerPaths {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				recordErr(path, err)
			}
			continue
		}
		ports, err := parseDevcontainerPorts(data)
		if err != nil {
			recordErr(path, err)
			continue
		}
		for _, p := range ports {
			add(Finding{Path: rel, Port: p.Port, Evidence: p.Evidence, Source: SourceDevcontainer})
		}
		break
	}
}

// wantFile reports whether a file's extension is in the configured set.
// Manifests are parsed separately and skipped here.
func (s *Scanner) wantFile(name string) bool {
	for _, c := range composeFileNames {
		if name == c {
			return false
		}
	}
	if name == "devcontainer.json" || name == ".devcontainer.json" {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if strings.HasPrefix(name, ".env") {
		ext = ".env"
	}
	for _, e := range s.opts.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// scanFile reports every port literal in path, line by line.
func scanFile(path string, emit func(line int, m lineMatch)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		for _, m := range matchLine(sc.Text()) {
			emit(line, m)
		}
	}
	return sc.Err()
}

// Findings returns every finding of every project.
func (r *Report) Findings() []Finding {
	var out []Finding
	for _, p := range r.Projects {
		out = append(out, p.Findings...)
	}
	return out
}

// Ports returns the hard-coded ports as a prober for the allocator, so new
// allocations steer clear of literals found in other projects.
func (r *Report) Ports() port.PortSet {
	set := port.PortSet{}
	for _, f := range r.Findings() {
		set.Add(f.Port, fmt.Sprintf("%s/%s", f.Project, f.Path))
	}
	return set
}

// Conflicts returns ports referenced by a project that does not hold them:
// ports registered to another project in env, and ports hard-coded by more
// than one project. Results are ordered by port.
func (r *Report) Conflicts(env model.Environment) []Conflict {
	byPort := make(map[int][]Finding)
	for _, f := range r.Findings() {
		byPort[f.Port] = append(byPort[f.Port], f)
	}

	var out []Conflict
	for p, findings := range byPort {
		owner := r.holders[model.PortKey{Port: p, Environment: env}]
		projects := map[string]bool{}
		foreign := false
		for _, f := range findings {
			projects[f.Project] = true
			if owner != "" && f.Project != owner {
				foreign = true
			}
		}
		if foreign || len(projects) > 1 {
			out = append(out, Conflict{Port: p, RegisteredTo: owner, Findings: findings})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
