package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError is returned when the supervisor binary exits unsuccessfully.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("pm2 %s failed", strings.Join(e.Args, " "))
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands with os/exec, capturing stderr for error
// messages.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		ce := &CommandError{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			ce.ExitCode = exitErr.ExitCode()
		}
		return stdout.Bytes(), ce
	}
	return stdout.Bytes(), nil
}

// PM2 drives the pm2 process manager through its command line.
type PM2 struct {
	binary     string
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	runner     Runner
	logger     *zap.Logger
}

// PM2Option configures a PM2 client.
type PM2Option func(*PM2)

// WithRunner replaces the command runner.
func WithRunner(r Runner) PM2Option {
	return func(p *PM2) {
		p.runner = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) PM2Option {
	return func(p *PM2) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRetryDelay sets the pause between retries.
func WithRetryDelay(d time.Duration) PM2Option {
	return func(p *PM2) {
		p.retryDelay = d
	}
}

// NewPM2 creates a client for the pm2 binary. Every command is bounded by
// timeout and retried up to retries times on failure.
func NewPM2(binary string, timeout time.Duration, retries int, opts ...PM2Option) *PM2 {
	if binary == "" {
		binary = "pm2"
	}
	p := &PM2{
		binary:     binary,
		timeout:    timeout,
		retries:    retries,
		retryDelay: 500 * time.Millisecond,
		runner:     ExecRunner{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Available reports whether the pm2 binary can be found.
func (p *PM2) Available() error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("pm2 not found (%s): install it with 'npm install -g pm2' or set PORTKEEPER_PM2: %w", p.binary, err)
	}
	return nil
}

// List implements Supervisor using `pm2 jlist`.
func (p *PM2) List(ctx context.Context) ([]ProcessInfo, error) {
	out, err := p.run(ctx, "jlist")
	if err != nil {
		return nil, err
	}
	return ParseJList(out)
}

// Start implements Supervisor.
func (p *PM2) Start(ctx context.Context, ecosystemPath, name string) error {
	_, err := p.run(ctx, "start", ecosystemPath, "--only", name)
	return err
}

// Stop implements Supervisor.
func (p *PM2) Stop(ctx context.Context, name string) error {
	_, err := p.run(ctx, "stop", name)
	return err
}

// Restart implements Supervisor.
func (p *PM2) Restart(ctx context.Context, name string) error {
	_, err := p.run(ctx, "restart", name)
	return err
}

// Reset implements Supervisor.
func (p *PM2) Reset(ctx context.Context, name string) error {
	_, err := p.run(ctx, "reset", name)
	return err
}

// Delete implements Supervisor.
func (p *PM2) Delete(ctx context.Context, name string) error {
	_, err := p.run(ctx, "delete", name)
	return err
}

// run executes one pm2 command with the per-command timeout, retrying
// failures with a constant delay. Cancellation of ctx is never retried.
func (p *PM2) run(ctx context.Context, args ...string) ([]byte, error) {
	var out []byte
	attempt := 0

	op := func() error {
		attempt++
		runCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}

		p.logger.Debug("running pm2", zap.Strings("args", args), zap.Int("attempt", attempt))
		res, err := p.runner.Run(runCtx, p.binary, args...)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var execErr *exec.Error
			if errors.As(err, &execErr) {
				return backoff.Permanent(fmt.Errorf("cannot run %s: %w", p.binary, err))
			}
			return err
		}
		out = res
		return nil
	}

	notify := func(err error, delay time.Duration) {
		p.logger.Warn("pm2 command failed, retrying",
			zap.Strings("args", args), zap.Duration("delay", delay), zap.Error(err))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryDelay), uint64(max(p.retries, 0))), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return out, nil
}

// jlistEntry is the subset of `pm2 jlist` output portkeeper reads.
type jlistEntry struct {
	Name  string `json:"name"`
	PMID  int    `json:"pm_id"`
	PID   int    `json:"pid"`
	Monit struct {
		Memory uint64  `json:"memory"`
		CPU    float64 `json:"cpu"`
	} `json:"monit"`
	Env struct {
		Status       string `json:"status"`
		PMUptime     int64  `json:"pm_uptime"`
		RestartTime  int    `json:"restart_time"`
		OutLogPath   string `json:"pm_out_log_path"`
		ErrorLogPath string `json:"pm_err_log_path"`
	} `json:"pm2_env"`
}

// ParseJList decodes `pm2 jlist` output. pm2 may print banner lines before
// the JSON array (for example when it spawns its daemon), so parsing starts
// at the first '['.
func ParseJList(data []byte) ([]ProcessInfo, error) {
	return parseJList(data, time.Now())
}

func parseJList(data []byte, now time.Time) ([]ProcessInfo, error) {
	start := bytes.IndexByte(data, '[')
	if start < 0 {
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected pm2 jlist output: %q", truncate(string(data), 120))
	}

	var entries []jlistEntry
	if err := json.Unmarshal(data[start:], &entries); err != nil {
		return nil, fmt.Errorf("failed to parse pm2 jlist output: %w", err)
	}

	out := make([]ProcessInfo, 0, len(entries))
	for _, e := range entries {
		info := ProcessInfo{
			Name:        e.Name,
			ID:          e.PMID,
			PID:         e.PID,
			Status:      e.Env.Status,
			CPU:         e.Monit.CPU,
			MemoryBytes: e.Monit.Memory,
			Restarts:    e.Env.RestartTime,
			OutLog:      e.Env.OutLogPath,
			ErrLog:      e.Env.ErrorLogPath,
		}
		if e.Env.Status == StatusOnline && e.Env.PMUptime > 0 {
			info.Uptime = now.Sub(time.UnixMilli(e.Env.PMUptime)).Truncate(time.Second)
		}
		out = append(out, info)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
