package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mmr-tortoise/portkeeper/internal/model"
)

// printJSON writes v as indented JSON.
func (a *app) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(a.out, string(data))
	return err
}

func (a *app) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.out, format, args...)
}

// warnf writes a human-readable warning to stderr. In JSON mode warnings
// go to the logger only, so stdout stays parseable.
func (a *app) warnf(format string, args ...any) {
	if a.jsonOutput {
		a.logger.Sugar().Warnf(format, args...)
		return
	}
	_, _ = fmt.Fprintf(a.err, "Warning: "+format+"\n", args...)
}

var (
	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleCrashed = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// stateCell renders a process state padded to width. Colour is dropped
// automatically when stdout is not a terminal.
func stateCell(s model.ProcessState, width int) string {
	style := styleMuted
	switch s {
	case model.ProcessRunning:
		style = styleRunning
	case model.ProcessStopped:
		style = styleStopped
	case model.ProcessCrashed:
		style = styleCrashed
	}
	return style.Width(width).Render(s.String())
}

// FormatPortsList renders the ports of allocations as a sorted,
// comma-separated list, or "-" when there are none.
func FormatPortsList(allocations []model.Allocation) string {
	if len(allocations) == 0 {
		return "-"
	}
	nums := make([]int, 0, len(allocations))
	for _, a := range allocations {
		nums = append(nums, a.Port)
	}
	// Numeric order: 3000 before 15432.
	sort.Ints(nums)

	ports := make([]string, 0, len(nums))
	for _, p := range nums {
		ports = append(ports, strconv.Itoa(p))
	}
	return strings.Join(ports, ",")
}

// formatBytes renders a memory size the way pm2 does (12.3mb).
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%db", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cb", float64(n)/float64(div), "kmgt"[exp])
}

// promptConfirmation asks a yes/no question on the command's input.
func (a *app) promptConfirmation(question string) (bool, error) {
	_, _ = fmt.Fprintf(a.err, "%s [y/N] ", question)

	scanner := bufio.NewScanner(a.in)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}
	return false, scanner.Err()
}
