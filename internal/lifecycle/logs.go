package lifecycle

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
)

// tailWindow bounds how much of a log file is read to find the last lines.
const tailWindow = 512 * 1024

// LogChunk is the tail of one log stream of one process.
type LogChunk struct {
	Name   string   `json:"name"`
	Stream string   `json:"stream"`
	Path   string   `json:"path"`
	Lines  []string `json:"lines"`
}

// tailFile returns up to n trailing lines of path. A missing file yields
// no lines and no error; the process may simply not have logged yet.
func tailFile(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	partial := false
	if info.Size() > tailWindow {
		if _, err := f.Seek(info.Size()-tailWindow, io.SeekStart); err != nil {
			return nil, err
		}
		partial = true
	}

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), tailWindow)
	first := true
	for sc.Scan() {
		// The first line after a seek is usually cut in half.
		if first && partial {
			first = false
			continue
		}
		first = false
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}
