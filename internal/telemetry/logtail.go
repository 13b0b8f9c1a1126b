package telemetry

import (
	"context"
	"io"
	"os"
	"strings"
)

// tailReadWindow bounds how much of the file end is read per call.
const tailReadWindow = 256 * 1024

// TailSource returns the most recent lines of a log file. Every call
// re-reads the file tail, so log rotation needs no special handling.
type TailSource struct {
	path string
}

// NewTailSource tails the file at path.
func NewTailSource(path string) *TailSource {
	return &TailSource{path: path}
}

// RecentLines returns up to limit lines from the end of the file.
func (t *TailSource) RecentLines(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	offset := info.Size() - tailReadWindow
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if offset > 0 && len(lines) > 1 {
		// The first line of a mid-file window is a fragment.
		lines = lines[1:]
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}
