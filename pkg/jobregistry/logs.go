package jobregistry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Log streams captured per job.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

var (
	// ErrInvalidStream is returned for a stream other than stdout or stderr.
	ErrInvalidStream = errors.New("stream must be stdout or stderr")
	// ErrInvalidID is returned for ids that would escape the store root.
	ErrInvalidID = errors.New("invalid id")
)

// ReadLog returns a job's captured stream. A tail > 0 keeps only the last
// tail lines.
func (s *Store) ReadLog(runID, jobID, stream string, tail int) ([]byte, error) {
	if !validID(runID) || !validID(jobID) {
		return nil, fmt.Errorf("%w: %q/%q", ErrInvalidID, runID, jobID)
	}

	var path string
	switch stream {
	case StreamStdout:
		path = s.StdoutPath(runID, jobID)
	case StreamStderr:
		path = s.StderrPath(runID, jobID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStream, stream)
	}

	b, err := os.ReadFile(path) // #nosec G304 -- path is built from validated ids under the store root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s %s log: %w", jobID, stream, ErrNotFound)
		}
		return nil, err
	}
	return tailLines(b, tail), nil
}

func tailLines(b []byte, n int) []byte {
	if n <= 0 || len(b) == 0 {
		return b
	}
	end := len(b)
	if b[end-1] == '\n' {
		end--
	}
	idx := end
	for i := 0; i < n; i++ {
		j := bytes.LastIndexByte(b[:idx], '\n')
		if j < 0 {
			return b
		}
		idx = j
	}
	return b[idx+1:]
}

func validID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}
