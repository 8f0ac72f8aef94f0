package supervisor

import (
	"io"
	"sync"

	"go.uber.org/zap"
)

// sinkWriter tees job output into a log sink. A failing sink is dropped after
// its first error and never surfaces to os/exec, so the job's pipe keeps
// draining and its in-memory capture stays complete.
type sinkWriter struct {
	mu     sync.Mutex
	w      io.Writer
	stream string
	logger *zap.Logger
}

func newSinkWriter(w io.Writer, stream string, logger *zap.Logger) *sinkWriter {
	return &sinkWriter{w: w, stream: stream, logger: logger}
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return len(p), nil
	}
	if _, err := s.w.Write(p); err != nil {
		s.logger.Warn("job log sink write failed; further output stays in memory only",
			zap.String("stream", s.stream), zap.Error(err))
		s.w = nil
	}
	return len(p), nil
}
