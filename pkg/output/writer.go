package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/3leaps/gpubatch/pkg/job"
)

// Writer is the result sink for a batch. Each call emits one complete line
// and implementations are safe for concurrent use.
type Writer interface {
	WriteOutcome(ctx context.Context, o *OutcomeRecord) error
	WriteState(ctx context.Context, s *StateRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	Close() error
}

// JSONLWriter serializes records as "gpubatch.<type>.v1" envelopes, one per
// line, under a mutex so concurrent job observers never interleave.
type JSONLWriter struct {
	mu     sync.Mutex
	w      io.Writer
	runID  string
	closed bool
}

// NewJSONLWriter creates a new JSONL writer tagging every record with runID.
func NewJSONLWriter(w io.Writer, runID string) *JSONLWriter {
	return &JSONLWriter{
		w:     w,
		runID: runID,
	}
}

// WriteOutcome emits a job outcome record.
func (jw *JSONLWriter) WriteOutcome(ctx context.Context, o *OutcomeRecord) error {
	return jw.writeRecord(ctx, TypeOutcome, o)
}

func (jw *JSONLWriter) WriteState(ctx context.Context, s *StateRecord) error {
	return jw.writeRecord(ctx, TypeState, s)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close stops further writes. The underlying writer stays open; it belongs
// to the caller.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line under the
// mutex so lines never interleave.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{Type: recordType, TS: time.Now().UTC(), RunID: jw.runID, Data: payload})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := writeAll(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// WriteOutcomes emits one outcome record per outcome, in order.
func WriteOutcomes(ctx context.Context, w Writer, outcomes []job.Outcome, includeOutput bool) error {
	for _, o := range outcomes {
		if err := w.WriteOutcome(ctx, NewOutcomeRecord(o, includeOutput)); err != nil {
			return err
		}
	}
	return nil
}

// writeAll retries short writes so a line is never truncated. A writer that
// makes no progress fails with io.ErrShortWrite.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		switch {
		case err != nil:
			return err
		case n == 0:
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
