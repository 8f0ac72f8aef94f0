package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gpubatch/pkg/job"
)

func sampleOutcome() job.Outcome {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	o := job.NewOutcome(job.Spec{Overrides: []string{"lr=0.1"}, Index: 1, Num: 11}, "train", "/work")
	o.Status = job.StatusFailed
	o.ExitCode = 2
	o.PID = 4242
	o.Command = job.Command{"ccc", "run", "/tmp/gpus", "python3", "/work/train.py", "lr=0.1"}
	o.Config = map[string]any{"lr": 0.1}
	o.Error = "job_11 exited with code 2: boom"
	o.Stdout = "epoch 1\n"
	o.Stderr = "boom\n"
	o.StartedAt, o.EndedAt = &start, &end
	return o
}

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	assert.NotNil(t, w)
	assert.Equal(t, "run-123", w.runID)
}

func TestJSONLWriter_WriteOutcome(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.WriteOutcome(context.Background(), NewOutcomeRecord(sampleOutcome(), false))
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeOutcome, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.False(t, record.TS.IsZero())

	var data OutcomeRecord
	err = json.Unmarshal(record.Data, &data)
	require.NoError(t, err)

	assert.Equal(t, "job_11", data.JobID)
	assert.Equal(t, 11, data.JobNum)
	assert.Equal(t, 1, data.Index)
	assert.Equal(t, "train", data.TaskName)
	assert.Equal(t, job.StatusFailed, data.Status)
	assert.Equal(t, 2, data.ExitCode)
	assert.Equal(t, 4242, data.PID)
	assert.Equal(t, "/work", data.WorkingDir)
	assert.Equal(t, []string{"lr=0.1"}, data.Overrides)
	assert.Equal(t, 0.1, data.Config["lr"])
	assert.Equal(t, 90*time.Second, data.Duration)
	assert.Empty(t, data.Stdout)
	assert.Empty(t, data.Stderr)
}

func TestNewOutcomeRecord_IncludeOutput(t *testing.T) {
	rec := NewOutcomeRecord(sampleOutcome(), true)
	assert.Equal(t, "epoch 1\n", rec.Stdout)
	assert.Equal(t, "boom\n", rec.Stderr)
}

func TestJSONLWriter_WriteStateAndError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")

	require.NoError(t, w.WriteState(context.Background(), &StateRecord{State: "ALLOCATING"}))
	require.NoError(t, w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrCodeAllocation,
		Message: "no gpus available",
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var state Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &state))
	assert.Equal(t, TypeState, state.Type)

	var errRec Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &errRec))
	assert.Equal(t, TypeError, errRec.Type)

	var data ErrorRecord
	require.NoError(t, json.Unmarshal(errRec.Data, &data))
	assert.Equal(t, ErrCodeAllocation, data.Code)
	assert.Equal(t, "no gpus available", data.Message)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")

	outcomes := []job.Outcome{{Status: job.StatusCompleted}, {Status: job.StatusFailed}, {Status: job.StatusCompleted}}
	sum := NewSummaryRecord(outcomes, 1500*time.Millisecond)
	sum.Handle = "/tmp/gpus"

	require.NoError(t, w.WriteSummary(context.Background(), sum))

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeSummary, record.Type)

	var data SummaryRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, 3, data.Total)
	assert.Equal(t, 2, data.Completed)
	assert.Equal(t, 1, data.Failed)
	assert.Equal(t, 0, data.Unknown)
	assert.Equal(t, "/tmp/gpus", data.Handle)
	assert.Equal(t, 1500*time.Millisecond, data.Duration)
	assert.Equal(t, "1.5s", data.DurationHuman)
}

func TestWriteOutcomes_KeepsOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")

	outcomes := []job.Outcome{
		job.NewOutcome(job.Spec{Num: 0, Index: 0}, "", ""),
		job.NewOutcome(job.Spec{Num: 1, Index: 1}, "", ""),
		job.NewOutcome(job.Spec{Num: 2, Index: 2}, "", ""),
	}
	require.NoError(t, WriteOutcomes(context.Background(), w, outcomes, false))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	for i, line := range lines {
		var record Record
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		var data OutcomeRecord
		require.NoError(t, json.Unmarshal(record.Data, &data))
		assert.Equal(t, i, data.Index)
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.Close()
	require.NoError(t, err)

	err = w.WriteState(context.Background(), &StateRecord{State: "DONE"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				rec := &OutcomeRecord{
					JobID:  "job",
					JobNum: writerID*writesPerWriter + j,
					Status: job.StatusCompleted,
				}
				_ = w.WriteOutcome(context.Background(), rec)
			}
		}(i)
	}

	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteState(ctx, &StateRecord{State: "DONE"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	failWriter := &failingWriter{err: errors.New("disk full")}
	w := NewJSONLWriter(failWriter, "run-123")

	err := w.WriteState(context.Background(), &StateRecord{State: "DONE"})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

func TestJSONLWriter_MarshalFailure(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	rec := &OutcomeRecord{Config: map[string]any{"bad": make(chan int)}}
	err := w.WriteOutcome(context.Background(), rec)
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "marshal_data", writeErr.Op)
	assert.Empty(t, buf.String())
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "run-123")

	err := w.WriteOutcome(context.Background(), NewOutcomeRecord(sampleOutcome(), true))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	err = json.Unmarshal([]byte(lines[0]), &record)
	assert.NoError(t, err, "output should be valid JSON despite short writes")
	assert.Equal(t, TypeOutcome, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "run-123")

	err := w.WriteState(context.Background(), &StateRecord{State: "DONE"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call, returning nil error.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	b, err := json.Marshal(&ErrorRecord{Code: ErrCodeInternal, Message: "x"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "job_id")
	assert.NotContains(t, string(b), "details")
}
