// Package jsonl reads and writes newline-delimited JSON records, one event
// envelope per line.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// MaxLineBytes bounds a single record.
const MaxLineBytes = 4 << 20

// Writer appends records to a JSONL file under an exclusive file lock.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates the file and its parent directories if needed.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600) //nolint:gosec // G304 - path chosen by the operator
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	_ = f.Close()
	return &Writer{path: path}, nil
}

// Path is the file being written.
func (w *Writer) Path() string {
	return w.path
}

// Append marshals every record and writes them with a single locked write,
// so a batch is never interleaved with another writer's lines.
func (w *Writer) Append(records ...any) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for i, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record %d: %w", i, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // G304 - path chosen by the operator
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock file: %w", err)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append records: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	return nil
}

// Close is a no-op; the writer holds no open handles between appends.
func (w *Writer) Close() error {
	return nil
}

// Record is one decoded line.
type Record struct {
	Line   int
	Fields map[string]any
	Err    error
}

// LineError reports a line that is not a JSON object.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Reader decodes a JSONL file. Numbers are kept as json.Number so ids and
// timestamps survive without float rounding.
type Reader struct {
	path string
}

// NewReader opens nothing yet; it only checks that path exists.
func NewReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	return &Reader{path: path}, nil
}

// ReadAll decodes every non-blank line. The first malformed line aborts
// the read with a *LineError.
func (r *Reader) ReadAll() ([]map[string]any, error) {
	var out []map[string]any
	err := r.each(context.Background(), func(rec Record) bool {
		out = append(out, rec.Fields)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream decodes lines onto a channel, closing it at EOF, on the first
// error (delivered as a Record with Err set) or when ctx is done.
func (r *Reader) Stream(ctx context.Context) <-chan Record {
	return stream(ctx, r.each)
}

// Decode streams records from src the way Reader.Stream does. It is meant
// for pipes such as stdin, which are read without a file lock.
func Decode(ctx context.Context, src io.Reader) <-chan Record {
	return stream(ctx, func(ctx context.Context, fn func(Record) bool) error {
		return scan(ctx, src, fn)
	})
}

func stream(ctx context.Context, each func(context.Context, func(Record) bool) error) <-chan Record {
	ch := make(chan Record)
	go func() {
		defer close(ch)
		err := each(ctx, func(rec Record) bool {
			select {
			case ch <- rec:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			select {
			case ch <- Record{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

func (r *Reader) each(ctx context.Context, fn func(Record) bool) error {
	file, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_SH); err != nil {
		return fmt.Errorf("lock file: %w", err)
	}
	defer func() { _ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN) }()

	return scan(ctx, file, fn)
}

func scan(ctx context.Context, src io.Reader, fn func(Record) bool) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		fields, err := decodeObject(raw)
		if err != nil {
			return &LineError{Line: line, Err: err}
		}
		if !fn(Record{Line: line, Fields: fields}) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	return fields, nil
}
