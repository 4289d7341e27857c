package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single request or response body.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a peer announces a body above MaxFrameSize.
var ErrFrameTooLarge = errors.New("ipc frame exceeds maximum size")

// Operation names.
const (
	OpPing         = "ping"
	OpStatus       = "status"
	OpShutdown     = "shutdown"
	OpStartWorker  = "start_worker"
	OpStopWorker   = "stop_worker"
	OpGetWorker    = "get_worker"
	OpListWorkers  = "list_workers"
	OpPruneWorkers = "prune_workers"
	OpWorkerLogs   = "worker_logs"
	OpGetRun       = "get_run"
	OpListRuns     = "list_runs"
	OpStopRun      = "stop_run"
	OpPauseRun     = "pause_run"
	OpResumeRun    = "resume_run"
	OpRunLogs      = "run_logs"
	OpGetLogs      = "get_logs"
	OpEmitEvent    = "emit_event"
)

// Request is a single client call.
type Request struct {
	ID     uint64          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the same ID. Kind is set on failure.
type Response struct {
	ID    uint64          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Kind  string          `json:"kind,omitempty"`
}

// WriteFrame marshals v and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and decodes it into v. io.EOF is returned as-is
// when the peer closes between frames.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

// decodeError marks a well-framed body that is not valid JSON for the target,
// which leaves the stream usable.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode frame: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }
