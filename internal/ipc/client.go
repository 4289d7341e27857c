package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"tether/internal/services"
)

const dialTimeout = 2 * time.Second

// Client issues requests to the daemon over one connection. Calls are
// serialized; a Client is safe for concurrent use.
type Client struct {
	conn   net.Conn
	mu     sync.Mutex
	nextID uint64
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Call sends op with params and decodes the response data into out, which
// may be nil. Failures reported by the daemon keep their services marker.
func (c *Client) Call(op string, params, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := Request{ID: c.nextID, Op: op}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", op, err)
		}
		req.Params = raw
	}
	if err := WriteFrame(c.conn, req); err != nil {
		return err
	}
	var resp Response
	if err := ReadFrame(c.conn, &resp); err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("ipc: response id %d does not match request id %d", resp.ID, req.ID)
	}
	if !resp.OK {
		return services.FromKind(resp.Kind, resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping() (*PingResponse, error) {
	var resp PingResponse
	if err := c.Call(OpPing, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.Call(OpStatus, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown asks the daemon to drain and exit. The acknowledgement arrives
// before the daemon begins shutting down.
func (c *Client) Shutdown() (*ShutdownResponse, error) {
	var resp ShutdownResponse
	if err := c.Call(OpShutdown, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartWorker creates a worker.
func (c *Client) StartWorker(req StartWorkerRequest) (*Worker, error) {
	var resp Worker
	if err := c.Call(OpStartWorker, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopWorker stops a worker, and its open runs when stopRuns is set.
func (c *Client) StopWorker(id string, stopRuns bool) (*Worker, error) {
	var resp Worker
	if err := c.Call(OpStopWorker, StopWorkerRequest{ID: id, StopRuns: stopRuns}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetWorker fetches one worker.
func (c *Client) GetWorker(id string) (*Worker, error) {
	var resp Worker
	if err := c.Call(OpGetWorker, IDRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListWorkers lists workers; stopped ones only when all is set.
func (c *Client) ListWorkers(all bool) ([]*Worker, error) {
	var resp []*Worker
	if err := c.Call(OpListWorkers, ListWorkersRequest{All: all}, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PruneWorkers removes finished workers idle for at least olderThan.
func (c *Client) PruneWorkers(olderThan time.Duration) (*PruneWorkersResponse, error) {
	var resp PruneWorkersResponse
	req := PruneWorkersRequest{OlderThanSeconds: int64(olderThan / time.Second)}
	if err := c.Call(OpPruneWorkers, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WorkerLogs returns the tail of a worker's activity log.
func (c *Client) WorkerLogs(id string, lines int) (*TailResponse, error) {
	var resp TailResponse
	if err := c.Call(OpWorkerLogs, TailRequest{ID: id, Lines: lines}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun fetches one run.
func (c *Client) GetRun(id string) (*Run, error) {
	var resp Run
	if err := c.Call(OpGetRun, IDRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns lists runs matching req.
func (c *Client) ListRuns(req ListRunsRequest) ([]*Run, error) {
	var resp []*Run
	if err := c.Call(OpListRuns, req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// StopRun stops a run.
func (c *Client) StopRun(id string) (*Run, error) {
	return c.runAction(OpStopRun, id)
}

// PauseRun pauses a run waiting for its retry.
func (c *Client) PauseRun(id string) (*Run, error) {
	return c.runAction(OpPauseRun, id)
}

// ResumeRun resumes a paused run.
func (c *Client) ResumeRun(id string) (*Run, error) {
	return c.runAction(OpResumeRun, id)
}

func (c *Client) runAction(op, id string) (*Run, error) {
	var resp Run
	if err := c.Call(op, IDRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunLogs returns the tail of a run's output.
func (c *Client) RunLogs(id string, lines int) (*TailResponse, error) {
	var resp TailResponse
	if err := c.Call(OpRunLogs, TailRequest{ID: id, Lines: lines}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetLogs reads a page of a run or worker log.
func (c *Client) GetLogs(req GetLogsRequest) (*GetLogsResponse, error) {
	var resp GetLogsResponse
	if err := c.Call(OpGetLogs, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EmitEvent dispatches an event to matching workers.
func (c *Client) EmitEvent(event EmitEventRequest) (*EmitEventResponse, error) {
	var resp EmitEventResponse
	if err := c.Call(OpEmitEvent, event, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
