package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tether/internal/daemon"
	"tether/internal/logging"
	"tether/internal/manager"
	"tether/internal/services"
	"tether/internal/store"
)

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server exposes daemon control over a Unix domain socket.
type Server struct {
	path     string
	daemon   *daemon.Daemon
	logger   *slog.Logger
	listener net.Listener
	handlers map[string]handlerFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu  sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
}

// NewServer binds the socket at path. A stale socket from a crashed daemon
// is removed; a live one is reported as a conflict.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := cleanStaleSocket(path); err != nil {
		return nil, err
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		path:     path,
		daemon:   d,
		logger:   logging.NewComponentLogger(logger, "ipc"),
		listener: listener,
		ctx:      serverCtx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
	s.handlers = s.routes()
	return s, nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Serve starts accepting connections until Close is called.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if !s.track(conn) {
				_ = conn.Close()
				continue
			}
			s.wg.Add(1)
			go s.serveConn(conn)
		}
	}()
}

// Close stops accepting, wakes connections blocked waiting for a request,
// waits for in-flight requests to be answered, and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	s.closing = true
	for conn := range s.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
	s.connMu.Unlock()
	s.wg.Wait()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket will be cleaned on next start"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually if the next start fails"))
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	_ = conn.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	for {
		if s.ctx.Err() != nil {
			return
		}
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			var decodeErr *decodeError
			if errors.As(err, &decodeErr) {
				resp := errorResponse(0, services.Wrap(services.ErrValidation, "ipc", "decode", "malformed request", err))
				if werr := WriteFrame(conn, resp); werr != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Debug("ipc connection closed", logging.Error(err))
			}
			return
		}

		resp, after := s.dispatch(req)
		err := WriteFrame(conn, resp)
		if errors.Is(err, ErrFrameTooLarge) {
			s.logger.Warn("ipc response too large",
				logging.String("op", req.Op),
				logging.String(logging.FieldEventType, "ipc_response_too_large"),
				logging.String(logging.FieldImpact, "client received an error instead of the result"),
			)
			err = WriteFrame(conn, errorResponse(req.ID, services.Wrap(services.ErrIO, "ipc", req.Op,
				fmt.Sprintf("response exceeds %d MiB; request fewer lines or a smaller limit", MaxFrameSize>>20), nil)))
		}
		if err != nil {
			s.logger.Debug("ipc response write failed", logging.String("op", req.Op), logging.Error(err))
			return
		}
		if after != nil {
			after()
		}
	}
}

// dispatch runs one request. The returned func, when set, must run only after
// the response has been written.
func (s *Server) dispatch(req Request) (Response, func()) {
	handler, ok := s.handlers[req.Op]
	if !ok {
		return errorResponse(req.ID, services.Wrap(services.ErrValidation, "ipc", req.Op,
			fmt.Sprintf("unknown operation %q", req.Op), nil)), nil
	}

	// handlers finish even when the server is closing so in-flight callers get
	// an answer
	ctx := services.WithRequestID(context.WithoutCancel(s.ctx), uuid.NewString())
	logger := logging.WithContext(ctx, s.logger)
	start := time.Now()
	data, err := s.invoke(ctx, logger, req, handler)
	if err != nil {
		logger.Debug("ipc request failed",
			logging.String("op", req.Op),
			logging.String("kind", services.Kind(err)),
			logging.Error(err),
			logging.Duration("elapsed", time.Since(start)),
		)
		return errorResponse(req.ID, err), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return errorResponse(req.ID, fmt.Errorf("encode %s result: %w", req.Op, err)), nil
	}
	logger.Debug("ipc request handled",
		logging.String("op", req.Op),
		logging.Duration("elapsed", time.Since(start)),
	)
	resp := Response{ID: req.ID, OK: true, Data: raw}
	if req.Op == OpShutdown {
		return resp, s.daemon.RequestShutdown
	}
	return resp, nil
}

// invoke runs handler, turning a panic into an internal error so one bad
// request cannot take the daemon down.
func (s *Server) invoke(ctx context.Context, logger *slog.Logger, req Request, handler handlerFunc) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(logger, "ipc handler panicked", "ipc_handler_panic",
				logging.String("op", req.Op),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldErrorHint, "report this request; the daemon kept running"),
			)
			data, err = nil, fmt.Errorf("%s: internal error: %v", req.Op, r)
		}
	}()
	return handler(ctx, req.Params)
}

func errorResponse(id uint64, err error) Response {
	return Response{ID: id, OK: false, Error: err.Error(), Kind: services.Kind(err)}
}

func decodeParams[T any](op string, raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, services.Wrap(services.ErrValidation, "ipc", op, "invalid params", err)
	}
	return v, nil
}

func requireID(op, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", services.Wrap(services.ErrValidation, "ipc", op, "id is required", nil)
	}
	return id, nil
}

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		OpPing:         s.ping,
		OpStatus:       s.status,
		OpShutdown:     s.shutdown,
		OpStartWorker:  s.startWorker,
		OpStopWorker:   s.stopWorker,
		OpGetWorker:    s.getWorker,
		OpListWorkers:  s.listWorkers,
		OpPruneWorkers: s.pruneWorkers,
		OpWorkerLogs:   s.tail(manager.TargetWorker),
		OpGetRun:       s.getRun,
		OpListRuns:     s.listRuns,
		OpStopRun:      s.runAction(OpStopRun, (*manager.Manager).StopRun),
		OpPauseRun:     s.runAction(OpPauseRun, (*manager.Manager).PauseRun),
		OpResumeRun:    s.runAction(OpResumeRun, (*manager.Manager).ResumeRun),
		OpRunLogs:      s.tail(manager.TargetRun),
		OpGetLogs:      s.getLogs,
		OpEmitEvent:    s.emitEvent,
	}
}

func (s *Server) ping(context.Context, json.RawMessage) (any, error) {
	return PingResponse{Version: daemon.Version, Status: "ok"}, nil
}

func (s *Server) status(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.daemon.Status(ctx), nil
}

func (s *Server) shutdown(context.Context, json.RawMessage) (any, error) {
	return ShutdownResponse{Ack: ShutdownAck}, nil
}

func (s *Server) startWorker(ctx context.Context, raw json.RawMessage) (any, error) {
	spec, err := decodeParams[StartWorkerRequest](OpStartWorker, raw)
	if err != nil {
		return nil, err
	}
	mgr, err := s.daemon.Manager()
	if err != nil {
		return nil, err
	}
	return mgr.StartWorker(ctx, spec)
}

func (s *Server) stopWorker(ctx context.Context, raw json.RawMessage) (any, error) {
	req, err := decodeParams[StopWorkerRequest](OpStopWorker, raw)
	if err != nil {
		return nil, err
	}
	id, err := requireID(OpStopWorker, req.ID)
	if err != nil {
		return nil, err
	}
	mgr, err := s.daemon.Manager()
	if err != nil {
		return nil, err
	}
	return mgr.StopWorker(ctx, id, req.StopRuns)
}

func (s *Server) getWorker(ctx context.Context, raw json.RawMessage) (any, error) {
	req, err := decodeParams[IDRequest](OpGetWorker, raw)
	if err != nil {
		return nil, err
	}
	id, err := requireID(OpGetWorker, req.ID)
	if err != nil {
		return nil, err
	}
	mgr, err := s.daemon.Manager()
	if err != nil {
		return nil, err
	}
	return mgr.GetWorker(ctx, id)
}

func (s *Server) listWorkers(ctx context.Context, raw json.RawMessage) (any, error) {
	req, err := decodeParams[ListWorkersRequest](OpListWorkers, raw)
	if err != nil {
		return nil, err
	}
	mgr, err := s.daemon.Manager()
	if err != nil {
		return nil, err
	}
	workers, err := mgr.ListWorkers(ctx, req.All)
	if err != nil {
		return nil, err
	}
	if workers == nil {
		workers = []*store.Worker{}
	}
	return workers, nil
}

func (s *Server) pruneWorkers(ctx context.Context, raw json.RawMessage) (any, error) {
	req, err := decodeParams[PruneWorkersRequest](OpPruneWorkers, raw)
	if err != nil {
		return nil, err
	}
	if req.OlderThanSeconds < 0 {
		return nil, services.Wrap(services.ErrValidation, "ipc", OpPruneWorkers, "older_than_seconds must not be negative", nil)
	}
	mgr, err := s.daemon.Manager()
	if err != nil {
		return nil, err
	}
	return mgr.PruneWorkers(ctx, time.Duration(req.OlderThanSeconds)*time.Second)
}

func (s *Server) getRun(ctx context.Context, raw json.RawMessage) (any, error) {
	req, err := decodeParams[IDRequest](OpGetRun, raw)
	if err != nil {
		return nil, err
	}
	id, err := requireID(OpGetRun, req.ID)
	if err != nil {
		return nil, err
	}
	mgr, err := s.daemon.Manager()
	if err != nil {
		return nil, err
	}
	return mgr.GetRun(ctx, id)
}

func (s *Server) listRuns(ctx context.Context, raw json.RawMessage) (any, error) {
	req, err := decodeParams[ListRunsRequest](OpListRuns, raw)
	if err != nil {
		return nil, err
	}
	mgr, err := s.daemon.Manager()
	if err != nil {
		return nil, err
	}
	runs, err := mgr.ListRuns(ctx, store.RunFilter{
		WorkerID: strings.TrimSpace(req.WorkerID),
		Status:   store.RunStatus(strings.TrimSpace(req.Status)),
		All:      req.All,
		Limit:    req.Limit,
	})
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return runs, nil
}

func (s *Server) runAction(op string, action func(*manager.Manager, context.Context, string) (*store.Run, error)) handlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		req, err := decodeParams[IDRequest](op, raw)
		if err != nil {
			return nil, err
		}
		id, err := requireID(op, req.ID)
		if err != nil {
			return nil, err
		}
		mgr, err := s.daemon.Manager()
		if err != nil {
			return nil, err
		}
		return action(mgr, ctx, id)
	}
}

func (s *Server) tail(target string) handlerFunc {
	op := OpRunLogs
	if target == manager.TargetWorker {
		op = OpWorkerLogs
	}
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		req, err := decodeParams[TailRequest](op, raw)
		if err != nil {
			return nil, err
		}
		id, err := requireID(op, req.ID)
		if err != nil {
			return nil, err
		}
		lines := req.Lines
		if lines <= 0 {
			lines = defaultTailLines
		}
		mgr, err := s.daemon.Manager()
		if err != nil {
			return nil, err
		}
		page, err := mgr.GetLogs(ctx, id, target, -1, lines)
		if err != nil {
			return nil, err
		}
		text := strings.Join(page.Lines, "\n")
		if text != "" {
			text += "\n"
		}
		return TailResponse{Path: page.Path, Logs: text, Lines: int64(page.Total)}, nil
	}
}

func (s *Server) getLogs(ctx context.Context, raw json.RawMessage) (any, error) {
	req, err := decodeParams[GetLogsRequest](OpGetLogs, raw)
	if err != nil {
		return nil, err
	}
	id, err := requireID(OpGetLogs, req.TargetID)
	if err != nil {
		return nil, err
	}
	mgr, err := s.daemon.Manager()
	if err != nil {
		return nil, err
	}
	return mgr.GetLogs(ctx, id, req.TargetType, req.SinceLine, req.Limit)
}

func (s *Server) emitEvent(ctx context.Context, raw json.RawMessage) (any, error) {
	event, err := decodeParams[EmitEventRequest](OpEmitEvent, raw)
	if err != nil {
		return nil, err
	}
	mgr, err := s.daemon.Manager()
	if err != nil {
		return nil, err
	}
	return mgr.Dispatch(ctx, event)
}
