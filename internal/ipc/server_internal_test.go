package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"

	"tether/internal/logging"
	"tether/internal/services"
)

func pipeServer(t *testing.T, handlers map[string]handlerFunc) *Client {
	t.Helper()
	s := &Server{
		handlers: handlers,
		ctx:      context.Background(),
		logger:   logging.NewNop(),
		conns:    map[net.Conn]struct{}{},
	}
	clientSide, serverSide := net.Pipe()
	s.wg.Add(1)
	go s.serveConn(serverSide)
	t.Cleanup(func() {
		_ = clientSide.Close()
		s.wg.Wait()
	})
	return &Client{conn: clientSide}
}

func pingHandler(context.Context, json.RawMessage) (any, error) {
	return PingResponse{Version: "test"}, nil
}

func TestHandlerPanicBecomesErrorResponse(t *testing.T) {
	client := pipeServer(t, map[string]handlerFunc{
		OpPing: pingHandler,
		"boom": func(context.Context, json.RawMessage) (any, error) {
			panic("handler bug")
		},
	})

	err := client.Call("boom", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "internal error") {
		t.Fatalf("expected internal error, got %v", err)
	}
	if _, err := client.Ping(); err != nil {
		t.Fatalf("Ping after panic: %v", err)
	}
}

func TestOversizedResponseAnswersWithError(t *testing.T) {
	client := pipeServer(t, map[string]handlerFunc{
		OpPing: pingHandler,
		"big": func(context.Context, json.RawMessage) (any, error) {
			return strings.Repeat("x", MaxFrameSize+1), nil
		},
	})

	err := client.Call("big", nil, nil)
	if !errors.Is(err, services.ErrIO) || !strings.Contains(err.Error(), "smaller limit") {
		t.Fatalf("expected io error for oversized response, got %v", err)
	}
	if _, err := client.Ping(); err != nil {
		t.Fatalf("Ping after oversized response: %v", err)
	}
}
