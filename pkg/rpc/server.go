package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"k8s.io/klog/v2"
)

// HandlerFunc serves one method. Params is the raw JSON params field.
type HandlerFunc func(params json.RawMessage) (result interface{}, err error)

// Server accepts JSON-RPC 2.0 connections on a unix socket and
// dispatches to registered handlers. It implements the engine's
// Runnable contract: Start blocks until the context is done.
type Server struct {
	socketPath string

	mu       sync.Mutex
	handlers map[string]HandlerFunc
}

func NewServer(socketPath string) *Server {
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
	}
}

// Handle registers a method handler. Registration after Start is not
// supported.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// Start listens on the socket and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	// A socket file left by a previous run blocks the bind.
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.socketPath, err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	klog.Infof("rpc server listening on %s", s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
	wg.Wait()
	os.Remove(s.socketPath)
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req RPCRequest
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF && ctx.Err() == nil {
				klog.Errorf("rpc: decode request: %v", err)
			}
			return
		}
		resp := s.dispatch(&req)
		if err := enc.Encode(resp); err != nil {
			klog.Errorf("rpc: write response: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(req *RPCRequest) *RPCResponse {
	resp := &RPCResponse{RPCVersion: JSONRPCVersion, ID: req.ID}

	s.mu.Lock()
	fn, ok := s.handlers[req.Method]
	s.mu.Unlock()
	if !ok {
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
		return resp
	}

	result, err := fn(req.Params)
	if err != nil {
		resp.Error = toRPCError(err)
		klog.Errorf("rpc: %s: %v", req.Method, err)
		return resp
	}
	bs, err := json.Marshal(result)
	if err != nil {
		resp.Error = &RPCError{Code: CodeInternal, Message: err.Error()}
		return resp
	}
	resp.Result = bs
	return resp
}

func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: wireCodeOf(err), Message: err.Error()}
}
