package localserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const connTimeout = 30 * time.Second

// Server is the control socket server.
type Server struct {
	listener net.Listener
	path     string
	handler  *Handler
	logger   *slog.Logger
	running  atomic.Bool
	wg       sync.WaitGroup

	mu    sync.Mutex
	ready chan struct{}
}

// New creates a server for socketPath.
func New(socketPath string, handler *Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		path:    socketPath,
		handler: handler,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Ready is closed once the socket accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ListenAndServe creates the socket and serves until Shutdown. A stale
// socket file from a previous run is removed.
func (s *Server) ListenAndServe() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		l.Close()
		return err
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.running.Store(true)
	close(s.ready)
	s.logger.Info("control socket listening", "path", s.path)

	for {
		conn, err := l.Accept()
		if err != nil {
			// Check if server is shutting down
			if !s.running.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown closes the listener and waits for active connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)

	var closeErr error
	s.mu.Lock()
	if s.listener != nil {
		closeErr = s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	for {
		_ = conn.SetDeadline(time.Now().Add(connTimeout))
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		resp := s.handler.Execute(line)
		s.logger.Debug("control command", "command", line, "ok", resp.OK, "error", resp.Error)
		if err := enc.Encode(resp); err != nil {
			s.logger.Debug("control response failed", "error", err)
			return
		}
		if !s.running.Load() {
			return
		}
	}
}
