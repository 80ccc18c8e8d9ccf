package SparkServer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"PodLogServer/Common"

	"go.uber.org/zap"
)

var ErrUnknownSession = errors.New("no pod connected with that session id")

type Options struct {
	Port       int
	BufferSize int
	ChunkSize  int
	// MaxFrame caps the declared frame length; zero means the buffer decides.
	MaxFrame int
	// CommandTimeout bounds each command socket request; zero means 10s.
	CommandTimeout time.Duration
	Now            func() time.Time
}

type Server struct {
	opts     Options
	registry *Common.Registry
	logger   *zap.Logger

	mu    sync.RWMutex
	conns map[string]*PodConnection
}

func NewServer(opts Options, registry *Common.Registry, logger *zap.Logger) *Server {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 2048
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	if registry == nil {
		registry = Common.NewRegistry()
	}
	return &Server{
		opts:     opts,
		registry: registry,
		logger:   logger.Named("spark"),
		conns:    make(map[string]*PodConnection),
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting SparkServer", zap.Int("port", s.opts.Port))
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp4", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.opts.Port, err)
	}
	return s.ServeListener(ctx, l)
}

func (s *Server) ServeListener(ctx context.Context, l net.Listener) error {
	return s.acceptLoop(ctx, l, s.Serve)
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener, serve func(context.Context, net.Conn) error) error {
	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Failed to accept connection", zap.Error(err))
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serve(ctx, c); err != nil {
				s.logger.Error("Connection dropped", zap.String("remote_addr", c.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}

// Serve handles one pod connection until it closes. It always closes conn.
func (s *Server) Serve(ctx context.Context, conn net.Conn) error {
	remote := conn.RemoteAddr().String()
	// registered under the lock so a session listed by the registry is always reachable
	s.mu.Lock()
	session := s.registry.Open(Common.SessionKindSpark, remote)
	logger := s.logger.With(zap.String("session", session.Id), zap.String("remote_addr", remote))
	client := NewPodConnection(conn, s.opts, session, logger)
	s.conns[session.Id] = client
	s.mu.Unlock()
	logger.Info("Client connected")

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, session.Id)
		s.mu.Unlock()
		s.registry.Close(session.Id)
		logger.Info("Client disconnected")
	}()

	err := client.HandleConnection(ctx) // blocking call
	if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Connection returns the live connection for a session.
func (s *Server) Connection(sessionId string) (*PodConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[sessionId]
	if !ok {
		return nil, ErrUnknownSession
	}
	return c, nil
}

// ReadValue reads a pod variable over the session's connection.
func (s *Server) ReadValue(ctx context.Context, sessionId, verb string) (string, error) {
	c, err := s.Connection(sessionId)
	if err != nil {
		return "", err
	}
	return c.ReadValue(ctx, verb)
}
