// Package server accepts device TCP connections and runs the per-connection
// session protocol: identifier handshake, length-framed packet stream,
// per-packet record-count acknowledgements.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/roadpulse/fleet-ingester/internal/codec8"
	"github.com/roadpulse/fleet-ingester/internal/ingest"
	"github.com/roadpulse/fleet-ingester/internal/metrics"
	"go.uber.org/zap"
)

// Ingester persists one decoded packet for an identified device.
type Ingester interface {
	Ingest(ctx context.Context, pkt *codec8.Packet, identifier string) (ingest.Result, error)
}

type Options struct {
	Addr          string
	FrameCapBytes int
	IdleTimeout   time.Duration
	// IngestWorkers bounds how many sessions may be inside the ingestion
	// pipeline at once; further sessions block on their own connection.
	IngestWorkers int
}

type Server struct {
	opts     Options
	ingester Ingester
	logger   *zap.Logger

	listener net.Listener
	sem      chan struct{}

	mu       sync.Mutex
	sessions map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func New(opts Options, ingester Ingester, logger *zap.Logger) *Server {
	return &Server{
		opts:     opts,
		ingester: ingester,
		logger:   logger,
		sem:      make(chan struct{}, opts.IngestWorkers),
		sessions: make(map[net.Conn]struct{}),
	}
}

// Listen binds the device port. Split from Run so readiness can be reported
// as soon as the socket is open.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.logger.Info("device listener started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready reports whether the listener is accepting connections.
func (s *Server) Ready() bool {
	return s.listener != nil
}

// Run accepts connections until ctx is cancelled, then closes every live
// session and waits for their goroutines.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			newSession(conn, s.ingester, s.sem, s.opts, s.logger).run(ctx)
		}()
	}

	s.closeAll()
	s.wg.Wait()
	s.logger.Info("device listener stopped")
	return nil
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.sessions[conn] = struct{}{}
	s.mu.Unlock()
	metrics.SessionsActive.Inc()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.sessions, conn)
	s.mu.Unlock()
	metrics.SessionsActive.Dec()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.sessions {
		conn.Close()
	}
}
