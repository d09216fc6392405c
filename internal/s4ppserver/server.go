// Package s4ppserver implements the Server Role Engine (spec §4.6): a TCP
// listener plus per-connection protocol state machines. Config/New/
// Start/Stop/acceptLoop follow the teacher's server.Server shape — a single
// Config struct with applyDefaults, a connection map guarded by a mutex, a
// WaitGroup-tracked accept loop, graceful Stop that closes every tracked
// connection before returning.
package s4ppserver

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/finlaysensors/s4pp/internal/collab"
	"github.com/finlaysensors/s4pp/internal/logger"
	"github.com/finlaysensors/s4pp/internal/s4pp/dictionary"
	"github.com/finlaysensors/s4pp/internal/s4ppmetrics"
)

// Config holds server configuration knobs.
type Config struct {
	ListenAddr         string
	HashAlgos          []string
	HideAlgos          []string
	MaxSamples         int
	RejectNegativeSpan bool
	NotifyQueueSize    int
	ChallengeTokenLen  int // raw bytes, hex-encoded on the wire

	KeyStore collab.KeyStore
	Sink     dictionary.SampleSink
	Entropy  collab.Entropy // nil selects crypto/rand
	Clock    collab.Clock   // nil disables NTFY:0 auto-advertisement

	Metrics *s4ppmetrics.Metrics
	Log     *slog.Logger
}

// applyDefaults fills zero values with sensible defaults.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":4151"
	}
	if len(c.HashAlgos) == 0 {
		c.HashAlgos = []string{"SHA256"}
	}
	if c.MaxSamples == 0 {
		c.MaxSamples = 2000
	}
	if c.NotifyQueueSize == 0 {
		c.NotifyQueueSize = 16
	}
	if c.ChallengeTokenLen == 0 {
		c.ChallengeTokenLen = 16
	}
	if c.Entropy == nil {
		c.Entropy = systemEntropy{}
	}
	if c.Metrics == nil {
		c.Metrics = s4ppmetrics.Default()
	}
	if c.Log == nil {
		c.Log = logger.Logger()
	}
}

// systemEntropy implements collab.Entropy with crypto/rand, matching the
// default the teacher's control burst path takes when no explicit
// collaborator is injected (sensible zero-value behaviour over requiring
// every caller to wire one up).
type systemEntropy struct{}

func (systemEntropy) Token(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("s4ppserver.systemEntropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Server encapsulates a listener plus active connection tracking.
type Server struct {
	cfg Config
	l   net.Listener
	log *slog.Logger

	mu          sync.RWMutex
	conns       map[string]*serverConn
	acceptingWg sync.WaitGroup
	closing     bool
}

// New creates a new, unstarted Server.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:   cfg,
		conns: make(map[string]*serverConn),
		log:   cfg.Log.With("component", "s4ppserver"),
	}
}

// Start begins listening and launches the accept loop. Safe to call once;
// repeated calls return an error.
func (s *Server) Start() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.l != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.l = ln
	s.mu.Unlock()

	s.log.Info("s4pp server listening", "addr", ln.Addr().String())
	s.acceptingWg.Add(1)
	go s.acceptLoop()
	return nil
}

// acceptLoop accepts connections until the listener is closed, spawning one
// serverConn per accepted socket.
func (s *Server) acceptLoop() {
	defer s.acceptingWg.Done()
	for {
		s.mu.RLock()
		l := s.l
		s.mu.RUnlock()
		if l == nil {
			return
		}
		raw, err := l.Accept()
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", "error", err)
			return
		}

		sc := newServerConn(raw, &s.cfg, s.log)
		s.mu.Lock()
		s.conns[sc.id] = sc
		s.mu.Unlock()
		s.cfg.Metrics.SessionsTotal.Inc()
		s.cfg.Metrics.SessionsActive.Inc()

		go func() {
			sc.run()
			s.mu.Lock()
			delete(s.conns, sc.id)
			s.mu.Unlock()
			s.cfg.Metrics.SessionsActive.Dec()
		}()
	}
}

// Stop gracefully shuts down the server: stops accepting new connections,
// closes every active connection, waits for the accept loop to exit.
func (s *Server) Stop() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.l == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	l := s.l
	s.l = nil
	s.mu.Unlock()
	_ = l.Close()

	s.mu.RLock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.RUnlock()

	s.acceptingWg.Wait()
	s.log.Info("s4pp server stopped")
	return nil
}

// Addr returns the bound listener address, or nil if not started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// SessionCount returns the number of currently tracked connections.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
