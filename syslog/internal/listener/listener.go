// Package listener accepts syslog over UDP and TCP and hands every raw
// message to a Handler.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/admission"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

// Handler processes one raw message. raw is only valid for the duration of
// the call. Calls for one TCP connection are sequential; UDP workers call
// concurrently.
type Handler interface {
	Handle(ctx context.Context, raw []byte, origin admission.Origin)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, raw []byte, origin admission.Origin)

func (f HandlerFunc) Handle(ctx context.Context, raw []byte, origin admission.Origin) {
	f(ctx, raw, origin)
}

type Config struct {
	// UDPAddr and TCPAddr are listen addresses. Empty disables the transport.
	UDPAddr        string
	TCPAddr        string
	UDPWorkers     int
	MaxConnections int
	IdleTimeout    time.Duration
	MaxMessageSize int
}

// Server owns the syslog sockets.
type Server struct {
	cfg     Config
	handler Handler
	logger  *logging.Logger

	udp     net.PacketConn
	tcp     net.Listener
	udpPort int
	tcpPort int
	sem     chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	closeOnce sync.Once
	done      chan struct{}
	rejectLog rate.Sometimes
	readLog   rate.Sometimes
}

func New(cfg Config, handler Handler, logger *logging.Logger) *Server {
	if cfg.UDPWorkers <= 0 {
		cfg.UDPWorkers = 4
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1024
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	return &Server{
		cfg:       cfg,
		handler:   handler,
		logger:    logging.OrNop(logger).Component("listener"),
		sem:       make(chan struct{}, cfg.MaxConnections),
		conns:     make(map[net.Conn]struct{}),
		done:      make(chan struct{}),
		rejectLog: rate.Sometimes{Interval: 10 * time.Second},
		readLog:   rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Listen binds the configured sockets. Binding errors are returned so
// startup can fail fast.
func (s *Server) Listen() error {
	if s.cfg.UDPAddr != "" {
		pc, err := net.ListenPacket("udp", s.cfg.UDPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on udp %s: %w", s.cfg.UDPAddr, err)
		}
		s.udp = pc
		s.udpPort = portOf(pc.LocalAddr())
	}
	if s.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			if s.udp != nil {
				_ = s.udp.Close()
			}
			return fmt.Errorf("failed to listen on tcp %s: %w", s.cfg.TCPAddr, err)
		}
		s.tcp = ln
		s.tcpPort = portOf(ln.Addr())
	}
	if s.udp == nil && s.tcp == nil {
		return errors.New("no listener configured")
	}
	return nil
}

// UDPAddr returns the bound UDP address, or nil.
func (s *Server) UDPAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil.
func (s *Server) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// Serve runs the read loops until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.udp == nil && s.tcp == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.udp != nil {
		s.logger.Info("udp listener started", logging.Addr(s.udp.LocalAddr().String()), logging.Count(s.cfg.UDPWorkers))
		for i := 0; i < s.cfg.UDPWorkers; i++ {
			g.Go(func() error { return s.serveUDP(gctx) })
		}
	}
	if s.tcp != nil {
		s.logger.Info("tcp listener started", logging.Addr(s.tcp.Addr().String()))
		g.Go(func() error { return s.serveTCP(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.done:
		}
		return s.Close()
	})
	return g.Wait()
}

func (s *Server) serveUDP(ctx context.Context) error {
	buf := make([]byte, s.cfg.MaxMessageSize+1)
	for {
		n, addr, err := s.udp.ReadFrom(buf)
		if err != nil {
			if s.closed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.readLog.Do(func() {
				s.logger.Warn("udp read failed", logging.Error(err))
			})
			continue
		}
		if n == 0 {
			continue
		}
		s.handler.Handle(ctx, buf[:n], admission.Origin{
			IP:           ipOf(addr),
			Port:         portOf(addr),
			ListenerPort: s.udpPort,
			Transport:    models.TransportUDP,
		})
	}
}

func (s *Server) serveTCP(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if s.closed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.readLog.Do(func() {
				s.logger.Warn("tcp accept failed", logging.Error(err))
			})
			time.Sleep(50 * time.Millisecond)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.rejectLog.Do(func() {
				s.logger.Warn("connection limit reached, rejecting",
					logging.Addr(conn.RemoteAddr().String()),
					logging.Count(s.cfg.MaxConnections),
				)
			})
			_ = conn.Close()
			continue
		}

		if !s.track(conn) {
			<-s.sem
			_ = conn.Close()
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.sem }()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	origin := admission.Origin{
		IP:           ipOf(conn.RemoteAddr()),
		Port:         portOf(conn.RemoteAddr()),
		ListenerPort: s.tcpPort,
		Transport:    models.TransportTCP,
	}
	f := newFramer(conn, s.cfg.MaxMessageSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		frame, err := f.next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.closed():
			case errors.Is(err, os.ErrDeadlineExceeded):
				s.logger.Debug("closing idle connection", logging.Addr(origin.String()))
			default:
				s.logger.Debug("connection read failed", logging.Addr(origin.String()), logging.Error(err))
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		s.handler.Handle(ctx, frame, origin)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// ActiveConnections returns the number of open TCP connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close stops accepting immediately and closes open connections. Serve
// returns once in-flight Handle calls finish.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		conns := s.conns
		s.conns = make(map[net.Conn]struct{})
		s.mu.Unlock()

		if s.tcp != nil {
			err = s.tcp.Close()
		}
		if s.udp != nil {
			if uerr := s.udp.Close(); err == nil {
				err = uerr
			}
		}
		for c := range conns {
			_ = c.Close()
		}
		s.logger.Info("listeners closed")
	})
	return err
}

func ipOf(addr net.Addr) netip.Addr {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.AddrPort().Addr().Unmap()
	case *net.TCPAddr:
		return a.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

func portOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	}
	return 0
}
