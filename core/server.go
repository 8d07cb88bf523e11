package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/searchktools/super-server/core/http"
	"github.com/searchktools/super-server/core/logging"
	"github.com/searchktools/super-server/core/observability"
	"github.com/searchktools/super-server/core/poller"
	"github.com/searchktools/super-server/core/pools"
	"github.com/searchktools/super-server/core/timer"
)

// Options configures a Server
type Options struct {
	Port     int
	TrigMode int

	// Idle connections are evicted after Timeout; zero disables eviction
	Timeout time.Duration

	// OptLinger sets SO_LINGER{1, 1} on the listening socket
	OptLinger bool

	Workers        int
	MaxConnections int

	// AcceptRate caps accepted connections per second; zero is unlimited
	AcceptRate float64

	RootDir string

	// CommandMode answers with the body command result instead of a file
	CommandMode bool

	Verifier http.UserVerifier
	Store    http.KeyValueStore
	Logger   *logging.Logger
	Metrics  *observability.Metrics
}

type pendingClose struct {
	conn *Connection
	gen  uint64
}

// Server runs the event loop: one reactor goroutine owns the listener, the
// connection table and the idle timers, and hands socket work to a fixed
// worker pool.
type Server struct {
	opts    Options
	log     *logging.Logger
	metrics *observability.Metrics

	listenFd    int
	listenEvent poller.EventMask
	connEvent   poller.EventMask
	connEdge    bool
	listenEdge  bool

	poller   poller.Poller
	timer    *timer.Heap
	workers  *pools.WorkerPool
	connPool *pools.ConnectionPool
	scratch  *pools.BytePool
	limiter  *rate.Limiter

	// Reactor only
	conns  map[int]*Connection
	active atomic.Int32

	pendingMu sync.Mutex
	pending   []pendingClose

	ctx      context.Context
	cancel   context.CancelFunc
	closing  atomic.Bool
	running  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
	once     sync.Once
}

// NewServer binds the listening socket and prepares the reactor. On error
// nothing is left running and the cause has been logged.
func NewServer(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 65536
	}

	s := &Server{
		opts:     opts,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		listenFd: -1,
		conns:    make(map[int]*Connection),
		done:     make(chan struct{}),
	}

	if err := s.init(); err != nil {
		s.log.Errorf("========== Server init error: %v", err)
		s.release()
		return nil, err
	}
	s.logBanner()
	return s, nil
}

func (s *Server) init() error {
	if s.opts.Port < 1024 || s.opts.Port > 65535 {
		return fmt.Errorf("port %d: %w", s.opts.Port, ErrInvalidPort)
	}
	if err := s.initEventMode(s.opts.TrigMode); err != nil {
		return err
	}

	var err error
	if s.poller, err = poller.NewPoller(1024); err != nil {
		return fmt.Errorf("create poller: %w", err)
	}
	if s.listenFd, err = listen(s.opts.Port, s.opts.OptLinger); err != nil {
		return err
	}
	if err := s.poller.Register(s.listenFd, s.listenEvent|poller.EventRead); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.timer = timer.NewHeap()
	if s.opts.AcceptRate > 0 {
		burst := max(1, int(s.opts.AcceptRate))
		s.limiter = rate.NewLimiter(rate.Limit(s.opts.AcceptRate), burst)
	}

	verifier, store := s.opts.Verifier, s.opts.Store
	s.scratch = pools.NewBytePool()
	s.connPool = pools.NewConnectionPool(min(s.opts.MaxConnections, 1024), func() pools.ConnectionPoolable {
		c := newConnection(verifier, store, s.scratch)
		c.edge = s.connEdge
		c.rootDir = s.opts.RootDir
		c.commandMode = s.opts.CommandMode
		return c
	})

	s.workers = pools.NewWorkerPool(s.opts.Workers, pools.WithPanicHandler(func(v any) {
		s.metrics.TaskPanics.Inc()
		s.log.Errorf("worker task panic: %v", v)
	}))
	s.workers.Start()
	return nil
}

func (s *Server) initEventMode(mode int) error {
	s.listenEvent = poller.EventPeerClosed
	s.connEvent = poller.EventPeerClosed | poller.OneShot

	switch mode {
	case TrigModeLevel:
	case TrigModeConnEdge:
		s.connEdge = true
	case TrigModeListenEdge:
		s.listenEdge = true
	case TrigModeEdge:
		s.connEdge = true
		s.listenEdge = true
	default:
		return fmt.Errorf("trigger mode %d: %w", mode, ErrInvalidTrigMode)
	}

	if s.connEdge {
		s.connEvent |= poller.EdgeTriggered
	}
	if s.listenEdge {
		s.listenEvent |= poller.EdgeTriggered
	}
	return nil
}

func listen(port int, linger bool) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("create socket: %w", err)
	}

	if linger {
		// Close waits up to a second for unsent data
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 1}); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("set linger: %w", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set reuseaddr: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen port %d: %w", port, err)
	}
	return fd, nil
}

func (s *Server) logBanner() {
	s.log.Infof("========== Server init ==========")
	s.log.Infof("Port: %d, OpenLinger: %v", s.opts.Port, s.opts.OptLinger)
	s.log.Infof("Listen mode: %s, Conn mode: %s", triggerName(s.listenEdge), triggerName(s.connEdge))
	s.log.Infof("LogLevel: %s", s.log.Level())
	s.log.Infof("Content: %s, root: %s", contentName(s.opts.CommandMode), s.opts.RootDir)
	s.log.Infof("Workers: %d, MaxConnections: %d, Timeout: %v", s.opts.Workers, s.opts.MaxConnections, s.opts.Timeout)
}

func triggerName(edge bool) string {
	if edge {
		return "ET"
	}
	return "LT"
}

func contentName(command bool) string {
	if command {
		return "command"
	}
	return "file"
}

// Port returns the listening port
func (s *Server) Port() int { return s.opts.Port }

// Metrics returns the server's collectors
func (s *Server) Metrics() *observability.Metrics { return s.metrics }

// Run serves until Shutdown. It must be called at most once.
func (s *Server) Run() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}
	defer s.finish()
	if s.closing.Load() {
		return ErrServerClosed
	}

	s.log.Infof("========== Server start ==========")
	for !s.closing.Load() {
		timeoutMs := -1
		if s.opts.Timeout > 0 {
			timeoutMs = s.timer.Tick()
		}
		s.drainPending()

		events, err := s.poller.Wait(timeoutMs)
		if err != nil {
			s.log.Errorf("poll wait: %v", err)
			return err
		}
		s.drainPending()

		for _, ev := range events {
			s.handleEvent(ev)
		}
		s.metrics.QueueDepth.Set(float64(s.workers.Pending()))
	}
	return nil
}

// Shutdown stops the loop, closes every connection after its running task
// finishes, and releases the listener, poller and workers. It returns once
// everything is released.
func (s *Server) Shutdown() {
	if s.closing.CompareAndSwap(false, true) {
		if s.running.Load() {
			s.poller.Wake()
		} else {
			s.finish()
		}
	}
	<-s.done
}

func (s *Server) finish() {
	s.running.Store(false)
	s.release()
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Server) handleEvent(ev poller.Event) {
	if ev.Fd == s.listenFd {
		s.acceptConnections()
		return
	}

	c, ok := s.conns[ev.Fd]
	if !ok {
		return
	}
	switch {
	case ev.Has(poller.EventPeerClosed | poller.EventError):
		s.evict(c, observability.ReasonHangup)
	case ev.Has(poller.EventRead):
		s.extendTime(c)
		s.dispatch(c, s.onRead)
	case ev.Has(poller.EventWrite):
		s.extendTime(c)
		s.dispatch(c, s.onWrite)
	default:
		s.log.Errorf("unexpected event %s on fd %d", ev.Mask, ev.Fd)
	}
}

// acceptConnections accepts one connection, or all pending ones when the
// listener is edge-triggered
func (s *Server) acceptConnections() {
	for {
		nfd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				s.log.Warnf("accept: %v", err)
			}
			return
		}

		switch {
		case len(s.conns) >= s.opts.MaxConnections:
			s.reject(nfd, observability.ReasonCapacity)
		case s.limiter != nil && !s.limiter.Allow():
			s.reject(nfd, observability.ReasonRate)
		default:
			s.addClient(nfd, sa)
		}

		if !s.listenEdge {
			return
		}
	}
}

func (s *Server) reject(fd int, reason string) {
	unix.Write(fd, []byte(busyMessage))
	unix.Close(fd)
	s.metrics.Rejected.WithLabelValues(reason).Inc()
	s.log.Warnf("Clients is full! (%s)", reason)
}

func (s *Server) addClient(fd int, sa unix.Sockaddr) {
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	c := s.connPool.Get(fd).(*Connection)
	c.addr = peerAddr(sa)

	if err := s.poller.Register(fd, s.connEvent|poller.EventRead); err != nil {
		s.log.Warnf("register fd %d: %v", fd, err)
		unix.Close(fd)
		s.connPool.Put(c)
		return
	}
	s.conns[fd] = c
	s.active.Add(1)
	s.extendTime(c)

	s.metrics.Accepted.Inc()
	s.metrics.Active.Inc()
	s.log.Infof("Client[%d](%s) in, userCount:%d", fd, c.addr, len(s.conns))
}

func peerAddr(sa unix.Sockaddr) string {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return netip.AddrPortFrom(netip.AddrFrom4(in4.Addr), uint16(in4.Port)).String()
	}
	return "unknown"
}

func (s *Server) extendTime(c *Connection) {
	if s.opts.Timeout <= 0 {
		return
	}
	s.timer.Upsert(c.fd, s.opts.Timeout, func() { s.evict(c, observability.ReasonTimeout) })
}

// dispatch hands c to a worker. The task re-arms c before giving it back,
// so the in-flight count covers every use of the descriptor.
func (s *Server) dispatch(c *Connection, fn func(*Connection)) {
	gen := c.gen.Load()
	c.inflight.Add(1)

	ok := s.workers.Submit(func() {
		done := false
		defer func() {
			if !done {
				c.markClosed(observability.ReasonIOError)
			}
			if c.inflight.Add(-1) == 0 && c.closed.Load() {
				s.queueClose(c, gen)
			}
		}()
		if !c.closed.Load() {
			fn(c)
		}
		done = true
	})
	if !ok {
		c.inflight.Add(-1)
		s.evict(c, observability.ReasonShutdown)
	}
}

// queueClose asks the reactor to finalize c. Called from workers.
func (s *Server) queueClose(c *Connection, gen uint64) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, pendingClose{conn: c, gen: gen})
	s.pendingMu.Unlock()
	s.poller.Wake()
}

func (s *Server) drainPending() {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	for _, p := range pending {
		c := p.conn
		if c.gen.Load() != p.gen {
			continue
		}
		if !c.evicted {
			s.evict(c, c.closeReason)
		} else if c.inflight.Load() == 0 {
			s.finalize(c)
		}
	}
}

// evict stops all events and deadlines for c. The socket is closed at once
// unless a task still holds c; then it is closed when the task returns.
func (s *Server) evict(c *Connection, reason string) {
	if c.evicted {
		return
	}
	c.evicted = true
	c.markClosed(reason)

	s.timer.Cancel(c.fd)
	s.poller.Deregister(c.fd)
	if c.inflight.Load() == 0 {
		s.finalize(c)
	}
}

func (s *Server) finalize(c *Connection) {
	fd := c.fd
	if s.conns[fd] == c {
		delete(s.conns, fd)
		s.active.Add(-1)
	}
	unix.Close(fd)

	s.metrics.Active.Dec()
	s.metrics.Evictions.WithLabelValues(c.closeReason).Inc()
	s.log.Infof("Client[%d] quit (%s), userCount:%d", fd, c.closeReason, len(s.conns))

	c.gen.Add(1)
	s.connPool.Put(c)
}

// fail marks c for closing from inside a task
func (s *Server) fail(c *Connection, reason string, err error) {
	if err != nil {
		s.log.Debugf("Client[%d] %s: %v", c.fd, reason, err)
	}
	c.markClosed(reason)
}

// rearm gives c back to the poller unless it was closed meanwhile; an
// evicted descriptor is no longer registered
func (s *Server) rearm(c *Connection, ev poller.EventMask) {
	if c.closed.Load() {
		return
	}
	if err := s.poller.Modify(c.fd, s.connEvent|ev); err != nil {
		s.fail(c, observability.ReasonIOError, err)
	}
}

func (s *Server) onRead(c *Connection) {
	n, err := c.Read()
	s.metrics.BytesRead.Add(float64(n))
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		if errors.Is(err, io.EOF) {
			s.fail(c, observability.ReasonClose, nil)
		} else {
			s.fail(c, observability.ReasonIOError, err)
		}
		return
	}
	s.onProcess(c)
}

func (s *Server) onProcess(c *Connection) {
	start := time.Now()
	if !c.Process(s.ctx) {
		s.rearm(c, poller.EventRead)
		return
	}
	s.metrics.ObserveRequest(c.Code(), time.Since(start))
	s.log.Debugf("Client[%d] %s %s -> %d", c.fd, c.req.Method(), c.req.Path(), c.Code())
	s.rearm(c, poller.EventWrite)
}

func (s *Server) onWrite(c *Connection) {
	n, err := c.Write()
	s.metrics.BytesWritten.Add(float64(n))

	if c.ToWriteBytes() == 0 {
		c.finishResponse()
		if c.KeepAlive() {
			s.onProcess(c)
			return
		}
		s.fail(c, observability.ReasonClose, nil)
		return
	}
	if err == nil || errors.Is(err, unix.EAGAIN) {
		s.rearm(c, poller.EventWrite)
		return
	}
	s.fail(c, observability.ReasonIOError, err)
}

// release tears everything down; it runs once, on the reactor goroutine or
// in place of it when Run was never called
func (s *Server) release() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.listenFd >= 0 {
			if s.poller != nil {
				s.poller.Deregister(s.listenFd)
			}
			unix.Close(s.listenFd)
			s.listenFd = -1
		}

		for _, c := range s.conns {
			s.evict(c, observability.ReasonShutdown)
		}
		if s.workers != nil {
			s.workers.Close()
		}
		s.drainPending()
		if s.timer != nil {
			s.timer.Clear()
		}
		if s.poller != nil {
			s.poller.Close()
		}
		s.log.Infof("Pools: %s", s.StatsText())
		s.log.Infof("========== Server stop ==========")
	})
}
