// Package controller runs the stand's controller node. It accepts the
// operator console and the worker links, executes console commands against
// local and remote relays, and owns the abort override and the switch-state
// table.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/firestand/internal/channel"
	"github.com/firestand/internal/codec"
	"github.com/firestand/internal/config"
	"github.com/firestand/internal/gpio"
	"github.com/firestand/internal/metrics"
	"github.com/firestand/internal/sequencer"
	"github.com/firestand/internal/state"
	"github.com/firestand/internal/status"
	"github.com/firestand/internal/switchmap"
	"github.com/firestand/internal/telemetry"
)

var (
	ErrStartup        = errors.New("stand did not come up")
	ErrUnmappedSwitch = errors.New("switch has no relays")
)

type role int

const (
	roleUnknown role = iota
	roleConsole
	roleWorker
)

// Server is the controller node.
type Server struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	switches  *switchmap.Map
	driver    gpio.Driver
	router    *channel.Router
	sequencer *sequencer.Sequencer
	table     *state.SwitchTable
	sink      telemetry.Sink
	sinkTable string
	aborted   atomic.Bool
	handlers  map[codec.Kind]handler

	consoleIP   net.IP
	workersByIP map[string]string

	listener net.Listener
	wg       sync.WaitGroup

	mu        sync.Mutex
	console   net.Conn
	pending   map[string]bool // workers not yet seen
	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

// New wires a controller for cfg. driver is the controller's own relay bank.
func New(cfg *config.Config, driver gpio.Driver, sink telemetry.Sink, log zerolog.Logger, m *metrics.Metrics) *Server {
	if sink == nil {
		sink = telemetry.Nop{}
	}

	s := &Server{
		cfg:         cfg,
		log:         log,
		metrics:     m,
		switches:    switchmap.Build(cfg),
		driver:      driver,
		table:       state.NewSwitchTable(),
		sink:        sink,
		sinkTable:   cfg.Telemetry.Table,
		consoleIP:   net.ParseIP(cfg.Console.IP),
		workersByIP: make(map[string]string),
		pending:     make(map[string]bool),
		ready:       make(chan struct{}),
	}
	if s.sinkTable == "" {
		s.sinkTable = "controls_data"
	}

	channels := []channel.Channel{
		channel.NewLocal(config.ControllerNodeID, driver, log, m),
	}
	opts := channel.OptionsFrom(cfg.Timing)
	for _, node := range cfg.EnabledWorkers() {
		channels = append(channels, channel.NewRemote(node.ID, opts, log, m))
		s.workersByIP[net.ParseIP(node.IP).String()] = node.ID
		s.pending[node.ID] = true
		m.Connected(node.ID, false)
	}
	s.router = channel.NewRouter(channels...)

	s.sequencer = sequencer.New(s.router, s.aborted.Load, log, m)
	for _, seq := range sequencer.FromConfig(cfg.Sequences) {
		s.sequencer.Register(s.enabledSteps(seq))
	}

	s.handlers = map[codec.Kind]handler{
		codec.KindToggle:     s.handleSwitch,
		codec.KindEnableFire: s.handleSwitch,
		codec.KindFire:       s.handleSwitch,
		codec.KindAbort:      s.handleAbort,
	}
	return s
}

// enabledSteps drops steps addressed to disabled nodes.
func (s *Server) enabledSteps(seq sequencer.Sequence) sequencer.Sequence {
	steps := seq.Steps[:0:0]
	for _, step := range seq.Steps {
		if _, ok := s.router.Channel(step.Node); !ok {
			s.log.Warn().Str("sequence", seq.Name).Str("node", step.Node).Msg("skipping step for disabled node")
			continue
		}
		steps = append(steps, step)
	}
	seq.Steps = steps
	return seq
}

// Listen opens the command socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Listen.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Listen.Port, err)
	}
	s.listener = listener
	s.log.Info().Str("addr", listener.Addr().String()).Msg("controller listening")
	return nil
}

// Addr is the bound command socket address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run waits for the console and every enabled worker, then serves console
// commands until the console disconnects, ctx is cancelled, or the socket
// fails. The stand is safed before Run returns.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer s.Close()

	s.wg.Add(1)
	go s.acceptLoop()

	console, err := s.waitReady(ctx)
	if err != nil {
		return err
	}
	return s.serve(ctx, console)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("failed to accept connection")
			continue
		}
		s.admit(conn)
	}
}

// admit classifies a new connection by its peer address. Workers may
// reconnect at any time; a second console is refused.
func (s *Server) admit(conn net.Conn) {
	r, node := s.identify(conn.RemoteAddr())

	switch r {
	case roleConsole:
		s.mu.Lock()
		if s.console != nil {
			s.mu.Unlock()
			s.log.Warn().Str("addr", conn.RemoteAddr().String()).Msg("rejected second console connection")
			_ = conn.Close()
			return
		}
		s.console = conn
		s.mu.Unlock()
		s.log.Info().Str("addr", conn.RemoteAddr().String()).Msg("console connected")

	case roleWorker:
		remote, _ := s.router.Remote(node)
		remote.Attach(conn)
		s.mu.Lock()
		delete(s.pending, node)
		s.mu.Unlock()

	default:
		s.log.Warn().Str("addr", conn.RemoteAddr().String()).Msg("ignoring connection from unknown address")
		_ = conn.Close()
		return
	}

	s.checkReady()
}

// identify maps a peer address onto the console or an enabled worker.
func (s *Server) identify(addr net.Addr) (role, string) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return roleUnknown, ""
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return roleUnknown, ""
	}

	if s.consoleIP != nil && s.consoleIP.Equal(ip) {
		return roleConsole, ""
	}
	if node, ok := s.workersByIP[ip.String()]; ok {
		return roleWorker, node
	}
	return roleUnknown, ""
}

func (s *Server) checkReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.console != nil && len(s.pending) == 0 {
		s.readyOnce.Do(func() { close(s.ready) })
	}
}

func (s *Server) missing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	if s.console == nil {
		names = append(names, "console")
	}
	for node := range s.pending {
		names = append(names, "worker "+node)
	}
	sort.Strings(names)
	return names
}

func (s *Server) waitReady(ctx context.Context) (net.Conn, error) {
	s.log.Info().Strs("waiting_for", s.missing()).Msg("waiting for stand")

	if timeout := s.cfg.Timing.StartupTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: still waiting for %v: %v", ErrStartup, s.missing(), ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Info().Msg("stand connected, serving")
	return s.console, nil
}

// serve reads console batches and answers each with one reply frame.
func (s *Server) serve(ctx context.Context, console net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = console.Close() })
	defer stop()

	// Commands are processed once their ';' has arrived; a read may end
	// mid-command or carry several batches.
	var framer codec.Framer
	buf := make([]byte, 4096)
	for {
		n, err := console.Read(buf)
		if n > 0 {
			reply := s.processCommands(ctx, framer.Feed(buf[:n]))
			if reply != "" {
				if _, werr := console.Write([]byte(reply)); werr != nil {
					return s.consoleError(ctx, werr)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info().Msg("console disconnected")
				return nil
			}
			return s.consoleError(ctx, err)
		}
	}
}

func (s *Server) consoleError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("console link: %w", err)
}

// Close stops accepting, cancels any running sequence, safes every enabled
// relay within the shutdown timeout and releases sockets and GPIO. It is
// safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.log.Info().Msg("shutting down")
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.sequencer.Close()

		timeout := s.cfg.Timing.ShutdownTimeout()
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		s.safeAll(ctx)
		cancel()

		s.mu.Lock()
		if s.console != nil {
			_ = s.console.Close()
		}
		s.mu.Unlock()
		for _, node := range s.router.Nodes() {
			if remote, ok := s.router.Remote(node); ok {
				_ = remote.Close()
			}
		}
		s.wg.Wait()

		if err := s.driver.Close(); err != nil {
			s.log.Error().Err(err).Msg("failed to release gpio")
		}
	})
	return nil
}

// safeAll drives every relay on every enabled node off, one goroutine per
// node. Failures are logged and returned as the set of relays that could
// not be confirmed off.
func (s *Server) safeAll(ctx context.Context) map[switchmap.Target]bool {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed = make(map[switchmap.Target]bool)
	)

	for _, node := range s.router.Nodes() {
		g.Go(func() error {
			for relay := 1; relay <= config.RelaysPerNode; relay++ {
				if err := s.router.Set(ctx, node, relay, false); err != nil {
					s.log.Error().Err(err).Str("node", node).Int("relay", relay).Msg("failed to safe relay")
					mu.Lock()
					failed[switchmap.Target{Node: node, Relay: relay}] = true
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// Status reports the controller's current state.
func (s *Server) Status() status.Snapshot {
	nodes := make(map[string]bool)
	for _, node := range s.router.Nodes() {
		remote, ok := s.router.Remote(node)
		nodes[node] = !ok || remote.Connected()
	}
	seq, _ := s.sequencer.Active()

	return status.Snapshot{
		Switches: s.table.Snapshot(),
		Abort:    s.aborted.Load(),
		Nodes:    nodes,
		Sequence: seq,
		Updated:  s.table.Updated(),
	}
}
