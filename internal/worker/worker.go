// Package worker implements the relay agent that runs on every worker node.
// It keeps one connection to the controller open, applies each instruction to
// its local relays and answers with ACK or ERR. Whenever the link is lost the
// relays are forced off before it reconnects.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/firestand/internal/codec"
	"github.com/firestand/internal/config"
	"github.com/firestand/internal/gpio"
)

var ErrNotWorker = errors.New("node is not a configured worker")

const dialTimeout = 3 * time.Second

// Agent serves relay instructions for one worker node.
type Agent struct {
	node      string
	address   string
	bindIP    string
	verify    bool
	reconnect time.Duration
	driver    gpio.Driver
	log       zerolog.Logger
}

// New creates the agent for nodeID.
func New(cfg *config.Config, nodeID string, driver gpio.Driver, log zerolog.Logger) (*Agent, error) {
	node, ok := cfg.Node(nodeID)
	if !ok || nodeID == config.ControllerNodeID {
		return nil, fmt.Errorf("%w: %q", ErrNotWorker, nodeID)
	}
	if cfg.ControllerAddress == "" {
		return nil, fmt.Errorf("controllerAddress is not configured")
	}

	reconnect := cfg.Timing.ReconnectMax()
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}

	return &Agent{
		node:      node.ID,
		address:   cfg.ControllerAddress,
		bindIP:    node.BindIP,
		verify:    cfg.GPIO.Verify,
		reconnect: reconnect,
		driver:    driver,
		log:       log.With().Str("node", node.ID).Logger(),
	}, nil
}

// Run connects to the controller and serves instructions until ctx is
// cancelled. Relays are safed whenever a connection ends and on return.
func (a *Agent) Run(ctx context.Context) error {
	defer a.safe("agent stopping")

	for {
		conn, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		a.log.Info().Str("controller", a.address).Msg("connected to controller")
		err = a.serve(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn().Err(err).Msg("controller link lost")
		a.safe("link lost")
	}
}

// dial retries with exponential backoff capped at the reconnect interval.
func (a *Agent) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	if a.bindIP != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(a.bindIP)}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = a.reconnect

	return backoff.Retry(ctx, func() (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", a.address)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.log.Debug().Err(err).Dur("retry_in", next).Msg("controller unreachable")
		}),
	)
}

func (a *Agent) serve(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var framer codec.Framer
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		for _, frame := range framer.Feed(buf[:n]) {
			reply := a.Handle(frame)
			if _, werr := conn.Write([]byte(reply.String() + codec.Separator)); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

// Handle applies one instruction and builds its reply.
func (a *Agent) Handle(frame string) codec.Reply {
	instr, err := codec.ParseInstruction(frame, a.driver.Relays())
	if err != nil {
		a.log.Warn().Str("frame", frame).Err(err).Msg("rejected instruction")
		return codec.Reply{Payload: frame, Reason: err.Error()}
	}

	if err := a.driver.Set(instr.Relay, instr.State); err != nil {
		a.log.Error().Err(err).Str("instruction", instr.String()).Msg("relay write failed")
		return codec.Reply{Payload: frame, Reason: codec.ReasonDriver}
	}

	if a.verify {
		actual, err := a.driver.Get(instr.Relay)
		if err != nil {
			a.log.Error().Err(err).Str("instruction", instr.String()).Msg("relay read-back failed")
			return codec.Reply{Payload: frame, Reason: codec.ReasonDriver}
		}
		if actual != instr.State {
			a.log.Error().Str("instruction", instr.String()).Bool("actual", actual).Msg("relay state mismatch")
			return codec.Reply{Payload: frame, Reason: codec.ReasonMismatch}
		}
	}

	a.log.Debug().Str("instruction", instr.String()).Msg("applied")
	return codec.Reply{OK: true, Payload: frame}
}

func (a *Agent) safe(why string) {
	if err := gpio.SafeAll(a.driver); err != nil {
		a.log.Error().Err(err).Str("reason", why).Msg("failed to safe relays")
		return
	}
	a.log.Info().Str("reason", why).Msg("relays safed")
}
