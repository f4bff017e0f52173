package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/firestand/internal/codec"
	"github.com/firestand/internal/metrics"
)

// maxDrainReads bounds how long a chatty peer can hold up a delivery.
const maxDrainReads = 64

var errAttemptTimeout = errors.New("attempt timed out")

// Remote delivers instructions over a worker's persistent connection. The
// connection is attached when the worker connects and replaced when it
// reconnects; until then every delivery fails with ErrNodeOffline.
type Remote struct {
	node    string
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex // held for the whole exchange
	conn   net.Conn
	framer codec.Framer
	online atomic.Bool
}

func NewRemote(node string, opts Options, log zerolog.Logger, m *metrics.Metrics) *Remote {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Remote{
		node:    node,
		opts:    opts,
		log:     log.With().Str("node", node).Logger(),
		metrics: m,
	}
}

func (r *Remote) Node() string {
	return r.node
}

// Connected reports whether a live connection is attached.
func (r *Remote) Connected() bool {
	return r.online.Load()
}

// Attach installs conn as the worker's link, closing any previous one. It
// waits for an in-flight delivery to finish.
func (r *Remote) Attach(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.conn = conn
	r.framer.Reset()
	r.online.Store(true)
	r.metrics.Connected(r.node, true)
	r.log.Info().Str("addr", conn.RemoteAddr().String()).Msg("worker attached")
}

// Close drops the link.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.detach()
	return err
}

// detach must be called with mu held.
func (r *Remote) detach() {
	r.conn = nil
	r.framer.Reset()
	r.online.Store(false)
	r.metrics.Connected(r.node, false)
}

func (r *Remote) lost(err error) error {
	r.log.Warn().Err(err).Msg("worker link lost")
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.detach()
	r.metrics.Failure(r.node, "offline")
	return backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrNodeOffline, r.node, err))
}

// Set sends "<relay> <True|False>" and waits for the matching ACK or ERR,
// resending on timeout up to MaxAttempts times.
func (r *Remote) Set(ctx context.Context, relay int, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.conn == nil {
		r.metrics.Failure(r.node, "offline")
		return fmt.Errorf("%w: %s", ErrNodeOffline, r.node)
	}

	instr := codec.Instruction{Relay: relay, State: on}
	attempts := 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		r.metrics.Attempt(r.node)

		if err := r.drain(); err != nil {
			return struct{}{}, r.lost(err)
		}
		if err := r.send(instr); err != nil {
			return struct{}{}, r.lost(err)
		}

		reply, err := r.await(instr)
		switch {
		case errors.Is(err, errAttemptTimeout):
			return struct{}{}, err
		case err != nil:
			return struct{}{}, r.lost(err)
		case !reply.OK:
			r.metrics.Failure(r.node, "rejected")
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %s: %s", ErrRejected, reply.Payload, reply.Reason))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.opts.Backoff)),
		backoff.WithMaxTries(uint(r.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Debug().Err(err).Str("instruction", instr.String()).Int("attempt", attempts).Msg("retrying")
		}),
	)

	switch {
	case err == nil:
		r.log.Debug().Str("instruction", instr.String()).Int("attempts", attempts).Msg("acknowledged")
		return nil
	case errors.Is(err, errAttemptTimeout):
		r.metrics.Failure(r.node, "no_response")
		r.log.Warn().Str("instruction", instr.String()).Int("attempts", attempts).Msg("no response")
		return fmt.Errorf("%w from %s after %d attempts: %s", ErrNoResponse, r.node, attempts, instr)
	default:
		return err
	}
}

// drain discards bytes left over from earlier exchanges so that a late
// reply cannot be mistaken for the answer to the next instruction.
func (r *Remote) drain() error {
	r.framer.Reset()

	window := r.opts.DrainWindow
	if window <= 0 {
		window = time.Millisecond
	}

	buf := make([]byte, 1024)
	for i := 0; i < maxDrainReads; i++ {
		if err := r.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
			return err
		}
		n, err := r.conn.Read(buf)
		if n > 0 {
			r.log.Debug().Str("stale", string(buf[:n])).Msg("discarded stale bytes")
		}
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (r *Remote) send(instr codec.Instruction) error {
	if err := r.conn.SetWriteDeadline(time.Now().Add(r.opts.AckTimeout)); err != nil {
		return err
	}
	_, err := r.conn.Write([]byte(instr.String() + codec.Separator))
	return err
}

// await reads frames until one answers instr or the attempt's timeout expires.
func (r *Remote) await(instr codec.Instruction) (codec.Reply, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.opts.AckTimeout)); err != nil {
		return codec.Reply{}, err
	}

	buf := make([]byte, 1024)
	for {
		n, err := r.conn.Read(buf)
		for _, frame := range r.framer.Feed(buf[:n]) {
			reply, ok := codec.ParseReply(frame)
			if !ok {
				r.log.Warn().Str("frame", frame).Msg("unparseable reply")
				continue
			}
			if !reply.Answers(instr) {
				r.log.Debug().Str("frame", frame).Msg("ignoring stale reply")
				continue
			}
			return reply, nil
		}
		if err != nil {
			if isTimeout(err) {
				return codec.Reply{}, errAttemptTimeout
			}
			return codec.Reply{}, err
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
