package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firestand/internal/codec"
	"github.com/firestand/internal/switchmap"
)

type handler func(ctx context.Context, cmd codec.Command) error

// ProcessBatch executes every command in one console frame, in order, and
// returns the reply frame. A bad command never stops the rest of the batch.
func (s *Server) ProcessBatch(ctx context.Context, frame string) string {
	return s.processCommands(ctx, codec.SplitBatch(frame))
}

func (s *Server) processCommands(ctx context.Context, texts []string) string {
	replies := make([]string, 0, len(texts))
	for _, text := range texts {
		replies = append(replies, s.Process(ctx, text))
	}
	return codec.JoinReplies(replies)
}

// Process executes one command and returns its reply.
func (s *Server) Process(ctx context.Context, text string) string {
	cmd, err := codec.Decode(text)
	if err != nil {
		s.log.Warn().Err(err).Msg("undecodable command")
		s.metrics.Command("invalid", "err")
		return codec.EncodeErr(cmd.Raw)
	}

	if err := s.handlers[cmd.Kind](ctx, cmd); err != nil {
		s.log.Warn().Err(err).Str("command", cmd.Raw).Msg("command failed")
		s.metrics.Command(cmd.Kind.String(), "err")
		return codec.EncodeErr(cmd.Raw)
	}

	s.log.Info().Str("command", cmd.Raw).Bool("abort", s.aborted.Load()).Msg("command done")
	s.metrics.Command(cmd.Kind.String(), "ack")
	return codec.EncodeAck(cmd.Raw)
}

// handleAbort asserts or clears the abort override. Asserting it stops any
// sequence, waits for its in-flight step, then safes every enabled relay;
// failures are logged and the command still succeeds.
func (s *Server) handleAbort(ctx context.Context, cmd codec.Command) error {
	if !cmd.State {
		s.aborted.Store(false)
		s.metrics.Abort(false)
		s.log.Warn().Msg("abort cleared")
		s.record(codec.SwitchAbort, false)
		return nil
	}

	s.aborted.Store(true)
	s.metrics.Abort(true)
	s.log.Warn().Msg("abort asserted")
	s.sequencer.Stop()

	failed := s.safeAll(ctx)

	s.table.Set(codec.SwitchAbort, true)
	for _, id := range s.switches.Switches() {
		if allOff(s.switches.Targets(id), failed) {
			s.table.Set(id, false)
		}
	}
	s.forward()
	return nil
}

func allOff(targets []switchmap.Target, failed map[switchmap.Target]bool) bool {
	for _, t := range targets {
		if failed[t] {
			return false
		}
	}
	return true
}

// handleSwitch drives a switch's relays or triggers its sequence. While
// abort is asserted the relays are driven off whatever was asked for and
// sequences do not start.
func (s *Server) handleSwitch(ctx context.Context, cmd codec.Command) error {
	name := cmd.Name()
	hasSequence := s.sequencer.Has(name)
	if !hasSequence && !s.switches.Has(cmd.Switch) {
		return fmt.Errorf("%w: %s", ErrUnmappedSwitch, cmd.Switch)
	}
	targets := s.switches.Targets(cmd.Switch)

	if s.aborted.Load() {
		if err := s.dispatch(ctx, targets, false); err != nil {
			return err
		}
		s.record(cmd.Switch, false)
		return nil
	}

	if hasSequence {
		started, err := s.sequencer.Trigger(name)
		if err != nil {
			return err
		}
		if !started {
			s.log.Info().Str("sequence", name).Msg("sequence already in progress")
		}
		s.record(cmd.Switch, cmd.State)
		return nil
	}

	if err := s.dispatch(ctx, targets, cmd.State); err != nil {
		return err
	}
	s.record(cmd.Switch, cmd.State)
	return nil
}

// dispatch sets every target in order. All targets are attempted; the
// result fails if any of them did.
func (s *Server) dispatch(ctx context.Context, targets []switchmap.Target, on bool) error {
	var errs []error
	for _, t := range targets {
		if err := s.router.Set(ctx, t.Node, t.Relay, on); err != nil {
			errs = append(errs, fmt.Errorf("node %s relay %d: %w", t.Node, t.Relay, err))
		}
	}
	return errors.Join(errs...)
}

// record stores a confirmed switch state and forwards the table.
func (s *Server) record(id string, on bool) {
	s.table.Set(id, on)
	s.forward()
}

func (s *Server) forward() {
	s.sink.Write(s.sinkTable, s.table.Columns(), time.Now())
}
