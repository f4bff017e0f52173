// Package sequencer runs named, scripted relay macros in the background.
// At most one macro runs at a time. A run can be cancelled, and it checks
// the abort guard at every step boundary; a step that is already being
// delivered always completes first.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/firestand/internal/config"
	"github.com/firestand/internal/metrics"
	"github.com/firestand/internal/switchmap"
)

var (
	ErrBusy            = errors.New("another sequence is running")
	ErrUnknownSequence = errors.New("unknown sequence")
	ErrClosed          = errors.New("sequencer closed")
)

// Outcomes reported for a finished run.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Step drives one relay and then waits Delay before the next step.
type Step struct {
	Node  string
	Relay int
	State bool
	Delay time.Duration
}

// Sequence is a named, ordered list of steps.
type Sequence struct {
	Name  string
	Steps []Step
}

// Setter delivers a relay instruction to a node.
type Setter interface {
	Set(ctx context.Context, node string, relay int, on bool) error
}

// FromConfig converts configured sequences.
func FromConfig(cfgs []config.SequenceConfig) []Sequence {
	seqs := make([]Sequence, 0, len(cfgs))
	for _, c := range cfgs {
		seq := Sequence{Name: c.Name}
		for _, s := range c.Steps {
			seq.Steps = append(seq.Steps, Step{Node: s.Node, Relay: s.Relay, State: s.State, Delay: s.Delay()})
		}
		seqs = append(seqs, seq)
	}
	return seqs
}

type run struct {
	id     string
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

type Sequencer struct {
	setter  Setter
	halted  func() bool
	log     zerolog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	registry map[string]Sequence
	active   *run
}

// New creates a sequencer. halted is consulted before every step; when it
// reports true the run stops.
func New(setter Setter, halted func() bool, log zerolog.Logger, m *metrics.Metrics) *Sequencer {
	if halted == nil {
		halted = func() bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		setter:   setter,
		halted:   halted,
		log:      log,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		registry: make(map[string]Sequence),
	}
}

func key(name string) string {
	return switchmap.Normalize(strings.TrimSpace(name))
}

// Register adds or replaces a sequence.
func (s *Sequencer) Register(seq Sequence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[key(seq.Name)] = seq
}

// Has reports whether a sequence is registered under name.
func (s *Sequencer) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registry[key(name)]
	return ok
}

// Trigger starts the named sequence. If that sequence is already running it
// returns (false, nil); if a different one is running it returns ErrBusy.
func (s *Sequencer) Trigger(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false, ErrClosed
	}

	k := key(name)
	seq, ok := s.registry[k]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSequence, name)
	}

	if s.active != nil {
		if s.active.name == k {
			s.log.Info().Str("sequence", k).Str("run", s.active.id).Msg("sequence already running")
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrBusy, s.active.name)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	r := &run{
		id:     uuid.NewString(),
		name:   k,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active = r

	s.wg.Add(1)
	go s.execute(ctx, r, seq.Steps)
	return true, nil
}

func (s *Sequencer) execute(ctx context.Context, r *run, steps []Step) {
	defer s.wg.Done()
	defer close(r.done)
	defer s.finish(r)

	log := s.log.With().Str("sequence", r.name).Str("run", r.id).Logger()
	log.Info().Int("steps", len(steps)).Msg("sequence started")

	outcome := s.steps(ctx, log, steps)

	s.metrics.Sequence(r.name, outcome)
	log.Info().Str("outcome", outcome).Msg("sequence finished")
}

func (s *Sequencer) steps(ctx context.Context, log zerolog.Logger, steps []Step) string {
	for i, step := range steps {
		if ctx.Err() != nil {
			return OutcomeCancelled
		}
		if s.halted() {
			return OutcomeAborted
		}

		if err := s.setter.Set(ctx, step.Node, step.Relay, step.State); err != nil {
			log.Error().Err(err).Int("step", i).Str("node", step.Node).Int("relay", step.Relay).Msg("sequence step failed")
			return OutcomeFailed
		}
		log.Debug().Int("step", i).Str("node", step.Node).Int("relay", step.Relay).Bool("state", step.State).Msg("step done")

		if i == len(steps)-1 || step.Delay <= 0 {
			continue
		}
		timer := time.NewTimer(step.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return OutcomeCancelled
		case <-timer.C:
		}
	}

	if s.halted() {
		return OutcomeAborted
	}
	return OutcomeCompleted
}

func (s *Sequencer) finish(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == r {
		s.active = nil
	}
	r.cancel()
}

// Active returns the running sequence's name.
func (s *Sequencer) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.name, true
}

// Stop cancels the running sequence and waits until it has returned, so
// that no step of it can be applied afterwards.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	r := s.active
	if r != nil {
		r.cancel()
	}
	s.mu.Unlock()

	if r != nil {
		<-r.done
	}
}

// Wait blocks until no sequence is running.
func (s *Sequencer) Wait() {
	s.wg.Wait()
}

// Close cancels any run, waits for it, and refuses further triggers.
func (s *Sequencer) Close() {
	s.cancel()
	s.wg.Wait()
}
