// Package reveal drives a pull from submission to a committed, revealed result.
// Flow: Idle → Submitting → AwaitingReveal → Revealed → Idle
package reveal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gacha-exchange/internal/chain"
	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/observability"
	"gacha-exchange/internal/storage"
)

// State is the sequencer lifecycle state.
type State int

// Sequencer states
const (
	Idle State = iota
	Submitting
	AwaitingReveal
	Revealed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitting:
		return "submitting"
	case AwaitingReveal:
		return "awaiting_reveal"
	case Revealed:
		return "revealed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrBusy is returned by Pull when a pull is already in progress.
	ErrBusy = errors.New("reveal: pull already in progress")

	// ErrNoRevealPending is returned by RevealEnded when no reveal for the session is playing.
	ErrNoRevealPending = errors.New("reveal: no reveal pending")

	// ErrRevealAbandoned is returned by Pull when the presenter gave up on the reveal.
	ErrRevealAbandoned = errors.New("reveal: abandoned by presenter")
)

// Executor submits operations. Implemented by txn.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, op domain.Operation, account domain.Account) (*domain.Receipt, error)
}

// ItemResolver turns identifiers into items. Implemented by metadata.Resolver.
type ItemResolver interface {
	Resolve(ctx context.Context, ids []domain.RawIdentifier) ([]*domain.Item, error)
}

// Sequencer runs one pull at a time. Items become visible in the collection only
// after resolution has completed and the presenter reported the end of the reveal.
type Sequencer struct {
	executor   Executor
	reader     chain.TokenReader
	resolver   ItemResolver
	presenter  Presenter
	collection storage.CollectionStore
	history    storage.PullHistoryStore
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	state   State
	session uint64
	pending *pendingReveal
}

type pendingReveal struct {
	session   uint64
	ended     chan struct{}
	abandoned bool // guarded by Sequencer.mu
}

// Options for creating Sequencer.
type Options struct {
	// Required
	Executor   Executor
	Reader     chain.TokenReader
	Resolver   ItemResolver
	Presenter  Presenter
	Collection storage.CollectionStore

	// History is optional.
	History storage.PullHistoryStore

	Logger zerolog.Logger
	Now    func() time.Time
}

// NewSequencer creates a new Sequencer in the Idle state.
func NewSequencer(opts Options) *Sequencer {
	s := &Sequencer{
		executor:   opts.Executor,
		reader:     opts.Reader,
		resolver:   opts.Resolver,
		presenter:  opts.Presenter,
		collection: opts.Collection,
		history:    opts.History,
		logger:     opts.Logger.With().Str("component", "reveal").Logger(),
		now:        opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// State returns the current state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sequencer) setStateLocked(st State) {
	s.state = st
	observability.SetSequencerState(int(st))
}

func (s *Sequencer) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.setStateLocked(Idle)
}

// Pull submits a single or multi pull for account, plays the reveal and commits
// the items. On any failure before the reveal ends, nothing is committed and the
// sequencer returns to Idle.
func (s *Sequencer) Pull(ctx context.Context, account domain.Account, multi bool) ([]*domain.Item, error) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.session++
	session := s.session
	s.setStateLocked(Submitting)
	s.mu.Unlock()

	log := s.logger.With().Uint64("session", session).Str("account", string(account)).Logger()

	// Submitting: execute, identify, resolve
	items, receipt, err := s.submit(ctx, account, multi)
	if err != nil {
		s.reset()
		log.Warn().Err(err).Msg("pull failed")
		return nil, err
	}

	// AwaitingReveal
	tier := SelectTier(items, multi)
	observability.RecordRevealTier(string(tier))
	pending := &pendingReveal{session: session, ended: make(chan struct{})}

	s.mu.Lock()
	s.pending = pending
	s.setStateLocked(AwaitingReveal)
	s.mu.Unlock()

	log.Debug().Str("tier", string(tier)).Int("count", len(items)).Msg("awaiting reveal")
	if err := s.presenter.OnRevealStart(ctx, RevealStart{Session: session, Tier: tier, Count: len(items)}); err != nil {
		s.reset()
		return nil, fmt.Errorf("start reveal: %w", err)
	}

	select {
	case <-pending.ended:
	case <-ctx.Done():
	}

	s.mu.Lock()
	switch {
	case s.pending == pending:
		s.pending = nil
		s.setStateLocked(Idle)
		s.mu.Unlock()
		log.Warn().Msg("reveal cancelled")
		return nil, ctx.Err()
	case pending.abandoned:
		s.mu.Unlock()
		log.Warn().Msg("reveal abandoned by presenter")
		return nil, ErrRevealAbandoned
	}
	s.mu.Unlock()

	// Revealed: commit
	cctx := context.WithoutCancel(ctx)
	if err := s.commit(cctx, account, items, receipt, tier, multi); err != nil {
		s.reset()
		log.Error().Err(err).Msg("commit failed")
		return nil, err
	}
	s.presenter.OnRevealCommitted(cctx, RevealCommitted{Session: session, Items: items})
	observability.RecordItemsCommitted(len(items))
	log.Info().Str("tier", string(tier)).Int("count", len(items)).Msg("reveal committed")

	s.mu.Lock()
	s.setStateLocked(Idle)
	s.mu.Unlock()
	return items, nil
}

func (s *Sequencer) submit(ctx context.Context, account domain.Account, multi bool) ([]*domain.Item, *domain.Receipt, error) {
	op := domain.Pull()
	if multi {
		op = domain.MultiPull()
	}

	receipt, err := s.executor.Execute(ctx, op, account)
	if err != nil {
		return nil, nil, err
	}
	if len(receipt.TokenIDs) == 0 {
		return nil, nil, fmt.Errorf("pull receipt %s carries no token ids", receipt.TxHash)
	}

	ids, err := chain.IdentifyTokens(ctx, s.reader, receipt.TokenIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("identify tokens: %w", err)
	}

	// a partial batch is a failed pull
	items, err := s.resolver.Resolve(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve items: %w", err)
	}
	return items, receipt, nil
}

func (s *Sequencer) commit(ctx context.Context, account domain.Account, items []*domain.Item, receipt *domain.Receipt, tier Tier, multi bool) error {
	if err := s.collection.Commit(ctx, account, items); err != nil {
		return fmt.Errorf("commit collection: %w", err)
	}
	if s.history == nil {
		return nil
	}

	pullID := uuid.NewString()
	at := s.now()
	records := make([]domain.PullRecord, 0, len(items))
	for _, it := range items {
		records = append(records, domain.PullRecord{
			PullID:   pullID,
			Account:  account,
			TokenID:  it.ID,
			Rarity:   it.Rarity,
			Kind:     it.Kind(),
			Tier:     string(tier),
			Multi:    multi,
			TxHash:   receipt.TxHash,
			PulledAt: at,
		})
	}
	if err := s.history.Append(ctx, records); err != nil {
		// collection is authoritative; history is best effort
		s.logger.Warn().Err(err).Str("pull", pullID).Msg("append pull history")
	}
	return nil
}

// RevealEnded reports that the presenter finished the reveal of session.
// It is the only transition into Revealed. Calls for another session, or in any
// state other than AwaitingReveal, return ErrNoRevealPending and have no effect.
func (s *Sequencer) RevealEnded(session uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != AwaitingReveal || s.pending == nil || s.pending.session != session {
		return ErrNoRevealPending
	}
	close(s.pending.ended)
	s.pending = nil
	s.setStateLocked(Revealed)
	return nil
}

// AbandonReveal drops the reveal of session without committing its items and
// returns the sequencer to Idle. The tokens stay minted and show up on the next
// collection refresh. Same preconditions as RevealEnded.
func (s *Sequencer) AbandonReveal(session uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != AwaitingReveal || s.pending == nil || s.pending.session != session {
		return ErrNoRevealPending
	}
	s.pending.abandoned = true
	close(s.pending.ended)
	s.pending = nil
	s.setStateLocked(Idle)
	return nil
}
