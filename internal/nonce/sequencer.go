// Package nonce hands out per-account transaction nonces.
package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"gacha-exchange/internal/chain"
	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/observability"
)

// Sequencer keeps an optimistic nonce counter per account, seeded from the chain.
// Each value returned by Next is observed by exactly one caller.
type Sequencer struct {
	source chain.NonceSource
	logger zerolog.Logger

	mu    sync.Mutex
	slots map[domain.Account]*slot
}

type slot struct {
	mu     sync.Mutex
	next   uint64
	seeded bool
}

// NewSequencer creates a sequencer reading confirmed counts from source.
func NewSequencer(source chain.NonceSource, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		source: source,
		logger: logger.With().Str("component", "nonce").Logger(),
		slots:  make(map[domain.Account]*slot),
	}
}

func (s *Sequencer) slot(account domain.Account) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[account]
	if !ok {
		sl = &slot{}
		s.slots[account] = sl
	}
	return sl
}

// Next returns the account's next nonce and advances the counter.
// The first call for an account seeds the counter from the chain.
func (s *Sequencer) Next(ctx context.Context, account domain.Account) (uint64, error) {
	sl := s.slot(account)

	sl.mu.Lock()
	seeded := sl.seeded
	sl.mu.Unlock()

	if !seeded {
		confirmed, err := s.source.ConfirmedNonce(ctx, account)
		if err != nil {
			return 0, fmt.Errorf("seed nonce for %s: %w", account, err)
		}
		sl.mu.Lock()
		if !sl.seeded {
			sl.next = confirmed
			sl.seeded = true
		}
		sl.mu.Unlock()
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	n := sl.next
	sl.next++
	return n, nil
}

// Resync re-reads the chain and resets the account's counter. Sources that
// implement chain.PendingNonceSource are asked for the pending count, so a
// transaction broadcast before its submitter gave up is not reused.
// Must be called after any failed submission before the slot is reused.
func (s *Sequencer) Resync(ctx context.Context, account domain.Account) error {
	confirmed, err := s.resyncCount(ctx, account)
	observability.RecordNonceResync(err)
	if err != nil {
		// leave the slot unseeded so the next Next re-reads the chain
		sl := s.slot(account)
		sl.mu.Lock()
		sl.seeded = false
		sl.mu.Unlock()
		return fmt.Errorf("resync nonce for %s: %w", account, err)
	}

	sl := s.slot(account)
	sl.mu.Lock()
	prev := sl.next
	sl.next = confirmed
	sl.seeded = true
	sl.mu.Unlock()

	s.logger.Warn().
		Str("account", string(account)).
		Uint64("previous", prev).
		Uint64("confirmed", confirmed).
		Msg("nonce resynchronized")
	return nil
}

func (s *Sequencer) resyncCount(ctx context.Context, account domain.Account) (uint64, error) {
	if p, ok := s.source.(chain.PendingNonceSource); ok {
		return p.PendingNonce(ctx, account)
	}
	return s.source.ConfirmedNonce(ctx, account)
}

// Reset forgets the account's counter. Used when the session account changes.
func (s *Sequencer) Reset(account domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, account)
}
