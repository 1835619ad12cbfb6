package reveal

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"gacha-exchange/internal/domain"
)

// RevealStart asks the presenter to play a reveal sequence.
type RevealStart struct {
	Session uint64
	Tier    Tier
	Count   int
}

// RevealCommitted announces items released into the collection.
type RevealCommitted struct {
	Session uint64
	Items   []*domain.Item
}

// Presenter plays reveal sequences. After OnRevealStart returns, the presenter
// must eventually report the end of the sequence through RevealEnded.
type Presenter interface {
	OnRevealStart(ctx context.Context, start RevealStart) error
	OnRevealCommitted(ctx context.Context, committed RevealCommitted)
}

// RevealEnder receives the end-of-sequence signal.
type RevealEnder interface {
	RevealEnded(session uint64) error
}

// RevealAbandoner is implemented by enders that can drop a reveal nobody is watching.
type RevealAbandoner interface {
	AbandonReveal(session uint64) error
}

// AutoPresenter logs the tier and ends every reveal immediately.
// Ender must be set before the first pull.
type AutoPresenter struct {
	Ender  RevealEnder
	Logger zerolog.Logger
}

// OnRevealStart implements Presenter.
func (p *AutoPresenter) OnRevealStart(_ context.Context, start RevealStart) error {
	if p.Ender == nil {
		return errors.New("reveal: auto presenter has no ender")
	}
	p.Logger.Info().
		Uint64("session", start.Session).
		Str("tier", string(start.Tier)).
		Int("count", start.Count).
		Msg("reveal")
	return p.Ender.RevealEnded(start.Session)
}

// OnRevealCommitted implements Presenter.
func (p *AutoPresenter) OnRevealCommitted(_ context.Context, c RevealCommitted) {
	for _, it := range c.Items {
		p.Logger.Info().
			Uint64("token", it.ID).
			Str("name", it.Name).
			Int("rarity", it.Rarity).
			Str("kind", string(it.Kind())).
			Msg("item revealed")
	}
}
