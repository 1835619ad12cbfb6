package chain

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"gacha-exchange/internal/domain"
)

// identifyConcurrency bounds parallel tokenURI/getRarity lookups.
const identifyConcurrency = 8

// IdentifyTokens reads the token URI and rarity of each id. The result preserves input order.
func IdentifyTokens(ctx context.Context, reader TokenReader, ids []uint64) ([]domain.RawIdentifier, error) {
	out := make([]domain.RawIdentifier, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(identifyConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			uri, err := reader.TokenURI(gctx, id)
			if err != nil {
				return fmt.Errorf("token %d uri: %w", id, err)
			}
			rarity, err := reader.Rarity(gctx, id)
			if err != nil {
				return fmt.Errorf("token %d rarity: %w", id, err)
			}
			out[i] = domain.RawIdentifier{TokenID: id, Rarity: rarity, TokenURI: uri}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
