package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"gacha-exchange/internal/config"
	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/exchange"
	"gacha-exchange/internal/reveal"
	"gacha-exchange/internal/revealws"
)

// maxRarity is the highest 1-based rarity accepted by mint.
const maxRarity = 6

// withApp runs fn with a connected app and closes it afterwards.
func withApp(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, *cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func itemViews(items []*domain.Item) []revealws.ItemView {
	views := make([]revealws.ItemView, 0, len(items))
	for _, it := range items {
		views = append(views, revealws.NewItemView(it))
	}
	return views
}

// receiptView is the printed form of a confirmed transaction.
type receiptView struct {
	TxHash   string   `json:"tx_hash"`
	Block    uint64   `json:"block"`
	GasUsed  uint64   `json:"gas_used"`
	TokenIDs []uint64 `json:"token_ids,omitempty"`
}

func newReceiptView(r *domain.Receipt) receiptView {
	return receiptView{TxHash: r.TxHash, Block: r.BlockNumber, GasUsed: r.GasUsed, TokenIDs: r.TokenIDs}
}

func parseTokenID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid token id %q", s)
	}
	return id, nil
}

func newPullCmd(cfg *config.Config) *cobra.Command {
	var multi bool
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull one item, or ten with --multi, and reveal the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				account, err := a.signer()
				if err != nil {
					return err
				}
				presenter := &reveal.AutoPresenter{Logger: a.logger}
				seq := a.newSequencer(presenter)
				presenter.Ender = seq

				items, err := seq.Pull(ctx, account, multi)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), itemViews(items))
			})
		},
	}
	cmd.Flags().BoolVar(&multi, "multi", false, "pull ten items at once")
	return cmd
}

func newMintCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "mint <token-uri> <rarity>",
		Short: "Mint an uploaded descriptor with a rarity from 1 to 6",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rarity, err := strconv.Atoi(args[1])
			if err != nil || rarity < 1 || rarity > maxRarity {
				return fmt.Errorf("rarity must be between 1 and %d", maxRarity)
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				account, err := a.signer()
				if err != nil {
					return err
				}
				item, err := a.exchange.Mint(ctx, account, args[0], uint8(rarity-1))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), revealws.NewItemView(item))
			})
		},
	}
}

func newListCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list <token-id> <price>",
		Short: "Offer a token for sale at a price in ether",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTokenID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				account, err := a.signer()
				if err != nil {
					return err
				}
				receipt, err := a.exchange.List(ctx, account, id, args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newReceiptView(receipt))
			})
		},
	}
}

func newUnlistCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "unlist <token-id>",
		Short: "Withdraw a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTokenID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				account, err := a.signer()
				if err != nil {
					return err
				}
				receipt, err := a.exchange.Unlist(ctx, account, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newReceiptView(receipt))
			})
		},
	}
}

func newBuyCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "buy <token-id> <price>",
		Short: "Buy a listed token, paying its price in ether",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTokenID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				account, err := a.signer()
				if err != nil {
					return err
				}
				receipt, err := a.exchange.Buy(ctx, account, id, args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newReceiptView(receipt))
			})
		},
	}
}

func newCollectionCmd(cfg *config.Config) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Show the items held by the signing account or --owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				account := domain.Account(owner)
				if account == "" {
					var err error
					if account, err = a.signer(); err != nil {
						return err
					}
				}
				items, err := a.exchange.Collection(ctx, account)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), itemViews(items))
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "account to inspect")
	return cmd
}

func newMarketCmd(cfg *config.Config) *cobra.Command {
	var sortKey string
	cmd := &cobra.Command{
		Use:   "market",
		Short: "Show every active listing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sortBy, err := exchange.ParseSortBy(sortKey)
			if err != nil {
				return err
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				items, err := a.exchange.Marketplace(ctx, sortBy)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), itemViews(items))
			})
		},
	}
	cmd.Flags().StringVar(&sortKey, "sort", string(exchange.SortByPrice), "order by price or rarity")
	return cmd
}

// historyView is the printed pull history of an account.
type historyView struct {
	Account      domain.Account      `json:"account"`
	RarityCounts map[int]uint64      `json:"rarity_counts"`
	Recent       []domain.PullRecord `json:"recent"`
}

func newHistoryCmd(cfg *config.Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show pull statistics and the latest pulls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				account, err := a.signer()
				if err != nil {
					return err
				}
				view, err := loadHistory(ctx, a.history, account, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent pulls to show")
	return cmd
}
