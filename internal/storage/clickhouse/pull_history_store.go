package clickhouse

import (
	"context"
	"fmt"
	"time"

	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/observability"
	"gacha-exchange/internal/storage"
)

// PullHistoryStore implements storage.PullHistoryStore using ClickHouse.
type PullHistoryStore struct {
	conn *Conn
}

// NewPullHistoryStore creates a new PullHistoryStore.
func NewPullHistoryStore(conn *Conn) *PullHistoryStore {
	return &PullHistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PullHistoryStore = (*PullHistoryStore)(nil)

// Append adds records in a single batch.
func (s *PullHistoryStore) Append(ctx context.Context, records []domain.PullRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if r.Account == "" || r.PullID == "" {
			return storage.ErrInvalidInput
		}
	}
	start := time.Now()
	defer func() { observability.RecordDBQuery("clickhouse", "pull_history_append", time.Since(start).Seconds(), err) }()

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO pull_history (
			pull_id, account, token_id, rarity, kind, tier, multi, tx_hash, pulled_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		var multi uint8
		if r.Multi {
			multi = 1
		}
		err = batch.Append(
			r.PullID, string(r.Account), r.TokenID, uint8(r.Rarity),
			string(r.Kind), r.Tier, multi, r.TxHash, r.PulledAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// RarityCounts returns how many items of each rarity account has pulled.
func (s *PullHistoryStore) RarityCounts(ctx context.Context, account domain.Account) (counts map[int]uint64, err error) {
	start := time.Now()
	defer func() { observability.RecordDBQuery("clickhouse", "pull_history_counts", time.Since(start).Seconds(), err) }()

	rows, err := s.conn.Query(ctx, `
		SELECT rarity, count() AS n
		FROM pull_history
		WHERE account = ?
		GROUP BY rarity
	`, string(account))
	if err != nil {
		return nil, fmt.Errorf("query rarity counts: %w", err)
	}
	defer rows.Close()

	counts = make(map[int]uint64)
	for rows.Next() {
		var (
			rarity uint8
			n      uint64
		)
		if err := rows.Scan(&rarity, &n); err != nil {
			return nil, fmt.Errorf("scan rarity count: %w", err)
		}
		counts[int(rarity)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rarity counts: %w", err)
	}
	return counts, nil
}

// Recent returns the latest records of account, newest first.
func (s *PullHistoryStore) Recent(ctx context.Context, account domain.Account, limit int) ([]domain.PullRecord, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	rows, err := s.conn.Query(ctx, `
		SELECT pull_id, account, token_id, rarity, kind, tier, multi, tx_hash, pulled_at
		FROM pull_history
		WHERE account = ?
		ORDER BY pulled_at DESC, token_id ASC
		LIMIT ?
	`, string(account), uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("query pull history: %w", err)
	}
	defer rows.Close()

	var result []domain.PullRecord
	for rows.Next() {
		var (
			r      domain.PullRecord
			acct   string
			rarity uint8
			kind   string
			multi  uint8
			pulled time.Time
		)
		if err := rows.Scan(&r.PullID, &acct, &r.TokenID, &rarity, &kind, &r.Tier, &multi, &r.TxHash, &pulled); err != nil {
			return nil, fmt.Errorf("scan pull record: %w", err)
		}
		r.Account = domain.Account(acct)
		r.Rarity = int(rarity)
		r.Kind = domain.ItemKind(kind)
		r.Multi = multi == 1
		r.PulledAt = pulled
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pull history: %w", err)
	}
	return result, nil
}
