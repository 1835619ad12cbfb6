package domain

import "time"

// PullRecord is one item revealed by a pull. Records of the same pull share PullID.
type PullRecord struct {
	PullID   string    `json:"pull_id"`
	Account  Account   `json:"account"`
	TokenID  uint64    `json:"token_id"`
	Rarity   int       `json:"rarity"`
	Kind     ItemKind  `json:"kind"`
	Tier     string    `json:"tier"`
	Multi    bool      `json:"multi"`
	TxHash   string    `json:"tx_hash"`
	PulledAt time.Time `json:"pulled_at"`
}
