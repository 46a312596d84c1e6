package models

import (
	"strings"
	"time"
)

// Provider is the persisted view of a registered provider.
type Provider struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Private bool   `json:"private"`
	Bulk    bool   `json:"bulk"`
}

// Chain is one blockchain network as seen by one provider.
type Chain struct {
	ProviderID string    `json:"provider_id"`
	Slug       string    `json:"slug"`
	Name       string    `json:"name"`
	IsTestnet  bool      `json:"is_testnet"`
	FamilySlug string    `json:"family_slug,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FamilySlug derives the family of a chain slug: "bitcoin-mainnet" -> "bitcoin".
func FamilySlug(chainSlug string) string {
	if i := strings.LastIndex(chainSlug, "-"); i > 0 {
		return chainSlug[:i]
	}
	return chainSlug
}

// ChainFamily is the identity shared by the same chain across providers.
// Thresholds are block counts <= 0 applied to height - best height.
type ChainFamily struct {
	Slug             string `json:"slug"`
	DisplayName      string `json:"display_name"`
	SuccessThreshold int64  `json:"success_threshold"`
	WarningThreshold int64  `json:"warning_threshold"`
	ErrorThreshold   int64  `json:"error_threshold"`
	MainnetFinality  uint64 `json:"mainnet_finality"`
	TestnetFinality  uint64 `json:"testnet_finality"`
}

// FinalityDepth returns the number of recent blocks excluded from validation.
func (f *ChainFamily) FinalityDepth(testnet bool) uint64 {
	if testnet {
		return f.TestnetFinality
	}
	return f.MainnetFinality
}

// DefaultFamilies is the family table seeded into a fresh store.
func DefaultFamilies() []ChainFamily {
	family := func(slug, name string, mainnet, testnet uint64) ChainFamily {
		return ChainFamily{
			Slug:             slug,
			DisplayName:      name,
			SuccessThreshold: 0,
			WarningThreshold: -1,
			ErrorThreshold:   -3,
			MainnetFinality:  mainnet,
			TestnetFinality:  testnet,
		}
	}
	return []ChainFamily{
		family("bitcoin", "Bitcoin", 6, 12),
		family("bitcoincash", "Bitcoin Cash", 6, 12),
		family("bitcoinsv", "Bitcoin SV", 6, 12),
		family("litecoin", "Litecoin", 6, 12),
		family("dogecoin", "Dogecoin", 6, 12),
		family("ethereum", "Ethereum", 12, 24),
		family("ripple", "XRP Ledger", 6, 12),
		family("stellar", "Stellar", 6, 12),
	}
}
