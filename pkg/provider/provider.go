package provider

import (
	"context"
	"errors"

	"github.com/canopy-network/chainheights/pkg/db/models"
)

var (
	// ErrUnsupportedChain is returned when a provider is asked about a chain it does not serve.
	ErrUnsupportedChain = errors.New("unsupported chain")
	// ErrUnsupportedCheck is returned by operations a provider does not advertise.
	ErrUnsupportedCheck = errors.New("unsupported check")
)

// ChainDescriptor is a chain as a provider advertises it.
type ChainDescriptor struct {
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	IsTestnet bool   `json:"is_testnet"`
}

// Block is the subset of a block the validation engine diffs.
type Block struct {
	Height uint64   `json:"height"`
	Hash   string   `json:"hash"`
	TxIDs  []string `json:"tx_ids"`
}

// CheckSet is the static capability advertisement of a provider.
type CheckSet map[models.CheckKind]struct{}

// Checks builds a CheckSet.
func Checks(kinds ...models.CheckKind) CheckSet {
	s := make(CheckSet, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether kind is advertised.
func (s CheckSet) Has(kind models.CheckKind) bool {
	_, ok := s[kind]
	return ok
}

// Provider is a pluggable chain data source. Operations not listed in
// SupportedChecks return ErrUnsupportedCheck. Implementations must be safe
// for concurrent use.
type Provider interface {
	ID() string
	SupportedChecks() CheckSet
	SupportedChains(ctx context.Context) ([]ChainDescriptor, error)
	Height(ctx context.Context, chain string) (uint64, error)
	// Heights returns one height per requested chain, in request order.
	Heights(ctx context.Context, chains []string) ([]uint64, error)
	Block(ctx context.Context, chain string, height uint64) (*Block, error)
	Ping(ctx context.Context) error
}

// Serves reports whether chains contains slug.
func Serves(chains []ChainDescriptor, slug string) bool {
	for _, c := range chains {
		if c.Slug == slug {
			return true
		}
	}
	return false
}
