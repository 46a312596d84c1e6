// Package providertest offers a scriptable in-memory provider.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
)

// Fake is a provider whose answers are set by the test. Zero-valued funcs
// fall back to the static maps.
type Fake struct {
	Name   string
	Checks provider.CheckSet
	Chains []provider.ChainDescriptor

	HeightsByChain map[string]uint64
	Blocks         map[string]map[uint64]*provider.Block

	HeightFn  func(ctx context.Context, chain string) (uint64, error)
	HeightsFn func(ctx context.Context, chains []string) ([]uint64, error)
	BlockFn   func(ctx context.Context, chain string, height uint64) (*provider.Block, error)
	PingFn    func(ctx context.Context) error
	ChainsErr error

	mu    sync.Mutex
	calls map[string]int
}

// New returns a fake advertising kinds for the given chain slugs.
func New(id string, kinds []models.CheckKind, chainSlugs ...string) *Fake {
	f := &Fake{
		Name:           id,
		Checks:         provider.Checks(kinds...),
		HeightsByChain: map[string]uint64{},
		Blocks:         map[string]map[uint64]*provider.Block{},
	}
	for _, slug := range chainSlugs {
		f.Chains = append(f.Chains, provider.ChainDescriptor{Slug: slug, Name: slug})
	}
	return f
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// SetBlock registers a block served at its height.
func (f *Fake) SetBlock(chain string, b *provider.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Blocks[chain] == nil {
		f.Blocks[chain] = map[uint64]*provider.Block{}
	}
	f.Blocks[chain][b.Height] = b
}

func (f *Fake) ID() string                        { return f.Name }
func (f *Fake) SupportedChecks() provider.CheckSet { return f.Checks }

func (f *Fake) SupportedChains(context.Context) ([]provider.ChainDescriptor, error) {
	f.record("chains")
	if f.ChainsErr != nil {
		return nil, f.ChainsErr
	}
	return f.Chains, nil
}

func (f *Fake) Height(ctx context.Context, chain string) (uint64, error) {
	f.record("height")
	if f.HeightFn != nil {
		return f.HeightFn(ctx, chain)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.HeightsByChain[chain]
	if !ok {
		return 0, fmt.Errorf("%w: %s", provider.ErrUnsupportedChain, chain)
	}
	return h, nil
}

func (f *Fake) Heights(ctx context.Context, chains []string) ([]uint64, error) {
	f.record("heights")
	if f.HeightsFn != nil {
		return f.HeightsFn(ctx, chains)
	}
	out := make([]uint64, 0, len(chains))
	for _, c := range chains {
		f.mu.Lock()
		h, ok := f.HeightsByChain[c]
		f.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", provider.ErrUnsupportedChain, c)
		}
		out = append(out, h)
	}
	return out, nil
}

func (f *Fake) Block(ctx context.Context, chain string, height uint64) (*provider.Block, error) {
	f.record("block")
	if f.BlockFn != nil {
		return f.BlockFn(ctx, chain, height)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Blocks[chain][height]
	if !ok {
		return nil, fmt.Errorf("block %d not found on %s", height, chain)
	}
	return b, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.record("ping")
	if f.PingFn != nil {
		return f.PingFn(ctx)
	}
	return nil
}

var _ provider.Provider = (*Fake)(nil)
