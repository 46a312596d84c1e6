// Package blockstream is the Esplora REST provider (blockstream.info).
package blockstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
)

const (
	ID             = "blockstream"
	DefaultBaseURL = "https://blockstream.info"
)

var chains = []provider.ChainDescriptor{
	{Slug: "bitcoin-mainnet", Name: "Bitcoin Mainnet"},
	{Slug: "bitcoin-testnet", Name: "Bitcoin Testnet", IsTestnet: true},
}

type Provider struct {
	http    *provider.HTTPClient
	baseURL string
}

// New returns the provider. An empty baseURL selects DefaultBaseURL.
func New(client *provider.HTTPClient, baseURL string) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{http: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *Provider) ID() string { return ID }

func (p *Provider) SupportedChecks() provider.CheckSet {
	return provider.Checks(models.CheckHeight, models.CheckPing, models.CheckBlockValidation)
}

func (p *Provider) SupportedChains(context.Context) ([]provider.ChainDescriptor, error) {
	return chains, nil
}

func (p *Provider) api(chain string) (string, error) {
	switch chain {
	case "bitcoin-mainnet":
		return p.baseURL + "/api", nil
	case "bitcoin-testnet":
		return p.baseURL + "/testnet/api", nil
	default:
		return "", fmt.Errorf("%s: %w: %s", ID, provider.ErrUnsupportedChain, chain)
	}
}

func (p *Provider) text(ctx context.Context, url string) (string, error) {
	raw, err := p.http.Do(ctx, provider.Request{URL: url})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func (p *Provider) Height(ctx context.Context, chain string) (uint64, error) {
	api, err := p.api(chain)
	if err != nil {
		return 0, err
	}
	body, err := p.text(ctx, api+"/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	h, err := strconv.ParseUint(body, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: tip height: %w", provider.ErrDecode, err)
	}
	return h, nil
}

func (p *Provider) Heights(context.Context, []string) ([]uint64, error) {
	return nil, provider.ErrUnsupportedCheck
}

func (p *Provider) Block(ctx context.Context, chain string, height uint64) (*provider.Block, error) {
	api, err := p.api(chain)
	if err != nil {
		return nil, err
	}
	hash, err := p.text(ctx, fmt.Sprintf("%s/block-height/%d", api, height))
	if err != nil {
		return nil, err
	}
	var txids []string
	if err := p.http.DoJSON(ctx, provider.Request{URL: api + "/block/" + hash + "/txids"}, &txids); err != nil {
		return nil, err
	}
	return &provider.Block{Height: height, Hash: hash, TxIDs: txids}, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.http.Do(ctx, provider.Request{URL: p.baseURL + "/api/blocks/tip/hash"})
	return err
}

var _ provider.Provider = (*Provider)(nil)
