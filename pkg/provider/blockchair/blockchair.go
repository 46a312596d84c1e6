// Package blockchair is the Blockchair stats API provider. It is the only
// reference provider with a bulk height endpoint.
package blockchair

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
)

const (
	ID             = "blockchair"
	DefaultBaseURL = "https://api.blockchair.com"
)

type chainInfo struct {
	name    string
	path    string
	testnet bool
	// ledger chains report best_ledger_height instead of best_block_height
	ledger bool
}

var chainMap = map[string]chainInfo{
	"bitcoin-mainnet":     {name: "Bitcoin Mainnet", path: "bitcoin"},
	"bitcoin-testnet":     {name: "Bitcoin Testnet", path: "bitcoin/testnet", testnet: true},
	"bitcoincash-mainnet": {name: "Bitcoin Cash Mainnet", path: "bitcoin-cash"},
	"bitcoinsv-mainnet":   {name: "Bitcoin SV Mainnet", path: "bitcoin-sv"},
	"ethereum-mainnet":    {name: "Ethereum Mainnet", path: "ethereum"},
	"litecoin-mainnet":    {name: "Litecoin Mainnet", path: "litecoin"},
	"dogecoin-mainnet":    {name: "Dogecoin Mainnet", path: "dogecoin"},
	"ripple-mainnet":      {name: "Ripple Mainnet", path: "ripple", ledger: true},
	"stellar-mainnet":     {name: "Stellar Mainnet", path: "stellar", ledger: true},
}

type Provider struct {
	http    *provider.HTTPClient
	baseURL string
	token   string
}

func New(client *provider.HTTPClient, baseURL, token string) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{http: client, baseURL: strings.TrimRight(baseURL, "/"), token: token}
}

func (p *Provider) ID() string { return ID }

func (p *Provider) SupportedChecks() provider.CheckSet {
	return provider.Checks(models.CheckHeight, models.CheckBulkHeight, models.CheckPing)
}

func (p *Provider) SupportedChains(context.Context) ([]provider.ChainDescriptor, error) {
	out := make([]provider.ChainDescriptor, 0, len(chainMap))
	for slug, c := range chainMap {
		out = append(out, provider.ChainDescriptor{Slug: slug, Name: c.name, IsTestnet: c.testnet})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

type stats struct {
	BestBlockHeight  *uint64 `json:"best_block_height"`
	BestLedgerHeight *uint64 `json:"best_ledger_height"`
}

func (s stats) height(ledger bool) (uint64, error) {
	v := s.BestBlockHeight
	if ledger {
		v = s.BestLedgerHeight
	}
	if v == nil {
		return 0, fmt.Errorf("%w: height missing from stats", provider.ErrDecode)
	}
	return *v, nil
}

func (p *Provider) query() url.Values {
	if p.token == "" {
		return nil
	}
	return url.Values{"key": []string{p.token}}
}

func (p *Provider) Height(ctx context.Context, chain string) (uint64, error) {
	info, ok := chainMap[chain]
	if !ok {
		return 0, fmt.Errorf("%s: %w: %s", ID, provider.ErrUnsupportedChain, chain)
	}
	var resp struct {
		Data stats `json:"data"`
	}
	req := provider.Request{URL: p.baseURL + "/" + info.path + "/stats", Query: p.query()}
	if err := p.http.DoJSON(ctx, req, &resp); err != nil {
		return 0, err
	}
	return resp.Data.height(info.ledger)
}

// Heights uses the combined /stats endpoint, which only covers mainnets.
func (p *Provider) Heights(ctx context.Context, chains []string) ([]uint64, error) {
	var resp struct {
		Data map[string]struct {
			Data stats `json:"data"`
		} `json:"data"`
	}
	req := provider.Request{URL: p.baseURL + "/stats", Query: p.query()}
	if err := p.http.DoJSON(ctx, req, &resp); err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(chains))
	for _, chain := range chains {
		info, ok := chainMap[chain]
		if !ok {
			return nil, fmt.Errorf("%s: %w: %s", ID, provider.ErrUnsupportedChain, chain)
		}
		entry, ok := resp.Data[info.path]
		if !ok {
			return nil, fmt.Errorf("%w: %s missing from bulk stats", provider.ErrDecode, chain)
		}
		h, err := entry.Data.height(info.ledger)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", chain, err)
		}
		out = append(out, h)
	}
	return out, nil
}

func (p *Provider) Block(context.Context, string, uint64) (*provider.Block, error) {
	return nil, provider.ErrUnsupportedCheck
}

func (p *Provider) Ping(ctx context.Context) error {
	var resp json.RawMessage
	return p.http.DoJSON(ctx, provider.Request{URL: p.baseURL + "/bitcoin/stats", Query: p.query()}, &resp)
}

var _ provider.Provider = (*Provider)(nil)
