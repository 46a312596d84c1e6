// Package etherscan reads the Ethereum head through the Etherscan proxy module.
package etherscan

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
)

const ID = "etherscan"

// DefaultHosts maps chain slugs to API base URLs.
var DefaultHosts = map[string]string{
	"ethereum-mainnet": "https://api.etherscan.io",
	"ethereum-sepolia": "https://api-sepolia.etherscan.io",
}

var chains = []provider.ChainDescriptor{
	{Slug: "ethereum-mainnet", Name: "Ethereum Mainnet"},
	{Slug: "ethereum-sepolia", Name: "Ethereum Sepolia", IsTestnet: true},
}

type Provider struct {
	http  *provider.HTTPClient
	hosts map[string]string
	token string
}

// New returns the provider. A nil hosts map selects DefaultHosts.
func New(client *provider.HTTPClient, hosts map[string]string, token string) *Provider {
	if hosts == nil {
		hosts = DefaultHosts
	}
	return &Provider{http: client, hosts: hosts, token: token}
}

func (p *Provider) ID() string { return ID }

func (p *Provider) SupportedChecks() provider.CheckSet {
	return provider.Checks(models.CheckHeight)
}

func (p *Provider) SupportedChains(context.Context) ([]provider.ChainDescriptor, error) {
	return chains, nil
}

func (p *Provider) Height(ctx context.Context, chain string) (uint64, error) {
	host, ok := p.hosts[chain]
	if !ok {
		return 0, fmt.Errorf("%s: %w: %s", ID, provider.ErrUnsupportedChain, chain)
	}
	var resp struct {
		Result  string `json:"result"`
		Message string `json:"message"`
	}
	req := provider.Request{
		URL: strings.TrimRight(host, "/") + "/api",
		Query: url.Values{
			"module": []string{"proxy"},
			"action": []string{"eth_blockNumber"},
			"apikey": []string{p.token},
		},
	}
	if err := p.http.DoJSON(ctx, req, &resp); err != nil {
		return 0, err
	}
	if !strings.HasPrefix(resp.Result, "0x") {
		return 0, fmt.Errorf("%w: unexpected result %q %s", provider.ErrDecode, resp.Result, resp.Message)
	}
	h, err := strconv.ParseUint(strings.TrimPrefix(resp.Result, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", provider.ErrDecode, err)
	}
	return h, nil
}

func (p *Provider) Heights(context.Context, []string) ([]uint64, error) {
	return nil, provider.ErrUnsupportedCheck
}

func (p *Provider) Block(context.Context, string, uint64) (*provider.Block, error) {
	return nil, provider.ErrUnsupportedCheck
}

func (p *Provider) Ping(context.Context) error { return provider.ErrUnsupportedCheck }

var _ provider.Provider = (*Provider)(nil)
