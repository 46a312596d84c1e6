// Package bitcoinrpc talks JSON-RPC to bitcoind-compatible full nodes and is the
// usual canonical source for block validation.
package bitcoinrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
)

const ID = "bitcoinrpc"

// Endpoint is one node serving one chain.
type Endpoint struct {
	Chain provider.ChainDescriptor
	URL   string
}

type Provider struct {
	http      *provider.HTTPClient
	endpoints map[string]Endpoint
	apiKey    string
}

// New returns a provider over the given nodes. apiKey is sent as x-api-key when set.
func New(client *provider.HTTPClient, apiKey string, endpoints ...Endpoint) *Provider {
	p := &Provider{http: client, apiKey: apiKey, endpoints: make(map[string]Endpoint, len(endpoints))}
	for _, e := range endpoints {
		p.endpoints[e.Chain.Slug] = e
	}
	return p
}

func (p *Provider) ID() string { return ID }

func (p *Provider) SupportedChecks() provider.CheckSet {
	return provider.Checks(models.CheckHeight, models.CheckBlockValidation)
}

func (p *Provider) SupportedChains(context.Context) ([]provider.ChainDescriptor, error) {
	out := make([]provider.ChainDescriptor, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		out = append(out, e.Chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (p *Provider) call(ctx context.Context, chain, method string, out any, params ...any) error {
	ep, ok := p.endpoints[chain]
	if !ok {
		return fmt.Errorf("%s: %w: %s", ID, provider.ErrUnsupportedChain, chain)
	}
	if params == nil {
		params = []any{}
	}
	req := provider.Request{
		Method: http.MethodPost,
		URL:    ep.URL,
		JSON:   map[string]any{"jsonrpc": "1.0", "id": "chainheights", "method": method, "params": params},
	}
	if p.apiKey != "" {
		req.Headers = http.Header{"X-Api-Key": []string{p.apiKey}}
	}
	var resp rpcResponse
	if err := p.http.DoJSON(ctx, req, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s %s: %w", ID, method, resp.Error)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%w: %s result: %w", provider.ErrDecode, method, err)
	}
	return nil
}

func (p *Provider) Height(ctx context.Context, chain string) (uint64, error) {
	var h uint64
	if err := p.call(ctx, chain, "getblockcount", &h); err != nil {
		return 0, err
	}
	return h, nil
}

func (p *Provider) Heights(context.Context, []string) ([]uint64, error) {
	return nil, provider.ErrUnsupportedCheck
}

func (p *Provider) Block(ctx context.Context, chain string, height uint64) (*provider.Block, error) {
	var hash string
	if err := p.call(ctx, chain, "getblockhash", &hash, height); err != nil {
		return nil, err
	}
	var block struct {
		Hash   string   `json:"hash"`
		Height uint64   `json:"height"`
		Tx     []string `json:"tx"`
	}
	if err := p.call(ctx, chain, "getblock", &block, hash, 1); err != nil {
		return nil, err
	}
	return &provider.Block{Height: height, Hash: hash, TxIDs: block.Tx}, nil
}

func (p *Provider) Ping(context.Context) error { return provider.ErrUnsupportedCheck }

var _ provider.Provider = (*Provider)(nil)
