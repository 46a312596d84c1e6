package bitcoinrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/canopy-network/chainheights/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newNode(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		var req rpcRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "getblockcount":
			_, _ = w.Write([]byte(`{"result":840000,"error":null,"id":"chainheights"}`))
		case "getblockhash":
			if !assert.Len(t, req.Params, 1) {
				return
			}
			if string(req.Params[0]) == "5" {
				_, _ = w.Write([]byte(`{"result":null,"error":{"code":-8,"message":"Block height out of range"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"result":"hash-100","error":null}`))
		case "getblock":
			if !assert.Len(t, req.Params, 2) {
				return
			}
			assert.JSONEq(t, `"hash-100"`, string(req.Params[0]))
			assert.JSONEq(t, `1`, string(req.Params[1]))
			_, _ = w.Write([]byte(`{"result":{"hash":"hash-100","height":100,"tx":["a","b"]},"error":null}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newProvider(url string) *Provider {
	return New(provider.NewHTTPClient(provider.Opts{}), "key-1", Endpoint{
		Chain: provider.ChainDescriptor{Slug: "bitcoin-mainnet", Name: "Bitcoin Mainnet"},
		URL:   url,
	})
}

func TestProvider_Height(t *testing.T) {
	p := newProvider(newNode(t).URL)

	h, err := p.Height(context.Background(), "bitcoin-mainnet")
	require.NoError(t, err)
	assert.Equal(t, uint64(840000), h)
}

func TestProvider_Block(t *testing.T) {
	p := newProvider(newNode(t).URL)

	b, err := p.Block(context.Background(), "bitcoin-mainnet", 100)
	require.NoError(t, err)
	assert.Equal(t, &provider.Block{Height: 100, Hash: "hash-100", TxIDs: []string{"a", "b"}}, b)
}

func TestProvider_RPCError(t *testing.T) {
	p := newProvider(newNode(t).URL)

	_, err := p.Block(context.Background(), "bitcoin-mainnet", 5)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -8, rpcErr.Code)
}

func TestProvider_UnsupportedChain(t *testing.T) {
	p := newProvider("http://unused.invalid")

	_, err := p.Height(context.Background(), "bitcoin-testnet")
	assert.ErrorIs(t, err, provider.ErrUnsupportedChain)
	assert.ErrorIs(t, p.Ping(context.Background()), provider.ErrUnsupportedCheck)
}

func TestProvider_SupportedChains(t *testing.T) {
	p := New(provider.NewHTTPClient(provider.Opts{}), "",
		Endpoint{Chain: provider.ChainDescriptor{Slug: "litecoin-mainnet"}, URL: "http://ltc"},
		Endpoint{Chain: provider.ChainDescriptor{Slug: "bitcoin-mainnet"}, URL: "http://btc"},
	)

	chains, err := p.SupportedChains(context.Background())
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, "bitcoin-mainnet", chains[0].Slug)
	assert.Equal(t, "litecoin-mainnet", chains[1].Slug)
}
