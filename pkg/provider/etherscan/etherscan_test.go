package etherscan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/canopy-network/chainheights/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_Height(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "proxy", q.Get("module"))
		assert.Equal(t, "eth_blockNumber", q.Get("action"))
		assert.Equal(t, "tok", q.Get("apikey"))
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":83,"result":"0x1234b6a"}`))
	}))
	defer server.Close()

	p := New(provider.NewHTTPClient(provider.Opts{}), map[string]string{"ethereum-mainnet": server.URL + "/"}, "tok")
	h, err := p.Height(context.Background(), "ethereum-mainnet")

	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234b6a), h)
}

func TestProvider_RateLimitedBodyIsDecodeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`))
	}))
	defer server.Close()

	p := New(provider.NewHTTPClient(provider.Opts{}), map[string]string{"ethereum-mainnet": server.URL}, "")
	_, err := p.Height(context.Background(), "ethereum-mainnet")

	assert.ErrorIs(t, err, provider.ErrDecode)
}

func TestProvider_Defaults(t *testing.T) {
	p := New(provider.NewHTTPClient(provider.Opts{}), nil, "")

	assert.Equal(t, DefaultHosts, p.hosts)
	_, err := p.Height(context.Background(), "bitcoin-mainnet")
	assert.ErrorIs(t, err, provider.ErrUnsupportedChain)
	_, err = p.Block(context.Background(), "ethereum-mainnet", 1)
	assert.ErrorIs(t, err, provider.ErrUnsupportedCheck)
}
