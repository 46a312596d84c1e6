package checker

import (
	"fmt"
	"slices"

	"github.com/canopy-network/chainheights/pkg/provider"
	"github.com/canopy-network/chainheights/pkg/provider/bitcoinrpc"
	"github.com/canopy-network/chainheights/pkg/provider/blockchair"
	"github.com/canopy-network/chainheights/pkg/provider/blockstream"
	"github.com/canopy-network/chainheights/pkg/provider/etherscan"
	"github.com/canopy-network/chainheights/pkg/utils"
	"go.uber.org/zap"
)

// RegistryConfig selects and configures the reference providers.
type RegistryConfig struct {
	Enabled        []string
	Bulk           []string
	Private        []string
	Canonical      string
	HTTP           provider.Opts
	BlockstreamURL string
	BlockchairURL  string
	BlockchairKey  string
	EtherscanKey   string
	BitcoinRPCURL  string
	BitcoinRPCKey  string
}

// RegistryConfigFromEnv reads RegistryConfig from the environment.
func RegistryConfigFromEnv() RegistryConfig {
	enabled := utils.EnvList("PROVIDERS")
	if len(enabled) == 0 {
		enabled = []string{blockstream.ID, blockchair.ID, etherscan.ID, bitcoinrpc.ID}
	}
	bulk := utils.EnvList("BULK_PROVIDERS")
	if len(bulk) == 0 && slices.Contains(enabled, blockchair.ID) {
		bulk = []string{blockchair.ID}
	}
	return RegistryConfig{
		Enabled:   enabled,
		Bulk:      bulk,
		Private:   utils.EnvList("PRIVATE_PROVIDERS"),
		Canonical: utils.Env("VALIDATION_PROVIDER", ""),
		HTTP: provider.Opts{
			Timeout: utils.EnvDuration("PROVIDER_TIMEOUT", 0),
			RPS:     utils.EnvInt("PROVIDER_RPS", 0),
			Burst:   utils.EnvInt("PROVIDER_BURST", 0),
		},
		BlockstreamURL: utils.Env("BLOCKSTREAM_URL", ""),
		BlockchairURL:  utils.Env("BLOCKCHAIR_URL", ""),
		BlockchairKey:  utils.Env("BLOCKCHAIR_TOKEN", ""),
		EtherscanKey:   utils.Env("ETHERSCAN_TOKEN", ""),
		BitcoinRPCURL:  utils.Env("BITCOIN_RPC_URL", ""),
		BitcoinRPCKey:  utils.Env("BITCOIN_RPC_KEY", ""),
	}
}

// BuildRegistry instantiates every enabled provider. Each provider gets its
// own rate-limited HTTP client. A provider lacking required settings is
// skipped with a warning.
func BuildRegistry(logger *zap.Logger, cfg RegistryConfig) (*provider.Registry, error) {
	var providers []provider.Provider
	for _, id := range utils.Dedup(cfg.Enabled) {
		client := provider.NewHTTPClient(cfg.HTTP)
		switch id {
		case blockstream.ID:
			providers = append(providers, blockstream.New(client, cfg.BlockstreamURL))
		case blockchair.ID:
			providers = append(providers, blockchair.New(client, cfg.BlockchairURL, cfg.BlockchairKey))
		case etherscan.ID:
			providers = append(providers, etherscan.New(client, etherscan.DefaultHosts, cfg.EtherscanKey))
		case bitcoinrpc.ID:
			if cfg.BitcoinRPCURL == "" {
				logger.Warn("BITCOIN_RPC_URL not set, skipping provider", zap.String("provider", id))
				continue
			}
			providers = append(providers, bitcoinrpc.New(client, cfg.BitcoinRPCKey, bitcoinrpc.Endpoint{
				Chain: provider.ChainDescriptor{Slug: "bitcoin-mainnet", Name: "Bitcoin Mainnet"},
				URL:   cfg.BitcoinRPCURL,
			}))
		default:
			return nil, fmt.Errorf("unknown provider %q", id)
		}
	}

	canonical := cfg.Canonical
	if canonical == "" {
		canonical = defaultCanonical(providers)
	}
	registry, err := provider.NewRegistry(provider.Options{
		Bulk:      cfg.Bulk,
		Private:   cfg.Private,
		Canonical: canonical,
	}, providers...)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(providers))
	for _, p := range registry.All() {
		ids = append(ids, p.ID())
	}
	logger.Info("Provider registry ready",
		zap.Strings("providers", ids),
		zap.Strings("bulk", cfg.Bulk),
		zap.Strings("private", cfg.Private),
		zap.String("canonical", canonical))
	return registry, nil
}

// defaultCanonical prefers a full node over public explorers.
func defaultCanonical(providers []provider.Provider) string {
	for _, want := range []string{bitcoinrpc.ID, blockstream.ID} {
		for _, p := range providers {
			if p.ID() == want {
				return want
			}
		}
	}
	return ""
}
