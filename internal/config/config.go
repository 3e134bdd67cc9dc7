// Package config loads the indexer-agent's configuration: the
// enumerated key set from spec.md §6, read from a TOML/YAML file via
// viper and overridable with TAP_AGENT_-prefixed environment variables,
// the way the teacher's own sidecar commands layer flags over a
// pricing-config file.
package config

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/streamingfast/eth-go"

	"github.com/graphprotocol/tap-agent/internal/tap"
)

// Indexer holds the operator identity used to authenticate RAV requests
// and attribute allocations.
type Indexer struct {
	IndexerAddress   tap.Address `mapstructure:"indexer_address"`
	OperatorMnemonic string      `mapstructure:"operator_mnemonic"`
}

// TAP holds the RAV-request trigger and safety-margin parameters of
// spec.md §4.D-E.
type TAP struct {
	RAVRequestTriggerValue      *big.Int      `mapstructure:"rav_request_trigger_value"`
	RAVRequestTimestampBufferMs uint64        `mapstructure:"rav_request_timestamp_buffer_ms"`
	RAVRequestTimeoutSecs       uint64        `mapstructure:"rav_request_timeout_secs"`
	RAVRequestTimeout           time.Duration `mapstructure:"-"`
	// AggregatorEndpoint is not in spec.md's enumerated key list (there
	// every sender is assumed to carry its own aggregator endpoint
	// discovered elsewhere); until that discovery mechanism exists this
	// single default endpoint is used for every sender, same as a
	// one-sender deployment would configure it.
	AggregatorEndpoint string `mapstructure:"aggregator_endpoint"`
	// AuthorizedAggregators is likewise not in spec.md's enumerated list;
	// it is the signer set a returned RAV's EIP-712 signature must
	// recover to (§6's aggregate_receipts verification step).
	AuthorizedAggregators []tap.Address `mapstructure:"authorized_aggregators"`
}

// Receipts holds the EIP-712 domain parameters receipts and RAVs are
// verified against.
type Receipts struct {
	VerifierChainID uint64      `mapstructure:"receipts_verifier_chain_id"`
	VerifierAddress tap.Address `mapstructure:"receipts_verifier_address"`
}

// SubgraphSource is shared by the network and escrow subgraph sections:
// both are a GraphQL query URL plus a polling interval.
type SubgraphSource struct {
	QueryURL        string        `mapstructure:"query_url"`
	SyncingInterval time.Duration `mapstructure:"syncing_interval"`
}

// GraphNetwork identifies which network-subgraph deployment to query.
type GraphNetwork struct {
	ID string `mapstructure:"id"`
}

// Database holds the Postgres connection string backing internal/store.
type Database struct {
	PostgresURL string `mapstructure:"postgres_url"`
}

// Server configures the external HTTP ingress collaborator; carried for
// completeness per spec.md §6 even though routing itself is out of the
// core's scope.
type Server struct {
	HostAndPort        string `mapstructure:"host_and_port"`
	URLPrefix          string `mapstructure:"url_prefix"`
	FreeQueryAuthToken string `mapstructure:"free_query_auth_token"`
}

// Config is the fully decoded configuration tree, one field per
// spec.md §6 section.
type Config struct {
	Indexer         Indexer        `mapstructure:"indexer"`
	TAP             TAP            `mapstructure:"tap"`
	Receipts        Receipts       `mapstructure:"receipts"`
	NetworkSubgraph SubgraphSource `mapstructure:"network_subgraph"`
	EscrowSubgraph  SubgraphSource `mapstructure:"escrow_subgraph"`
	GraphNetwork    GraphNetwork   `mapstructure:"graph_network"`
	Database        Database       `mapstructure:"database"`
	Server          Server         `mapstructure:"server"`
}

var (
	addressType = reflect.TypeOf(tap.Address{})
	bigIntType  = reflect.TypeOf((*big.Int)(nil))
)

// wireDecodeHook teaches mapstructure two wire conventions the config
// file uses that it has no built-in support for: hex addresses
// ("0x...") and arbitrary-precision decimal strings for the u128
// trigger-value field, both of which also appear over the wire in
// internal/tap.
func wireDecodeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	s, _ := data.(string)

	switch to {
	case addressType:
		addr, err := eth.NewAddress(s)
		if err != nil {
			return nil, fmt.Errorf("decoding address %q: %w", s, err)
		}
		return addr, nil
	case bigIntType:
		if strings.TrimSpace(s) == "" {
			return big.NewInt(0), nil
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("decoding integer %q", s)
		}
		return n, nil
	}
	return data, nil
}

// Load reads configuration from path (TOML, YAML and JSON are all
// auto-detected by viper from the file extension) and layers
// TAP_AGENT_-prefixed environment variables on top, matching section
// nesting with underscores (e.g. TAP_AGENT_TAP_RAV_REQUEST_TRIGGER_VALUE
// overrides tap.rav_request_trigger_value).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("tap_agent")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		wireDecodeHook,
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.TAP.RAVRequestTimeout = time.Duration(cfg.TAP.RAVRequestTimeoutSecs) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var zeroAddress tap.Address

// Validate checks the required keys spec.md §6 marks non-optional. It
// does not check server.free_query_auth_token, server.url_prefix, the two
// subgraph syncing_interval keys, or tap.rav_request_timestamp_buffer_ms
// (zero is accepted).
func (c *Config) Validate() error {
	if c.Indexer.IndexerAddress == zeroAddress {
		return fmt.Errorf("config: missing required key indexer.indexer_address")
	}
	if strings.TrimSpace(c.Indexer.OperatorMnemonic) == "" {
		return fmt.Errorf("config: missing required key indexer.operator_mnemonic")
	}
	if c.TAP.RAVRequestTriggerValue == nil || c.TAP.RAVRequestTriggerValue.Sign() <= 0 {
		return fmt.Errorf("config: tap.rav_request_trigger_value must be a positive integer")
	}
	if c.TAP.RAVRequestTimeoutSecs == 0 {
		return fmt.Errorf("config: tap.rav_request_timeout_secs must be > 0")
	}
	if strings.TrimSpace(c.TAP.AggregatorEndpoint) == "" {
		return fmt.Errorf("config: missing required key tap.aggregator_endpoint")
	}
	if len(c.TAP.AuthorizedAggregators) == 0 {
		return fmt.Errorf("config: tap.authorized_aggregators must list at least one signer")
	}
	if c.Receipts.VerifierChainID == 0 {
		return fmt.Errorf("config: receipts.receipts_verifier_chain_id must be > 0")
	}
	if c.Receipts.VerifierAddress == zeroAddress {
		return fmt.Errorf("config: missing required key receipts.receipts_verifier_address")
	}
	if c.NetworkSubgraph.QueryURL == "" {
		return fmt.Errorf("config: missing required key network_subgraph.query_url")
	}
	if c.EscrowSubgraph.QueryURL == "" {
		return fmt.Errorf("config: missing required key escrow_subgraph.query_url")
	}
	if c.GraphNetwork.ID == "" {
		return fmt.Errorf("config: missing required key graph_network.id")
	}
	if c.Database.PostgresURL == "" {
		return fmt.Errorf("config: missing required key database.postgres_url")
	}
	if c.Server.HostAndPort == "" {
		return fmt.Errorf("config: missing required key server.host_and_port")
	}
	return nil
}
