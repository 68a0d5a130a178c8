package lib

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/units"
)

/* This file implements logic for 'user controlled' configuration of each module of the node */

const (
	// FILE NAMES in the 'data directory'
	ConfigFilePath = "config.json"        // the file path for the node configuration
	ValKeyPath     = "validator_key.json" // the file path for the node's signing keys
)

// Config is the structure of the user configuration options for a consensus node
type Config struct {
	MainConfig      // main options spanning over all modules
	ConsensusConfig // agreement options
	P2PConfig       // broadcast and transport options
	FinalizeConfig  // fragment download options
	StoreConfig     // persistence options
	MetricsConfig   // telemetry options
}

// DefaultConfig() returns a Config with developer set options
func DefaultConfig() Config {
	return Config{
		MainConfig:      DefaultMainConfig(),
		ConsensusConfig: DefaultConsensusConfig(),
		P2PConfig:       DefaultP2PConfig(),
		FinalizeConfig:  DefaultFinalizeConfig(),
		StoreConfig:     DefaultStoreConfig(),
		MetricsConfig:   DefaultMetricsConfig(),
	}
}

// MAIN CONFIG BELOW

type MainConfig struct {
	LogLevel string `json:"logLevel"` // any level includes the levels above it: debug < info < warning < error
}

// DefaultMainConfig() sets log level to 'info'
func DefaultMainConfig() MainConfig {
	return MainConfig{LogLevel: "info"}
}

// GetLogLevel() parses the log string in the config file into a LogLevel Enum
func (m *MainConfig) GetLogLevel() int32 {
	switch {
	case strings.Contains(strings.ToLower(m.LogLevel), "deb"):
		return DebugLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "inf"):
		return InfoLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "war"):
		return WarnLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "err"):
		return ErrorLevel
	default:
		return DebugLevel
	}
}

// CONSENSUS CONFIG BELOW

// ConsensusConfig defines the agreement engine's identity and retention limits
type ConsensusConfig struct {
	SelfSlot             uint64 `json:"selfSlot"`             // this node's proposer slot in [1, N]
	MaxActiveConsensuses uint64 `json:"maxActiveConsensuses"` // how many blocks behind 'current' inbound messages are still accepted
	MaxDeferredPerBlock  int    `json:"maxDeferredPerBlock"`  // cap on deferred messages held for a single future block
	MaxFutureBlocks      uint64 `json:"maxFutureBlocks"`      // how many blocks ahead of 'current' inbound messages are deferred; 0 is unbounded
	DeferredSweepMS      int    `json:"deferredSweepMS"`      // how often (in milliseconds) deferred messages are re-offered to the router
	AvailabilityPollMS   int    `json:"availabilityPollMS"`   // how often (in milliseconds) the next block's availability vector is polled
}

// DefaultConsensusConfig() returns the developer recommended agreement options
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		SelfSlot:             1,    // single node default
		MaxActiveConsensuses: 5,    // keep helping the last 5 blocks
		MaxDeferredPerBlock:  4096, // plenty for N*rounds*2 vote messages
		MaxFutureBlocks:      64,   // bounds the deferral map against far future block ids
		DeferredSweepMS:      1000, // once per second
		AvailabilityPollMS:   100,  // 10x per second
	}
}

// DeferredSweep() returns the deferred sweep interval as a duration
func (c *ConsensusConfig) DeferredSweep() time.Duration {
	return time.Duration(c.DeferredSweepMS) * time.Millisecond
}

// P2P CONFIG BELOW

// NodeInfo is the static description of one permissioned participant
type NodeInfo struct {
	Slot             uint64   `json:"slot"`             // proposer slot in [1, N]
	ConsensusAddress string   `json:"consensusAddress"` // zmq endpoint for agreement messages i.e. tcp://10.0.0.1:9001
	FragmentAddress  string   `json:"fragmentAddress"`  // tcp host:port of the fragment server
	PublicKey        HexBytes `json:"publicKey"`        // ed25519 key that signs protocol envelopes
	BLSPublicKey     HexBytes `json:"blsPublicKey"`     // bls12-381 key that signs availability proofs and block sign shares
}

// P2PConfig defines the static peer set and the reliable broadcast limits
type P2PConfig struct {
	ListenAddress          string     `json:"listenAddress"`          // zmq endpoint to bind for inbound agreement messages
	Nodes                  []NodeInfo `json:"nodes"`                  // every participant including self, ordered by slot
	MaxDelayedMessageSends int        `json:"maxDelayedMessageSends"` // per-destination delayed send queue capacity
	BroadcastRetryMS       int        `json:"broadcastRetryMS"`       // pause (in milliseconds) between send passes while below quorum
	DelayedSendIntervalMS  int        `json:"delayedSendIntervalMS"`  // how often (in milliseconds) delayed sends are retried
	DialTimeoutMS          int        `json:"dialTimeoutMS"`          // connect timeout (in milliseconds) of one dial attempt to a peer
	RedialBackoffMS        int        `json:"redialBackoffMS"`        // how long (in milliseconds) sends to a peer fail fast after its dial or send failed
	StallWarnAfterMS       int        `json:"stallWarnAfterMS"`       // how long (in milliseconds) below quorum before a stall warning
	KnownMessageCacheSize  int        `json:"knownMessageCacheSize"`  // number of recently seen envelope hashes used to drop duplicates
	MaxMessageSize         int        `json:"maxMessageSize"`         // largest accepted encoded envelope in bytes
}

// DefaultP2PConfig() returns the developer recommended broadcast options
func DefaultP2PConfig() P2PConfig {
	return P2PConfig{
		ListenAddress:          "tcp://0.0.0.0:9001",
		MaxDelayedMessageSends: 256,
		BroadcastRetryMS:       100,
		DelayedSendIntervalMS:  1000,
		DialTimeoutMS:          1000,
		RedialBackoffMS:        1000,
		StallWarnAfterMS:       10000,
		KnownMessageCacheSize:  100000,
		MaxMessageSize:         int(64 * units.KiB),
	}
}

// NodeCount() returns N
func (p *P2PConfig) NodeCount() uint64 { return uint64(len(p.Nodes)) }

// Node() returns the NodeInfo for a slot
func (p *P2PConfig) Node(slot uint64) (NodeInfo, bool) {
	for _, n := range p.Nodes {
		if n.Slot == slot {
			return n, true
		}
	}
	return NodeInfo{}, false
}

// FINALIZE CONFIG BELOW

// FinalizeConfig tunes the fragment based retrieval of decided but locally missing blocks
type FinalizeConfig struct {
	FragmentListenAddress string `json:"fragmentListenAddress"` // tcp host:port of this node's fragment server
	FragmentTimeoutMS     int    `json:"fragmentTimeoutMS"`     // per request read/write deadline in milliseconds
	RetryBackoffMS        int    `json:"retryBackoffMS"`        // constant pause between fragment request retries in milliseconds
	MaxFragmentConns      int    `json:"maxFragmentConns"`      // max concurrent inbound fragment connections
	MaxBlockSize          int    `json:"maxBlockSize"`          // largest block accepted from fragments in bytes
	SkipDAProofCheck      bool   `json:"skipDAProofCheck"`      // test networks only: accept blocks without verifying the availability signature
}

// DefaultFinalizeConfig() returns the developer recommended fragment download options
func DefaultFinalizeConfig() FinalizeConfig {
	return FinalizeConfig{
		FragmentListenAddress: "0.0.0.0:9002",
		FragmentTimeoutMS:     3000,
		RetryBackoffMS:        500,
		MaxFragmentConns:      64,
		MaxBlockSize:          int(32 * units.MiB),
	}
}

// FragmentTimeout() returns the fragment request deadline as a duration
func (f *FinalizeConfig) FragmentTimeout() time.Duration {
	return time.Duration(f.FragmentTimeoutMS) * time.Millisecond
}

// RetryBackoff() returns the pause between fragment retries as a duration
func (f *FinalizeConfig) RetryBackoff() time.Duration {
	return time.Duration(f.RetryBackoffMS) * time.Millisecond
}

// STORE CONFIG BELOW

// StoreConfig is user configurations for the key value database
type StoreConfig struct {
	DataDirPath string `json:"dataDirPath"` // path of the designated folder where the application stores its data
	DBName      string `json:"dbName"`      // name of the database
	InMemory    bool   `json:"inMemory"`    // non-disk database, only for testing
}

// DefaultDataDirPath() is $USERHOME/.skaled-consensus
func DefaultDataDirPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".skaled-consensus")
}

// DefaultStoreConfig() returns the developer recommended store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DataDirPath: DefaultDataDirPath(),
		DBName:      "consensus",
		InMemory:    false,
	}
}

// METRICS CONFIG BELOW

// MetricsConfig represents the configuration for the metrics server
type MetricsConfig struct {
	Enabled           bool   `json:"enabled"`           // if the metrics are enabled
	PrometheusAddress string `json:"prometheusAddress"` // the address of the server
}

// DefaultMetricsConfig() returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:           true,
		PrometheusAddress: "0.0.0.0:9090",
	}
}

// Validate() checks the static peer set is a permutation of slots [1, N] containing self
func (c Config) Validate() ErrorI {
	n := c.NodeCount()
	if n == 0 {
		return ErrInvalidConfig("empty node list")
	}
	seen := make(map[uint64]struct{}, n)
	for _, node := range c.Nodes {
		if node.Slot < 1 || node.Slot > n {
			return ErrInvalidConfig(fmt.Sprintf("node slot %d outside [1, %d]", node.Slot, n))
		}
		if _, found := seen[node.Slot]; found {
			return ErrInvalidConfig(fmt.Sprintf("duplicate node slot %d", node.Slot))
		}
		seen[node.Slot] = struct{}{}
	}
	if _, ok := c.Node(c.SelfSlot); !ok {
		return ErrInvalidConfig(fmt.Sprintf("self slot %d not in node list", c.SelfSlot))
	}
	if c.MaxActiveConsensuses == 0 {
		return ErrInvalidConfig("maxActiveConsensuses must be positive")
	}
	return nil
}

// WriteToFile() saves the Config object to a JSON file
func (c Config) WriteToFile(filepath string) error {
	jsonBytes, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, jsonBytes, os.ModePerm)
}

// NewConfigFromFile() populates a Config object from a JSON file, defaults fill any blanks
func NewConfigFromFile(filepath string) (Config, error) {
	fileBytes, err := os.ReadFile(filepath)
	if err != nil {
		return Config{}, err
	}
	c := DefaultConfig()
	if err = json.Unmarshal(fileBytes, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}
