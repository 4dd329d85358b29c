package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/maidsafe/sn-node/model/safe"
)

// Config carries every tunable of one node process. Values come from
// flags, the environment and defaults, in that order of precedence.
type Config struct {
	// Addr is the transport listen address.
	Addr string
	// RootDir is the node's data directory: identity key, chain log,
	// membership WAL, chunk files and the section database live under it.
	RootDir string
	// PeersFile points at the bootstrap contacts JSON.
	PeersFile string
	// ChunkStoreMaxBytes is the chunk store capacity ceiling C.
	ChunkStoreMaxBytes uint64
	// LogLevel is a zerolog level name.
	LogLevel string
	// MetricsPort serves /metrics; 0 disables the server.
	MetricsPort uint

	ElderCount        int
	ReplicationFactor int
	SplitBuffer       int
	JoinAge           uint8

	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RepairTimeout      time.Duration
	MaxInFlightRepairs int
	// FullRatioThreshold is the fraction of full adults at which the
	// section stops admitting joins.
	FullRatioThreshold float64
}

// DefaultConfig returns the configuration a plain `sn-node` run uses.
func DefaultConfig() Config {
	return Config{
		Addr:               "0.0.0.0:12000",
		RootDir:            "data",
		PeersFile:          "",
		ChunkStoreMaxBytes: 2 << 30,
		LogLevel:           "info",
		MetricsPort:        0,
		ElderCount:         safe.DefaultElderCount,
		ReplicationFactor:  safe.DefaultReplicationFactor,
		SplitBuffer:        safe.DefaultSplitBuffer,
		JoinAge:            safe.MinAge,
		WriteTimeout:       10 * time.Second,
		ReadTimeout:        10 * time.Second,
		RepairTimeout:      30 * time.Second,
		MaxInFlightRepairs: 32,
		FullRatioThreshold: 1.0,
	}
}

// BindFlags registers the configuration flags on the given flag set.
func (c *Config) BindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.Addr, "addr", c.Addr, "transport listen address")
	flags.StringVarP(&c.RootDir, "root-dir", "d", c.RootDir, "directory for node state")
	flags.StringVar(&c.PeersFile, "peers", c.PeersFile, "bootstrap contacts JSON file")
	flags.Uint64Var(&c.ChunkStoreMaxBytes, "chunk-store-max-bytes", c.ChunkStoreMaxBytes, "chunk store capacity in bytes")
	flags.StringVarP(&c.LogLevel, "loglevel", "l", c.LogLevel, "level for logging output")
	flags.UintVar(&c.MetricsPort, "metrics-port", c.MetricsPort, "port for the /metrics endpoint, 0 to disable")
	flags.IntVar(&c.ElderCount, "elder-count", c.ElderCount, "target number of elders per section")
	flags.IntVar(&c.ReplicationFactor, "replication-factor", c.ReplicationFactor, "target holders per chunk")
	flags.IntVar(&c.SplitBuffer, "split-buffer", c.SplitBuffer, "extra members beyond elder count each half needs before a split")
	flags.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "per-round holder confirmation timeout on the write path")
	flags.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "per-holder timeout on the read path")
	flags.DurationVar(&c.RepairTimeout, "repair-timeout", c.RepairTimeout, "timeout for one replication job")
	flags.IntVar(&c.MaxInFlightRepairs, "max-repairs", c.MaxInFlightRepairs, "bound on concurrent replication jobs")
	flags.Float64Var(&c.FullRatioThreshold, "full-ratio", c.FullRatioThreshold, "full-adult ratio at which joins are disallowed")
}

// environment variable bindings; flags win over the environment.
var envBindings = map[string]string{
	"addr":                  "NODE_ADDR",
	"peers":                 "PEERS_CONFIG",
	"chunk-store-max-bytes": "CHUNK_STORE_MAX_BYTES",
	"loglevel":              "LOG_LEVEL",
}

// Load resolves the final configuration from the parsed flag set and the
// environment.
func Load(flags *pflag.FlagSet) (Config, error) {
	c := DefaultConfig()

	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("could not bind flags: %w", err)
	}
	for flagName, envName := range envBindings {
		if err := v.BindEnv(flagName, envName); err != nil {
			return Config{}, fmt.Errorf("could not bind %s: %w", envName, err)
		}
	}

	c.Addr = v.GetString("addr")
	c.RootDir = v.GetString("root-dir")
	c.PeersFile = v.GetString("peers")
	c.ChunkStoreMaxBytes = v.GetUint64("chunk-store-max-bytes")
	c.LogLevel = v.GetString("loglevel")
	c.MetricsPort = v.GetUint("metrics-port")
	c.ElderCount = v.GetInt("elder-count")
	c.ReplicationFactor = v.GetInt("replication-factor")
	c.SplitBuffer = v.GetInt("split-buffer")
	c.WriteTimeout = v.GetDuration("write-timeout")
	c.ReadTimeout = v.GetDuration("read-timeout")
	c.RepairTimeout = v.GetDuration("repair-timeout")
	c.MaxInFlightRepairs = v.GetInt("max-repairs")
	c.FullRatioThreshold = v.GetFloat64("full-ratio")

	return c, c.Validate()
}

// Validate rejects configurations no node can run with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.ElderCount < 1 {
		return fmt.Errorf("elder count must be positive, got %d", c.ElderCount)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication factor must be positive, got %d", c.ReplicationFactor)
	}
	if c.ChunkStoreMaxBytes == 0 {
		return fmt.Errorf("chunk store capacity must be positive")
	}
	if c.FullRatioThreshold <= 0 || c.FullRatioThreshold > 1 {
		return fmt.Errorf("full ratio threshold must be in (0,1], got %f", c.FullRatioThreshold)
	}
	if _, err := zerologLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func zerologLevel(name string) (string, error) {
	switch strings.ToLower(name) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
		return strings.ToLower(name), nil
	default:
		return "", fmt.Errorf("invalid log level %q", name)
	}
}

// BootstrapPeer is one entry of the peers file: a section elder to contact
// when joining the network.
type BootstrapPeer struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// LoadPeers reads the bootstrap contacts file. An empty path means this
// node starts its own network as the genesis section.
func LoadPeers(path string) ([]safe.Peer, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read peers file: %w", err)
	}
	var entries []BootstrapPeer
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("could not parse peers file: %w", err)
	}
	peers := make([]safe.Peer, 0, len(entries))
	for _, entry := range entries {
		name, err := safe.ParseName(entry.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid peer name %q: %w", entry.Name, err)
		}
		if entry.Addr == "" {
			return nil, fmt.Errorf("peer %q has no address", entry.Name)
		}
		peers = append(peers, safe.Peer{Name: name, Addr: entry.Addr})
	}
	return peers, nil
}

// SavePeers writes bootstrap contacts to a peers file, used when a
// relocation hands the node a new set of section elders to rejoin through.
func SavePeers(path string, peers []safe.Peer) error {
	entries := make([]BootstrapPeer, 0, len(peers))
	for _, peer := range peers {
		entries = append(entries, BootstrapPeer{Name: peer.Name.Hex(), Addr: peer.Addr})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode peers file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("could not write peers file: %w", err)
	}
	return nil
}
