package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/utils/unittest"
)

func parsedFlags(t *testing.T, args ...string) *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := DefaultConfig()
	cfg.BindFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(parsedFlags(t))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	cfg, err := Load(parsedFlags(t,
		"--addr", "127.0.0.1:33000",
		"--root-dir", "/var/lib/sn",
		"--loglevel", "debug",
		"--elder-count", "5",
		"--write-timeout", "3s",
	))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:33000", cfg.Addr)
	assert.Equal(t, "/var/lib/sn", cfg.RootDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.ElderCount)
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
}

func TestLoadEnvironmentBindings(t *testing.T) {
	t.Setenv("NODE_ADDR", "10.0.0.1:12000")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(parsedFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:12000", cfg.Addr)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadFlagsWinOverEnvironment(t *testing.T) {
	t.Setenv("NODE_ADDR", "10.0.0.1:12000")

	cfg, err := Load(parsedFlags(t, "--addr", "127.0.0.1:9"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9", cfg.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"zero elders", func(c *Config) { c.ElderCount = 0 }},
		{"zero replication", func(c *Config) { c.ReplicationFactor = 0 }},
		{"zero capacity", func(c *Config) { c.ChunkStoreMaxBytes = 0 }},
		{"full ratio above one", func(c *Config) { c.FullRatioThreshold = 1.5 }},
		{"full ratio zero", func(c *Config) { c.FullRatioThreshold = 0 }},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPeersRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.json")
	peers := []safe.Peer{
		{Name: unittest.NameFixture(), Addr: "10.0.0.1:12000"},
		{Name: unittest.NameFixture(), Addr: "10.0.0.2:12000"},
	}

	require.NoError(t, SavePeers(path, peers))

	loaded, err := LoadPeers(path)
	require.NoError(t, err)
	assert.Equal(t, peers, loaded)
}

func TestLoadPeersEmptyPathMeansGenesis(t *testing.T) {
	peers, err := LoadPeers("")
	require.NoError(t, err)
	assert.Nil(t, peers)
}

func TestLoadPeersRejectsMalformedEntries(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.json")
	_, err := LoadPeers(missing)
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("not json"), 0600))
	_, err = LoadPeers(garbage)
	assert.Error(t, err)

	badName := filepath.Join(dir, "badname.json")
	require.NoError(t, os.WriteFile(badName, []byte(`[{"name":"zz","addr":"10.0.0.1:12000"}]`), 0600))
	_, err = LoadPeers(badName)
	assert.Error(t, err)

	noAddr := filepath.Join(dir, "noaddr.json")
	entry := `[{"name":"` + unittest.NameFixture().Hex() + `","addr":""}]`
	require.NoError(t, os.WriteFile(noAddr, []byte(entry), 0600))
	_, err = LoadPeers(noAddr)
	assert.Error(t, err)
}
