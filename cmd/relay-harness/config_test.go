package main

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 7447, cfg.BasePort)
	assert.Equal(t, 1, cfg.Instances)
	assert.Equal(t, 1024, cfg.QueueSize)
	assert.Equal(t, int64(524288), cfg.MaxMessageSize)
	assert.Equal(t, 5*time.Minute, cfg.ConnRateInterval)
	assert.Empty(t, cfg.AllowedKinds)
	assert.Empty(t, cfg.QueryRemotes)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("INSTANCES", "3")
	t.Setenv("BASE_PORT", "0")
	t.Setenv("ALLOWED_KINDS", "1,7")
	t.Setenv("QUERY_REMOTES", "ws://a,ws://b")
	t.Setenv("RELAY_NAME", "from env")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Instances)
	assert.Equal(t, 0, cfg.BasePort)
	assert.Equal(t, []int{1, 7}, cfg.AllowedKinds)
	assert.Equal(t, []string{"ws://a", "ws://b"}, cfg.QueryRemotes)
	assert.Equal(t, "from env", cfg.RelayName)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("INSTANCES", "3")
	t.Setenv("ALLOWED_KINDS", "1,7")
	t.Setenv("RELAY_NAME", "from env")

	cfg, err := LoadConfig([]string{
		"-instances", "2",
		"-allowed-kinds", "30023",
		"-relay-name", "from flag",
		"-query-remotes", " ws://x , ",
		"-conn-rate-interval", "1m",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Instances)
	assert.Equal(t, []int{30023}, cfg.AllowedKinds)
	assert.Equal(t, "from flag", cfg.RelayName)
	assert.Equal(t, []string{"ws://x"}, cfg.QueryRemotes)
	assert.Equal(t, time.Minute, cfg.ConnRateInterval)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig([]string{"-instances", "0"})
	assert.Error(t, err)

	_, err = LoadConfig([]string{"-allowed-kinds", "1,x"})
	assert.Error(t, err)

	t.Setenv("QUEUE_SIZE", "lots")
	_, err = LoadConfig(nil)
	assert.Error(t, err)
}

func TestApplyToInfo(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)

	var info nip11.RelayInformationDocument
	require.NoError(t, ApplyToInfo(&info, &Config{RelayName: "n", RelayContact: "c", RelaySecKey: nsec}))
	assert.Equal(t, "n", info.Name)
	assert.Equal(t, "c", info.Contact)
	assert.Equal(t, pk, info.PubKey)
	assert.Equal(t, Version, info.Version)

	info = nip11.RelayInformationDocument{}
	require.NoError(t, ApplyToInfo(&info, &Config{RelaySecKey: sk}))
	assert.Equal(t, "relay-harness", info.Name)
	assert.Equal(t, pk, info.PubKey)

	info = nip11.RelayInformationDocument{}
	require.NoError(t, ApplyToInfo(&info, &Config{RelaySecKey: sk, RelayPubKey: "explicit"}))
	assert.Equal(t, "explicit", info.PubKey)

	info = nip11.RelayInformationDocument{}
	require.NoError(t, ApplyToInfo(&info, &Config{}))
	assert.Len(t, info.PubKey, 64)

	assert.Error(t, ApplyToInfo(&info, &Config{RelaySecKey: "garbage"}))
}

func TestRelayOptions(t *testing.T) {
	cfg := &Config{
		AllowedKinds:     []int{1},
		QueueSize:        8,
		MaxMessageSize:   1024,
		EventsPerSecond:  5,
		EventBurst:       2,
		ConnRateTokens:   1,
		ConnRateInterval: time.Minute,
		ConnRateMax:      10,
	}
	opts, err := cfg.RelayOptions()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, opts.AllowedKinds)
	assert.Equal(t, 8, opts.QueueSize)
	assert.Equal(t, float64(5), opts.EventsPerSecond)
	require.NotNil(t, opts.ConnectionRate)
	assert.Equal(t, 10, opts.ConnectionRate.MaxTokens)
	assert.Equal(t, []any{1, 11, 42, 45}, opts.Info.SupportedNIPs)

	cfg.ConnRateTokens = 0
	opts, err = cfg.RelayOptions()
	require.NoError(t, err)
	assert.Nil(t, opts.ConnectionRate)
}
