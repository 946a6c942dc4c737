package fixtures

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/girino/relay-harness/relay"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedEvent(t *testing.T, sk string, createdAt int64, content string) *nostr.Event {
	t.Helper()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	ev := &nostr.Event{PubKey: pk, CreatedAt: nostr.Timestamp(createdAt), Kind: 1, Tags: nostr.Tags{}, Content: content}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func TestSaveLoadRoundTrip(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	doc := &Document{
		Events: []*nostr.Event{signedEvent(t, sk, 100, "a"), signedEvent(t, sk, 200, "b")},
		Keys:   map[string]string{pk: sk},
		Relays: []string{"ws://127.0.0.1:7447"},
	}
	path := filepath.Join(t.TempDir(), "fixtures.json")
	require.NoError(t, doc.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Events, 2)
	assert.Equal(t, doc.Events[0].ID, loaded.Events[0].ID)
	assert.Equal(t, doc.Events[1].Sig, loaded.Events[1].Sig)
	assert.Equal(t, doc.Keys, loaded.Keys)
	assert.Equal(t, doc.Relays, loaded.Relays)
	assert.NoError(t, loaded.CheckKeys())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"events": [`), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestCheckKeys(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)

	assert.NoError(t, (&Document{Keys: map[string]string{pk: nsec}}).CheckKeys())

	other := nostr.GeneratePrivateKey()
	err = (&Document{Keys: map[string]string{pk: other}}).CheckKeys()
	assert.ErrorIs(t, err, ErrKeyMismatch)

	err = (&Document{Keys: map[string]string{pk: "not a key"}}).CheckKeys()
	assert.Error(t, err)
}

func TestSecretKeyHex(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)

	got, err := SecretKeyHex(nsec)
	require.NoError(t, err)
	assert.Equal(t, sk, got)

	got, err = SecretKeyHex(sk)
	require.NoError(t, err)
	assert.Equal(t, sk, got)

	pk, _ := nostr.GetPublicKey(sk)
	npub, err := nip19.EncodePublicKey(pk)
	require.NoError(t, err)
	_, err = SecretKeyHex(npub)
	assert.Error(t, err)
}

func TestPreloadAndExport(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	good := signedEvent(t, sk, 100, "good")
	later := signedEvent(t, sk, 300, "later")
	bad := signedEvent(t, sk, 200, "bad")
	bad.Content = "tampered"

	r := relay.New(relay.Options{})
	doc := &Document{Events: []*nostr.Event{good, bad, later, good}}

	rep := Preload(context.Background(), r, doc)
	assert.Equal(t, 4, rep.Total)
	assert.Equal(t, 2, rep.Accepted)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Equal(t, 1, rep.Rejected)
	assert.Contains(t, rep.Reasons[bad.ID], "invalid:")

	out, err := Export(context.Background(), r.Store(), []string{"ws://example"})
	require.NoError(t, err)
	require.Len(t, out.Events, 2)
	assert.Equal(t, later.ID, out.Events[0].ID)
	assert.Equal(t, good.ID, out.Events[1].ID)
	assert.Equal(t, []string{"ws://example"}, out.Relays)
}

func TestPreloadStopsOnCancel(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := relay.New(relay.Options{})
	rep := Preload(ctx, r, &Document{Events: []*nostr.Event{signedEvent(t, sk, 1, "x")}})
	assert.Zero(t, rep.Total)
	assert.Zero(t, r.Store().Len())
}

func TestExportEmptyStore(t *testing.T) {
	out, err := Export(context.Background(), relay.New(relay.Options{}).Store(), nil)
	require.NoError(t, err)
	assert.NotNil(t, out.Events)
	assert.Empty(t, out.Events)
}
