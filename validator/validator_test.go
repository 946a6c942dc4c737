package validator

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, sk string, kind int, content string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	ev := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(1700000000),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func TestValidateAcceptsSignedEvents(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	for i, kind := range []int{1, 7, 30023, 12345} {
		ev := signed(t, sk, kind, strings.Repeat("x", i), nostr.Tags{{"t", "test"}})
		assert.NoError(t, Validate(ev), "kind %d", kind)
	}
}

func TestValidateRejectsTamperedContent(t *testing.T) {
	ev := signed(t, nostr.GeneratePrivateKey(), 1, "hello", nil)
	ev.Content = "goodbye"

	err := Validate(ev)
	require.ErrorIs(t, err, ErrInvalidID)
	assert.Equal(t, "invalid: event id does not match its content hash", Reason(err))
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	ev := signed(t, nostr.GeneratePrivateKey(), 1, "hello", nil)
	other := signed(t, nostr.GeneratePrivateKey(), 1, "other", nil)
	ev.Sig = other.Sig

	assert.ErrorIs(t, Validate(ev), ErrInvalidSignature)
}

func TestValidateRejectsWrongAuthor(t *testing.T) {
	ev := signed(t, nostr.GeneratePrivateKey(), 1, "hello", nil)
	impostor, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	ev.PubKey = impostor
	ev.ID = ev.GetID()

	assert.ErrorIs(t, Validate(ev), ErrInvalidSignature)
}

func TestValidateMalformed(t *testing.T) {
	base := signed(t, nostr.GeneratePrivateKey(), 1, "hello", nil)

	cases := map[string]func(ev *nostr.Event){
		"short pubkey":   func(ev *nostr.Event) { ev.PubKey = ev.PubKey[:10] },
		"empty sig":      func(ev *nostr.Event) { ev.Sig = "" },
		"non hex pubkey": func(ev *nostr.Event) { ev.PubKey = strings.Repeat("z", 64) },
		"negative kind":  func(ev *nostr.Event) { ev.Kind = -1 },
		"odd length sig": func(ev *nostr.Event) { ev.Sig = ev.Sig[:127] },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ev := *base
			mutate(&ev)
			err := Validate(&ev)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.True(t, strings.HasPrefix(Reason(err), "invalid: "))
		})
	}

	assert.ErrorIs(t, Validate(nil), ErrMalformed)
}

func TestValidateBadIDShape(t *testing.T) {
	base := signed(t, nostr.GeneratePrivateKey(), 1, "hello", nil)

	for name, id := range map[string]string{
		"truncated": "deadbeef",
		"uppercase": strings.ToUpper(base.ID),
		"not hex":   strings.Repeat("z", 64),
		"empty":     "",
	} {
		t.Run(name, func(t *testing.T) {
			ev := *base
			ev.ID = id
			err := Validate(&ev)
			assert.ErrorIs(t, err, ErrInvalidID)
			assert.Equal(t, "invalid: event id does not match its content hash", Reason(err))
		})
	}
}

func TestValidateAuth(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	auth := signed(t, sk, KindAuth, "", nostr.Tags{{"relay", "ws://localhost"}, {"challenge", "anything"}})
	assert.NoError(t, ValidateAuth(auth))

	note := signed(t, sk, 1, "", nil)
	assert.ErrorIs(t, ValidateAuth(note), ErrMalformed)
}

func TestCheckStructure(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	recipient, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	assert.NoError(t, CheckStructure(signed(t, sk, KindMetadata, `{"name":"alice"}`, nil)))
	assert.ErrorIs(t, CheckStructure(signed(t, sk, KindMetadata, `not json`, nil)), ErrMalformed)
	assert.ErrorIs(t, CheckStructure(signed(t, sk, KindMetadata, `["array"]`, nil)), ErrMalformed)

	assert.NoError(t, CheckStructure(signed(t, sk, KindContactList, "", nostr.Tags{{"p", recipient}})))
	assert.ErrorIs(t, CheckStructure(signed(t, sk, KindContactList, "", nostr.Tags{{"p"}})), ErrMalformed)

	assert.NoError(t, CheckStructure(signed(t, sk, KindDirectMessage, "cipher?iv=x", nostr.Tags{{"p", recipient}})))
	assert.ErrorIs(t, CheckStructure(signed(t, sk, KindDirectMessage, "cipher?iv=x", nil)), ErrMalformed)

	assert.NoError(t, CheckStructure(signed(t, sk, 9999, "anything", nil)))
}
