// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Validator - id and signature checks for submitted nostr events.
package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

const (
	KindMetadata      = 0
	KindContactList   = 3
	KindDirectMessage = 4
	// KindAuth is the NIP-42 client authentication kind.
	KindAuth = 22242
)

var (
	ErrMalformed        = errors.New("malformed event")
	ErrInvalidID        = errors.New("event id does not match its content hash")
	ErrInvalidSignature = errors.New("signature verification failed")
)

// Validate checks that ev.ID is the hash of the event's content and that
// ev.Sig is a valid schnorr signature of that id by ev.PubKey.
func Validate(ev *nostr.Event) error {
	if ev == nil {
		return fmt.Errorf("%w: empty event", ErrMalformed)
	}

	pk, err := decodeHex("pubkey", ev.PubKey, 32)
	if err != nil {
		return err
	}
	// an id that cannot be a hash of anything is reported as a mismatch
	id, err := decodeHex("id", ev.ID, 32)
	if err != nil {
		return ErrInvalidID
	}
	sigBytes, err := decodeHex("sig", ev.Sig, 64)
	if err != nil {
		return err
	}
	if ev.Kind < 0 {
		return fmt.Errorf("%w: negative kind", ErrMalformed)
	}

	hash := sha256.Sum256(ev.Serialize())
	if hex.EncodeToString(hash[:]) != ev.ID {
		return ErrInvalidID
	}

	pub, err := schnorr.ParsePubKey(pk)
	if err != nil {
		return fmt.Errorf("%w: pubkey is not a valid curve point", ErrMalformed)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(id, pub) {
		return ErrInvalidSignature
	}
	return nil
}

// ValidateAuth validates an AUTH event. The challenge tag is not compared
// against any server issued value.
func ValidateAuth(ev *nostr.Event) error {
	if err := Validate(ev); err != nil {
		return err
	}
	if ev.Kind != KindAuth {
		return fmt.Errorf("%w: auth event must be kind %d", ErrMalformed, KindAuth)
	}
	return nil
}

// CheckStructure applies the shape expectations of the kinds the relay knows
// about. Any other kind passes untouched.
func CheckStructure(ev *nostr.Event) error {
	switch ev.Kind {
	case KindMetadata:
		if !gjson.Valid(ev.Content) || !gjson.Parse(ev.Content).IsObject() {
			return fmt.Errorf("%w: kind 0 content must be a JSON object", ErrMalformed)
		}
	case KindContactList:
		for _, tag := range ev.Tags {
			if len(tag) > 0 && tag[0] == "p" && len(tag) < 2 {
				return fmt.Errorf("%w: contact list p tag without a pubkey", ErrMalformed)
			}
		}
	case KindDirectMessage:
		found := false
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == "p" && isHex(tag[1], 32) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: direct message without a recipient p tag", ErrMalformed)
		}
	}
	return nil
}

// Reason renders a validation error as a NIP-01 OK message.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidID):
		return "invalid: event id does not match its content hash"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid: signature verification failed"
	default:
		return "invalid: " + err.Error()
	}
}

func decodeHex(field, value string, size int) ([]byte, error) {
	if len(value) != size*2 {
		return nil, fmt.Errorf("%w: %s must be %d hex characters", ErrMalformed, field, size*2)
	}
	if strings.ToLower(value) != value {
		return nil, fmt.Errorf("%w: %s must be lowercase hex", ErrMalformed, field)
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex", ErrMalformed, field)
	}
	return b, nil
}

func isHex(s string, size int) bool {
	if len(s) != size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
