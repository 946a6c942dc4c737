// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Fixtures - load, preload and export event documents.
package fixtures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fiatjaf/eventstore"
	"github.com/girino/relay-harness/logging"
	"github.com/girino/relay-harness/relay"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrKeyMismatch is returned by CheckKeys when a secret key derives another pubkey.
var ErrKeyMismatch = errors.New("secret key does not match public key")

// Document is the on-disk fixture format.
type Document struct {
	Events []*nostr.Event `json:"events"`
	// Keys maps a hex pubkey to its secret key, hex or nsec.
	Keys   map[string]string `json:"keys,omitempty"`
	Relays []string          `json:"relays,omitempty"`
}

// Publisher is anything events can be preloaded into. *relay.Relay is one.
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event) relay.PublishResult
}

// Report summarizes a preload.
type Report struct {
	Total      int               `json:"total"`
	Accepted   int               `json:"accepted"`
	Duplicates int               `json:"duplicates"`
	Rejected   int               `json:"rejected"`
	Reasons    map[string]string `json:"reasons,omitempty"`
}

// Load reads a fixture document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixtures: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing fixtures %s: %w", path, err)
	}
	return &doc, nil
}

// Save writes the document to path as indented JSON.
func (d *Document) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding fixtures: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing fixtures: %w", err)
	}
	return nil
}

// CheckKeys verifies that every secret key in Keys derives its pubkey.
func (d *Document) CheckKeys() error {
	for pk, sk := range d.Keys {
		hexKey, err := SecretKeyHex(sk)
		if err != nil {
			return fmt.Errorf("key for %s: %w", pk, err)
		}
		derived, err := nostr.GetPublicKey(hexKey)
		if err != nil {
			return fmt.Errorf("key for %s: %w", pk, err)
		}
		if derived != pk {
			return fmt.Errorf("%w: %s derives %s", ErrKeyMismatch, pk, derived)
		}
	}
	return nil
}

// SecretKeyHex accepts a secret key as hex or nsec and returns it as hex.
func SecretKeyHex(sk string) (string, error) {
	if !nostr.IsValid32ByteHex(sk) {
		prefix, value, err := nip19.Decode(sk)
		if err != nil {
			return "", fmt.Errorf("decoding secret key: %w", err)
		}
		s, ok := value.(string)
		if prefix != "nsec" || !ok {
			return "", fmt.Errorf("expected an nsec, got %s", prefix)
		}
		sk = s
	}
	return sk, nil
}

// Preload publishes every event of doc through p. Events go through the same
// validation as client input, so invalid ones are counted as rejected.
func Preload(ctx context.Context, p Publisher, doc *Document) Report {
	rep := Report{Reasons: make(map[string]string)}
	for _, ev := range doc.Events {
		if ctx.Err() != nil {
			break
		}
		rep.Total++
		res := p.Publish(ctx, ev)
		switch {
		case res.Duplicate:
			rep.Duplicates++
		case res.Accepted:
			rep.Accepted++
		default:
			rep.Rejected++
			rep.Reasons[res.EventID] = res.Reason
		}
	}
	logging.DebugMethod("fixtures", "Preload", "preloaded %d events: %d accepted, %d duplicates, %d rejected",
		rep.Total, rep.Accepted, rep.Duplicates, rep.Rejected)
	return rep
}

// Export builds a document from every event in store, in the store's query
// order.
func Export(ctx context.Context, store eventstore.Store, relays []string) (*Document, error) {
	ch, err := store.QueryEvents(ctx, nostr.Filter{})
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	events := []*nostr.Event{}
	for ev := range ch {
		events = append(events, ev)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("exporting events: %w", err)
	}
	return &Document{Events: events, Relays: relays}, nil
}
