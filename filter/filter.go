// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Filter - event/filter matching and snapshot assembly.
package filter

import (
	"slices"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// ReferenceTag is the tag every store guarantees to filter on (#p).
const ReferenceTag = "p"

// Querier answers a single filter with events already in canonical order.
type Querier interface {
	Query(f nostr.Filter) []*nostr.Event
}

// Matches reports whether ev satisfies every constraint present in f.
func Matches(f nostr.Filter, ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !hasTagValue(ev, name, values) {
			return false
		}
	}
	return true
}

// MatchesAny is the subscription rule: one matching filter is enough.
func MatchesAny(filters []nostr.Filter, ev *nostr.Event) bool {
	for _, f := range filters {
		if Matches(f, ev) {
			return true
		}
	}
	return false
}

func hasTagValue(ev *nostr.Event, name string, values []string) bool {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name && slices.Contains(values, tag[1]) {
			return true
		}
	}
	return false
}

// LimitOf returns the filter's limit and whether one was given at all.
// An explicit "limit":0 is a limit.
func LimitOf(f nostr.Filter) (int, bool) {
	if f.LimitZero {
		return 0, true
	}
	if f.Limit > 0 {
		return f.Limit, true
	}
	return 0, false
}

// Compare orders events newest first, ties broken by ascending id.
func Compare(a, b *nostr.Event) int {
	switch {
	case a.CreatedAt > b.CreatedAt:
		return -1
	case a.CreatedAt < b.CreatedAt:
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// SortEvents sorts events in place in canonical order.
func SortEvents(events []*nostr.Event) {
	slices.SortFunc(events, Compare)
}

// Snapshot unions the results of each filter. Every filter is bounded by its
// own limit only; the union is de-duplicated and returned in canonical order.
func Snapshot(q Querier, filters []nostr.Filter) []*nostr.Event {
	if len(filters) == 1 {
		return q.Query(filters[0])
	}

	seen := make(map[string]struct{})
	var out []*nostr.Event
	for _, f := range filters {
		for _, ev := range q.Query(f) {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	}
	SortEvents(out)
	return out
}
