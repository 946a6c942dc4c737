// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// MemStore - append-only in-memory nostr eventstore with kind/author/time indexes.
package memstore

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fiatjaf/eventstore"
	"github.com/girino/relay-harness/filter"
	"github.com/girino/relay-harness/logging"
	"github.com/nbd-wtf/go-nostr"
)

// ErrAppendOnly is returned by DeleteEvent: accepted events are never removed.
var ErrAppendOnly = errors.New("blocked: store is append-only")

// Store keeps every accepted event in memory. All index slices are kept in
// canonical order (newest first, ties by ascending id).
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*nostr.Event
	byTime   []*nostr.Event
	byKind   map[int][]*nostr.Event
	byAuthor map[string][]*nostr.Event

	// stats
	inserts        int64
	duplicates     int64
	queries        int64
	eventsReturned int64
}

// Stats holds runtime counters exported by Store
type Stats struct {
	Events         int   `json:"events"`
	Inserts        int64 `json:"inserts"`
	Duplicates     int64 `json:"duplicates"`
	Queries        int64 `json:"queries"`
	EventsReturned int64 `json:"events_returned"`
}

// New returns an empty store.
func New() *Store {
	return &Store{
		byID:     make(map[string]*nostr.Event),
		byKind:   make(map[int][]*nostr.Event),
		byAuthor: make(map[string][]*nostr.Event),
	}
}

// Stats returns a snapshot of the Store counters
func (s *Store) Stats() Stats {
	return Stats{
		Events:         s.Len(),
		Inserts:        atomic.LoadInt64(&s.inserts),
		Duplicates:     atomic.LoadInt64(&s.duplicates),
		Queries:        atomic.LoadInt64(&s.queries),
		EventsReturned: atomic.LoadInt64(&s.eventsReturned),
	}
}

// Insert adds ev unless an event with the same id is already stored. It
// reports whether the event was new. The caller must have validated ev.
func (s *Store) Insert(ev *nostr.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[ev.ID]; ok {
		atomic.AddInt64(&s.duplicates, 1)
		logging.DebugMethod("memstore", "Insert", "duplicate event %s", ev.ID)
		return false
	}

	stored := *ev
	s.byID[stored.ID] = &stored
	s.byTime = insertSorted(s.byTime, &stored)
	s.byKind[stored.Kind] = insertSorted(s.byKind[stored.Kind], &stored)
	s.byAuthor[stored.PubKey] = insertSorted(s.byAuthor[stored.PubKey], &stored)
	atomic.AddInt64(&s.inserts, 1)

	logging.DebugMethod("memstore", "Insert", "stored event %s kind=%d created_at=%d", stored.ID, stored.Kind, stored.CreatedAt)
	return true
}

func insertSorted(list []*nostr.Event, ev *nostr.Event) []*nostr.Event {
	i, _ := slices.BinarySearchFunc(list, ev, filter.Compare)
	return slices.Insert(list, i, ev)
}

// Matches reports whether ev satisfies f. Used on the live fan-out path.
func (s *Store) Matches(ev *nostr.Event, f nostr.Filter) bool {
	return filter.Matches(f, ev)
}

// Query returns the stored events matching f in canonical order, truncated
// to the filter's limit when it has one.
func (s *Store) Query(f nostr.Filter) []*nostr.Event {
	atomic.AddInt64(&s.queries, 1)

	limit, hasLimit := filter.LimitOf(f)
	if hasLimit && limit == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*nostr.Event
	if len(f.IDs) > 0 {
		seen := make(map[string]struct{}, len(f.IDs))
		for _, id := range f.IDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if ev, ok := s.byID[id]; ok && filter.Matches(f, ev) {
				out = append(out, ev)
			}
		}
		filter.SortEvents(out)
	} else {
		lists := s.candidates(f)
		if len(lists) == 1 {
			// already ordered, stop as soon as the limit is reached
			for _, ev := range window(lists[0], f) {
				if !filter.Matches(f, ev) {
					continue
				}
				out = append(out, ev)
				if hasLimit && len(out) == limit {
					break
				}
			}
		} else {
			for _, list := range lists {
				for _, ev := range window(list, f) {
					if filter.Matches(f, ev) {
						out = append(out, ev)
					}
				}
			}
			filter.SortEvents(out)
		}
	}

	if hasLimit && len(out) > limit {
		out = out[:limit]
	}
	atomic.AddInt64(&s.eventsReturned, int64(len(out)))
	logging.DebugMethod("memstore", "Query", "filter %v returned %d events", f, len(out))
	return out
}

// candidates picks the narrowest index for f. Per-author and per-kind lists
// are disjoint, so their union never repeats an event.
func (s *Store) candidates(f nostr.Filter) [][]*nostr.Event {
	var byAuthor, byKind [][]*nostr.Event
	authorTotal, kindTotal := 0, 0

	if len(f.Authors) > 0 {
		for _, pk := range uniq(f.Authors) {
			if list := s.byAuthor[pk]; len(list) > 0 {
				byAuthor = append(byAuthor, list)
				authorTotal += len(list)
			}
		}
	}
	if len(f.Kinds) > 0 {
		for _, k := range uniq(f.Kinds) {
			if list := s.byKind[k]; len(list) > 0 {
				byKind = append(byKind, list)
				kindTotal += len(list)
			}
		}
	}

	switch {
	case len(f.Authors) > 0 && len(f.Kinds) > 0:
		if authorTotal <= kindTotal {
			return byAuthor
		}
		return byKind
	case len(f.Authors) > 0:
		return byAuthor
	case len(f.Kinds) > 0:
		return byKind
	}
	return [][]*nostr.Event{s.byTime}
}

// window narrows an ordered list to the since/until range.
func window(list []*nostr.Event, f nostr.Filter) []*nostr.Event {
	lo, hi := 0, len(list)
	if f.Until != nil {
		until := *f.Until
		lo = sort.Search(len(list), func(i int) bool { return list[i].CreatedAt <= until })
	}
	if f.Since != nil {
		since := *f.Since
		hi = sort.Search(len(list), func(i int) bool { return list[i].CreatedAt < since })
	}
	if lo >= hi {
		return nil
	}
	return list[lo:hi]
}

func uniq[T comparable](in []T) []T {
	if len(in) < 2 {
		return in
	}
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// Get returns the stored event with the given id.
func (s *Store) Get(id string) (*nostr.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byID[id]
	return ev, ok
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTime)
}

// Init is a no-op; the store is ready after New.
func (s *Store) Init() error {
	return nil
}

// Close is a no-op; events live as long as the store.
func (s *Store) Close() {}

// SaveEvent stores evt, returning eventstore.ErrDupEvent if it is already present.
func (s *Store) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	if !s.Insert(evt) {
		return eventstore.ErrDupEvent
	}
	return nil
}

// ReplaceEvent only appends; replaceable kinds keep every version.
func (s *Store) ReplaceEvent(ctx context.Context, evt *nostr.Event) error {
	if err := s.SaveEvent(ctx, evt); err != nil && !errors.Is(err, eventstore.ErrDupEvent) {
		return err
	}
	return nil
}

// DeleteEvent always fails with ErrAppendOnly.
func (s *Store) DeleteEvent(ctx context.Context, evt *nostr.Event) error {
	return ErrAppendOnly
}

// QueryEvents streams the result of Query on a channel.
func (s *Store) QueryEvents(ctx context.Context, f nostr.Filter) (chan *nostr.Event, error) {
	results := s.Query(f)
	ch := make(chan *nostr.Event)
	go func() {
		defer close(ch)
		for _, ev := range results {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CountEvents returns the number of events Query would return for f.
func (s *Store) CountEvents(ctx context.Context, f nostr.Filter) (int64, error) {
	return int64(len(s.Query(f))), nil
}

// Ensure Store implements eventstore.Store and eventstore.Counter
var _ eventstore.Store = (*Store)(nil)
var _ eventstore.Counter = (*Store)(nil)
