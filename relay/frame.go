// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Wire frames exchanged with relay clients.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// MaxSubscriptionIDLen is the NIP-01 upper bound on subscription ids.
const MaxSubscriptionIDLen = 64

// Frame is one parsed client message. The set of implementations is closed:
// EventFrame, ReqFrame, CountFrame, CloseFrame and AuthFrame.
type Frame interface {
	Label() string
}

// EventFrame is an EVENT publish.
type EventFrame struct {
	Event *nostr.Event
}

// ReqFrame opens or replaces a subscription.
type ReqFrame struct {
	SubscriptionID string
	Filters        []nostr.Filter
}

// CountFrame is a NIP-45 COUNT request.
type CountFrame struct {
	SubscriptionID string
	Filters        []nostr.Filter
}

// CloseFrame ends a subscription.
type CloseFrame struct {
	SubscriptionID string
}

// AuthFrame is a NIP-42 AUTH.
type AuthFrame struct {
	Event *nostr.Event
}

func (*EventFrame) Label() string { return "EVENT" }
func (*ReqFrame) Label() string   { return "REQ" }
func (*CountFrame) Label() string { return "COUNT" }
func (*CloseFrame) Label() string { return "CLOSE" }
func (*AuthFrame) Label() string  { return "AUTH" }

// MalformedError describes a frame that could not be parsed. SubscriptionID
// and EventID are filled in whenever they could still be read, so the caller
// can address an error reply.
type MalformedError struct {
	Label          string
	SubscriptionID string
	EventID        string
	Reason         string
}

func (e *MalformedError) Error() string {
	if e.Label == "" {
		return "malformed frame: " + e.Reason
	}
	return fmt.Sprintf("malformed %s frame: %s", e.Label, e.Reason)
}

// ParseFrame decodes a raw client message into a Frame, or returns a
// *MalformedError.
func ParseFrame(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &MalformedError{Reason: "invalid JSON"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsArray() {
		return nil, &MalformedError{Reason: "frame must be a JSON array"}
	}
	items := root.Array()
	if len(items) == 0 || items[0].Type != gjson.String {
		return nil, &MalformedError{Reason: "frame must start with a label"}
	}

	label := items[0].Str
	switch label {
	case "EVENT":
		ev, err := parseEvent(label, items)
		if err != nil {
			return nil, err
		}
		return &EventFrame{Event: ev}, nil
	case "AUTH":
		ev, err := parseEvent(label, items)
		if err != nil {
			return nil, err
		}
		return &AuthFrame{Event: ev}, nil
	case "REQ", "COUNT":
		id, filters, err := parseFilters(label, items)
		if err != nil {
			return nil, err
		}
		if label == "COUNT" {
			return &CountFrame{SubscriptionID: id, Filters: filters}, nil
		}
		return &ReqFrame{SubscriptionID: id, Filters: filters}, nil
	case "CLOSE":
		if len(items) != 2 || items[1].Type != gjson.String {
			return nil, &MalformedError{Label: label, Reason: "expected a subscription id"}
		}
		return &CloseFrame{SubscriptionID: items[1].Str}, nil
	}
	return nil, &MalformedError{Label: label, Reason: "unknown frame type"}
}

func parseEvent(label string, items []gjson.Result) (*nostr.Event, error) {
	merr := &MalformedError{Label: label}
	if len(items) >= 2 && items[1].IsObject() {
		if id := items[1].Get("id"); id.Type == gjson.String {
			merr.EventID = id.Str
		}
	}
	if len(items) != 2 || !items[1].IsObject() {
		merr.Reason = "expected a single event object"
		return nil, merr
	}

	var ev nostr.Event
	if err := json.Unmarshal([]byte(items[1].Raw), &ev); err != nil {
		merr.Reason = "could not decode event: " + err.Error()
		return nil, merr
	}
	return &ev, nil
}

func parseFilters(label string, items []gjson.Result) (string, []nostr.Filter, error) {
	merr := &MalformedError{Label: label}
	if len(items) < 2 || items[1].Type != gjson.String {
		merr.Reason = "expected a subscription id"
		return "", nil, merr
	}
	id := items[1].Str
	merr.SubscriptionID = id
	if id == "" || len(id) > MaxSubscriptionIDLen {
		merr.Reason = fmt.Sprintf("subscription id must be 1 to %d characters", MaxSubscriptionIDLen)
		return "", nil, merr
	}

	if len(items) < 3 {
		merr.Reason = "at least one filter is required"
		return "", nil, merr
	}
	filters := make([]nostr.Filter, 0, len(items)-2)
	for _, item := range items[2:] {
		if !item.IsObject() {
			merr.Reason = "filters must be objects"
			return "", nil, merr
		}
		var f nostr.Filter
		if err := json.Unmarshal([]byte(item.Raw), &f); err != nil {
			merr.Reason = "could not decode filter: " + err.Error()
			return "", nil, merr
		}
		filters = append(filters, f)
	}
	return id, filters, nil
}

// Outbound frames.

func okFrame(eventID string, accepted bool, reason string) []byte {
	b, _ := json.Marshal(&nostr.OKEnvelope{EventID: eventID, OK: accepted, Reason: reason})
	return b
}

func eoseFrame(subID string) []byte {
	env := nostr.EOSEEnvelope(subID)
	b, _ := json.Marshal(&env)
	return b
}

func closedFrame(subID string, reason string) []byte {
	b, _ := json.Marshal(&nostr.ClosedEnvelope{SubscriptionID: subID, Reason: reason})
	return b
}

// eventFrame wraps an already serialized event so fan-out encodes each
// event once, whatever the number of receivers.
func eventFrame(subID string, rawEvent []byte) []byte {
	id, _ := json.Marshal(subID)
	buf := make([]byte, 0, len(rawEvent)+len(id)+12)
	buf = append(buf, `["EVENT",`...)
	buf = append(buf, id...)
	buf = append(buf, ',')
	buf = append(buf, rawEvent...)
	buf = append(buf, ']')
	return buf
}

func countFrame(subID string, count int64) []byte {
	b, _ := json.Marshal([]any{"COUNT", subID, map[string]int64{"count": count}})
	return b
}
