// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package task

import "fmt"

// Kind identifies the flavor of work a client may request.
type Kind string

const (
	// KindCalendar asks for trading calendar timestamps.
	KindCalendar Kind = "calendar"
	// KindInstrument asks for an instrument universe listing.
	KindInstrument Kind = "instrument"
	// KindFeature asks for a feature matrix locator.
	KindFeature Kind = "feature"
)

// Kinds lists every valid task kind.
var Kinds = []Kind{KindCalendar, KindInstrument, KindFeature}

// ParseKind validates a wire-level kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCalendar, KindInstrument, KindFeature:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, err := ParseKind(string(k))
	return err == nil
}

// RequestEvent returns the transport event name clients use for this kind.
func (k Kind) RequestEvent() string {
	return string(k) + "_request"
}

// ResponseEvent returns the transport event name the server emits for this kind.
func (k Kind) ResponseEvent() string {
	return string(k) + "_response"
}
