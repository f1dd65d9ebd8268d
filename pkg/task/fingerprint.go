// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package task

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint is the 128-bit digest of a canonicalized request. It is the
// coalescing key: identical requests from different sessions map to the same
// fingerprint and therefore to the same queued task.
type Fingerprint string

// URIFunc lets an external provider supply its own task fingerprint. When
// set, the value is used verbatim so the gateway and the workers stay
// consistent with the provider's cache keys.
type URIFunc func(kind Kind, args map[string]any) (Fingerprint, error)

// Fingerprinter computes task fingerprints, delegating to a provider URI
// hook when one is configured.
type Fingerprinter struct {
	uri URIFunc
}

// NewFingerprinter returns a Fingerprinter. uri may be nil, in which case the
// built-in canonicalization is used.
func NewFingerprinter(uri URIFunc) *Fingerprinter {
	return &Fingerprinter{uri: uri}
}

// Fingerprint digests a normalized request body.
func (f *Fingerprinter) Fingerprint(kind Kind, args map[string]any) (Fingerprint, error) {
	if f.uri != nil {
		return f.uri(kind, args)
	}
	return fingerprint(kind, args)
}

func fingerprint(kind Kind, args map[string]any) (Fingerprint, error) {
	switch kind {
	case KindCalendar, KindInstrument:
		return hashValues(canonicalArgs(args))
	case KindFeature:
		// Mirrors the provider's own cache key: the universe, the
		// lowercased sorted field list and the frequency fully
		// determine a feature matrix.
		instruments := canonicalUniverse(args["instruments"])
		fields := canonicalFields(args["fields"])
		freq := strings.ToLower(fmt.Sprint(args["freq"]))
		return hashValues(instruments, fields, freq)
	}
	return "", fmt.Errorf("cannot fingerprint unknown kind %q", kind)
}

// canonicalArgs rewrites a request body into its canonical form: the
// instrument universe sorted, freq lowercased. Map key ordering is handled by
// the JSON encoder, which always emits keys sorted.
func canonicalArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	if _, ok := out["instruments"]; ok {
		out["instruments"] = canonicalUniverse(out["instruments"])
	}
	if freq, ok := out["freq"].(string); ok {
		out["freq"] = strings.ToLower(freq)
	}
	return out
}

// canonicalUniverse sorts the mutable parts of an instrument universe. A
// plain list is sorted ascending; a name-to-ranges mapping gets each range
// list sorted. A universe config (marked by a "market" key) is opaque to the
// server and is digested as-is.
func canonicalUniverse(v any) any {
	switch u := v.(type) {
	case []any:
		return sortedByText(u)
	case map[string]any:
		if _, ok := u["market"]; ok {
			return u
		}
		out := make(map[string]any, len(u))
		for name, ranges := range u {
			if list, ok := ranges.([]any); ok {
				out[name] = sortedByText(list)
			} else {
				out[name] = ranges
			}
		}
		return out
	}
	return v
}

func canonicalFields(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(list))
	for _, f := range list {
		fields = append(fields, strings.ToLower(fmt.Sprint(f)))
	}
	sort.Strings(fields)
	return fields
}

// sortedByText orders arbitrary JSON values by their serialized form, which
// gives a stable order for strings as well as for [start, end] range pairs.
func sortedByText(list []any) []any {
	out := make([]any, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool {
		return jsonText(out[i]) < jsonText(out[j])
	})
	return out
}

func jsonText(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// hashValues digests the canonical JSON rendering of the given values. The
// JSON encoder emits map keys in sorted order, so semantically equal inputs
// serialize identically.
func hashValues(values ...any) (Fingerprint, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("canonicalize task args: %w", err)
	}
	sum := md5.Sum(raw)
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}
