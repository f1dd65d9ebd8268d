// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package provider declares the contract with the external market-data
// collaborator. The dispatch fabric never computes data itself: workers call
// into a Provider and relay the result (or, for features, a cache locator).
package provider

import (
	"context"
	"time"
)

// TimeRange is one listed span of an instrument.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// CalendarQuery selects trading calendar entries. Empty Start/End mean
// unbounded.
type CalendarQuery struct {
	Start  string
	End    string
	Freq   string
	Future bool
}

// InstrumentQuery selects an instrument universe listing.
type InstrumentQuery struct {
	// Universe is the raw universe spec from the request: a list of
	// instrument codes, a mapping of name to time-range pairs, or a
	// universe config containing a "market" key. It is passed through
	// opaque; only the provider interprets it.
	Universe any
	Start    string
	End      string
	Freq     string
	AsList   bool
}

// InstrumentResult is either a flat listing or a mapping with ranges,
// depending on InstrumentQuery.AsList.
type InstrumentResult struct {
	List   []string
	Ranges map[string][]TimeRange
}

// FeatureQuery selects a feature matrix. The provider resolves it to a
// locator into the shared dataset cache; the dataset bytes never traverse
// the fabric.
type FeatureQuery struct {
	Instruments any
	Fields      []string
	Start       string
	End         string
	Freq        string
	DiskCache   int
}

// Provider is the minimal surface every data provider must offer.
type Provider interface {
	Calendar(ctx context.Context, q CalendarQuery) ([]time.Time, error)
	ListInstruments(ctx context.Context, q InstrumentQuery) (InstrumentResult, error)
}

// FeatureProvider is the optional feature-matrix surface. A deployment whose
// provider lacks it cannot serve feature requests; the worker reports a
// permanent configuration error for them.
type FeatureProvider interface {
	FeaturesURI(ctx context.Context, q FeatureQuery) (string, error)
}

// URIProvider optionally supplies the task fingerprint. When implemented,
// the gateway and the workers both use it verbatim so coalescing keys match
// the provider's own cache keys.
type URIProvider interface {
	URI(kind string, args map[string]any) (string, error)
}

// CacheUpdater is the optional cache-refresh surface driven by the periodic
// updater.
type CacheUpdater interface {
	// CacheDirs lists the cache directories to refresh for a frequency.
	CacheDirs(freq string) ([]string, error)
	// UpdateCache refreshes one cache entry.
	UpdateCache(ctx context.Context, path string) error
}
