// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package providertest offers canned providers for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/qserver/qserver/pkg/provider"
)

// Stub is a scriptable provider. Unset functions return zero values.
type Stub struct {
	CalendarFunc        func(q provider.CalendarQuery) ([]time.Time, error)
	ListInstrumentsFunc func(q provider.InstrumentQuery) (provider.InstrumentResult, error)
}

// Calendar implements provider.Provider.
func (s *Stub) Calendar(_ context.Context, q provider.CalendarQuery) ([]time.Time, error) {
	if s.CalendarFunc == nil {
		return nil, nil
	}
	return s.CalendarFunc(q)
}

// ListInstruments implements provider.Provider.
func (s *Stub) ListInstruments(_ context.Context, q provider.InstrumentQuery) (provider.InstrumentResult, error) {
	if s.ListInstrumentsFunc == nil {
		return provider.InstrumentResult{}, nil
	}
	return s.ListInstrumentsFunc(q)
}

// FeatureStub adds the feature surface on top of Stub.
type FeatureStub struct {
	Stub
	FeaturesURIFunc func(q provider.FeatureQuery) (string, error)
}

// FeaturesURI implements provider.FeatureProvider.
func (s *FeatureStub) FeaturesURI(_ context.Context, q provider.FeatureQuery) (string, error) {
	if s.FeaturesURIFunc == nil {
		return "", nil
	}
	return s.FeaturesURIFunc(q)
}

// CacheStub records cache refresh calls.
type CacheStub struct {
	Stub

	Dirs []string

	mu      sync.Mutex
	Updated []string
	Err     error
}

// CacheDirs implements provider.CacheUpdater.
func (s *CacheStub) CacheDirs(string) ([]string, error) {
	return s.Dirs, nil
}

// UpdateCache implements provider.CacheUpdater.
func (s *CacheStub) UpdateCache(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Updated = append(s.Updated, path)
	return s.Err
}

// UpdatedEntries returns a copy of the recorded refresh calls.
func (s *CacheStub) UpdatedEntries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Updated))
	copy(out, s.Updated)
	return out
}
