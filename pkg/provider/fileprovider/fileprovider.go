// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package fileprovider is the default Provider for deployments whose market
// data lives in a flat-file store under provider_uri:
//
//	<provider_uri>/calendars/<freq>.txt          one timestamp per line
//	<provider_uri>/calendars/<freq>_future.txt   future calendar, optional
//	<provider_uri>/instruments/<market>.txt      "<code>\t<start>\t<end>" per line
//	<provider_uri>/<dataset_cache_dir_name>/     shared feature cache
//
// It exists so a server can run against a local data dump; richer providers
// implement the same interfaces out of tree.
package fileprovider

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/qserver/qserver/pkg/provider"
)

var timeLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// Provider reads calendars and instrument universes from a directory tree.
type Provider struct {
	root            string
	datasetCacheDir string
}

// Options configures a file provider.
type Options struct {
	URI                 string
	DatasetCacheDirName string
}

// New validates the data directory and returns a Provider.
func New(opts Options) (*Provider, error) {
	info, err := os.Stat(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("provider_uri %s: %w", opts.URI, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("provider_uri %s is not a directory", opts.URI)
	}
	cacheDir := opts.DatasetCacheDirName
	if cacheDir == "" {
		cacheDir = "dataset_cache"
	}
	return &Provider{root: opts.URI, datasetCacheDir: cacheDir}, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Calendar implements provider.Provider.
func (p *Provider) Calendar(_ context.Context, q provider.CalendarQuery) ([]time.Time, error) {
	name := q.Freq
	if q.Future {
		name += "_future"
	}
	path := filepath.Join(p.root, "calendars", name+".txt")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open calendar %s: %w", q.Freq, err)
	}
	defer f.Close()

	var start, end time.Time
	if q.Start != "" {
		if start, err = parseTime(q.Start); err != nil {
			return nil, err
		}
	}
	if q.End != "" {
		if end, err = parseTime(q.End); err != nil {
			return nil, err
		}
	}

	var entries []time.Time
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t, err := parseTime(line)
		if err != nil {
			return nil, fmt.Errorf("calendar %s: %w", q.Freq, err)
		}
		if !start.IsZero() && t.Before(start) {
			continue
		}
		if !end.IsZero() && t.After(end) {
			continue
		}
		entries = append(entries, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read calendar %s: %w", q.Freq, err)
	}
	return entries, nil
}

// ListInstruments implements provider.Provider. A list universe filters the
// "all" market file to the given codes; a universe config reads its market
// file; a name-to-ranges mapping is returned as given.
func (p *Provider) ListInstruments(_ context.Context, q provider.InstrumentQuery) (provider.InstrumentResult, error) {
	var result provider.InstrumentResult

	switch u := q.Universe.(type) {
	case []any:
		ranges, err := p.readMarket("all")
		if err != nil {
			return result, err
		}
		keep := make(map[string]bool, len(u))
		for _, code := range u {
			keep[fmt.Sprint(code)] = true
		}
		filtered := make(map[string][]provider.TimeRange)
		for code, spans := range ranges {
			if keep[code] {
				filtered[code] = spans
			}
		}
		return finish(filtered, q.AsList), nil
	case map[string]any:
		if market, ok := u["market"]; ok {
			ranges, err := p.readMarket(fmt.Sprint(market))
			if err != nil {
				return result, err
			}
			return finish(ranges, q.AsList), nil
		}
		ranges := make(map[string][]provider.TimeRange, len(u))
		for code, raw := range u {
			spans, err := parseRanges(raw)
			if err != nil {
				return result, fmt.Errorf("instrument %s: %w", code, err)
			}
			ranges[code] = spans
		}
		return finish(ranges, q.AsList), nil
	}
	return result, fmt.Errorf("unsupported universe spec of type %T", q.Universe)
}

func parseRanges(raw any) ([]provider.TimeRange, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("ranges must be a list, got %T", raw)
	}
	spans := make([]provider.TimeRange, 0, len(list))
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("range must be a [start, end] pair, got %v", item)
		}
		start, err := parseTime(fmt.Sprint(pair[0]))
		if err != nil {
			return nil, err
		}
		end, err := parseTime(fmt.Sprint(pair[1]))
		if err != nil {
			return nil, err
		}
		spans = append(spans, provider.TimeRange{Start: start, End: end})
	}
	return spans, nil
}

func finish(ranges map[string][]provider.TimeRange, asList bool) provider.InstrumentResult {
	if !asList {
		return provider.InstrumentResult{Ranges: ranges}
	}
	list := make([]string, 0, len(ranges))
	for code := range ranges {
		list = append(list, code)
	}
	sort.Strings(list)
	return provider.InstrumentResult{List: list}
}

func (p *Provider) readMarket(market string) (map[string][]provider.TimeRange, error) {
	path := filepath.Join(p.root, "instruments", market+".txt")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instrument universe %s: %w", market, err)
	}
	defer f.Close()

	ranges := make(map[string][]provider.TimeRange)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 3 {
			return nil, fmt.Errorf("universe %s: malformed line %q", market, line)
		}
		start, err := parseTime(parts[1])
		if err != nil {
			return nil, fmt.Errorf("universe %s: %w", market, err)
		}
		end, err := parseTime(parts[2])
		if err != nil {
			return nil, fmt.Errorf("universe %s: %w", market, err)
		}
		ranges[parts[0]] = append(ranges[parts[0]], provider.TimeRange{Start: start, End: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read universe %s: %w", market, err)
	}
	return ranges, nil
}

// FeaturesURI implements provider.FeatureProvider. The locator is a
// deterministic path in the shared dataset cache, derived from the query; the
// cache population itself belongs to the data pipeline, not the fabric.
func (p *Provider) FeaturesURI(_ context.Context, q provider.FeatureQuery) (string, error) {
	key := struct {
		Instruments any      `json:"instruments"`
		Fields      []string `json:"fields"`
		Start       string   `json:"start"`
		End         string   `json:"end"`
		Freq        string   `json:"freq"`
	}{q.Instruments, q.Fields, q.Start, q.End, strings.ToLower(q.Freq)}
	raw, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("derive feature locator: %w", err)
	}
	sum := md5.Sum(raw)
	return filepath.Join(p.root, p.datasetCacheDir, hex.EncodeToString(sum[:])+".bin"), nil
}

// CacheDirs implements provider.CacheUpdater.
func (p *Provider) CacheDirs(string) ([]string, error) {
	dir := filepath.Join(p.root, p.datasetCacheDir)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("no cache mechanism detected: %w", err)
	}
	return []string{dir}, nil
}

// UpdateCache implements provider.CacheUpdater. The flat-file store has no
// incremental update; refreshing verifies the entry is still readable.
func (p *Provider) UpdateCache(_ context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cache entry %s: %w", path, err)
	}
	return f.Close()
}
