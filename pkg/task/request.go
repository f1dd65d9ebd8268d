// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package task

// Clients that leave a time bound unset send the literal string "None".
// Normalization replaces it with an absent value before the arguments reach
// the fingerprint or the provider, so that an explicit "None" and a missing
// key coalesce to the same task.
const sentinelUnset = "None"

// CalendarArgs is the decoded body of a calendar request.
type CalendarArgs struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Freq      string `json:"freq"`
	Future    bool   `json:"future"`
}

// InstrumentArgs is the decoded body of an instrument request. Instruments is
// either a list of instrument codes, a mapping of name to time-range pairs, or
// a universe config containing a "market" key.
type InstrumentArgs struct {
	Instruments any    `json:"instruments"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Freq        string `json:"freq"`
	AsList      bool   `json:"as_list"`
}

// FeatureArgs is the decoded body of a feature request.
type FeatureArgs struct {
	Instruments any      `json:"instruments"`
	Fields      []string `json:"fields"`
	StartTime   string   `json:"start_time"`
	EndTime     string   `json:"end_time"`
	Freq        string   `json:"freq"`
	DiskCache   int      `json:"disk_cache"`
}

// NormalizeArgs rewrites sentinel time bounds in a raw request body. It
// mutates and returns args so callers can chain it ahead of fingerprinting.
func NormalizeArgs(args map[string]any) map[string]any {
	for _, key := range []string{"start_time", "end_time"} {
		if s, ok := args[key].(string); ok && s == sentinelUnset {
			args[key] = nil
		}
	}
	return args
}

// NormalizeTime maps the sentinel string to the absent value.
func NormalizeTime(s string) string {
	if s == sentinelUnset {
		return ""
	}
	return s
}
