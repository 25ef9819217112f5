package main

import (
	"fmt"
	"strconv"
	"time"
)

// parseTimestamp accepts RFC3339 (with optional fractional seconds) or Unix
// nanoseconds. An empty string yields def.
func parseTimestamp(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ns, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q; expected RFC3339 or Unix nanoseconds", s)
	}
	return t.UnixNano(), nil
}

func formatTimestamp(ns int64) string {
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}
