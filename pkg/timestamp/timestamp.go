// Package timestamp handles the epoch-millisecond times carried by order
// events and location fixes.
//
// Zero means "not set": an order lifecycle field of 0 says the order never
// entered that state. Producers disagree on encoding, so Parse accepts
// RFC3339, local wall-clock strings, epoch seconds or milliseconds as
// numbers or strings, and json.Number.
package timestamp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// msThreshold separates seconds from milliseconds: 1e12 ms is September
// 2001, 1e12 s is far beyond any valid time.
const msThreshold = 1e12

// maxValid is 3000-01-01T00:00:00Z.
const maxValid = 32503680000000

// wallClockLayouts are tried in order for strings without an offset.
var wallClockLayouts = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"20060102150405",
}

// Location is the zone for wall-clock strings. Dispatch servers emit local
// time.
var Location = time.Local

// Now is the current time in epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Format renders ms as UTC RFC3339, or "" for zero.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Parse converts input to epoch milliseconds. Nil, empty, negative and
// unparseable input all give 0.
func Parse(input any) int64 {
	switch v := input.(type) {
	case int64:
		return fromNumber(float64(v), v)
	case int:
		return fromNumber(float64(v), int64(v))
	case int32:
		return fromNumber(float64(v), int64(v))
	case float64:
		return fromNumber(v, int64(v))
	case json.Number:
		return parseString(v.String())
	case string:
		return parseString(v)
	case time.Time:
		return fromTime(v)
	case *time.Time:
		if v != nil {
			return fromTime(*v)
		}
	}
	return 0
}

// fromNumber scales a seconds value to milliseconds. f drives the decision
// and keeps fractional seconds; i keeps full precision for large integers.
func fromNumber(f float64, i int64) int64 {
	switch {
	case f <= 0:
		return 0
	case f > msThreshold:
		return i
	default:
		return int64(f * 1000)
	}
}

func fromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func parseString(s string) int64 {
	if s == "" {
		return 0
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return fromTime(t)
	}
	for _, layout := range wallClockLayouts {
		if t, err := time.ParseInLocation(layout, s, Location); err == nil {
			return fromTime(t)
		}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromNumber(float64(i), i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromNumber(f, int64(f))
	}
	return 0
}

// Validate rejects negative times and times past the year 3000.
func Validate(ms int64) error {
	switch {
	case ms < 0:
		return fmt.Errorf("timestamp %d is negative", ms)
	case ms > maxValid:
		return fmt.Errorf("timestamp %d is after the year 3000", ms)
	}
	return nil
}
