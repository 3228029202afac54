package engine

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// pageCursorSeparator delimits the sweep position from the carried watermark
// inside a stored page cursor.
const pageCursorSeparator = "|"

// encodeCursor renders an incremental cursor: the unix-seconds watermark that
// lower-bounds the next sweep. A zero time encodes as empty (unbounded).
func encodeCursor(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10)
}

// decodeCursor parses an incremental cursor. Empty means unbounded.
func decodeCursor(cursor string) (time.Time, error) {
	if cursor == "" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid incremental cursor %q: %w", cursor, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// encodePageCursor packs the in-sweep position together with the maximum
// created watermark observed so far and the incremental filter the sweep was
// claimed under. Carrying the watermark inside the page cursor is what lets a
// multi-page sweep compute its final incremental cursor across all pages, not
// just the last one; carrying the filter pins the sweep's window so a run
// completing on another trigger channel mid-sweep cannot narrow it.
// The cursor format is: base64(position|watermark|filter)
func encodePageCursor(position string, watermark, filter time.Time) string {
	value := position + pageCursorSeparator + encodeCursor(watermark) +
		pageCursorSeparator + encodeCursor(filter)
	return base64.StdEncoding.EncodeToString([]byte(value))
}

// decodePageCursor unpacks a stored page cursor.
// Returns zero values if the cursor is empty.
func decodePageCursor(cursor string) (position string, watermark, filter time.Time, err error) {
	if cursor == "" {
		return "", time.Time{}, time.Time{}, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", time.Time{}, time.Time{}, fmt.Errorf("failed to decode page cursor: %w", err)
	}

	// Positions may themselves contain the separator (child sweeps encode
	// parent|token), so the filter and watermark are always the last two
	// segments.
	value := string(decoded)
	filterIdx := strings.LastIndex(value, pageCursorSeparator)
	if filterIdx < 0 {
		return "", time.Time{}, time.Time{}, fmt.Errorf("invalid page cursor format: expected position|watermark|filter")
	}
	watermarkIdx := strings.LastIndex(value[:filterIdx], pageCursorSeparator)
	if watermarkIdx < 0 {
		return "", time.Time{}, time.Time{}, fmt.Errorf("invalid page cursor format: expected position|watermark|filter")
	}

	filter, err = decodeCursor(value[filterIdx+1:])
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	watermark, err = decodeCursor(value[watermarkIdx+1 : filterIdx])
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	return value[:watermarkIdx], watermark, filter, nil
}

// maxTime returns the later of two timestamps.
func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
