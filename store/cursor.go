package store

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Cursors are opaque to callers but, internally, are just the last-seen id
// plus the sort direction that produced it. Encoding them as base64 keeps
// them opaque to callers while remaining trivially decodable by any backend.

func encodeCursor(lastID string, order SortOrder) string {
	raw := string(order) + ":" + lastID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (lastID string, order SortOrder, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid cursor contents")
	}
	return parts[1], SortOrder(parts[0]), nil
}

// normalizePageOpts fills in the default limit and validates the cursor, if
// any, was produced for the same sort order the caller is now asking for.
func normalizePageOpts(opts PageOpts, order SortOrder, defaultLimit int) (limit int, lastID string, err error) {
	limit = opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if opts.Cursor == "" {
		return limit, "", nil
	}
	id, cursorOrder, err := decodeCursor(opts.Cursor)
	if err != nil {
		return 0, "", err
	}
	if cursorOrder != order {
		return 0, "", fmt.Errorf("cursor was issued for %q order, not %q", cursorOrder, order)
	}
	return limit, id, nil
}
