package store

// paginate applies cursor pagination to an already ascending-by-id slice.
// The returned Cursor is always set to the last item the caller has seen,
// even when HasMore is false, so a resumed listing never restarts from the
// beginning.
func paginate[T any](items []T, idOf func(T) string, order SortOrder, opts PageOpts, defaultLimit int) (Page[T], error) {
	limit, lastID, err := normalizePageOpts(opts, order, defaultLimit)
	if err != nil {
		return Page[T]{}, err
	}

	ordered := make([]T, len(items))
	copy(ordered, items)
	if order == Descending {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	start := 0
	if lastID != "" {
		for i, it := range ordered {
			if idOf(it) == lastID {
				start = i + 1
				break
			}
		}
	}

	end := start + limit
	hasMore := end < len(ordered)
	if end > len(ordered) {
		end = len(ordered)
	}
	page := ordered[start:end]

	cursor := ""
	switch {
	case len(page) > 0:
		cursor = encodeCursor(idOf(page[len(page)-1]), order)
	case lastID != "":
		cursor = encodeCursor(lastID, order)
	}

	return Page[T]{Items: page, Cursor: cursor, HasMore: hasMore}, nil
}
