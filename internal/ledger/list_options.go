package ledger

// EntryListOptions controls how ledger entries are selected when querying.
// Listing is forward-only: results are ordered by Seq ascending and the
// caller advances by passing the last seen Seq as AfterSeq.
type EntryListOptions struct {
	AfterSeq int64
	Kinds    []Kind
	Limit    int
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *EntryListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if opts.AfterSeq < 0 {
		opts.AfterSeq = 0
	}
	if opts.Kinds != nil {
		opts.Kinds = normalizeKinds(opts.Kinds)
	}
}

// matchesKind reports whether the entry passes the kind filter.
func (opts EntryListOptions) matchesKind(e *Entry) bool {
	if len(opts.Kinds) == 0 {
		return true
	}
	for _, kind := range opts.Kinds {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func normalizeKinds(input []Kind) []Kind {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Kind]struct{}, len(input))
	result := make([]Kind, 0, len(input))
	for _, kind := range input {
		if !IsValidKind(kind) {
			continue
		}
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		result = append(result, kind)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
