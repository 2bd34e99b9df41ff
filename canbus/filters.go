package canbus

// Composable FrameFilter constructors. A nil FrameFilter matches every frame.

// ByID matches frames with exactly this identifier.
func ByID(id uint32) FrameFilter {
	return func(f Frame) bool { return f.ID == id }
}

// ByIDs matches any of the given identifiers.
func ByIDs(ids ...uint32) FrameFilter {
	set := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(f Frame) bool {
		_, ok := set[f.ID]
		return ok
	}
}

// ByMask matches when frame.ID&mask equals id&mask.
func ByMask(id, mask uint32) FrameFilter {
	want := id & mask
	return func(f Frame) bool { return f.ID&mask == want }
}

// DataOnly rejects remote transmission requests.
func DataOnly() FrameFilter {
	return func(f Frame) bool { return !f.RTR }
}

// MinLen matches frames carrying at least n data bytes.
func MinLen(n uint8) FrameFilter {
	return func(f Frame) bool { return f.Len >= n }
}

// All matches when every non-nil filter matches.
func All(filters ...FrameFilter) FrameFilter {
	return func(f Frame) bool {
		for _, match := range filters {
			if match != nil && !match(f) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one filter matches. A nil entry matches
// everything; no filters match nothing.
func Any(filters ...FrameFilter) FrameFilter {
	return func(f Frame) bool {
		for _, match := range filters {
			if match == nil || match(f) {
				return true
			}
		}
		return false
	}
}

// Not inverts a filter. Not(nil) matches nothing.
func Not(filter FrameFilter) FrameFilter {
	return func(f Frame) bool { return filter != nil && !filter(f) }
}
