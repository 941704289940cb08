// Package dedup collapses a raw consumer batch into one effective event per resource key
// before the batch reaches business logic.
package dedup

import (
	"sort"

	"github.com/opencatalog/searchingester/internal/searchingester/model"
)

// Collapse reduces the batch to the event with the greatest timestamp per key, with one
// exception: a same-key pair on two different tenants whose types are exactly
// {CREATE, DELETE} is an ownership transfer, and both halves are kept. Collapsing such a
// pair to latest-wins would silently drop the CREATE under the new tenant, losing the
// record's only live copy.
//
// The relative order of distinct keys follows their first appearance in the input; a kept
// transfer pair is emitted in ascending timestamp order. Collapse is a pure function with
// no I/O.
func Collapse(records []model.RawRecord) []model.RawRecord {
	groups := make(map[string][]model.RawRecord, len(records))
	keyOrder := make([]string, 0, len(records))
	for _, r := range records {
		if _, ok := groups[r.Key]; !ok {
			keyOrder = append(keyOrder, r.Key)
		}
		groups[r.Key] = append(groups[r.Key], r)
	}

	out := make([]model.RawRecord, 0, len(keyOrder))
	for _, key := range keyOrder {
		group := groups[key]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
		if isOwnershipTransfer(group) {
			out = append(out, group[0], group[1])
			continue
		}
		out = append(out, group[len(group)-1])
	}
	return out
}

// isOwnershipTransfer reports whether a timestamp-sorted group is a tenant ownership
// transfer: exactly two events, different tenants, types exactly {CREATE, DELETE}. The
// new-tenant CREATE may carry a lower timestamp than the old-tenant DELETE, which is why
// latest-wins cannot be applied here.
func isOwnershipTransfer(sorted []model.RawRecord) bool {
	if len(sorted) != 2 {
		return false
	}
	first, second := sorted[0].Event, sorted[1].Event
	if first.Tenant == second.Tenant {
		return false
	}
	return (first.Type == model.Create && second.Type == model.Delete) ||
		(first.Type == model.Delete && second.Type == model.Create)
}
