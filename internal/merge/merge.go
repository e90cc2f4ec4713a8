// Package merge reconciles message batches into a single ordered,
// de-duplicated conversation timeline. It is pure logic with no I/O; the
// conversation store runs it on every history fetch and the tests exercise
// it property-style.
package merge

import (
	"sort"

	"github.com/pveiga/loopd/internal/model"
)

// Result is the outcome of a merge.
type Result struct {
	// Messages is the unioned, reconciled, ordered timeline.
	Messages []model.Message
	// Unchanged counts incoming entries that were exact duplicates of an
	// existing entry (same id, body, attachment, status). Callers use it to
	// skip redundant re-renders.
	Unchanged int
}

// Merge unions existing and incoming into one timeline. Incoming entries
// overwrite existing ones by ID (incoming is assumed fresher, e.g. for
// status), pending messages that now have a server counterpart are dropped,
// and the result is ordered per model.Less. Merge never shrinks the
// timeline: a short fetched page merged into a longer cached state keeps
// every cached message.
func Merge(existing, incoming []model.Message) Result {
	byID := make(map[string]model.Message, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))

	for _, m := range existing {
		if _, ok := byID[m.ID]; !ok {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}

	unchanged := 0
	for _, m := range incoming {
		prev, seen := byID[m.ID]
		if seen && prev.Body == m.Body && prev.ImageURL == m.ImageURL && prev.Status == m.Status {
			unchanged++
			continue
		}
		if !seen {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}

	// Drop pending messages whose server counterpart has arrived: same
	// sender plus either an identical body or both carrying an attachment.
	// This pass runs on every merge, not only on reconnect, so an optimistic
	// echo is removed the moment the authoritative copy shows up.
	for _, id := range order {
		p := byID[id]
		if !p.IsPending() {
			continue
		}
		for _, otherID := range order {
			s := byID[otherID]
			if s.IsPending() || s.SenderID != p.SenderID {
				continue
			}
			if s.Body == p.Body || (s.HasAttachment() && p.HasAttachment()) {
				delete(byID, id)
				break
			}
		}
	}

	out := make([]model.Message, 0, len(byID))
	for _, id := range order {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return model.Less(out[i], out[j]) })

	return Result{Messages: out, Unchanged: unchanged}
}
