// Package reconcile merges client-tracked pending generations with what the
// database knows, so a client that missed push events can catch up.
package reconcile

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"photoforge/backend/internal/lifecycle"
)

// DefaultTimeout is how long a pending generation may go without a terminal
// record before the client should drop it.
const DefaultTimeout = 10 * time.Minute

type Pending struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type Record struct {
	ID        string           `json:"id"`
	Status    lifecycle.Status `json:"status"`
	Prompt    string           `json:"prompt,omitempty"`
	Images    []string         `json:"images,omitempty"`
	Error     string           `json:"error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type Result struct {
	Completed []Record  `json:"completed"`
	Failed    []Record  `json:"failed"`
	Pending   []Pending `json:"pending"`
	Expired   []Pending `json:"expired"`
}

// Reconcile sorts each pending item into exactly one bucket.
func Reconcile(pending []Pending, records []Record, now time.Time, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	byID := make(map[string]Record, len(records))
	for _, r := range records {
		if prev, ok := byID[r.ID]; ok && !r.UpdatedAt.After(prev.UpdatedAt) {
			continue
		}
		byID[r.ID] = r
	}
	res := Result{
		Completed: []Record{},
		Failed:    []Record{},
		Pending:   []Pending{},
		Expired:   []Pending{},
	}
	for _, p := range lo.UniqBy(pending, func(p Pending) string { return p.ID }) {
		if p.ID == "" {
			continue
		}
		r, ok := byID[p.ID]
		switch {
		case ok && r.Status == lifecycle.Succeeded:
			res.Completed = append(res.Completed, r)
		case ok && r.Status.Terminal():
			res.Failed = append(res.Failed, r)
		case !p.StartedAt.IsZero() && now.Sub(p.StartedAt) > timeout:
			res.Expired = append(res.Expired, p)
		default:
			res.Pending = append(res.Pending, p)
		}
	}
	return res
}

// MergeHistory unions two record lists by ID, keeping the most recently
// updated copy, newest first.
func MergeHistory(existing, incoming []Record) []Record {
	byID := make(map[string]Record, len(existing)+len(incoming))
	for _, r := range append(append([]Record{}, existing...), incoming...) {
		if r.ID == "" {
			continue
		}
		if prev, ok := byID[r.ID]; ok && prev.UpdatedAt.After(r.UpdatedAt) {
			continue
		}
		byID[r.ID] = r
	}
	out := lo.Values(byID)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// IDs returns the distinct non-empty IDs of pending items.
func IDs(pending []Pending) []string {
	ids := lo.Map(pending, func(p Pending, _ int) string { return p.ID })
	return lo.Uniq(lo.Compact(ids))
}
