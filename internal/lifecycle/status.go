// Package lifecycle holds the prediction/training state machine shared by
// webhook ingestion, polling and the database layer.
package lifecycle

import (
	"errors"
	"strings"
)

type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Succeeded  Status = "succeeded"
	Failed     Status = "failed"
	Canceled   Status = "canceled"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNoop              = errors.New("status unchanged")
)

var transitions = map[Status][]Status{
	Queued:     {Processing, Succeeded, Failed, Canceled},
	Processing: {Succeeded, Failed, Canceled},
}

// All lists every status in lifecycle order.
func All() []Status {
	return []Status{Queued, Processing, Succeeded, Failed, Canceled}
}

func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed || s == Canceled
}

func (s Status) Valid() bool {
	switch s {
	case Queued, Processing, Succeeded, Failed, Canceled:
		return true
	}
	return false
}

// FromReplicate maps a Replicate prediction/training status onto ours.
func FromReplicate(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "starting", "queued":
		return Queued, true
	case "processing":
		return Processing, true
	case "succeeded":
		return Succeeded, true
	case "failed":
		return Failed, true
	case "canceled", "cancelled":
		return Canceled, true
	}
	return "", false
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next validates from -> to. Same-state moves return ErrNoop so callers can
// treat redelivered events as already applied.
func Next(from, to Status) (Status, error) {
	if from == to {
		return from, ErrNoop
	}
	if !CanTransition(from, to) {
		return from, ErrIllegalTransition
	}
	return to, nil
}

// Sources returns the statuses that may move into to. Used as the optimistic
// lock set in UPDATE ... WHERE status = ANY(...).
func Sources(to Status) []string {
	var out []string
	for _, from := range All() {
		if CanTransition(from, to) {
			out = append(out, string(from))
		}
	}
	return out
}

// NonTerminal returns queued and processing as strings for SQL filters.
func NonTerminal() []string {
	return []string{string(Queued), string(Processing)}
}
