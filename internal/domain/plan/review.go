package plan

import (
	"strings"
	"time"
)

// Review is the conversation thread attached 1:1 to a plan. It is created
// lazily on the first entry and carries one unread flag per party.
type Review struct {
	ID                  string
	PlanID              string
	UnreadForPharmacist bool
	UnreadForPatient    bool
	Entries             []*ReviewEntry
}

// ReviewEntry is an ordered, append-only, immutable message in the thread.
type ReviewEntry struct {
	ID          string
	DateCreated time.Time
	Author      Party
	Text        string
}

func newEntry(author Party, text string, now time.Time) (*ReviewEntry, error) {
	ve := &ValidationError{}
	if author != PartyPharmacist && author != PartyPatient {
		ve.add("author must be pharmacist or patient")
	}
	if strings.TrimSpace(text) == "" {
		ve.add("text must not be blank")
	}
	if len(text) > EntryTextMaxLen {
		ve.add("text exceeds maximum length")
	}
	if err := ve.orNil(); err != nil {
		return nil, err
	}
	return &ReviewEntry{
		DateCreated: now,
		Author:      author,
		Text:        text,
	}, nil
}
