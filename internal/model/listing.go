// Package model defines the core data types shared by the harvest stages.
package model

import "strings"

// Phone sentinels. A completed entry's Phone is either a non-empty
// comma-joined list of numbers or exactly one of these values.
const (
	PhoneNotFound = "not listed"
	PhoneBlocked  = "blocked (captcha)"
	PhoneError    = "load error"
)

// UnknownName is used when a result card has no readable title.
const UnknownName = "Unknown"

// PhoneSeparator joins multiple numbers found on one detail page.
const PhoneSeparator = ", "

// ListingEntry is one business discovered in the search results.
// Key is the canonical detail-page URL and never changes after creation.
type ListingEntry struct {
	Key     string `json:"link"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

// NewListingEntry builds an entry with trimmed fields and the name sentinel
// applied.
func NewListingEntry(key, name, address string) *ListingEntry {
	name = strings.TrimSpace(name)
	if name == "" {
		name = UnknownName
	}
	return &ListingEntry{
		Key:     strings.TrimSpace(key),
		Name:    name,
		Address: strings.TrimSpace(address),
	}
}

// IsSentinelPhone reports whether p is one of the reserved phone values.
func IsSentinelPhone(p string) bool {
	switch p {
	case PhoneNotFound, PhoneBlocked, PhoneError:
		return true
	}
	return false
}

// JoinPhones joins extracted numbers. An empty input yields PhoneNotFound so
// the result is never empty.
func JoinPhones(numbers []string) string {
	if len(numbers) == 0 {
		return PhoneNotFound
	}
	return strings.Join(numbers, PhoneSeparator)
}

// Record converts the entry into the output contract row.
func (e *ListingEntry) Record() Record {
	return Record{
		Name:    e.Name,
		Address: e.Address,
		Link:    e.Key,
		Phone:   e.Phone,
	}
}

// Record is one exported row. Field order is part of the output contract.
type Record struct {
	Name    string `json:"name" csv:"name"`
	Address string `json:"address" csv:"address"`
	Link    string `json:"link" csv:"link"`
	Phone   string `json:"phone" csv:"phone"`
}

// Records converts entries to output rows, preserving order.
func Records(entries []*ListingEntry) []Record {
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Record())
	}
	return out
}

// EntrySet is an insertion-ordered set of entries keyed by Key.
// The first entry seen for a key wins.
type EntrySet struct {
	byKey map[string]*ListingEntry
	order []*ListingEntry
}

// NewEntrySet returns an empty set.
func NewEntrySet() *EntrySet {
	return &EntrySet{byKey: make(map[string]*ListingEntry)}
}

// Add inserts e unless its key is already present. Returns true if e was added.
func (s *EntrySet) Add(e *ListingEntry) bool {
	if e == nil || e.Key == "" {
		return false
	}
	if _, ok := s.byKey[e.Key]; ok {
		return false
	}
	s.byKey[e.Key] = e
	s.order = append(s.order, e)
	return true
}

// Has reports whether key is present.
func (s *EntrySet) Has(key string) bool {
	_, ok := s.byKey[key]
	return ok
}

// Len returns the number of distinct entries.
func (s *EntrySet) Len() int {
	return len(s.order)
}

// Entries returns the entries in discovery order.
func (s *EntrySet) Entries() []*ListingEntry {
	out := make([]*ListingEntry, len(s.order))
	copy(out, s.order)
	return out
}
