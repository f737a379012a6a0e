package permcache

import (
	"strings"
)

// SubjectID identifies the principal a decision was made for.
// Construct with NewSubjectID; the zero value is invalid.
type SubjectID string

// NewSubjectID validates s as a subject identifier. The pipe character is
// reserved as the key separator and is rejected.
func NewSubjectID(s string) (SubjectID, error) {
	if s == "" {
		return "", ErrEmptySubject
	}
	if strings.ContainsRune(s, keySep) {
		return "", ErrInvalidIdentifier
	}
	return SubjectID(s), nil
}

// Key is the composite cache key derived from a Lookup.
// Keys are comparable and deterministic: the same Lookup always builds the
// same Key.
type Key string

const (
	keySep      = '|'
	scopePrefix = "rid:"
	orgPrefix   = "org:"
)

// Lookup names one authorization decision: who wants to do what to which
// resource, optionally narrowed to a resource scope and an organization.
type Lookup struct {
	Subject       SubjectID
	Resource      string
	Action        string
	ResourceScope string // optional
	Organization  string // optional
}

func (q Lookup) validate() error {
	if q.Subject == "" {
		return ErrEmptySubject
	}
	if q.Resource == "" || q.Action == "" {
		return ErrIncompleteLookup
	}
	for _, part := range []string{string(q.Subject), q.Resource, q.Action, q.ResourceScope, q.Organization} {
		if strings.ContainsRune(part, keySep) {
			return ErrInvalidIdentifier
		}
	}
	return nil
}

// BuildKey derives the composite key for q:
//
//	subject|resource|action[|rid:scope][|org:organization]
//
// Optional dimensions are appended only when present, so lookups that never
// mention them stay byte-identical across callers.
func BuildKey(q Lookup) (Key, error) {
	if err := q.validate(); err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(len(q.Subject) + len(q.Resource) + len(q.Action) + len(q.ResourceScope) + len(q.Organization) + 12)
	b.WriteString(string(q.Subject))
	b.WriteByte(keySep)
	b.WriteString(q.Resource)
	b.WriteByte(keySep)
	b.WriteString(q.Action)
	if q.ResourceScope != "" {
		b.WriteByte(keySep)
		b.WriteString(scopePrefix)
		b.WriteString(q.ResourceScope)
	}
	if q.Organization != "" {
		b.WriteByte(keySep)
		b.WriteString(orgPrefix)
		b.WriteString(q.Organization)
	}
	return Key(b.String()), nil
}
