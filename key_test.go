package permcache

import (
	"errors"
	"testing"
)

func TestBuildKeyFormats(t *testing.T) {
	cases := []struct {
		name string
		q    Lookup
		want Key
	}{
		{
			name: "required dimensions only",
			q:    Lookup{Subject: "u1", Resource: "doc", Action: "read"},
			want: "u1|doc|read",
		},
		{
			name: "with resource scope",
			q:    Lookup{Subject: "u1", Resource: "doc", Action: "read", ResourceScope: "d42"},
			want: "u1|doc|read|rid:d42",
		},
		{
			name: "with organization",
			q:    Lookup{Subject: "u1", Resource: "doc", Action: "read", Organization: "acme"},
			want: "u1|doc|read|org:acme",
		},
		{
			name: "with both optional dimensions",
			q:    Lookup{Subject: "u1", Resource: "doc", Action: "read", ResourceScope: "d42", Organization: "acme"},
			want: "u1|doc|read|rid:d42|org:acme",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildKey(tc.q)
			if err != nil {
				t.Fatalf("BuildKey: %v", err)
			}
			if got != tc.want {
				t.Fatalf("BuildKey = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBuildKeyDeterministic(t *testing.T) {
	q := Lookup{Subject: "u1", Resource: "doc", Action: "read", Organization: "acme"}
	k1, _ := BuildKey(q)
	k2, _ := BuildKey(q)
	if k1 != k2 {
		t.Fatalf("same lookup built different keys: %q vs %q", k1, k2)
	}
}

func TestBuildKeyValidation(t *testing.T) {
	if _, err := BuildKey(Lookup{Resource: "doc", Action: "read"}); !errors.Is(err, ErrEmptySubject) {
		t.Fatalf("want ErrEmptySubject, got %v", err)
	}
	if _, err := BuildKey(Lookup{Subject: "u1", Action: "read"}); !errors.Is(err, ErrIncompleteLookup) {
		t.Fatalf("want ErrIncompleteLookup, got %v", err)
	}
	if _, err := BuildKey(Lookup{Subject: "u1", Resource: "a|b", Action: "read"}); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("want ErrInvalidIdentifier, got %v", err)
	}
}

func TestNewSubjectID(t *testing.T) {
	if _, err := NewSubjectID(""); !errors.Is(err, ErrEmptySubject) {
		t.Fatalf("empty subject accepted")
	}
	if _, err := NewSubjectID("a|b"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("separator in subject accepted")
	}
	id, err := NewSubjectID("user-7")
	if err != nil || id != "user-7" {
		t.Fatalf("NewSubjectID: id=%q err=%v", id, err)
	}
}
