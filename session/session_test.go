package session

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusCollecting, StatusAwaitingSelection, true},
		{StatusAwaitingSelection, StatusCollecting, true},
		{StatusCollecting, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusCollecting, false},
		{StatusProcessing, StatusAwaitingSelection, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusCompleted, true},
		{StatusCollecting, StatusCollecting, true},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
	}
	if err := ValidateTransition(StatusCollecting, "bogus"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestSortedRefsKeepsOrderIndex(t *testing.T) {
	items := []Item{{Ref: "c", Order: 2}, {Ref: "a", Order: 0}, {Ref: "b", Order: 1}}
	got := strings.Join(SortedRefs(items), ",")
	if got != "a,b,c" {
		t.Fatalf("unexpected order %s", got)
	}
	if items[0].Ref != "c" {
		t.Fatal("input slice must not be reordered")
	}
}

func TestMetadataMerge(t *testing.T) {
	base := Metadata{Filename: "a.pdf", PageMode: PageModeFixed, Extra: map[string]string{"k": "1"}}
	got := base.Merge(Metadata{PageMode: PageModeAutoFit, Extra: map[string]string{"j": "2"}})
	if got.Filename != "a.pdf" || got.PageMode != PageModeAutoFit || got.Extra["k"] != "1" || got.Extra["j"] != "2" {
		t.Fatalf("unexpected merge %+v", got)
	}
	if _, leaked := base.Extra["j"]; leaked {
		t.Fatal("merge mutated the receiver's map")
	}
}

func TestParsePageMode(t *testing.T) {
	if m, ok := ParsePageMode("A4"); !ok || m != PageModeFixed {
		t.Fatalf("a4 should map to fixed, got %q", m)
	}
	if m, ok := ParsePageMode("autofit"); !ok || m != PageModeAutoFit {
		t.Fatalf("autofit should map to autoFit, got %q", m)
	}
	if _, ok := ParsePageMode("report"); ok {
		t.Fatal("arbitrary words are not page modes")
	}
}

func TestNewIDIsUnique(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a, b := NewID(42, now), NewID(42, now)
	if a == b {
		t.Fatal("ids must differ within the same second")
	}
	if !strings.HasPrefix(a, "42_1700000000_") {
		t.Fatalf("unexpected id format %s", a)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := &Session{Items: []Item{{Ref: "a"}}, Metadata: Metadata{Extra: map[string]string{"x": "1"}}}
	c := s.Clone()
	c.Items[0].Ref = "b"
	c.Metadata.Extra["x"] = "2"
	if s.Items[0].Ref != "a" || s.Metadata.Extra["x"] != "1" {
		t.Fatal("clone shares state with original")
	}
}
