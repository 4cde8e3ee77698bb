package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewShape(t *testing.T) {
	at := time.Date(2012, 3, 4, 5, 6, 7, 891_000_000, time.UTC)
	id := NewAt(at)
	if !strings.HasPrefix(id, "20120304T050607891Z") {
		t.Fatalf("unexpected prefix: %s", id)
	}
	if len(id) != len("20120304T050607891Z")+SuffixLength {
		t.Fatalf("unexpected length %d for %s", len(id), id)
	}
	if !Valid(id) {
		t.Fatalf("expected %s to be valid", id)
	}
	if Prefix(at) != "20120304T050607891Z" {
		t.Fatalf("unexpected prefix value %s", Prefix(at))
	}
}

func TestNewNoDuplicates(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := New()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id after %d generations: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewOrdering(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := NewAt(base.Add(time.Duration(i) * time.Millisecond))
		if id[:19] < prev {
			t.Fatalf("id prefix went backwards: %s after %s", id[:19], prev)
		}
		if i > 0 && id <= prev {
			t.Fatalf("expected %s > %s", id, prev)
		}
		prev = id[:19]
	}
}

func TestRandomString(t *testing.T) {
	s := RandomString(ChannelNameLength)
	if len(s) != ChannelNameLength {
		t.Fatalf("expected length %d, got %d", ChannelNameLength, len(s))
	}
	for _, c := range s {
		if !strings.ContainsRune(Alphabet, c) {
			t.Fatalf("unexpected character %q in %s", c, s)
		}
	}
	if RandomString(0) != "" {
		t.Fatalf("expected empty string")
	}
}

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"":                               false,
		"not-an-id":                      false,
		"20120304T050607891Zabcdefghij":  true,
		"20120304T050607891Zabcdefghi":   false,
		"20120304T050607891Zabcdefghi!":  false,
		"2012-03-04T05:06:07.891Zabcdef": false,
	}
	for id, want := range cases {
		if got := Valid(id); got != want {
			t.Errorf("Valid(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestNewFollowsWallClock(t *testing.T) {
	for i := 0; i < 10000; i++ {
		before := Prefix(time.Now())
		id := New()
		after := Prefix(time.Now())
		if id[:19] < before || id[:19] > after {
			t.Fatalf("id %s has prefix outside [%s, %s]", id, before, after)
		}
	}
}
