package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestKindFromWorkflow(t *testing.T) {
	cases := []struct {
		workflow string
		want     string
	}{
		{"flux_dev.json", KindStandard},
		{"Redux.json", KindRedux},
		{"redux_v2.json", KindRedux},
		{"ReduxPrompt.json", KindReduxPrompt},
		{"reduxprompt_portrait.json", KindReduxPrompt},
		{"PuLID_base.json", KindPuLID},
		{"pulid.json", KindPuLID},
		{"", KindStandard},
		{"unrecognized.json", KindStandard},
	}
	for _, c := range cases {
		if got := KindFromWorkflow(c.workflow); got != c.want {
			t.Errorf("KindFromWorkflow(%q) = %q, want %q", c.workflow, got, c.want)
		}
	}
}

func TestShowsLoras(t *testing.T) {
	cases := []struct {
		kind string
		want bool
	}{
		{KindStandard, true},
		{KindPuLID, true},
		{KindRedux, false},
		{KindReduxPrompt, false},
	}
	for _, c := range cases {
		if got := ShowsLoras(c.kind); got != c.want {
			t.Errorf("ShowsLoras(%q) = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestPendingRequestKind(t *testing.T) {
	req := &PendingRequest{Workflow: "pulid_face.json"}
	if got := req.Kind(); got != KindPuLID {
		t.Errorf("Kind() = %q, want %q", got, KindPuLID)
	}
}
