package mention

import (
	"reflect"
	"testing"
)

var roster = []Agent{
	{ID: "a1", Name: "Rex Builder", SessionKey: "agent:main:rex"},
	{ID: "a2", Name: "Scout", SessionKey: "agent:scout"},
	{ID: "a3", Name: "Ada Lovelace", SessionKey: "ops:analyst"},
}

func TestHandles(t *testing.T) {
	cases := []struct {
		name string
		text string
		want []string
	}{
		{"empty", "", nil},
		{"none", "no handles here", nil},
		{"lowercased", "hi @Rex and @REX", []string{"rex"}},
		{"order of first appearance", "@b then @a then @b", []string{"b", "a"}},
		{"punctuation stops handle", "ping @scout, please", []string{"scout"}},
		{"dash and underscore", "@main_rex-2!", []string{"main_rex-2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Handles(tc.text); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Handles(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestResolve_KnownAndUnknown(t *testing.T) {
	got := IDs(Resolve("ping @rex and @Scout, cc @unknown", roster))
	want := []string{"a1", "a2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestResolve_FirstNameAndTail(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"@ada", []string{"a3"}},
		{"@analyst", []string{"a3"}},
		{"@ada @analyst", []string{"a3"}},
		{"@main:rex", nil}, // handle stops at ':' and the tail is "main:rex"
		{"@lovelace", nil},
	}
	for _, tc := range cases {
		got := IDs(Resolve(tc.text, roster))
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Resolve(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestResolve_TailBeatsFirstName(t *testing.T) {
	r := []Agent{
		{ID: "x", Name: "Scout Alpha", SessionKey: "agent:alpha"},
		{ID: "y", Name: "Beta", SessionKey: "agent:scout"},
	}
	got := IDs(Resolve("@scout", r))
	if !reflect.DeepEqual(got, []string{"y"}) {
		t.Fatalf("expected tail match to win, got %v", got)
	}
}

func TestResolve_RosterOrderBreaksTies(t *testing.T) {
	r := []Agent{
		{ID: "first", Name: "Sam One", SessionKey: "agent:one"},
		{ID: "second", Name: "Sam Two", SessionKey: "agent:two"},
	}
	got := IDs(Resolve("@sam", r))
	if !reflect.DeepEqual(got, []string{"first"}) {
		t.Fatalf("expected roster order to decide, got %v", got)
	}
}

func TestResolve_EmptyRoster(t *testing.T) {
	if got := Resolve("@rex", nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestSessionTail(t *testing.T) {
	cases := map[string]string{
		"agent:main:rex": "main:rex",
		"agent:Scout":    "scout",
		"bare":           "bare",
		"":               "",
	}
	for in, want := range cases {
		if got := SessionTail(in); got != want {
			t.Errorf("SessionTail(%q) = %q, want %q", in, got, want)
		}
	}
}
