package agent

import (
	"errors"
	"strings"
	"testing"
)

func TestParseImportance(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"7", 7},
		{"Rating: 10", 10},
		{"I'd say 3 out of 10", 3},
		{"  9\n", 9},
		{"", 1},
		{"very poignant", 1},
		{"0", 1},
		{"42", 1},
	}
	for _, tt := range tests {
		if got := ParseImportance(tt.in); got != tt.want {
			t.Errorf("ParseImportance(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"True", true},
		{"true", true},
		{" TRUE. ", true},
		{`"True"`, true},
		{"False", false},
		{"yes", false},
		{"", false},
		{"True, because she is reading", false},
	}
	for _, tt := range tests {
		if got := ParseBool(tt.in); got != tt.want {
			t.Errorf("ParseBool(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\": {\"b\": 2}}\n```", `{"a": {"b": 2}}`, true},
		{"prose", `Here you go: {"speak": ["a } b"]} hope it helps`, `{"speak": ["a } b"]}`, true},
		{"escaped quote", `{"s": "say \"hi\" {"}`, `{"s": "say \"hi\" {"}`, true},
		{"skips invalid", `{oops} then {"a":1}`, `{"a":1}`, true},
		{"none", "no json here", "", false},
		{"unbalanced", `{"a": 1`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("got %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCharacters(t *testing.T) {
	c := NewCharacters(testChars)
	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}
	ann, err := c.Get(10002)
	if err != nil || ann.Name != "Ann" {
		t.Fatalf("Get: %+v, %v", ann, err)
	}
	if _, err := c.Get(1); !errors.Is(err, ErrUnknownCharacter) {
		t.Errorf("got %v, want ErrUnknownCharacter", err)
	}
	roster := c.Roster(10003)
	if roster != "- Ann, A baker who wakes before dawn." {
		t.Errorf("roster %q", roster)
	}
}

func TestActionCatalog(t *testing.T) {
	actions, locations := actionCatalog(testChars[0])
	if !strings.Contains(actions, "- 101 : bake, bake bread.") {
		t.Errorf("actions %q", actions)
	}
	if locations != "oven,bed," {
		t.Errorf("locations %q", locations)
	}
}
