package relation

import "testing"

func TestSentence(t *testing.T) {
	tests := []struct {
		f    Familiarity
		want string
	}{
		{Familiarity{Speaker: "Zed", Count: 1, Strength: 0.1}, "You have talked with Zed once before; you know them only a little."},
		{Familiarity{Speaker: "Zed", Count: 4, Strength: 0.4}, "You have talked with Zed 4 times before; you know them somewhat."},
		{Familiarity{Speaker: "Yan", Count: 12, Strength: 1.5}, "You have talked with Yan 12 times before; you know them well."},
	}
	for _, tt := range tests {
		if got := tt.f.Sentence(); got != tt.want {
			t.Errorf("Sentence() = %q, want %q", got, tt.want)
		}
	}
}
