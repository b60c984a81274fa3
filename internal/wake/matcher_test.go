package wake

import (
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Activate-System", "activate system"},
		{"  Hey,   Earshot!  ", "hey earshot"},
		{"what's up", "whats up"},
		{"OK... go", "ok go"},
		{"", ""},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sensitivity, want float64
	}{
		{0, 1},
		{1, 0.7},
		{0.5, 0.85},
		{-1, 1},
		{2, 0.7},
	}
	for _, tt := range tests {
		if got := Threshold(tt.sensitivity); got < tt.want-1e-9 || got > tt.want+1e-9 {
			t.Errorf("Threshold(%v) = %v, want %v", tt.sensitivity, got, tt.want)
		}
	}
}

func TestNewMatcher_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewMatcher(nil, 0.5); err == nil {
		t.Error("expected error for no phrases")
	}
	if _, err := NewMatcher([]string{" ", "!!"}, 0.5); err == nil {
		t.Error("expected error for phrases that normalise to nothing")
	}
	if _, err := NewMatcher([]string{"hey"}, 1.5); err == nil {
		t.Error("expected error for sensitivity > 1")
	}
	m, err := NewMatcher([]string{"activate system", "Activate-System", "hey earshot"}, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Phrases(); len(got) != 2 || got[0] != "activate system" {
		t.Errorf("Phrases() = %v", got)
	}
}

func TestMatcher_Variants(t *testing.T) {
	t.Parallel()

	for _, variant := range []string{"activate system", "activate-system"} {
		m, err := NewMatcher([]string{variant}, 0)
		if err != nil {
			t.Fatal(err)
		}
		got, ok := m.Match("please activate system now")
		if !ok {
			t.Errorf("variant %q did not match", variant)
			continue
		}
		if got.Phrase != variant || got.Score != 1 {
			t.Errorf("variant %q: got %+v", variant, got)
		}
	}
}

func TestMatcher_Match(t *testing.T) {
	t.Parallel()

	phrases := []string{"activate system", "activate-system", "hey earshot"}

	tests := []struct {
		name        string
		sensitivity float64
		transcript  string
		wantOK      bool
		wantPhrase  string
		wantExact   bool
	}{
		{name: "exact substring", sensitivity: 0, transcript: "please activate system now", wantOK: true, wantPhrase: "activate system", wantExact: true},
		{name: "hyphenated transcript", sensitivity: 0, transcript: "Please, Activate-System now.", wantOK: true, wantPhrase: "activate system", wantExact: true},
		{name: "misspelling rejected at zero sensitivity", sensitivity: 0, transcript: "please activate sistem now"},
		{name: "misspelling accepted when sensitive", sensitivity: 0.8, transcript: "please activate sistem now", wantOK: true, wantPhrase: "activate system"},
		{name: "split word accepted when sensitive", sensitivity: 0.8, transcript: "hey ear shot what time is it", wantOK: true, wantPhrase: "hey earshot"},
		{name: "word boundary", sensitivity: 0, transcript: "they earshot"},
		{name: "unrelated words", sensitivity: 1, transcript: "please activate the lights"},
		{name: "interleaved words", sensitivity: 0.8, transcript: "activate my system"},
		{name: "empty transcript", sensitivity: 1, transcript: "  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := NewMatcher(phrases, tt.sensitivity)
			if err != nil {
				t.Fatal(err)
			}
			got, ok := m.Match(tt.transcript)
			if ok != tt.wantOK {
				t.Fatalf("Match(%q) ok = %v (%+v), want %v", tt.transcript, ok, got, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Phrase != tt.wantPhrase {
				t.Errorf("phrase = %q, want %q", got.Phrase, tt.wantPhrase)
			}
			if tt.wantExact && got.Score != 1 {
				t.Errorf("score = %v, want 1", got.Score)
			}
			if got.Score < m.Threshold() {
				t.Errorf("score %v below threshold %v", got.Score, m.Threshold())
			}
		})
	}
}
