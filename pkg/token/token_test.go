package token

import (
	"strings"
	"testing"
)

func TestNewLengthAndAlphabet(t *testing.T) {
	// 4096 makes redraws of rejected bytes all but certain.
	for _, n := range []int{1, 16, 64, 4096} {
		tok, err := New(n)
		if err != nil {
			t.Fatalf("New(%d) failed: %v", n, err)
		}
		if len(tok) != n {
			t.Errorf("expected length %d, got %d", n, len(tok))
		}
		for _, c := range tok {
			if !strings.ContainsRune(alphabet, c) {
				t.Errorf("unexpected character %q in token", c)
			}
		}
	}
}

func TestSamplingCutoffIsUnbiased(t *testing.T) {
	// Accepted byte values must cover the alphabet a whole number of times,
	// otherwise characters at the start of the alphabet are overweighted.
	if maxUnbiased%len(alphabet) != 0 {
		t.Errorf("cutoff %d is not a multiple of alphabet size %d", maxUnbiased, len(alphabet))
	}
	if maxUnbiased <= 0 || maxUnbiased > 256 {
		t.Errorf("cutoff %d out of range", maxUnbiased)
	}
}

func TestNewRejectsNonPositiveLength(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("expected error for zero length")
	}
	if _, err := New(-3); err == nil {
		t.Error("expected error for negative length")
	}
}

func TestNewIsNotConstant(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		tok, err := New(16)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		seen[tok] = true
	}
	if len(seen) < 2 {
		t.Error("expected distinct tokens across generations")
	}
}
