package identity

import "testing"

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0", false},
		{"too short", "a0a0", true},
		{"uppercase ok", "A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0", false},
		{"non-hex", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.id)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate(%q) error = %v, wantErr %v", tc.id, err, tc.wantErr)
			}
		})
	}
}

func TestXORDistanceZeroForIdentical(t *testing.T) {
	id := "b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0"
	d, err := XORDistance(id, id)
	if err != nil {
		t.Fatalf("XORDistance: %v", err)
	}
	if d != 0 {
		t.Fatalf("XORDistance(x, x) = %d, want 0", d)
	}
}

func TestXORDistanceSymmetric(t *testing.T) {
	a := "a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0"
	b := "b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0"
	d1, err := XORDistance(a, b)
	if err != nil {
		t.Fatalf("XORDistance: %v", err)
	}
	d2, err := XORDistance(b, a)
	if err != nil {
		t.Fatalf("XORDistance: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("XORDistance not symmetric: %d != %d", d1, d2)
	}
}

func TestClosestOrdersByDistanceThenLex(t *testing.T) {
	target := "000000000000000000000000000000000000000a"
	candidates := []string{
		"000000000000000000000000000000000000000c", // distance 6
		"000000000000000000000000000000000000000b", // distance 1
		"000000000000000000000000000000000000000a", // distance 0 (self)
	}
	got := Closest(target, candidates, 2)
	if len(got) != 2 {
		t.Fatalf("Closest returned %d results, want 2", len(got))
	}
	if got[0] != target {
		t.Fatalf("Closest()[0] = %q, want self (%q)", got[0], target)
	}
	if got[1] != "000000000000000000000000000000000000000b" {
		t.Fatalf("Closest()[1] = %q, want next closest", got[1])
	}
}

func TestClosestSkipsInvalid(t *testing.T) {
	target := "000000000000000000000000000000000000000a"
	candidates := []string{"not-a-peer-id", target}
	got := Closest(target, candidates, 5)
	if len(got) != 1 || got[0] != target {
		t.Fatalf("Closest() = %v, want only the valid candidate", got)
	}
}

func TestNewProducesValidID(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := Validate(id); err != nil {
		t.Fatalf("New produced invalid id %q: %v", id, err)
	}
}
