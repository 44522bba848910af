package phone

import "testing"

func TestNormalize(t *testing.T) {
	n := NewNormalizer(Config{})

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"already canonical", "5511987654321", "5511987654321"},
		{"formatted international", "+55 (11) 98765-4321", "5511987654321"},
		{"area code plus nine digits", "11987654321", "5511987654321"},
		{"legacy eight digit with area code", "1187654321", "5511987654321"},
		{"bare nine digit subscriber", "987654321", "5511987654321"},
		{"bare eight digit subscriber", "87654321", "551187654321"},
		{"area code matching country prefix", "55987654321", "5555987654321"},
		{"garbage short input", "12345", "5512345"},
		{"empty", "", ""},
		{"punctuation only", "()- ", ""},
	}
	for _, tc := range cases {
		if got := n.Normalize(tc.in); got != tc.want {
			t.Errorf("%s: Normalize(%q) = %q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	n := NewNormalizer(Config{})

	inputs := []string{
		"5511987654321",
		"+55 (11) 98765-4321",
		"11987654321",
		"1187654321",
		"987654321",
		"87654321",
		"55987654321",
		"5512345678",
		"12345",
		"1",
		"",
		"+1 415 555 2671",
		"00 44 7911 123456",
	}
	for _, in := range inputs {
		once := n.Normalize(in)
		twice := n.Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: first %q, second %q", in, once, twice)
		}
	}
}

func TestIsValidForDispatch(t *testing.T) {
	n := NewNormalizer(Config{})

	valid := []string{
		"5511987654321",
		"+55 (11) 98765-4321",
		"11987654321",
		"987654321",
		"1187654321",
	}
	for _, in := range valid {
		if !n.IsValidForDispatch(in) {
			t.Errorf("IsValidForDispatch(%q) = false, want true", in)
		}
	}

	invalid := []string{
		"",
		"12345",
		"87654321",        // legacy 8-digit repairs to 12 digits, below canonical length
		"551198765432100", // too long
	}
	for _, in := range invalid {
		if n.IsValidForDispatch(in) {
			t.Errorf("IsValidForDispatch(%q) = true, want false", in)
		}
	}
}

func TestIsValidForDispatchForeignRegion(t *testing.T) {
	n := NewNormalizer(Config{CountryPrefix: "1", AreaCode: "415", Region: "US"})

	if !n.IsValidForDispatch("1 415 555 2671") {
		t.Error("expected US number to be dispatchable under US config")
	}
	if n.IsValidForDispatch("123") {
		t.Error("expected short junk to be rejected under US config")
	}
}

func TestCanonicalOrError(t *testing.T) {
	n := NewNormalizer(Config{})

	got, err := n.CanonicalOrError("+55 (11) 98765-4321")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "5511987654321" {
		t.Errorf("canonical = %q, want %q", got, "5511987654321")
	}

	if _, err := n.CanonicalOrError(""); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := n.CanonicalOrError("123"); err == nil {
		t.Error("expected error for junk input")
	}
}
