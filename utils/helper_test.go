package utils

import "testing"

func TestNormalizePhoneNumber(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		country string
		want    string
	}{
		{"us national", "(415) 555-2671", "US", "+14155552671"},
		{"already e164", "+14155552671", "US", "+14155552671"},
		{"foreign e164 under us region", "+959791234567", "US", "+959791234567"},
		{"garbage", "call me maybe", "US", ""},
		{"empty", "", "US", ""},
		{"too short", "12", "US", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizePhoneNumber(tc.input, tc.country)
			if got != tc.want {
				t.Fatalf("NormalizePhoneNumber(%q, %q) = %q, want %q", tc.input, tc.country, got, tc.want)
			}
		})
	}
}

func TestIsValidEmail(t *testing.T) {
	valid := []string{"a@b.co", "ops+sync@salon.example.com"}
	for _, e := range valid {
		if !IsValidEmail(e) {
			t.Fatalf("%q should be valid", e)
		}
	}
	invalid := []string{"", "no-at-sign", "x@y", "spaces in@mail.com"}
	for _, e := range invalid {
		if IsValidEmail(e) {
			t.Fatalf("%q should be invalid", e)
		}
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := SplitAndTrim(" a, b ,, c ")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected result: %v", got)
	}
	if SplitAndTrim("  ") != nil {
		t.Fatal("blank input should yield nil")
	}
}
