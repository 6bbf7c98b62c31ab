package utils

import "testing"

func ptr(s string) *string { return &s }

func TestCleanField(t *testing.T) {
	cases := []struct {
		in   *string
		want *string
	}{
		{nil, nil},
		{ptr(""), nil},
		{ptr("   \t\n"), nil},
		{ptr("  a@x.io "), ptr("a@x.io")},
		{ptr("123456"), ptr("123456")},
		// decomposed "é" (e + U+0301) folds to the precomposed form
		{ptr("cafe\u0301@x.io"), ptr("caf\u00e9@x.io")},
	}
	for _, tc := range cases {
		got := CleanField(tc.in)
		switch {
		case tc.want == nil && got != nil:
			t.Fatalf("CleanField(%q) = %q; want nil", *tc.in, *got)
		case tc.want != nil && (got == nil || *got != *tc.want):
			t.Fatalf("CleanField(%q) = %v; want %q", *tc.in, got, *tc.want)
		}
	}
}

func TestCleanField_DoesNotAliasInput(t *testing.T) {
	in := ptr(" x ")
	out := CleanField(in)
	if out == in || *in != " x " {
		t.Fatalf("input must be left untouched")
	}
}

func TestParseID(t *testing.T) {
	cases := []struct {
		s    string
		want int64
		ok   bool
	}{
		{"1", 1, true},
		{" 42 ", 42, true},
		{"0", 0, false},
		{"-3", 0, false},
		{"abc", 0, false},
		{"", 0, false},
		{"999999999999999999999999", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseID(tc.s)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseID(%q) = (%d, %v); want (%d, %v)", tc.s, got, ok, tc.want, tc.ok)
		}
	}
}
