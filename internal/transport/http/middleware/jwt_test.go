package middleware

import "testing"

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"empty", "", ""},
		{"no scheme", "abc.def.ghi", ""},
		{"wrong scheme", "Basic abc", ""},
		{"standard", "Bearer abc.def.ghi", "abc.def.ghi"},
		{"lowercase scheme", "bearer abc.def.ghi", "abc.def.ghi"},
		{"padded", "  Bearer   abc.def.ghi  ", "abc.def.ghi"},
		{"scheme only", "Bearer ", ""},
	}
	for _, tc := range cases {
		if got := bearerToken(tc.header); got != tc.want {
			t.Errorf("%s: bearerToken(%q) = %q, want %q", tc.name, tc.header, got, tc.want)
		}
	}
}
