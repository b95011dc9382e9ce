package apiclient_test

import (
	"testing"

	"github.com/hazyhaar/checkin/apiclient"
)

func TestNormalizeBearerToken(t *testing.T) {
	cases := map[string]string{
		"abc123":                         "abc123",
		"  abc123  ":                     "abc123",
		"Bearer abc123":                  "abc123",
		"bearer abc123":                  "abc123",
		"session=abc123":                 "abc123",
		"token=abc123":                   "abc123",
		"session=abc123; Path=/; Secure": "abc123",
		"foo=1; session=abc123; bar=2":   "abc123",
		"":                               "",
		"   ":                            "",
	}
	for in, want := range cases {
		if got := apiclient.NormalizeBearerToken(in); got != want {
			t.Errorf("NormalizeBearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseCookieToken(t *testing.T) {
	cases := []struct {
		in, token, name string
	}{
		{"abc123", "abc123", ""},
		{"session=abc123; Path=/", "abc123", "session"},
		{"TOKEN=abc123", "abc123", "token"},
		// No preferred name: the first key is reported and the raw
		// string survives normalization untouched.
		{"sid=xyz; other=1", "sid=xyz; other=1", "sid"},
		{"", "", ""},
	}
	for _, c := range cases {
		token, name := apiclient.ParseCookieToken(c.in)
		if name != c.name {
			t.Errorf("ParseCookieToken(%q) name = %q, want %q", c.in, name, c.name)
		}
		if token != c.token {
			t.Errorf("ParseCookieToken(%q) token = %q, want %q", c.in, token, c.token)
		}
	}
}
