package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in       string
		wantNorm string
		wantHost string
		wantOK   bool
	}{
		{"https://app.example.com", "https://app.example.com", "app.example.com", true},
		{"HTTPS://App.Example.COM", "https://app.example.com", "app.example.com", true},
		{"https://app.example.com:443", "https://app.example.com", "app.example.com", true},
		{"http://app.example.com:80", "http://app.example.com", "app.example.com", true},
		{"http://app.example.com:8080", "http://app.example.com:8080", "app.example.com:8080", true},
		{"http://[::1]:8080", "http://[::1]:8080", "[::1]:8080", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"ftp://example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com?q=1", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://example.com:99999", "", "", false},
		{"https://a:b:c", "", "", false},
	}
	for _, tc := range cases {
		norm, host, ok := Normalize(tc.in)
		if ok != tc.wantOK || norm != tc.wantNorm || host != tc.wantHost {
			t.Errorf("Normalize(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, norm, host, ok, tc.wantNorm, tc.wantHost, tc.wantOK)
		}
	}
}

func TestPolicyAllowlist(t *testing.T) {
	p := NewPolicy([]string{"https://app.example.com"})

	if !p.Check("https://app.example.com", "relay.internal:8080") {
		t.Error("allowlisted origin rejected")
	}
	if !p.Check("https://app.example.com:443", "relay.internal:8080") {
		t.Error("allowlisted origin with default port rejected")
	}
	if p.Check("https://evil.example.com", "relay.internal:8080") {
		t.Error("non-allowlisted origin accepted")
	}
	if p.Check("null", "relay.internal:8080") {
		t.Error("null origin accepted against allowlist")
	}

	wildcard := NewPolicy([]string{"*"})
	if !wildcard.Check("https://anywhere.example.com", "relay.internal:8080") {
		t.Error("wildcard policy rejected an origin")
	}
}

func TestPolicySameHostDefault(t *testing.T) {
	p := NewPolicy(nil)

	if !p.Check("https://relay.example.com", "relay.example.com") {
		t.Error("same-host origin rejected")
	}
	// Default ports are equivalent on both sides.
	if !p.Check("https://relay.example.com:443", "relay.example.com") {
		t.Error("same-host origin with default port rejected")
	}
	if p.Check("https://other.example.com", "relay.example.com") {
		t.Error("cross-host origin accepted")
	}
	if p.Check("null", "relay.example.com") {
		t.Error("null origin accepted by same-host policy")
	}
	if p.Check("https://relay.example.com:8443", "relay.example.com") {
		t.Error("mismatched port accepted")
	}
}

func TestPolicyAllowsAbsentOrigin(t *testing.T) {
	p := NewPolicy([]string{"https://app.example.com"})
	if !p.Check("", "relay.internal:8080") {
		t.Error("absent Origin header rejected; non-browser clients send none")
	}
}
