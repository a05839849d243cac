package cdc

import "testing"

func TestIsTruthy(t *testing.T) {
	cases := map[string]bool{
		"1": true, "true": true, "YES": true, "On": true,
		"0": false, "false": false, "": false, "nope": false,
	}
	for in, want := range cases {
		if got := isTruthy(in); got != want {
			t.Errorf("isTruthy(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTLSDomainForAddrParsesHost(t *testing.T) {
	domain, err := tlsDomainForAddr("example.com:9443")
	if err != nil {
		t.Fatalf("domain for addr: %v", err)
	}
	if domain != "example.com" {
		t.Errorf("expected example.com, got %q", domain)
	}
}

func TestTLSDomainForAddrEnvOverride(t *testing.T) {
	t.Setenv(EnvTLSDomain, "override.example.com")
	domain, err := tlsDomainForAddr("1.2.3.4:9443")
	if err != nil {
		t.Fatalf("domain for addr: %v", err)
	}
	if domain != "override.example.com" {
		t.Errorf("expected env override to win, got %q", domain)
	}
}
