package utils

import "testing"

func TestValidID(t *testing.T) {
	tests := map[string]bool{
		"post-42":    true,
		"5f0c_aa":    true,
		"":           false,
		"-leading":   false,
		"../etc":     false,
		"with space": false,
	}
	for id, want := range tests {
		if got := ValidID(id); got != want {
			t.Errorf("ValidID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := map[string]string{
		"10.0.0.1:5555": "10.0.0.1",
		"[::1]:8080":    "::1",
		"192.168.1.9":   "192.168.1.9",
		" proxy-host ":  "proxy-host",
	}
	for in, want := range tests {
		if got := ClientIP(in); got != want {
			t.Errorf("ClientIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRemoveControlCharacters(t *testing.T) {
	if got := RemoveControlCharacters("a\x00b\tc\n"); got != "ab\tc\n" {
		t.Fatalf("unexpected result %q", got)
	}
}
