package credential

import (
	"testing"
	"time"
)

func TestCredentialExpired(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		cred Credential
		want bool
	}{
		{"empty", Credential{}, true},
		{"live", Credential{Token: "t", ExpiresAt: now.Add(time.Hour)}, false},
		{"at expiry", Credential{Token: "t", ExpiresAt: now}, true},
		{"past expiry", Credential{Token: "t", ExpiresAt: now.Add(-time.Minute)}, true},
	}
	for _, tc := range cases {
		if got := tc.cred.Expired(now); got != tc.want {
			t.Errorf("%s: Expired = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCredentialExpiringWithin(t *testing.T) {
	now := time.Now()
	c := Credential{Token: "t", ExpiresAt: now.Add(5 * time.Minute)}
	if c.ExpiringWithin(now, time.Minute) {
		t.Fatal("credential with 5m left should survive a 1m margin")
	}
	if !c.ExpiringWithin(now, 10*time.Minute) {
		t.Fatal("credential with 5m left should fail a 10m margin")
	}
}

func TestStoreReplaceWholesale(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get(); ok {
		t.Fatal("empty store should report no credential")
	}
	first := Credential{Token: "a", ExpiresAt: time.Now().Add(time.Hour)}
	s.Set(first)
	second := Credential{Token: "b", ExpiresAt: time.Now().Add(2 * time.Hour)}
	s.Set(second)
	got, ok := s.Get()
	if !ok {
		t.Fatal("store should report a credential after Set")
	}
	if got != second {
		t.Fatalf("got %+v, want the last committed credential %+v", got, second)
	}
}
