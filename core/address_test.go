package core

import (
	"crypto/sha256"
	"strings"
	"testing"
)

func TestAddressDerivation(t *testing.T) {
	acct := newTestAccount(t)
	sum := sha256.Sum256(acct.pub)
	var want Address
	copy(want[:], sum[:20])
	if acct.addr != want {
		t.Fatalf("derived address mismatch")
	}
	if _, err := AddressFromPubKey([]byte("short")); err == nil {
		t.Fatalf("expected bad pubkey rejection")
	}
}

func TestBech32RoundTrip(t *testing.T) {
	acct := newTestAccount(t)
	enc := acct.addr.Bech32()
	if !strings.HasPrefix(enc, AddrHRP+"1") {
		t.Fatalf("unexpected prefix: %s", enc)
	}
	dec, err := DecodeAddress(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != acct.addr {
		t.Fatalf("round trip mismatch")
	}

	val := acct.addr.Valoper()
	if !strings.HasPrefix(val, ValoperHRP+"1") {
		t.Fatalf("unexpected valoper prefix: %s", val)
	}
	decV, err := DecodeValoper(val)
	if err != nil {
		t.Fatalf("decode valoper: %v", err)
	}
	if decV != acct.addr {
		t.Fatalf("valoper round trip mismatch")
	}
}

func TestBech32Rejections(t *testing.T) {
	acct := newTestAccount(t)
	enc := acct.addr.Bech32()
	flipped := byte('x')
	if enc[len(enc)-1] == 'x' {
		flipped = 'z'
	}

	tests := []struct {
		name  string
		input string
	}{
		{"WrongHRP", acct.addr.Valoper()},
		{"BadChecksum", enc[:len(enc)-1] + string(flipped)},
		{"MixedCase", strings.ToUpper(enc[:6]) + enc[6:]},
		{"Garbage", "not-an-address"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeAddress(tc.input); err == nil {
				t.Fatalf("expected rejection of %q", tc.input)
			}
		})
	}
}
