package vault_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/checkin/vault"
)

func newVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.NewFromHex(vault.GenerateKey())
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	// WHAT: decrypt(encrypt(P)) == P for assorted plaintexts.
	// WHY: the vault is the only path for credentials at rest.
	v := newVault(t)

	for _, plain := range []string{"", "s3cret", "session=abc123; Path=/", strings.Repeat("x", 4096), "密码"} {
		blob, err := v.Encrypt(plain)
		if err != nil {
			t.Fatal(err)
		}
		if parts := strings.Split(blob, ":"); len(parts) != 3 {
			t.Fatalf("blob has %d segments, want 3", len(parts))
		}
		got, err := v.Decrypt(blob)
		if err != nil {
			t.Fatal(err)
		}
		if got != plain {
			t.Fatalf("got %q, want %q", got, plain)
		}
	}
}

func TestDecryptTamperedBlob(t *testing.T) {
	// WHAT: flipping one ciphertext byte yields ErrAuthentication.
	// WHY: a failed tag check must never leak partial plaintext.
	v := newVault(t)

	blob, err := v.Encrypt("attack at dawn")
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(blob, ":")
	ct := []byte(parts[2])
	if ct[0] == 'a' {
		ct[0] = 'b'
	} else {
		ct[0] = 'a'
	}
	tampered := parts[0] + ":" + parts[1] + ":" + string(ct)

	out, err := v.Decrypt(tampered)
	if !errors.Is(err, vault.ErrAuthentication) {
		t.Fatalf("got err %v, want ErrAuthentication", err)
	}
	if out != "" {
		t.Fatalf("got plaintext %q from tampered blob", out)
	}
}

func TestDecryptMalformedBlob(t *testing.T) {
	v := newVault(t)

	for _, blob := range []string{"", "abc", "aa:bb", "zz:zz:zz", "aa:bb:cc:dd"} {
		if _, err := v.Decrypt(blob); !errors.Is(err, vault.ErrMalformed) {
			t.Fatalf("blob %q: got err %v, want ErrMalformed", blob, err)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	// WHAT: a blob sealed under one key does not open under another.
	v1 := newVault(t)
	v2 := newVault(t)

	blob, err := v1.Encrypt("hello")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v2.Decrypt(blob); !errors.Is(err, vault.ErrAuthentication) {
		t.Fatalf("got err %v, want ErrAuthentication", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	k1 := vault.DeriveKey("pass", salt)
	k2 := vault.DeriveKey("pass", salt)
	if string(k1) != string(k2) {
		t.Fatal("same passphrase and salt must derive the same key")
	}
	k3 := vault.DeriveKey("other", salt)
	if string(k1) == string(k3) {
		t.Fatal("different passphrases must derive different keys")
	}
	if len(k1) != 32 {
		t.Fatalf("derived key is %d bytes, want 32", len(k1))
	}
}
