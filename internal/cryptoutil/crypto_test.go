package cryptoutil

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := New("process-secret-for-tests")

	cases := []string{
		"",
		"sk-ant-api03-short",
		"a much longer secret with spaces and punctuation!! 你好",
	}
	for _, want := range cases {
		enc, err := c.Encrypt(want)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", want, err)
		}
		got, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", enc, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %q, want %q", got, want)
		}
	}
}

func TestEncryptIsRandomizedPerCall(t *testing.T) {
	c := New("secret")
	a, _ := c.Encrypt("same plaintext")
	b, _ := c.Encrypt("same plaintext")
	if a == b {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertext (IV not randomized)")
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	c := New("secret")
	if _, err := c.Decrypt("not-hex:not-hex"); err == nil {
		t.Fatal("expected error decrypting malformed ciphertext")
	}
	if _, err := c.Decrypt("deadbeef"); err == nil {
		t.Fatal("expected error decrypting ciphertext missing ':'")
	}
}

func TestFingerprintAPIKeyIsDeterministicAndSecretBound(t *testing.T) {
	c1 := New("secret-one")
	c2 := New("secret-two")

	a := c1.FingerprintAPIKey("sk-ant-abc123")
	b := c1.FingerprintAPIKey("sk-ant-abc123")
	if a != b {
		t.Fatal("fingerprint not deterministic for the same key+secret")
	}

	c := c2.FingerprintAPIKey("sk-ant-abc123")
	if a == c {
		t.Fatal("fingerprint did not change with a different process secret")
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 (hex SHA-256)", len(a))
	}
}
