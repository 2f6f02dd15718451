package hq

import "testing"

func TestTokenRoundTrip(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	token, err := MintToken(secret, "remote-1")
	if err != nil {
		t.Fatal(err)
	}
	id, err := VerifyToken(secret, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id != "remote-1" {
		t.Errorf("subject = %q, want remote-1", id)
	}
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	s1, _ := GenerateSecret()
	s2, _ := GenerateSecret()
	token, err := MintToken(s1, "remote-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyToken(s2, token); err == nil {
		t.Error("token verified under the wrong secret")
	}
}

func TestTokenRejectsGarbage(t *testing.T) {
	secret, _ := GenerateSecret()
	if _, err := VerifyToken(secret, "not-a-token"); err == nil {
		t.Error("garbage string verified")
	}
	// A token with no subject identifies nobody.
	token, err := MintToken(secret, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyToken(secret, token); err == nil {
		t.Error("empty subject accepted")
	}
}
