package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	const key = "super-secret-master-key"
	const plaintext = "sk-provider-api-key-value"

	ct, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ct == plaintext {
		t.Fatal("ciphertext equals plaintext")
	}

	pt, err := Decrypt(ct, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != plaintext {
		t.Fatalf("Decrypt = %q, want %q", pt, plaintext)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	ct, err := Encrypt("secret", "key-one")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ct, "key-two"); err == nil {
		t.Fatal("Decrypt with wrong key succeeded, want error")
	}
}

func TestWrapUnwrapUserKeyRoundTrip(t *testing.T) {
	userKey, err := GenerateUserKey()
	if err != nil {
		t.Fatalf("GenerateUserKey: %v", err)
	}
	wrapped, err := WrapUserKey(userKey, "master-key")
	if err != nil {
		t.Fatalf("WrapUserKey: %v", err)
	}
	unwrapped, err := UnwrapUserKey(wrapped, "master-key")
	if err != nil {
		t.Fatalf("UnwrapUserKey: %v", err)
	}
	if unwrapped != userKey {
		t.Fatalf("unwrapped key = %q, want %q", unwrapped, userKey)
	}
}

func TestVerifyApprovalTokenAcceptsMatchRejectsTamper(t *testing.T) {
	token, err := GenerateApprovalToken()
	if err != nil {
		t.Fatalf("GenerateApprovalToken: %v", err)
	}
	hash := HashApprovalToken(token, "master-key")

	if !VerifyApprovalToken(token, "master-key", hash) {
		t.Fatal("VerifyApprovalToken rejected the correct token")
	}
	if VerifyApprovalToken("wrong-token", "master-key", hash) {
		t.Fatal("VerifyApprovalToken accepted a tampered token")
	}
	if VerifyApprovalToken(token, "different-master-key", hash) {
		t.Fatal("VerifyApprovalToken accepted a token hashed under a different master key")
	}
}
