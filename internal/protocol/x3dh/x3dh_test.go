package x3dh_test

import (
	"bytes"
	"errors"
	"testing"

	"groupcrypt/internal/crypto"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/protocol/x3dh"
)

func makeIdentity(t *testing.T) types.Identity {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	return types.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}
}

func TestInitiatorAndResponderAgree(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)

	otkPriv, otkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 (otk): %v", err)
	}
	basePriv, basePub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 (base): %v", err)
	}

	rootInitiator, err := x3dh.InitiatorSecret(alice.XPriv, basePriv, bob.XPub, otkPub)
	if err != nil {
		t.Fatalf("InitiatorSecret: %v", err)
	}
	rootResponder, err := x3dh.ResponderSecret(bob.XPriv, otkPriv, alice.XPub, basePub)
	if err != nil {
		t.Fatalf("ResponderSecret: %v", err)
	}
	if !bytes.Equal(rootInitiator, rootResponder) {
		t.Fatal("root keys differ")
	}
	if len(rootInitiator) != 32 {
		t.Fatalf("root key length %d, want 32", len(rootInitiator))
	}
}

func TestVerifyOneTimeKey(t *testing.T) {
	bob := makeIdentity(t)
	eve := makeIdentity(t)

	_, otkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	signed := x3dh.SignOneTimeKey(bob.EdPriv, "AAAAAQ", otkPub)

	got, err := x3dh.VerifyOneTimeKey(bob.EdPub, signed)
	if err != nil {
		t.Fatalf("VerifyOneTimeKey: %v", err)
	}
	if got != otkPub {
		t.Fatal("decoded key does not match")
	}

	if _, err := x3dh.VerifyOneTimeKey(eve.EdPub, signed); !errors.Is(err, x3dh.ErrBadOneTimeKey) {
		t.Fatalf("want ErrBadOneTimeKey for wrong signer, got %v", err)
	}
}
