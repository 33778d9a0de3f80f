package account_test

import (
	"context"
	"errors"
	"testing"

	"groupcrypt/internal/crypto"
	"groupcrypt/internal/domain"
	"groupcrypt/internal/protocol/x3dh"
	"groupcrypt/internal/services/account"
	"groupcrypt/internal/store"
)

const pass = "Sup3r-Secret-Pass"

type recordingDirectory struct {
	device domain.DeviceInfo
	otks   []domain.SignedOneTimeKey
}

func (r *recordingDirectory) UploadKeys(_ context.Context, d domain.DeviceInfo, otks []domain.SignedOneTimeKey) error {
	r.device, r.otks = d, otks
	return nil
}

func (r *recordingDirectory) QueryKeys(context.Context, []domain.UserID) (map[domain.UserID][]domain.DeviceInfo, error) {
	return nil, nil
}

func TestCreate_RejectsWeakPassphrase(t *testing.T) {
	svc := account.New(store.NewAccountFileStore(t.TempDir()), "short")
	if _, _, err := svc.Create("@a:a.org", "A"); !errors.Is(err, account.ErrWeakPassphrase) {
		t.Fatalf("want ErrWeakPassphrase, got %v", err)
	}
}

func TestCreateLoad(t *testing.T) {
	dir := t.TempDir()
	svc := account.New(store.NewAccountFileStore(dir), pass)
	if _, err := svc.Load(); !errors.Is(err, account.ErrNoAccount) {
		t.Fatalf("want ErrNoAccount, got %v", err)
	}
	acc, fp, err := svc.Create("@alice:a.org", "ALICE1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if fp == "" {
		t.Fatal("empty fingerprint")
	}
	if _, _, err := svc.Create("@alice:a.org", "ALICE1"); !errors.Is(err, account.ErrAccountExists) {
		t.Fatalf("second Create: %v", err)
	}

	again := account.New(store.NewAccountFileStore(dir), pass)
	loaded, err := again.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Identity.XPub != acc.Identity.XPub || again.Fingerprint() != fp {
		t.Fatal("loaded account differs")
	}
}

func TestPublish_SignsOneTimeKeys(t *testing.T) {
	svc := account.New(store.NewAccountFileStore(t.TempDir()), pass)
	if _, _, err := svc.Create("@alice:a.org", "ALICE1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	dir := &recordingDirectory{}
	if err := svc.Publish(context.Background(), dir, 3); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(dir.otks) != 3 || dir.device.DeviceID != "ALICE1" {
		t.Fatalf("published %d keys for %+v", len(dir.otks), dir.device)
	}
	if dir.otks[0].KeyID != "AAAAAQ" {
		t.Fatalf("first key id = %q, want AAAAAQ", dir.otks[0].KeyID)
	}

	signing, err := crypto.DecodeEd25519(dir.device.SigningKey)
	if err != nil {
		t.Fatalf("DecodeEd25519: %v", err)
	}
	for _, k := range dir.otks {
		pub, err := x3dh.VerifyOneTimeKey(signing, k)
		if err != nil {
			t.Fatalf("VerifyOneTimeKey(%s): %v", k.KeyID, err)
		}
		pair, ok := svc.OneTimeKey(k.KeyID)
		if !ok || pair.Pub != pub {
			t.Fatalf("private half of %s missing", k.KeyID)
		}
	}

	if err := svc.RemoveOneTimeKey(dir.otks[0].KeyID); err != nil {
		t.Fatalf("RemoveOneTimeKey: %v", err)
	}
	if _, ok := svc.OneTimeKey(dir.otks[0].KeyID); ok {
		t.Fatal("removed key still present")
	}
}
