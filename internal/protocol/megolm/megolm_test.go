package megolm_test

import (
	"errors"
	"testing"
	"time"

	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/protocol/megolm"
)

func newSession(t *testing.T) types.OutboundGroupSession {
	t.Helper()
	s, err := megolm.NewOutboundSession("!room:example.org", time.Now(), false)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	return s
}

func inbound(t *testing.T, s types.OutboundGroupSession) types.InboundGroupSession {
	t.Helper()
	ratchet, pub, err := megolm.ImportSessionKey(megolm.SessionKey(s))
	if err != nil {
		t.Fatalf("ImportSessionKey: %v", err)
	}
	if megolm.SessionID(pub) != s.SessionID {
		t.Fatalf("session id mismatch")
	}
	return types.InboundGroupSession{
		SessionID:       s.SessionID,
		RoomID:          s.RoomID,
		SigningKey:      pub,
		FirstKnownIndex: ratchet.Counter,
		Ratchet:         ratchet,
	}
}

func TestAdvanceTo_MatchesRepeatedAdvance(t *testing.T) {
	start, err := megolm.NewRatchet()
	if err != nil {
		t.Fatalf("NewRatchet: %v", err)
	}
	for _, target := range []uint32{1, 255, 256, 257, 1000, 0x10000 + 3} {
		stepped := start
		for i := uint32(0); i < target; i++ {
			megolm.Advance(&stepped)
		}
		jumped := start
		megolm.AdvanceTo(&jumped, target)
		if stepped != jumped {
			t.Fatalf("AdvanceTo(%d) differs from %d single steps", target, target)
		}
	}
}

func TestAdvanceTo_FromMidway(t *testing.T) {
	start, err := megolm.NewRatchet()
	if err != nil {
		t.Fatalf("NewRatchet: %v", err)
	}
	a := start
	megolm.AdvanceTo(&a, 300)
	megolm.AdvanceTo(&a, 70000)
	b := start
	megolm.AdvanceTo(&b, 70000)
	if a != b {
		t.Fatal("two-hop advance differs from a direct advance")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	out := newSession(t)
	in := inbound(t, out)

	for i, msg := range []string{"hello", "", "a message longer than one aes block"} {
		ct, err := megolm.Encrypt(&out, []byte(msg))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		pt, index, err := megolm.Decrypt(in, ct)
		if err != nil {
			t.Fatalf("Decrypt #%d: %v", i, err)
		}
		if string(pt) != msg || index != uint32(i) {
			t.Fatalf("got (%q, %d), want (%q, %d)", pt, index, msg, i)
		}
	}
	if out.Ratchet.Counter != 3 {
		t.Fatalf("counter = %d, want 3", out.Ratchet.Counter)
	}
}

func TestDecrypt_BeforeFirstKnownIndex(t *testing.T) {
	out := newSession(t)
	early, err := megolm.Encrypt(&out, []byte("early"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	late := inbound(t, out) // shared at index 1

	if _, _, err := megolm.Decrypt(late, early); !errors.Is(err, megolm.ErrUnknownMessageIndex) {
		t.Fatalf("want ErrUnknownMessageIndex, got %v", err)
	}
}

func TestDecrypt_RejectsTampering(t *testing.T) {
	out := newSession(t)
	in := inbound(t, out)
	ct, err := megolm.Encrypt(&out, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b := []byte(ct)
	if b[10] == 'A' {
		b[10] = 'B'
	} else {
		b[10] = 'A'
	}
	if _, _, err := megolm.Decrypt(in, string(b)); err == nil {
		t.Fatal("tampered message decrypted")
	}

	other := inbound(t, newSession(t))
	other.FirstKnownIndex, other.Ratchet = in.FirstKnownIndex, in.Ratchet
	if _, _, err := megolm.Decrypt(other, ct); !errors.Is(err, megolm.ErrBadSignature) {
		t.Fatalf("want ErrBadSignature, got %v", err)
	}
}

func TestImportSessionKey_RejectsForgedSignature(t *testing.T) {
	out := newSession(t)
	key := []byte(megolm.SessionKey(out))
	// Flip a character in the ratchet bytes.
	if key[20] == 'A' {
		key[20] = 'B'
	} else {
		key[20] = 'A'
	}
	if _, _, err := megolm.ImportSessionKey(string(key)); !errors.Is(err, megolm.ErrBadSessionKey) {
		t.Fatalf("want ErrBadSessionKey, got %v", err)
	}
}

func TestExport_DecryptsFromIndex(t *testing.T) {
	out := newSession(t)
	in := inbound(t, out)
	var msgs []string
	for i := 0; i < 5; i++ {
		ct, err := megolm.Encrypt(&out, []byte{byte('a' + i)})
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		msgs = append(msgs, ct)
	}

	exported, err := megolm.Export(in, 3)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	ratchet, pub, err := megolm.ImportExport(exported)
	if err != nil {
		t.Fatalf("ImportExport: %v", err)
	}
	fwd := types.InboundGroupSession{SigningKey: pub, FirstKnownIndex: ratchet.Counter, Ratchet: ratchet}
	if fwd.FirstKnownIndex != 3 {
		t.Fatalf("first known index = %d, want 3", fwd.FirstKnownIndex)
	}
	if _, _, err := megolm.Decrypt(fwd, msgs[2]); !errors.Is(err, megolm.ErrUnknownMessageIndex) {
		t.Fatalf("want ErrUnknownMessageIndex for index 2, got %v", err)
	}
	pt, _, err := megolm.Decrypt(fwd, msgs[4])
	if err != nil || string(pt) != "e" {
		t.Fatalf("Decrypt index 4 = %q, %v", pt, err)
	}
	if _, err := megolm.Export(fwd, 1); !errors.Is(err, megolm.ErrUnknownMessageIndex) {
		t.Fatalf("export below first known index: %v", err)
	}
}

func TestMessageIndex(t *testing.T) {
	out := newSession(t)
	megolm.AdvanceTo(&out.Ratchet, 41)
	ct, err := megolm.Encrypt(&out, []byte("x"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	index, err := megolm.MessageIndex(ct)
	if err != nil || index != 41 {
		t.Fatalf("MessageIndex = %d, %v", index, err)
	}
}

func forwardedAt(t *testing.T, in types.InboundGroupSession, index uint32) types.InboundGroupSession {
	t.Helper()
	exported, err := megolm.Export(in, index)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	ratchet, pub, err := megolm.ImportExport(exported)
	if err != nil {
		t.Fatalf("ImportExport: %v", err)
	}
	out := in
	out.SigningKey = pub
	out.Ratchet = ratchet
	out.FirstKnownIndex = ratchet.Counter
	out.Trust = types.Untrusted
	out.ForwardingChain = []string{"forwarder"}
	return out
}

func TestMerge_TrustOnlyIncreases(t *testing.T) {
	in := inbound(t, newSession(t))
	in.Trust = types.Trusted
	later := forwardedAt(t, in, 5)

	if _, replace := megolm.Merge(in, later); replace {
		t.Fatal("untrusted later key replaced a trusted one")
	}

	upgraded, replace := megolm.Merge(later, in)
	if !replace || upgraded.Trust != types.Trusted || upgraded.FirstKnownIndex != 0 {
		t.Fatalf("trusted earlier key not taken: replace=%v %+v", replace, upgraded)
	}
}

func TestMerge_TrustedLaterIndexUpgradesExisting(t *testing.T) {
	base := inbound(t, newSession(t))
	early := forwardedAt(t, base, 2)
	late := forwardedAt(t, base, 7)
	late.Trust = types.Trusted
	late.ForwardingChain = nil

	got, replace := megolm.Merge(early, late)
	if !replace {
		t.Fatal("trust upgrade rejected")
	}
	if got.FirstKnownIndex != 2 || got.Trust != types.Trusted {
		t.Fatalf("got index %d trust %v, want 2 trusted", got.FirstKnownIndex, got.Trust)
	}
}

func TestMerge_TrustedLaterIndexReplacesForgedCopy(t *testing.T) {
	base := inbound(t, newSession(t))
	forged := forwardedAt(t, base, 2)
	forged.Ratchet.Parts[0][0] ^= 1
	authentic := forwardedAt(t, base, 7)
	authentic.Trust = types.Trusted
	authentic.ForwardingChain = nil

	got, replace := megolm.Merge(forged, authentic)
	if !replace {
		t.Fatal("trusted key did not replace a forged copy")
	}
	if got.FirstKnownIndex != 7 || got.Ratchet != authentic.Ratchet || got.Trust != types.Trusted {
		t.Fatalf("kept index %d trust %v, want the trusted ratchet at 7", got.FirstKnownIndex, got.Trust)
	}
}

func TestMerge_EarlierUntrustedMustMatchRatchet(t *testing.T) {
	base := inbound(t, newSession(t))
	trusted := forwardedAt(t, base, 4)
	trusted.Trust = types.Trusted

	earlier := forwardedAt(t, base, 1)
	got, replace := megolm.Merge(trusted, earlier)
	if !replace || got.FirstKnownIndex != 1 || got.Trust != types.Trusted {
		t.Fatalf("authentic earlier key not merged: replace=%v index=%d trust=%v", replace, got.FirstKnownIndex, got.Trust)
	}

	forged := earlier
	forged.Ratchet.Parts[3][0] ^= 1
	if _, replace := megolm.Merge(trusted, forged); replace {
		t.Fatal("forged earlier ratchet replaced a trusted key")
	}
}
