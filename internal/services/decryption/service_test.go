package decryption_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/protocol/megolm"
	"groupcrypt/internal/services/decryption"
	"groupcrypt/internal/store"
)

const room = domain.RoomID("!room:a.org")

type requester struct {
	bodies []domain.RoomKeyRequestBody
}

func (r *requester) Recipients(domain.UserID, domain.DeviceID) []domain.DeviceKey { return nil }

func (r *requester) Request(_ context.Context, body domain.RoomKeyRequestBody, _ []domain.DeviceKey) error {
	r.bodies = append(r.bodies, body)
	return nil
}

type fixture struct {
	svc      *decryption.Service
	store    *store.GroupStore
	requests *requester
	out      domain.OutboundGroupSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewFileGroupStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileGroupStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	out, err := megolm.NewOutboundSession(room, time.Now(), false)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	r := &requester{}
	return &fixture{
		svc:      decryption.New(decryption.Config{Store: st, Problems: st, Requests: r}),
		store:    st,
		requests: r,
		out:      out,
	}
}

func (f *fixture) inbound(trust domain.KeyTrust) domain.InboundGroupSession {
	in := megolm.InboundFromOutbound(f.out, "alice-curve", "alice-ed")
	in.Trust = trust
	return in
}

func (f *fixture) encrypt(t *testing.T, id string, payloadRoom domain.RoomID) domain.EncryptedEvent {
	t.Helper()
	pt, _ := json.Marshal(map[string]any{"room_id": payloadRoom, "type": "m.room.message", "content": map[string]string{"body": id}})
	ct, err := megolm.Encrypt(&f.out, pt)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return domain.EncryptedEvent{
		EventID: id,
		RoomID:  room,
		Sender:  "@alice:a.org",
		Content: domain.MegolmEncryptedContent{
			Algorithm:  types.AlgorithmMegolm,
			SenderKey:  "alice-curve",
			SessionID:  f.out.SessionID,
			Ciphertext: ct,
			DeviceID:   "A1",
		},
		ReceivedAt: time.Now(),
	}
}

func code(t *testing.T, err error) types.DecryptionCode {
	t.Helper()
	var derr *types.DecryptionError
	if !errors.As(err, &derr) {
		t.Fatalf("error %v is not a DecryptionError", err)
	}
	return derr.Code
}

func TestDecrypt_MissingFields(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.DecryptEvent(context.Background(), domain.EncryptedEvent{EventID: "$x", RoomID: room})
	if code(t, err) != types.CodeMissingFields {
		t.Fatalf("code = %v", code(t, err))
	}
	if f.svc.Tracker().Len() != 0 {
		t.Fatal("malformed event was indexed")
	}
}

func TestDecrypt_OutOfOrderKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.inbound(types.Trusted)
	ev := f.encrypt(t, "$1", room)

	_, err := f.svc.DecryptEvent(ctx, ev)
	if code(t, err) != types.CodeUnknownSession {
		t.Fatalf("code = %v", code(t, err))
	}
	var derr *types.DecryptionError
	errors.As(err, &derr)
	if derr.SessionID != f.out.SessionID || derr.SenderKey != "alice-curve" {
		t.Fatalf("error does not name the session: %+v", derr)
	}
	if len(f.requests.bodies) != 1 || f.requests.bodies[0].SessionID != f.out.SessionID {
		t.Fatalf("key requests = %v", f.requests.bodies)
	}
	if len(f.svc.Tracker().Pending("alice-curve", f.out.SessionID)) != 1 {
		t.Fatal("event not pending")
	}

	if _, err := f.store.AddInbound(in); err != nil {
		t.Fatalf("AddInbound: %v", err)
	}
	if !f.svc.Tracker().Retry(ctx, "alice-curve", f.out.SessionID, false) {
		t.Fatal("retry did not resolve")
	}
	got, err := f.svc.DecryptEvent(ctx, ev)
	if err != nil || got.Type != "m.room.message" || got.Untrusted || got.MessageIndex != 0 {
		t.Fatalf("decrypted %+v err=%v", got, err)
	}
	if f.svc.Tracker().Len() != 0 {
		t.Fatal("trusted decryption left the event pending")
	}
}

func TestDecrypt_UntrustedKeyKeepsEventPending(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.AddInbound(f.inbound(types.Untrusted)); err != nil {
		t.Fatalf("AddInbound: %v", err)
	}
	got, err := f.svc.DecryptEvent(context.Background(), f.encrypt(t, "$1", room))
	if err != nil || !got.Untrusted {
		t.Fatalf("decrypted %+v err=%v", got, err)
	}
	if f.svc.Tracker().Len() != 1 {
		t.Fatal("untrusted decryption removed the event")
	}
}

func TestDecrypt_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.AddInbound(f.inbound(types.Trusted)); err != nil {
		t.Fatalf("AddInbound: %v", err)
	}

	wrongRoom := f.encrypt(t, "$1", "!elsewhere:a.org")
	if _, err := f.svc.DecryptEvent(ctx, wrongRoom); code(t, err) != types.CodeBadRoom {
		t.Fatalf("wrong room: %v", err)
	}

	ev := f.encrypt(t, "$2", room)
	if _, err := f.svc.DecryptEvent(ctx, ev); err != nil {
		t.Fatalf("DecryptEvent: %v", err)
	}
	if _, err := f.svc.DecryptEvent(ctx, ev); err != nil {
		t.Fatalf("same event decrypted twice: %v", err)
	}
	replay := ev
	replay.EventID = "$replay"
	if _, err := f.svc.DecryptEvent(ctx, replay); code(t, err) != types.CodeReplayedIndex {
		t.Fatalf("replay: %v", err)
	}
}

func TestDecrypt_UnknownIndex(t *testing.T) {
	f := newFixture(t)
	early := f.encrypt(t, "$0", room)
	// The key we hold starts after the first message.
	if _, err := f.store.AddInbound(f.inbound(types.Trusted)); err != nil {
		t.Fatalf("AddInbound: %v", err)
	}
	if _, err := f.svc.DecryptEvent(context.Background(), early); code(t, err) != types.CodeUnknownIndex {
		t.Fatalf("code = %v", err)
	}
	if len(f.requests.bodies) != 1 {
		t.Fatal("unknown index did not request keys")
	}
}

func TestDecrypt_WithheldAndProblems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.encrypt(t, "$1", room)

	if err := f.store.RecordSessionProblem(domain.SessionProblem{IdentityKey: "alice-curve", Type: "no_olm", At: time.Now()}); err != nil {
		t.Fatalf("RecordSessionProblem: %v", err)
	}
	_, err := f.svc.DecryptEvent(ctx, ev)
	var derr *types.DecryptionError
	if !errors.As(err, &derr) || derr.Code != types.CodeUnknownSession || derr.Detail != "The sender was unable to establish a secure channel." {
		t.Fatalf("problem not explained: %v", err)
	}

	if err := f.store.StoreWithheld(domain.InboundWithheld{
		RoomID: room, SenderKey: "alice-curve", SessionID: f.out.SessionID,
		Code: types.WithheldUnverified, Reason: types.WithheldUnverified.Reason(),
	}); err != nil {
		t.Fatalf("StoreWithheld: %v", err)
	}
	_, err = f.svc.DecryptEvent(ctx, ev)
	if !errors.As(err, &derr) || derr.Code != types.CodeKeyWithheld || derr.Withheld != types.WithheldUnverified {
		t.Fatalf("withheld not reported: %v", err)
	}
}

func TestDecrypt_RejectedPayloadDoesNotClaimIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.AddInbound(f.inbound(types.Trusted)); err != nil {
		t.Fatalf("AddInbound: %v", err)
	}

	// Both events use the same message index.
	at := f.out
	bad := f.encrypt(t, "$bad", "!elsewhere:a.org")
	f.out = at
	good := f.encrypt(t, "$good", room)

	if _, err := f.svc.DecryptEvent(ctx, bad); code(t, err) != types.CodeBadRoom {
		t.Fatalf("wrong room: %v", err)
	}
	got, err := f.svc.DecryptEvent(ctx, good)
	if err != nil {
		t.Fatalf("valid event after a rejected one at its index: %v", err)
	}
	if got.MessageIndex != 0 || got.EventID != "$good" {
		t.Fatalf("decrypted %+v", got)
	}
}
