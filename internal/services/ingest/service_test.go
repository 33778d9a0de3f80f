package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/protocol/megolm"
	"groupcrypt/internal/services/ingest"
	"groupcrypt/internal/services/olmbroker"
	"groupcrypt/internal/store"
)

const room = domain.RoomID("!room:a.org")

var (
	alice = domain.DeviceInfo{UserID: "@alice:a.org", DeviceID: "A1", IdentityKey: "alice-curve", SigningKey: "alice-ed"}
	carol = domain.DeviceInfo{UserID: "@carol:c.org", DeviceID: "C1", IdentityKey: "carol-curve", SigningKey: "carol-ed"}
)

type deviceList struct {
	known     map[string]domain.DeviceInfo
	directory map[string]domain.DeviceInfo
	trust     map[domain.DeviceKey]domain.TrustLevel
	downloads int
}

func (d *deviceList) DownloadKeys(context.Context, []domain.UserID, bool) (map[domain.DeviceKey]domain.DeviceInfo, error) {
	d.downloads++
	for k, v := range d.directory {
		d.known[k] = v
	}
	return nil, nil
}

func (d *deviceList) DeviceTrust(k domain.DeviceKey) domain.TrustLevel { return d.trust[k] }

func (d *deviceList) DeviceByIdentityKey(ik string) (domain.DeviceInfo, bool) {
	info, ok := d.known[ik]
	return info, ok
}

type channel struct {
	sessions map[string]bool
}

func (c *channel) IdentityKey() string { return "bob-curve" }
func (c *channel) SigningKey() string  { return "bob-ed" }

func (c *channel) HasSession(ik string) (bool, error) { return c.sessions[ik], nil }

func (c *channel) CreateOutboundSession(d domain.DeviceInfo, _ domain.SignedOneTimeKey) error {
	c.sessions[d.IdentityKey] = true
	return nil
}

func (c *channel) Encrypt(d domain.DeviceInfo, eventType string, _ any) (domain.OlmEncryptedContent, error) {
	if !c.sessions[d.IdentityKey] {
		return domain.OlmEncryptedContent{}, errors.New("no session")
	}
	return domain.OlmEncryptedContent{
		Algorithm:  types.AlgorithmOlm,
		SenderKey:  "bob-curve",
		Ciphertext: map[string]domain.OlmCiphertext{d.IdentityKey: {Body: eventType}},
	}, nil
}

func (c *channel) Decrypt(domain.UserID, domain.OlmEncryptedContent) (domain.ToDeviceEvent, error) {
	return domain.ToDeviceEvent{}, errors.New("unused")
}

type broker struct {
	ch    *channel
	calls int
}

func (b *broker) EnsureChannels(_ context.Context, devices []domain.DeviceInfo, _ olmbroker.Options) (olmbroker.Result, error) {
	b.calls++
	for _, d := range devices {
		b.ch.sessions[d.IdentityKey] = true
	}
	return olmbroker.Result{Established: devices}, nil
}

type sender struct {
	sent []string
}

func (s *sender) SendToDevice(_ context.Context, eventType string, messages map[domain.DeviceKey]any) error {
	for range messages {
		s.sent = append(s.sent, eventType)
	}
	return nil
}

type rooms struct {
	known   map[domain.RoomID]bool
	inviter map[domain.RoomID]domain.UserID
}

func (r *rooms) HistoryVisibility(domain.RoomID) domain.HistoryVisibility { return types.VisibilityShared }
func (r *rooms) IsKnownRoom(id domain.RoomID) bool                        { return r.known[id] }

func (r *rooms) InviterOf(id domain.RoomID) (domain.UserID, bool) {
	u, ok := r.inviter[id]
	return u, ok
}

func (r *rooms) EncryptionTargetMembers(context.Context, domain.RoomID) ([]domain.UserID, error) {
	return nil, nil
}

func (r *rooms) BlacklistUnverified(domain.RoomID) bool { return false }

type requests struct {
	requested map[string]bool
	cancelled []domain.RoomKeyRequestBody
}

func (r *requests) WasRequested(body domain.RoomKeyRequestBody, _ domain.DeviceKey) (bool, error) {
	return r.requested[body.SessionID], nil
}

func (r *requests) Cancel(_ context.Context, body domain.RoomKeyRequestBody) error {
	r.cancelled = append(r.cancelled, body)
	return nil
}

type retry struct {
	session   string
	force     bool
	allSender string
}

type retrier struct {
	calls    []retry
	resolved bool
}

func (r *retrier) Retry(_ context.Context, _ string, sessionID string, force bool) bool {
	r.calls = append(r.calls, retry{session: sessionID, force: force})
	return r.resolved
}

func (r *retrier) RetryAllFromSender(_ context.Context, senderKey string) bool {
	r.calls = append(r.calls, retry{allSender: senderKey})
	return r.resolved
}

type problems struct {
	recorded []domain.SessionProblem
}

func (p *problems) RecordSessionProblem(sp domain.SessionProblem) error {
	p.recorded = append(p.recorded, sp)
	return nil
}

func (p *problems) SessionMayHaveProblems(string, time.Time) (domain.SessionProblem, bool, error) {
	return domain.SessionProblem{}, false, nil
}

type fixture struct {
	svc      *ingest.Service
	store    *store.GroupStore
	devices  *deviceList
	channel  *channel
	broker   *broker
	sender   *sender
	rooms    *rooms
	requests *requests
	pending  *retrier
	problems *problems
	out      domain.OutboundGroupSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewFileGroupStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileGroupStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	out, err := megolm.NewOutboundSession(room, time.Now(), true)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	ch := &channel{sessions: make(map[string]bool)}
	f := &fixture{
		store: st,
		devices: &deviceList{
			known:     map[string]domain.DeviceInfo{alice.IdentityKey: alice, carol.IdentityKey: carol},
			directory: make(map[string]domain.DeviceInfo),
			trust:     make(map[domain.DeviceKey]domain.TrustLevel),
		},
		channel:  ch,
		broker:   &broker{ch: ch},
		sender:   &sender{},
		rooms:    &rooms{known: map[domain.RoomID]bool{room: true}, inviter: make(map[domain.RoomID]domain.UserID)},
		requests: &requests{requested: make(map[string]bool)},
		pending:  &retrier{resolved: true},
		problems: &problems{},
		out:      out,
	}
	f.svc = ingest.New(ingest.Config{
		Store:    st,
		Problems: f.problems,
		Devices:  f.devices,
		Channel:  ch,
		Broker:   f.broker,
		Sender:   f.sender,
		Rooms:    f.rooms,
		Requests: f.requests,
		Pending:  f.pending,
	})
	return f
}

func toDevice(t *testing.T, eventType string, from domain.DeviceInfo, content any) domain.ToDeviceEvent {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return domain.ToDeviceEvent{
		Type:           eventType,
		Sender:         from.UserID,
		Content:        raw,
		SenderKey:      from.IdentityKey,
		SenderDevice:   from.DeviceID,
		ClaimedEd25519: from.SigningKey,
	}
}

func (f *fixture) roomKey() domain.RoomKeyContent {
	return domain.RoomKeyContent{
		Algorithm:     types.AlgorithmMegolm,
		RoomID:        room,
		SessionID:     f.out.SessionID,
		SessionKey:    megolm.SessionKey(f.out),
		SharedHistory: f.out.SharedHistory,
	}
}

func (f *fixture) forwarded(t *testing.T) domain.ForwardedRoomKeyContent {
	t.Helper()
	key, err := megolm.Export(megolm.InboundFromOutbound(f.out, alice.IdentityKey, alice.SigningKey), 0)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	return domain.ForwardedRoomKeyContent{
		Algorithm:               types.AlgorithmMegolm,
		RoomID:                  room,
		SessionID:               f.out.SessionID,
		SessionKey:              key,
		SenderKey:               alice.IdentityKey,
		SenderClaimedEd25519Key: alice.SigningKey,
		SharedHistory:           true,
	}
}

func (f *fixture) inbound(t *testing.T) (domain.InboundGroupSession, bool) {
	t.Helper()
	s, ok, err := f.store.GetInbound(room, alice.IdentityKey, f.out.SessionID)
	if err != nil {
		t.Fatalf("GetInbound: %v", err)
	}
	return s, ok
}

func TestRoomKey_Accepted(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Handle(context.Background(), toDevice(t, types.EventRoomKey, alice, f.roomKey())); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	s, ok := f.inbound(t)
	if !ok || s.Trust != types.Trusted || s.ClaimedEd25519 != alice.SigningKey || !s.SharedHistory {
		t.Fatalf("stored %+v ok=%v", s, ok)
	}
	if len(f.pending.calls) != 1 || !f.pending.calls[0].force {
		t.Fatalf("retries = %+v, want one forced retry", f.pending.calls)
	}
	if len(f.requests.cancelled) != 1 {
		t.Fatal("key request not cancelled after resolution")
	}
}

func TestRoomKey_Rejected(t *testing.T) {
	cases := map[string]func(f *fixture, ev *domain.ToDeviceEvent){
		"clear": func(_ *fixture, ev *domain.ToDeviceEvent) {
			ev.SenderKey = ""
		},
		"wrong session id": func(f *fixture, ev *domain.ToDeviceEvent) {
			c := f.roomKey()
			other, _ := megolm.NewOutboundSession(room, time.Now(), false)
			c.SessionKey = megolm.SessionKey(other)
			ev.Content, _ = json.Marshal(c)
		},
		"missing room": func(f *fixture, ev *domain.ToDeviceEvent) {
			c := f.roomKey()
			c.RoomID = ""
			ev.Content, _ = json.Marshal(c)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ev := toDevice(t, types.EventRoomKey, alice, f.roomKey())
			mutate(f, &ev)
			if err := f.svc.Handle(context.Background(), ev); err != nil {
				t.Fatalf("malformed event returned error: %v", err)
			}
			if _, ok := f.inbound(t); ok {
				t.Fatal("malformed key stored")
			}
		})
	}
}

func TestParse_UnstableSharedHistory(t *testing.T) {
	f := newFixture(t)
	c := f.roomKey()
	raw, _ := json.Marshal(map[string]any{
		"algorithm":                         c.Algorithm,
		"room_id":                           c.RoomID,
		"session_id":                        c.SessionID,
		"session_key":                       c.SessionKey,
		"org.matrix.msc3061.shared_history": true,
	})
	ev := toDevice(t, types.EventRoomKey, alice, nil)
	ev.Content = raw
	k, err := ingest.Parse(ev)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rk, ok := k.(ingest.RoomKeyEvent); !ok || !rk.Content.SharedHistory {
		t.Fatalf("parsed %#v", k)
	}
}

func TestForwarded_Policy(t *testing.T) {
	cases := []struct {
		name     string
		setup    func(f *fixture, c *domain.ForwardedRoomKeyContent)
		accepted bool
		parked   bool
	}{
		{
			name: "requested from verified device",
			setup: func(f *fixture, _ *domain.ForwardedRoomKeyContent) {
				f.requests.requested[f.out.SessionID] = true
				f.devices.trust[carol.Key()] = types.TrustVerified
			},
			accepted: true,
		},
		{
			name: "requested from unverified device",
			setup: func(f *fixture, _ *domain.ForwardedRoomKeyContent) {
				f.requests.requested[f.out.SessionID] = true
			},
		},
		{
			name: "shared history from inviter",
			setup: func(f *fixture, _ *domain.ForwardedRoomKeyContent) {
				f.rooms.inviter[room] = carol.UserID
			},
			accepted: true,
		},
		{
			name: "inviter without shared history",
			setup: func(f *fixture, c *domain.ForwardedRoomKeyContent) {
				f.rooms.inviter[room] = carol.UserID
				c.SharedHistory = false
			},
		},
		{
			name:  "stranger in known room",
			setup: func(*fixture, *domain.ForwardedRoomKeyContent) {},
		},
		{
			name: "shared history for unknown room",
			setup: func(f *fixture, _ *domain.ForwardedRoomKeyContent) {
				f.rooms.known[room] = false
			},
			parked: true,
		},
		{
			name: "unknown room without shared history",
			setup: func(f *fixture, c *domain.ForwardedRoomKeyContent) {
				f.rooms.known[room] = false
				c.SharedHistory = false
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.forwarded(t)
			tc.setup(f, &c)
			if err := f.svc.Handle(context.Background(), toDevice(t, types.EventForwardedRoomKey, carol, c)); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			s, ok := f.inbound(t)
			if ok != tc.accepted {
				t.Fatalf("accepted = %v, want %v", ok, tc.accepted)
			}
			if ok {
				if s.Trust != types.Untrusted {
					t.Fatal("forwarded key stored as trusted")
				}
				if len(s.ForwardingChain) != 1 || s.ForwardingChain[0] != carol.IdentityKey {
					t.Fatalf("chain = %v", s.ForwardingChain)
				}
				if len(f.pending.calls) != 1 || f.pending.calls[0].force {
					t.Fatalf("retries = %+v, want one unforced retry", f.pending.calls)
				}
			}
			parked, err := f.store.TakeParkedKeys(room)
			if err != nil {
				t.Fatalf("TakeParkedKeys: %v", err)
			}
			if (len(parked) == 1) != tc.parked {
				t.Fatalf("parked = %v, want parked=%v", parked, tc.parked)
			}
		})
	}
}

func TestForwarded_SenderKeyMustBelongToSender(t *testing.T) {
	f := newFixture(t)
	f.rooms.inviter[room] = carol.UserID
	ev := toDevice(t, types.EventForwardedRoomKey, carol, f.forwarded(t))
	ev.SenderKey = alice.IdentityKey
	if err := f.svc.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok := f.inbound(t); ok {
		t.Fatal("key from mismatched identity key accepted")
	}
}

func TestUnparkForInvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rooms.known[room] = false
	if err := f.svc.Handle(ctx, toDevice(t, types.EventForwardedRoomKey, carol, f.forwarded(t))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok := f.inbound(t); ok {
		t.Fatal("parked key imported early")
	}

	if err := f.svc.UnparkForInvite(ctx, room, "@mallory:m.org"); err != nil {
		t.Fatalf("UnparkForInvite: %v", err)
	}
	if _, ok := f.inbound(t); ok {
		t.Fatal("key imported for a different inviter")
	}

	// The parked key was discarded by the first invite.
	if err := f.svc.Handle(ctx, toDevice(t, types.EventForwardedRoomKey, carol, f.forwarded(t))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := f.svc.UnparkForInvite(ctx, room, carol.UserID); err != nil {
		t.Fatalf("UnparkForInvite: %v", err)
	}
	s, ok := f.inbound(t)
	if !ok || s.Trust != types.Untrusted || len(s.ForwardingChain) != 1 {
		t.Fatalf("unparked %+v ok=%v", s, ok)
	}
}

func withheldContent(f *fixture, code domain.WithheldCode) domain.WithheldContent {
	c := domain.WithheldContent{Algorithm: types.AlgorithmMegolm, Code: code, Reason: code.Reason(), SenderKey: alice.IdentityKey}
	if code != types.WithheldNoOlm {
		c.RoomID = room
		c.SessionID = f.out.SessionID
	}
	return c
}

func TestWithheld_StoredAndRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.Handle(ctx, toDevice(t, types.EventRoomKeyWithheld, alice, withheldContent(f, types.WithheldBlacklisted))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	w, ok, err := f.store.GetWithheld(room, alice.IdentityKey, f.out.SessionID)
	if err != nil || !ok || w.Code != types.WithheldBlacklisted {
		t.Fatalf("withheld = %+v ok=%v err=%v", w, ok, err)
	}
	if len(f.pending.calls) != 1 || f.pending.calls[0].session != f.out.SessionID {
		t.Fatalf("retries = %+v", f.pending.calls)
	}
}

func TestWithheld_UnavailableIsAdvisory(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Handle(context.Background(), toDevice(t, types.EventRoomKeyWithheld, alice, withheldContent(f, types.WithheldUnavailable))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok, _ := f.store.GetWithheld(room, alice.IdentityKey, f.out.SessionID); ok {
		t.Fatal("m.unavailable persisted")
	}
	if len(f.pending.calls) != 0 {
		t.Fatal("m.unavailable triggered a retry")
	}
}

func TestWithheld_NoOlmWithoutSession(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Handle(context.Background(), toDevice(t, types.EventRoomKeyWithheld, alice, withheldContent(f, types.WithheldNoOlm))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.broker.calls != 1 {
		t.Fatalf("channel setups = %d, want 1", f.broker.calls)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0] != types.EventEncrypted {
		t.Fatalf("sent = %v, want one encrypted dummy", f.sender.sent)
	}
	if len(f.problems.recorded) != 1 || !f.problems.recorded[0].Fixed || f.problems.recorded[0].Type != "no_olm" {
		t.Fatalf("problems = %+v, want one fixed no_olm", f.problems.recorded)
	}
	if len(f.pending.calls) != 1 || f.pending.calls[0].allSender != alice.IdentityKey {
		t.Fatalf("retries = %+v, want all sessions of sender", f.pending.calls)
	}
}

func TestWithheld_NoOlmWithSession(t *testing.T) {
	f := newFixture(t)
	f.channel.sessions[alice.IdentityKey] = true
	if err := f.svc.Handle(context.Background(), toDevice(t, types.EventRoomKeyWithheld, alice, withheldContent(f, types.WithheldNoOlm))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.broker.calls != 0 || len(f.sender.sent) != 0 {
		t.Fatal("existing channel was set up again")
	}
	if len(f.problems.recorded) != 1 || !f.problems.recorded[0].Fixed {
		t.Fatalf("problems = %+v", f.problems.recorded)
	}
}

func TestWithheld_NoOlmUnknownDevice(t *testing.T) {
	f := newFixture(t)
	delete(f.devices.known, alice.IdentityKey)
	if err := f.svc.Handle(context.Background(), toDevice(t, types.EventRoomKeyWithheld, alice, withheldContent(f, types.WithheldNoOlm))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.devices.downloads != 1 || f.broker.calls != 0 {
		t.Fatalf("downloads=%d setups=%d", f.devices.downloads, f.broker.calls)
	}
	if len(f.problems.recorded) != 1 || f.problems.recorded[0].Fixed {
		t.Fatalf("problems = %+v, want one unfixed", f.problems.recorded)
	}
}

// brokenStore fails every inbound write.
type brokenStore struct {
	*store.GroupStore
}

func (brokenStore) AddInbound(domain.InboundGroupSession) (bool, error) {
	return false, &types.SessionStoreError{Op: "add inbound", Err: errors.New("disk full")}
}

func TestRoomKey_StoreFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.svc = ingest.New(ingest.Config{
		Store:    brokenStore{f.store},
		Problems: f.problems,
		Devices:  f.devices,
		Channel:  f.channel,
		Broker:   f.broker,
		Sender:   f.sender,
		Rooms:    f.rooms,
		Requests: f.requests,
		Pending:  f.pending,
	})

	err := f.svc.Handle(context.Background(), toDevice(t, types.EventRoomKey, alice, f.roomKey()))
	if !errors.Is(err, types.ErrSessionStore) {
		t.Fatalf("Handle err = %v, want the store failure", err)
	}
	if _, ok := f.inbound(t); ok {
		t.Fatal("session stored although the write failed")
	}
	if len(f.pending.calls) != 0 {
		t.Fatalf("retries = %+v, want none after a failed write", f.pending.calls)
	}
}
