package relay_test

import (
	"context"
	"testing"
	"time"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/relay"
)

func publish(t *testing.T, hub *relay.Hub, user domain.UserID, device domain.DeviceID, otks int) domain.DeviceKey {
	t.Helper()
	info := domain.DeviceInfo{UserID: user, DeviceID: device, IdentityKey: string(device) + "-curve", SigningKey: string(device) + "-ed"}
	var keys []domain.SignedOneTimeKey
	for i := 0; i < otks; i++ {
		keys = append(keys, domain.SignedOneTimeKey{KeyID: string(rune('a' + i)), Key: "k"})
	}
	if err := hub.Client(info.Key()).UploadKeys(context.Background(), info, keys); err != nil {
		t.Fatalf("UploadKeys: %v", err)
	}
	return info.Key()
}

func TestClaim_ReportsFailedServers(t *testing.T) {
	hub := relay.NewHub(nil)
	bob := publish(t, hub, "@bob:up.org", "BOB", 2)
	carol := publish(t, hub, "@carol:down.org", "CAROL", 2)
	dave := publish(t, hub, "@dave:slow.org", "DAVE", 2)
	hub.SetServer("down.org", relay.ServerBehaviour{Down: true})
	hub.SetServer("slow.org", relay.ServerBehaviour{Latency: time.Hour})

	res, err := hub.Client(bob).ClaimOneTimeKeys(context.Background(), []domain.DeviceKey{bob, carol, dave}, time.Second)
	if err != nil {
		t.Fatalf("ClaimOneTimeKeys: %v", err)
	}
	if _, ok := res.Keys[bob]; !ok {
		t.Fatal("no key claimed for reachable server")
	}
	if len(res.Keys) != 1 {
		t.Fatalf("claimed %d keys, want 1", len(res.Keys))
	}
	if res.Failures["down.org"] == nil || res.Failures["slow.org"] == nil {
		t.Fatalf("failures = %v, want down.org and slow.org", res.Failures)
	}
	if hub.OneTimeKeyCount(bob) != 1 || hub.ClaimCount(bob) != 1 {
		t.Fatalf("pool=%d claims=%d after one claim", hub.OneTimeKeyCount(bob), hub.ClaimCount(bob))
	}
}

func TestSendToDevice_WildcardSkipsSender(t *testing.T) {
	hub := relay.NewHub(nil)
	a1 := publish(t, hub, "@alice:a.org", "A1", 0)
	a2 := publish(t, hub, "@alice:a.org", "A2", 0)
	a3 := publish(t, hub, "@alice:a.org", "A3", 0)

	msgs := map[domain.DeviceKey]any{{UserID: "@alice:a.org", DeviceID: "*"}: map[string]string{"x": "y"}}
	if err := hub.Client(a1).SendToDevice(context.Background(), "m.test", msgs); err != nil {
		t.Fatalf("SendToDevice: %v", err)
	}
	for _, k := range []domain.DeviceKey{a2, a3} {
		evs, _ := hub.Client(k).Receive(context.Background())
		if len(evs) != 1 || evs[0].Type != "m.test" || evs[0].Sender != "@alice:a.org" {
			t.Fatalf("%s received %+v", k, evs)
		}
	}
	if evs, _ := hub.Client(a1).Receive(context.Background()); len(evs) != 0 {
		t.Fatalf("sender received its own broadcast: %+v", evs)
	}
	if got := len(hub.Sent("m.test")); got != 2 {
		t.Fatalf("sent log has %d entries, want 2", got)
	}
}

func TestRoomView_Membership(t *testing.T) {
	hub := relay.NewHub(nil)
	room := domain.RoomID("!r:a.org")
	hub.CreateRoom(room, "@alice:a.org", types.VisibilityShared)
	if err := hub.Invite(room, "@alice:a.org", "@bob:b.org"); err != nil {
		t.Fatalf("Invite: %v", err)
	}

	bob := hub.View("@bob:b.org")
	if inviter, ok := bob.InviterOf(room); !ok || inviter != "@alice:a.org" {
		t.Fatalf("InviterOf = %q, %v", inviter, ok)
	}
	if !bob.IsKnownRoom(room) {
		t.Fatal("invited room not known")
	}
	members, err := hub.View("@alice:a.org").EncryptionTargetMembers(context.Background(), room)
	if err != nil || len(members) != 2 {
		t.Fatalf("members = %v, err=%v", members, err)
	}

	if err := hub.SetHistoryVisibility(room, types.VisibilityJoined); err != nil {
		t.Fatalf("SetHistoryVisibility: %v", err)
	}
	members, _ = hub.View("@alice:a.org").EncryptionTargetMembers(context.Background(), room)
	if len(members) != 1 {
		t.Fatalf("invited member targeted under joined visibility: %v", members)
	}

	if err := hub.Join(room, "@bob:b.org"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, ok := bob.InviterOf(room); ok {
		t.Fatal("joined member still reports an inviter")
	}
	if hub.View("@eve:e.org").IsKnownRoom(room) {
		t.Fatal("outsider knows the room")
	}
}
