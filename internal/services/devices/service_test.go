package devices_test

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/services/devices"
)

type directory struct {
	devices map[domain.UserID][]domain.DeviceInfo
	queries int
}

func (d *directory) UploadKeys(context.Context, domain.DeviceInfo, []domain.SignedOneTimeKey) error {
	return nil
}

func (d *directory) QueryKeys(_ context.Context, users []domain.UserID) (map[domain.UserID][]domain.DeviceInfo, error) {
	d.queries++
	out := make(map[domain.UserID][]domain.DeviceInfo)
	for _, u := range users {
		out[u] = d.devices[u]
	}
	return out, nil
}

func TestDownloadKeys_CachesUntilInvalidated(t *testing.T) {
	bob1 := domain.DeviceInfo{UserID: "@bob:b.org", DeviceID: "B1", IdentityKey: "b1"}
	bob2 := domain.DeviceInfo{UserID: "@bob:b.org", DeviceID: "B2", IdentityKey: "b2"}
	dir := &directory{devices: map[domain.UserID][]domain.DeviceInfo{"@bob:b.org": {bob1, bob2}}}
	svc := devices.New(dir, nil)
	ctx := context.Background()

	got, err := svc.DownloadKeys(ctx, []domain.UserID{"@bob:b.org"}, false)
	if err != nil || len(got) != 2 {
		t.Fatalf("DownloadKeys: %d devices, err=%v", len(got), err)
	}
	if _, err := svc.DownloadKeys(ctx, []domain.UserID{"@bob:b.org"}, false); err != nil || dir.queries != 1 {
		t.Fatalf("cached download queried again: queries=%d err=%v", dir.queries, err)
	}

	dir.devices["@bob:b.org"] = []domain.DeviceInfo{bob1}
	svc.Invalidate("@bob:b.org")
	got, _ = svc.DownloadKeys(ctx, []domain.UserID{"@bob:b.org"}, false)
	if len(got) != 1 {
		t.Fatalf("removed device still listed: %v", got)
	}
	if _, ok := svc.DeviceByIdentityKey("b2"); ok {
		t.Fatal("removed device still indexed by identity key")
	}
}

func TestDownloadKeys_KeepsOriginalIdentityKey(t *testing.T) {
	dev := domain.DeviceInfo{UserID: "@bob:b.org", DeviceID: "B1", IdentityKey: "orig"}
	dir := &directory{devices: map[domain.UserID][]domain.DeviceInfo{"@bob:b.org": {dev}}}
	svc := devices.New(dir, nil)
	ctx := context.Background()
	if _, err := svc.DownloadKeys(ctx, []domain.UserID{"@bob:b.org"}, false); err != nil {
		t.Fatalf("DownloadKeys: %v", err)
	}

	dev.IdentityKey = "swapped"
	dir.devices["@bob:b.org"] = []domain.DeviceInfo{dev}
	got, _ := svc.DownloadKeys(ctx, []domain.UserID{"@bob:b.org"}, true)
	if got[dev.Key()].IdentityKey != "orig" {
		t.Fatalf("identity key replaced: %q", got[dev.Key()].IdentityKey)
	}
	if d, ok := svc.DeviceByIdentityKey("orig"); !ok || d.DeviceID != "B1" {
		t.Fatal("lookup by original identity key failed")
	}
}

func TestTrust(t *testing.T) {
	svc := devices.New(&directory{}, nil)
	k := domain.DeviceKey{UserID: "@bob:b.org", DeviceID: "B1"}
	if svc.DeviceTrust(k) != types.TrustUnverified {
		t.Fatal("default trust should be unverified")
	}
	svc.SetTrust(k, types.TrustBlocked)
	if svc.DeviceTrust(k) != types.TrustBlocked {
		t.Fatal("SetTrust not applied")
	}
}

type slowDirectory struct {
	directory
	calls   atomic.Int32
	release chan struct{}
}

func (d *slowDirectory) QueryKeys(ctx context.Context, users []domain.UserID) (map[domain.UserID][]domain.DeviceInfo, error) {
	d.calls.Add(1)
	<-d.release
	return map[domain.UserID][]domain.DeviceInfo{"@bob:b.org": d.devices["@bob:b.org"]}, nil
}

func TestDownloadKeys_CollapsesConcurrentQueries(t *testing.T) {
	bob1 := domain.DeviceInfo{UserID: "@bob:b.org", DeviceID: "B1", IdentityKey: "b1"}
	dir := &slowDirectory{
		directory: directory{devices: map[domain.UserID][]domain.DeviceInfo{"@bob:b.org": {bob1}}},
		release:   make(chan struct{}),
	}
	svc := devices.New(dir, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, err := svc.DownloadKeys(context.Background(), []domain.UserID{"@bob:b.org"}, true); err != nil || len(got) != 1 {
				t.Errorf("DownloadKeys: %v err=%v", got, err)
			}
		}()
	}
	for dir.calls.Load() == 0 {
		runtime.Gosched()
	}
	time.Sleep(50 * time.Millisecond)
	close(dir.release)
	wg.Wait()
	if n := dir.calls.Load(); n != 1 {
		t.Fatalf("directory queried %d times, want 1", n)
	}
}
