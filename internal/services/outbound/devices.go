package outbound

import (
	"context"
	"runtime"
	"sort"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/services/withheld"
)

// RoomDevices are the devices a room's key goes to and the devices it is
// withheld from.
type RoomDevices struct {
	Devices []domain.DeviceInfo
	Blocked []withheld.Target
}

// DevicesInRoom lists the devices of the room's encryption targets, except
// this device. Blocked devices, and unverified ones when the room or the
// policy says so, are returned as withheld targets unless forceUnverified
// is set. The walk checks ctx and yields between devices.
func (m *Manager) DevicesInRoom(ctx context.Context, room domain.RoomID, forceUnverified bool) (RoomDevices, error) {
	members, err := m.rooms.EncryptionTargetMembers(ctx, room)
	if err != nil {
		return RoomDevices{}, err
	}
	all, err := m.devices.DownloadKeys(ctx, members, false)
	if err != nil {
		return RoomDevices{}, err
	}
	keys := make([]domain.DeviceKey, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	blockUnverified := !forceUnverified && (m.policy.BlacklistUnverified || m.rooms.BlacklistUnverified(room))
	var out RoomDevices
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return RoomDevices{}, err
		}
		runtime.Gosched()

		if k == m.self.Key() {
			continue
		}
		d := all[k]
		switch trust := m.devices.DeviceTrust(k); {
		case trust == types.TrustBlocked:
			out.Blocked = append(out.Blocked, withheld.Target{Device: d, Code: types.WithheldBlacklisted})
		case trust != types.TrustVerified && blockUnverified:
			out.Blocked = append(out.Blocked, withheld.Target{Device: d, Code: types.WithheldUnverified})
		default:
			out.Devices = append(out.Devices, d)
		}
	}
	return out, nil
}

// PrepareToEncrypt sets up the room's session in the background so the next
// message does not wait for it. It uses a single, longer channel setup
// phase. A call while a preparation for the room is running does nothing.
// The returned func cancels the preparation.
func (m *Manager) PrepareToEncrypt(room domain.RoomID) (cancel func()) {
	m.mu.Lock()
	if running, ok := m.preparing[room]; ok {
		m.mu.Unlock()
		return running
	}
	ctx, stop := context.WithCancel(m.base)
	m.preparing[room] = stop
	m.mu.Unlock()

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.preparing, room)
			m.mu.Unlock()
			stop()
		}()

		rd, err := m.DevicesInRoom(ctx, room, false)
		if err != nil {
			m.log.Warnf("[%s] prepare: listing devices: %v", room, err)
			return
		}
		err = m.queued(ctx, room, func() error {
			_, err := m.ensure(ctx, room, rd.Devices, rd.Blocked, true)
			return m.fold(room, err)
		})
		if err != nil {
			m.log.Warnf("[%s] prepare: %v", room, err)
			return
		}
		m.log.Debugf("[%s] prepared session", room)
	}()
	return stop
}
