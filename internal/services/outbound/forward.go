package outbound

import (
	"context"
	"fmt"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/protocol/megolm"
	"groupcrypt/internal/services/olmbroker"
)

// forwardedContent exports s at index as an m.forwarded_room_key.
func forwardedContent(s domain.InboundGroupSession, index uint32) (domain.ForwardedRoomKeyContent, error) {
	key, err := megolm.Export(s, index)
	if err != nil {
		return domain.ForwardedRoomKeyContent{}, err
	}
	return domain.ForwardedRoomKeyContent{
		Algorithm:                    types.AlgorithmMegolm,
		RoomID:                       s.RoomID,
		SessionID:                    s.SessionID,
		SessionKey:                   key,
		ChainIndex:                   max(index, s.FirstKnownIndex),
		SenderKey:                    s.SenderKey,
		SenderClaimedEd25519Key:      s.ClaimedEd25519,
		ForwardingCurve25519KeyChain: s.ForwardingChain,
		SharedHistory:                s.SharedHistory,
	}, nil
}

// channelTo makes sure a channel to device exists.
func (m *Manager) channelTo(ctx context.Context, device domain.DeviceInfo) error {
	res, err := m.broker.EnsureChannels(ctx, []domain.DeviceInfo{device}, olmbroker.Options{Timeout: m.policy.SinglePhaseTimeout})
	if err != nil {
		return err
	}
	if len(res.Missing) > 0 {
		return res.Missing[0].Err
	}
	return nil
}

// ReshareKeyWithDevice sends one of our sessions again to a device it was
// shared with, from the index it originally got. Nothing is sent if the
// session was never shared with the device or the device's identity key
// changed since.
func (m *Manager) ReshareKeyWithDevice(
	ctx context.Context,
	senderKey, sessionID string,
	user domain.UserID,
	device domain.DeviceInfo,
) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		m.log.Debugf("reshare: unknown session %s", sessionID)
		return nil
	}
	room := s.RoomID
	target := domain.DeviceKey{UserID: user, DeviceID: device.DeviceID}

	var (
		shared domain.SharedWithDevice
		found  bool
	)
	if err := m.queued(ctx, room, func() error {
		shared, found = s.SharedWith[target]
		return nil
	}); err != nil {
		return err
	}
	if !found {
		m.log.Debugf("[%s] reshare: %s never got session %s", room, target, sessionID)
		return nil
	}
	if shared.IdentityKey != device.IdentityKey {
		m.log.Warnf("[%s] reshare: identity key of %s changed, not resharing %s", room, target, sessionID)
		return nil
	}

	if err := m.channelTo(ctx, device); err != nil {
		return err
	}
	in, ok, err := m.store.GetInbound(room, senderKey, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("reshare: no inbound copy of session %s", sessionID)
	}
	content, err := forwardedContent(in, shared.ChainIndex)
	if err != nil {
		return err
	}
	m.log.Infof("[%s] resharing session %s with %s at index %d", room, sessionID, target, shared.ChainIndex)
	return m.sendEncrypted(ctx, room, types.EventForwardedRoomKey, content, []domain.DeviceInfo{device}, nil)
}

// ShareHistoryWithDevices forwards every shared-history session of the room
// to devices, typically those of a newly invited user.
func (m *Manager) ShareHistoryWithDevices(ctx context.Context, room domain.RoomID, devices []domain.DeviceInfo) error {
	res, err := m.broker.EnsureChannels(ctx, devices, olmbroker.Options{Timeout: m.policy.SinglePhaseTimeout})
	if err != nil {
		return err
	}
	for _, miss := range res.Missing {
		m.log.Warnf("[%s] share history: no channel to %s", room, miss.Device.Key())
	}
	if len(res.Established) == 0 {
		return nil
	}

	sessions, err := m.store.ListInbound(room)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if !s.SharedHistory {
			continue
		}
		content, err := forwardedContent(s, s.FirstKnownIndex)
		if err != nil {
			return err
		}
		if err := m.sendEncrypted(ctx, room, types.EventForwardedRoomKey, content, res.Established, nil); err != nil {
			return err
		}
	}
	return nil
}
