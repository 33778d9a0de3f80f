package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/protocol/megolm"
	"groupcrypt/internal/services/batch"
	"groupcrypt/internal/services/olmbroker"
	"groupcrypt/internal/services/withheld"
)

func roomKeyContent(s *domain.OutboundGroupSession) domain.RoomKeyContent {
	return domain.RoomKeyContent{
		Algorithm:     types.AlgorithmMegolm,
		RoomID:        s.RoomID,
		SessionID:     s.SessionID,
		SessionKey:    megolm.SessionKey(*s),
		ChainIndex:    s.Ratchet.Counter,
		SharedHistory: s.SharedHistory,
	}
}

// delta returns the devices that still need the session key.
func (m *Manager) delta(s *domain.OutboundGroupSession, devices []domain.DeviceInfo) []domain.DeviceInfo {
	var out []domain.DeviceInfo
	for _, d := range devices {
		if d.Key() == m.self.Key() {
			continue
		}
		if _, ok := s.SharedWith[d.Key()]; ok {
			continue
		}
		out = append(out, d)
	}
	return out
}

// distribute shares s with the devices that lack it. Devices with a channel
// get the key at once; the rest get one claim round first. Devices on
// servers that failed that round are retried in the background unless
// singlePhase is set or the round was slow. Everything else that failed is
// marked shared and told m.no_olm.
func (m *Manager) distribute(ctx context.Context, s *domain.OutboundGroupSession, devices []domain.DeviceInfo, singlePhase bool) error {
	need := m.delta(s, devices)
	if len(need) == 0 {
		return nil
	}
	payload := roomKeyContent(s)
	with, without, err := m.broker.Split(need)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	markShared := func(devs []domain.DeviceInfo) error {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range devs {
			s.SharedWith[d.Key()] = domain.SharedWithDevice{IdentityKey: d.IdentityKey, ChainIndex: payload.ChainIndex}
		}
		return m.store.SaveOutbound(*s)
	}

	timeout := m.policy.Phase1Timeout
	if singlePhase {
		timeout = m.policy.SinglePhaseTimeout
	}
	var (
		res  olmbroker.Result
		slow bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.shareKey(gctx, s.RoomID, payload, with, markShared)
	})
	if len(without) > 0 {
		g.Go(func() error {
			start := m.now()
			r, err := m.broker.EnsureChannels(gctx, without, olmbroker.Options{Timeout: timeout})
			if err != nil {
				return err
			}
			res = r
			slow = m.now().Sub(start) >= m.policy.Phase2Cutoff
			return m.shareKey(gctx, s.RoomID, payload, r.Established, markShared)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	twoPhase := !singlePhase && !slow
	var retry, failed []domain.DeviceInfo
	for _, miss := range res.Missing {
		if twoPhase && res.FailedServers[miss.Device.UserID.Server()] {
			retry = append(retry, miss.Device)
		} else {
			failed = append(failed, miss.Device)
		}
	}
	if len(failed) > 0 {
		// Marked shared so one-time keys are not claimed on every message.
		if err := markShared(failed); err != nil {
			return err
		}
		if err := m.notifyNoOlm(ctx, s.RoomID, s.SessionID, failed); err != nil {
			return err
		}
	}
	if len(retry) > 0 {
		m.log.Debugf("[%s] retrying %d devices in the background", s.RoomID, len(retry))
		m.phase2(s.RoomID, s.SessionID, payload, retry)
	}
	return nil
}

// phase2 retries channel setup for devices with a longer timeout, off the
// caller's path. Its outcome only updates the stored session and sends
// withheld notices.
func (m *Manager) phase2(room domain.RoomID, sessionID string, payload domain.RoomKeyContent, devices []domain.DeviceInfo) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx := m.base

		res, err := m.broker.EnsureChannels(ctx, devices, olmbroker.Options{Timeout: m.policy.Phase2Timeout})
		if err != nil {
			m.log.Warnf("[%s] background channel setup: %v", room, err)
			return
		}
		var (
			mu   sync.Mutex
			sent []domain.DeviceInfo
		)
		err = m.shareKey(ctx, room, payload, res.Established, func(devs []domain.DeviceInfo) error {
			mu.Lock()
			sent = append(sent, devs...)
			mu.Unlock()
			return nil
		})
		if err != nil {
			m.log.Warnf("[%s] background key share: %v", room, err)
		}
		failed := make([]domain.DeviceInfo, 0, len(res.Missing))
		for _, miss := range res.Missing {
			failed = append(failed, miss.Device)
		}

		err = m.queued(ctx, room, func() error {
			m.mu.Lock()
			s := m.current[room]
			m.mu.Unlock()
			if s == nil || s.SessionID != sessionID {
				return nil
			}
			for _, d := range append(sent, failed...) {
				s.SharedWith[d.Key()] = domain.SharedWithDevice{IdentityKey: d.IdentityKey, ChainIndex: payload.ChainIndex}
			}
			return m.store.SaveOutbound(*s)
		})
		if err != nil {
			m.log.Warnf("[%s] recording background share: %v", room, err)
		}
		if len(failed) > 0 {
			if err := m.notifyNoOlm(ctx, room, sessionID, failed); err != nil {
				m.log.Warnf("[%s] background no_olm notices: %v", room, err)
			}
		}
	}()
}

// shareKey sends payload to devices in batches, concurrently. onSent is
// called with the devices of each batch that was sent.
func (m *Manager) shareKey(
	ctx context.Context,
	room domain.RoomID,
	payload any,
	devices []domain.DeviceInfo,
	onSent func([]domain.DeviceInfo) error,
) error {
	return m.sendEncrypted(ctx, room, types.EventRoomKey, payload, devices, onSent)
}

func (m *Manager) sendEncrypted(
	ctx context.Context,
	room domain.RoomID,
	eventType string,
	payload any,
	devices []domain.DeviceInfo,
	onSent func([]domain.DeviceInfo) error,
) error {
	if len(devices) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	userOf := func(d domain.DeviceInfo) domain.UserID { return d.UserID }
	for _, b := range batch.ByUser(devices, userOf, m.policy.MaxDevicesPerBatch) {
		g.Go(func() error {
			messages := make(map[domain.DeviceKey]any, len(b))
			sent := make([]domain.DeviceInfo, 0, len(b))
			for _, d := range b {
				c, err := m.channel.Encrypt(d, eventType, payload)
				if err != nil {
					m.log.Warnf("[%s] encrypting %s for %s: %v", room, eventType, d.Key(), err)
					continue
				}
				c.MessageID = uuid.NewString()
				messages[d.Key()] = c
				sent = append(sent, d)
			}
			if len(messages) == 0 {
				return nil
			}
			if err := m.sender.SendToDevice(gctx, types.EventEncrypted, messages); err != nil {
				return fmt.Errorf("send %s: %w", eventType, err)
			}
			if eventType == types.EventRoomKey {
				m.metrics.KeysShared(len(sent))
			}
			m.log.Debugf("[%s] sent %s to %d devices", room, eventType, len(sent))
			if onSent == nil {
				return nil
			}
			return onSent(sent)
		})
	}
	return g.Wait()
}

func (m *Manager) notifyNoOlm(ctx context.Context, room domain.RoomID, sessionID string, devices []domain.DeviceInfo) error {
	targets := make([]withheld.Target, 0, len(devices))
	for _, d := range devices {
		targets = append(targets, withheld.Target{Device: d, Code: types.WithheldNoOlm})
	}
	return m.notify(ctx, nil, room, sessionID, targets)
}

// notifyBlocked tells blocked devices once per session and records it.
func (m *Manager) notifyBlocked(ctx context.Context, s *domain.OutboundGroupSession, blocked []withheld.Target) error {
	var todo []withheld.Target
	for _, t := range blocked {
		if !s.BlockedNotified[t.Device.Key()] {
			todo = append(todo, t)
		}
	}
	if len(todo) == 0 {
		return nil
	}
	if err := m.notify(ctx, s.BlockedNotified, s.RoomID, s.SessionID, todo); err != nil {
		return err
	}
	return m.store.SaveOutbound(*s)
}

// notify returns only store failures; delivery failures are logged and
// retried with the next message.
func (m *Manager) notify(
	ctx context.Context,
	notified map[domain.DeviceKey]bool,
	room domain.RoomID,
	sessionID string,
	targets []withheld.Target,
) error {
	err := m.withheld.Notify(ctx, notified, room, sessionID, targets)
	if err == nil || errors.Is(err, types.ErrSessionStore) {
		return err
	}
	m.log.Warnf("[%s] withheld notices: %v", room, err)
	return nil
}
