// Package ingest accepts room keys arriving over pairwise channels:
// m.room_key, m.forwarded_room_key and m.room_key.withheld.
//
// Malformed or unacceptable events are logged and dropped. Only session
// store failures are returned to the caller.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/metrics"
	"groupcrypt/internal/protocol/megolm"
	"groupcrypt/internal/services/olmbroker"
)

// DefaultNoOlmTimeout bounds channel setup after an m.no_olm notice.
const DefaultNoOlmTimeout = 10 * time.Second

const problemNoOlm = "no_olm"

// Broker sets up pairwise channels.
type Broker interface {
	EnsureChannels(ctx context.Context, devices []domain.DeviceInfo, opts olmbroker.Options) (olmbroker.Result, error)
}

// Requests answers and cancels our outgoing key requests.
type Requests interface {
	WasRequested(body domain.RoomKeyRequestBody, from domain.DeviceKey) (bool, error)
	Cancel(ctx context.Context, body domain.RoomKeyRequestBody) error
}

// Retrier re-runs decryption of pending events.
type Retrier interface {
	Retry(ctx context.Context, senderKey, sessionID string, forceIfUntrusted bool) bool
	RetryAllFromSender(ctx context.Context, senderKey string) bool
}

// Config wires a Service.
type Config struct {
	Store         domain.GroupSessionStore
	Problems      domain.SessionProblemStore
	Devices       domain.DeviceList
	Channel       domain.PairwiseChannel
	Broker        Broker
	Sender        domain.ToDeviceSender
	Rooms         domain.RoomState
	Requests      Requests
	Pending       Retrier
	NoOlmTimeout  time.Duration
	LoggerFactory logging.LoggerFactory
	Metrics       *metrics.Metrics
}

// Service is the inbound key state machine.
type Service struct {
	store        domain.GroupSessionStore
	problems     domain.SessionProblemStore
	devices      domain.DeviceList
	channel      domain.PairwiseChannel
	broker       Broker
	sender       domain.ToDeviceSender
	rooms        domain.RoomState
	requests     Requests
	pending      Retrier
	noOlmTimeout time.Duration
	log          logging.LeveledLogger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// New returns a Service for cfg.
func New(cfg Config) *Service {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	timeout := cfg.NoOlmTimeout
	if timeout <= 0 {
		timeout = DefaultNoOlmTimeout
	}
	return &Service{
		store:        cfg.Store,
		problems:     cfg.Problems,
		devices:      cfg.Devices,
		channel:      cfg.Channel,
		broker:       cfg.Broker,
		sender:       cfg.Sender,
		rooms:        cfg.Rooms,
		requests:     cfg.Requests,
		pending:      cfg.Pending,
		noOlmTimeout: timeout,
		log:          lf.NewLogger("ingest"),
		metrics:      cfg.Metrics,
		now:          time.Now,
	}
}

// Handle processes one decrypted to-device event. Events that are not key
// events are ignored.
func (s *Service) Handle(ctx context.Context, ev domain.ToDeviceEvent) error {
	switch ev.Type {
	case types.EventRoomKey, types.EventForwardedRoomKey, types.EventRoomKeyWithheld:
	default:
		return nil
	}
	k, err := Parse(ev)
	if err != nil {
		s.log.Warnf("dropping %s from %s: %v", ev.Type, ev.Sender, err)
		return nil
	}
	return s.HandleKeyEvent(ctx, k)
}

// HandleKeyEvent processes an already parsed key event.
func (s *Service) HandleKeyEvent(ctx context.Context, k KeyEvent) error {
	var err error
	switch e := k.(type) {
	case RoomKeyEvent:
		err = s.roomKey(ctx, e)
	case ForwardedRoomKeyEvent:
		err = s.forwardedKey(ctx, e)
	case WithheldEvent:
		err = s.withheld(ctx, e)
	default:
		panic(fmt.Sprintf("ingest: unhandled key event %T", k))
	}
	return s.filter(err)
}

// filter keeps store failures and logs the rest.
func (s *Service) filter(err error) error {
	if err == nil || errors.Is(err, types.ErrSessionStore) {
		return err
	}
	s.log.Warnf("dropping key event: %v", err)
	return nil
}

func (s *Service) roomKey(ctx context.Context, e RoomKeyEvent) error {
	c := e.Content
	ratchet, pub, err := megolm.ImportSessionKey(c.SessionKey)
	if err != nil {
		return types.Malformed("m.room_key %s: %v", c.SessionID, err)
	}
	if megolm.SessionID(pub) != c.SessionID {
		return types.Malformed("m.room_key session key does not match session id %s", c.SessionID)
	}
	session := domain.InboundGroupSession{
		SessionID:       c.SessionID,
		RoomID:          c.RoomID,
		SenderKey:       e.SenderKey,
		ClaimedEd25519:  e.ClaimedEd25519,
		Trust:           types.Trusted,
		SharedHistory:   c.SharedHistory,
		SigningKey:      pub,
		FirstKnownIndex: ratchet.Counter,
		Ratchet:         ratchet,
	}
	s.log.Debugf("[%s] room key %s from %s at index %d", c.RoomID, c.SessionID, e.Sender, ratchet.Counter)
	return s.add(ctx, session)
}

// forwardedSession checks a forwarded key and builds its untrusted record.
func forwardedSession(c domain.ForwardedRoomKeyContent) (domain.InboundGroupSession, error) {
	ratchet, pub, err := megolm.ImportExport(c.SessionKey)
	if err != nil {
		return domain.InboundGroupSession{}, types.Malformed("m.forwarded_room_key %s: %v", c.SessionID, err)
	}
	if megolm.SessionID(pub) != c.SessionID {
		return domain.InboundGroupSession{}, types.Malformed("forwarded key does not match session id %s", c.SessionID)
	}
	return domain.InboundGroupSession{
		SessionID:       c.SessionID,
		RoomID:          c.RoomID,
		SenderKey:       c.SenderKey,
		ClaimedEd25519:  c.SenderClaimedEd25519Key,
		ForwardingChain: c.ForwardingCurve25519KeyChain,
		Trust:           types.Untrusted,
		SharedHistory:   c.SharedHistory,
		SigningKey:      pub,
		FirstKnownIndex: ratchet.Counter,
		Ratchet:         ratchet,
	}, nil
}

func (s *Service) forwardedKey(ctx context.Context, e ForwardedRoomKeyEvent) error {
	c := e.Content
	forwarder, ok := s.devices.DeviceByIdentityKey(e.SenderKey)
	if !ok || forwarder.UserID != e.Sender {
		s.metrics.Forwarded("dropped")
		return types.Malformed("forwarded key from %s: identity key does not belong to sender", e.Sender)
	}
	c.ForwardingCurve25519KeyChain = append(append([]string(nil), c.ForwardingCurve25519KeyChain...), e.SenderKey)
	session, err := forwardedSession(c)
	if err != nil {
		s.metrics.Forwarded("dropped")
		return err
	}

	body := domain.RoomKeyRequestBody{Algorithm: types.AlgorithmMegolm, RoomID: c.RoomID, SenderKey: c.SenderKey, SessionID: c.SessionID}
	requested, err := s.requests.WasRequested(body, forwarder.Key())
	if err != nil {
		return err
	}
	verified := s.devices.DeviceTrust(forwarder.Key()) == types.TrustVerified
	inviter, invited := s.rooms.InviterOf(c.RoomID)
	fromInviter := invited && inviter == e.Sender
	known := s.rooms.IsKnownRoom(c.RoomID)

	switch {
	case requested && verified:
	case !known && c.SharedHistory:
		s.metrics.Forwarded("parked")
		s.log.Infof("[%s] parking shared-history key %s from %s", c.RoomID, c.SessionID, e.Sender)
		return s.store.ParkKey(domain.ParkedKey{
			RoomID:    c.RoomID,
			SenderID:  e.Sender,
			SenderKey: e.SenderKey,
			Content:   c,
			ParkedAt:  s.now(),
		})
	case known && fromInviter && c.SharedHistory:
	default:
		s.metrics.Forwarded("dropped")
		return fmt.Errorf("%w: forwarded key %s from %s", types.ErrUntrustedProvenance, c.SessionID, e.Sender)
	}

	s.metrics.Forwarded("accepted")
	s.log.Debugf("[%s] accepted forwarded key %s from %s", c.RoomID, c.SessionID, e.Sender)
	return s.add(ctx, session)
}

// add stores session and retries what was waiting on it. When every pending
// event resolved, the key request for the session is withdrawn.
func (s *Service) add(ctx context.Context, session domain.InboundGroupSession) error {
	written, err := s.store.AddInbound(session)
	if err != nil {
		return err
	}
	if !written {
		return nil
	}
	untrusted := session.Trust == types.Untrusted
	if !s.pending.Retry(ctx, session.SenderKey, session.SessionID, !untrusted) {
		return nil
	}
	body := domain.RoomKeyRequestBody{
		Algorithm: types.AlgorithmMegolm,
		RoomID:    session.RoomID,
		SenderKey: session.SenderKey,
		SessionID: session.SessionID,
	}
	if err := s.requests.Cancel(ctx, body); err != nil {
		s.log.Warnf("[%s] cancelling key request for %s: %v", session.RoomID, session.SessionID, err)
	}
	return nil
}

func (s *Service) withheld(ctx context.Context, e WithheldEvent) error {
	c := e.Content
	switch c.Code {
	case types.WithheldUnavailable:
		s.log.Debugf("[%s] %s says session %s is unavailable", c.RoomID, e.Sender, c.SessionID)
		return nil
	case types.WithheldNoOlm:
		if err := s.noOlm(ctx, e.Sender, c.SenderKey); err != nil {
			return err
		}
	default:
		if err := s.store.StoreWithheld(domain.InboundWithheld{
			RoomID:    c.RoomID,
			SenderKey: c.SenderKey,
			SessionID: c.SessionID,
			Code:      c.Code,
			Reason:    c.Reason,
		}); err != nil {
			return err
		}
	}

	if c.SessionID != "" {
		s.pending.Retry(ctx, c.SenderKey, c.SessionID, false)
	} else {
		s.pending.RetryAllFromSender(ctx, c.SenderKey)
	}
	return nil
}

// noOlm reacts to a peer that could not reach us: it sets up a channel to
// the peer and sends an m.dummy over it so the peer sees the channel. The
// outcome is recorded as a single session problem.
func (s *Service) noOlm(ctx context.Context, sender domain.UserID, senderKey string) error {
	record := func(fixed bool) error {
		return s.problems.RecordSessionProblem(domain.SessionProblem{
			IdentityKey: senderKey,
			Type:        problemNoOlm,
			Fixed:       fixed,
			At:          s.now(),
		})
	}

	has, err := s.channel.HasSession(senderKey)
	if err != nil {
		return err
	}
	if has {
		return record(true)
	}

	device, ok := s.devices.DeviceByIdentityKey(senderKey)
	if !ok {
		if _, err := s.devices.DownloadKeys(ctx, []domain.UserID{sender}, true); err != nil {
			s.log.Warnf("no_olm from %s: downloading keys: %v", sender, err)
		}
		device, ok = s.devices.DeviceByIdentityKey(senderKey)
	}
	if !ok || device.UserID != sender {
		s.log.Warnf("no_olm from %s: unknown device %s", sender, senderKey)
		return record(false)
	}

	res, err := s.broker.EnsureChannels(ctx, []domain.DeviceInfo{device}, olmbroker.Options{Timeout: s.noOlmTimeout})
	if err != nil {
		return err
	}
	if len(res.Established) == 0 {
		s.log.Warnf("no_olm from %s: could not set up a channel", device.Key())
		return record(false)
	}
	content, err := s.channel.Encrypt(device, types.EventDummy, struct{}{})
	if err != nil {
		s.log.Warnf("no_olm from %s: encrypting dummy: %v", device.Key(), err)
		return record(false)
	}
	content.MessageID = uuid.NewString()
	if err := s.sender.SendToDevice(ctx, types.EventEncrypted, map[domain.DeviceKey]any{device.Key(): content}); err != nil {
		s.log.Warnf("no_olm from %s: sending dummy: %v", device.Key(), err)
	}
	return record(true)
}

// UnparkForInvite imports the shared-history keys parked for room that were
// forwarded by inviter. Other parked keys for the room are discarded.
func (s *Service) UnparkForInvite(ctx context.Context, room domain.RoomID, inviter domain.UserID) error {
	parked, err := s.store.TakeParkedKeys(room)
	if err != nil {
		return err
	}
	for _, p := range parked {
		if p.SenderID != inviter {
			s.log.Debugf("[%s] discarding parked key %s from %s", room, p.Content.SessionID, p.SenderID)
			continue
		}
		session, err := forwardedSession(p.Content)
		if err != nil {
			s.log.Warnf("[%s] parked key %s: %v", room, p.Content.SessionID, err)
			continue
		}
		if err := s.add(ctx, session); err != nil {
			return err
		}
	}
	return nil
}
