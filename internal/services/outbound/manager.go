// Package outbound owns the outbound Megolm session of each room: it decides
// when to rotate, shares the session key with the room's devices and
// encrypts messages.
//
// Every operation that reads or changes a room's session runs through that
// room's FIFO queue. A failed setup folds the room back to "no session in
// memory"; the next caller reloads the last persisted state.
package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/metrics"
	"groupcrypt/internal/protocol/megolm"
	"groupcrypt/internal/services/olmbroker"
	"groupcrypt/internal/services/withheld"
)

// Rotation reasons, as recorded in metrics.
const (
	reasonVisibility = "visibility"
	reasonMessages   = "messages"
	reasonAge        = "age"
	reasonMembership = "membership"
)

// Broker sets up pairwise channels.
type Broker interface {
	Split(devices []domain.DeviceInfo) (with, without []domain.DeviceInfo, err error)
	EnsureChannels(ctx context.Context, devices []domain.DeviceInfo, opts olmbroker.Options) (olmbroker.Result, error)
}

// Notifier sends withheld notices.
type Notifier interface {
	Notify(
		ctx context.Context,
		notified map[domain.DeviceKey]bool,
		room domain.RoomID,
		sessionID string,
		targets []withheld.Target,
	) error
}

// Config wires a Manager.
type Config struct {
	// Self is this device.
	Self     domain.DeviceInfo
	Store    domain.GroupSessionStore
	Devices  domain.DeviceList
	Channel  domain.PairwiseChannel
	Broker   Broker
	Sender   domain.ToDeviceSender
	Rooms    domain.RoomState
	Withheld Notifier
	// Policy should start from DefaultPolicy; zero durations and counts
	// are replaced by the defaults.
	Policy        Policy
	LoggerFactory logging.LoggerFactory
	Metrics       *metrics.Metrics
}

// Manager is the OutboundSessionManager of one device.
type Manager struct {
	self     domain.DeviceInfo
	store    domain.GroupSessionStore
	devices  domain.DeviceList
	channel  domain.PairwiseChannel
	broker   Broker
	sender   domain.ToDeviceSender
	rooms    domain.RoomState
	withheld Notifier
	policy   Policy
	log      logging.LeveledLogger
	metrics  *metrics.Metrics
	now      func() time.Time

	// base parents background work; Close cancels it.
	base   context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu sync.Mutex
	// tails is the last waiter of each room's queue.
	tails map[domain.RoomID]chan struct{}
	// current is the in-memory session of each room. A missing entry means
	// the persisted state has to be loaded.
	current map[domain.RoomID]*domain.OutboundGroupSession
	// sessions indexes every session seen in this process by id.
	sessions  map[string]*domain.OutboundGroupSession
	preparing map[domain.RoomID]context.CancelFunc
}

// New returns a Manager for cfg.
func New(cfg Config) *Manager {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:      cfg.Self,
		store:     cfg.Store,
		devices:   cfg.Devices,
		channel:   cfg.Channel,
		broker:    cfg.Broker,
		sender:    cfg.Sender,
		rooms:     cfg.Rooms,
		withheld:  cfg.Withheld,
		policy:    cfg.Policy.withDefaults(),
		log:       lf.NewLogger("outbound"),
		metrics:   cfg.Metrics,
		now:       time.Now,
		base:      base,
		cancel:    cancel,
		tails:     make(map[domain.RoomID]chan struct{}),
		current:   make(map[domain.RoomID]*domain.OutboundGroupSession),
		sessions:  make(map[string]*domain.OutboundGroupSession),
		preparing: make(map[domain.RoomID]context.CancelFunc),
	}
}

// Wait blocks until background work started so far has finished.
func (m *Manager) Wait() { m.bg.Wait() }

// Close cancels background work and waits for it.
func (m *Manager) Close() {
	m.cancel()
	m.bg.Wait()
}

// queued runs fn once every earlier call for room has finished. A caller
// that gives up while waiting keeps its place so later callers still wait
// for the ones ahead of it.
func (m *Manager) queued(ctx context.Context, room domain.RoomID, fn func() error) error {
	m.mu.Lock()
	prev := m.tails[room]
	mine := make(chan struct{})
	m.tails[room] = mine
	m.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				m.release(room, mine)
			}()
			return ctx.Err()
		}
	}
	defer m.release(room, mine)
	return fn()
}

func (m *Manager) release(room domain.RoomID, mine chan struct{}) {
	m.mu.Lock()
	if m.tails[room] == mine {
		delete(m.tails, room)
	}
	m.mu.Unlock()
	close(mine)
}

// session returns the room's session, loading it from the store when it is
// not in memory. Callers hold the room's queue.
func (m *Manager) session(room domain.RoomID) (*domain.OutboundGroupSession, error) {
	m.mu.Lock()
	s, ok := m.current[room]
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	loaded, found, err := m.store.LoadOutbound(room)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if loaded.SharedWith == nil {
		loaded.SharedWith = make(map[domain.DeviceKey]domain.SharedWithDevice)
	}
	if loaded.BlockedNotified == nil {
		loaded.BlockedNotified = make(map[domain.DeviceKey]bool)
	}
	m.setCurrent(room, &loaded)
	return &loaded, nil
}

func (m *Manager) setCurrent(room domain.RoomID, s *domain.OutboundGroupSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil {
		delete(m.current, room)
		return
	}
	m.current[room] = s
	m.sessions[s.SessionID] = s
}

// fold drops the in-memory session after a failed operation.
func (m *Manager) fold(room domain.RoomID, err error) error {
	if err != nil {
		m.log.Warnf("[%s] session setup failed: %v", room, err)
		m.setCurrent(room, nil)
	}
	return err
}

// EnsureSession returns the room's current session, rotating it when needed,
// after sharing its key with devices and telling blocked devices why they
// were left out. Devices whose channel could not be set up within the first
// phase are retried in the background.
func (m *Manager) EnsureSession(
	ctx context.Context,
	room domain.RoomID,
	devices []domain.DeviceInfo,
	blocked []withheld.Target,
) (domain.OutboundGroupSession, error) {
	var out domain.OutboundGroupSession
	err := m.queued(ctx, room, func() error {
		s, err := m.ensure(ctx, room, devices, blocked, false)
		if err != nil {
			return m.fold(room, err)
		}
		out = clone(*s)
		return nil
	})
	return out, err
}

// ensure runs with the room's queue held.
func (m *Manager) ensure(
	ctx context.Context,
	room domain.RoomID,
	devices []domain.DeviceInfo,
	blocked []withheld.Target,
	singlePhase bool,
) (*domain.OutboundGroupSession, error) {
	s, err := m.session(room)
	if err != nil {
		return nil, err
	}
	shared := m.rooms.HistoryVisibility(room).SharesHistory()

	if reason, rotate := m.needsRotation(s, shared, devices); rotate {
		if s != nil {
			m.log.Infof("[%s] rotating session %s: %s", room, s.SessionID, reason)
			m.metrics.Rotated(reason)
		}
		if s, err = m.createSession(room, shared); err != nil {
			return nil, err
		}
	}

	if err := m.distribute(ctx, s, devices, singlePhase); err != nil {
		return nil, err
	}
	if err := m.notifyBlocked(ctx, s, blocked); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) needsRotation(s *domain.OutboundGroupSession, shared bool, devices []domain.DeviceInfo) (string, bool) {
	switch {
	case s == nil:
		return "", true
	case s.SharedHistory != shared:
		return reasonVisibility, true
	case s.UseCount >= m.policy.RotationMessages:
		return reasonMessages, true
	case m.now().Sub(s.CreatedAt) >= m.policy.RotationPeriod:
		return reasonAge, true
	case m.policy.RotateOnDeviceRemoval && sharedWithTooManyDevices(s, devices):
		return reasonMembership, true
	}
	return "", false
}

// sharedWithTooManyDevices reports whether s went to a device that is not
// among devices any more.
func sharedWithTooManyDevices(s *domain.OutboundGroupSession, devices []domain.DeviceInfo) bool {
	present := make(map[domain.DeviceKey]bool, len(devices))
	for _, d := range devices {
		present[d.Key()] = true
	}
	for k := range s.SharedWith {
		if !present[k] {
			return true
		}
	}
	return false
}

// createSession starts a new session for room and stores our own inbound
// copy so this device can read its messages.
func (m *Manager) createSession(room domain.RoomID, shared bool) (*domain.OutboundGroupSession, error) {
	s, err := megolm.NewOutboundSession(room, m.now(), shared)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.AddInbound(megolm.InboundFromOutbound(s, m.self.IdentityKey, m.self.SigningKey)); err != nil {
		return nil, err
	}
	if err := m.store.SaveOutbound(s); err != nil {
		return nil, err
	}
	m.setCurrent(room, &s)
	m.metrics.SessionCreated()
	m.log.Infof("[%s] created session %s (shared history %v)", room, s.SessionID, shared)
	return &s, nil
}

type plaintext struct {
	RoomID  domain.RoomID `json:"room_id"`
	Type    string        `json:"type"`
	Content any           `json:"content"`
}

// EncryptMessage encrypts a room event with the room's session, first
// making sure every current recipient has the key.
func (m *Manager) EncryptMessage(ctx context.Context, room domain.RoomID, eventType string, content any) (domain.MegolmEncryptedContent, error) {
	rd, err := m.DevicesInRoom(ctx, room, false)
	if err != nil {
		return domain.MegolmEncryptedContent{}, err
	}

	var out domain.MegolmEncryptedContent
	err = m.queued(ctx, room, func() error {
		s, err := m.ensure(ctx, room, rd.Devices, rd.Blocked, false)
		if err != nil {
			return m.fold(room, err)
		}
		pt, err := json.Marshal(plaintext{RoomID: room, Type: eventType, Content: content})
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		ct, err := megolm.Encrypt(s, pt)
		if err != nil {
			return m.fold(room, err)
		}
		s.UseCount++
		if err := m.store.SaveOutbound(*s); err != nil {
			return m.fold(room, err)
		}
		out = domain.MegolmEncryptedContent{
			Algorithm:  types.AlgorithmMegolm,
			SenderKey:  m.self.IdentityKey,
			SessionID:  s.SessionID,
			Ciphertext: ct,
			DeviceID:   m.self.DeviceID,
		}
		return nil
	})
	return out, err
}

// DiscardSession drops the room's session; the next message starts a new
// one.
func (m *Manager) DiscardSession(ctx context.Context, room domain.RoomID) error {
	return m.queued(ctx, room, func() error {
		m.setCurrent(room, nil)
		m.log.Infof("[%s] discarding session", room)
		return m.store.DeleteOutbound(room)
	})
}

func clone(s domain.OutboundGroupSession) domain.OutboundGroupSession {
	shared := make(map[domain.DeviceKey]domain.SharedWithDevice, len(s.SharedWith))
	for k, v := range s.SharedWith {
		shared[k] = v
	}
	notified := make(map[domain.DeviceKey]bool, len(s.BlockedNotified))
	for k, v := range s.BlockedNotified {
		notified[k] = v
	}
	s.SharedWith = shared
	s.BlockedNotified = notified
	return s
}
