package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/logging"

	"groupcrypt/internal/domain"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrUnknownRoom   = errors.New("unknown room")
	errServerDown    = errors.New("server unreachable")
)

// ServerBehaviour tunes how a simulated homeserver answers claims.
type ServerBehaviour struct {
	Down    bool
	Latency time.Duration
}

// SentMessage is one delivered to-device message.
type SentMessage struct {
	From    domain.DeviceKey
	To      domain.DeviceKey
	Type    string
	Content json.RawMessage
}

// Hub is the shared server state.
type Hub struct {
	mu       sync.Mutex
	devices  map[domain.DeviceKey]domain.DeviceInfo
	otks     map[domain.DeviceKey][]domain.SignedOneTimeKey
	claims   map[domain.DeviceKey]int
	inbox    map[domain.DeviceKey][]domain.ToDeviceEvent
	sent     []SentMessage
	servers  map[string]ServerBehaviour
	rooms    map[domain.RoomID]*room
	log      logging.LeveledLogger
	waitFunc func(ctx context.Context, d time.Duration) error
}

// NewHub returns an empty hub. A nil factory uses the pion default.
func NewHub(lf logging.LoggerFactory) *Hub {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Hub{
		devices:  make(map[domain.DeviceKey]domain.DeviceInfo),
		otks:     make(map[domain.DeviceKey][]domain.SignedOneTimeKey),
		claims:   make(map[domain.DeviceKey]int),
		inbox:    make(map[domain.DeviceKey][]domain.ToDeviceEvent),
		servers:  make(map[string]ServerBehaviour),
		rooms:    make(map[domain.RoomID]*room),
		log:      lf.NewLogger("relay"),
		waitFunc: sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetServer changes the simulated behaviour of a homeserver.
func (h *Hub) SetServer(server string, b ServerBehaviour) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.servers[server] = b
}

// ---------- Keys ----------

func (h *Hub) uploadKeys(device domain.DeviceInfo, otks []domain.SignedOneTimeKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := device.Key()
	h.devices[k] = device
	h.otks[k] = append(h.otks[k], otks...)
}

// RemoveDevice deletes a device from the directory, as a logout would.
func (h *Hub) RemoveDevice(k domain.DeviceKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.devices, k)
	delete(h.otks, k)
}

func (h *Hub) queryKeys(users []domain.UserID) map[domain.UserID][]domain.DeviceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	want := make(map[domain.UserID]bool, len(users))
	for _, u := range users {
		want[u] = true
	}
	out := make(map[domain.UserID][]domain.DeviceInfo)
	for k, d := range h.devices {
		if want[k.UserID] {
			out[k.UserID] = append(out[k.UserID], d)
		}
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].DeviceID < list[j].DeviceID })
	}
	return out
}

// OneTimeKeyCount returns how many unclaimed one-time keys a device has.
func (h *Hub) OneTimeKeyCount(k domain.DeviceKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.otks[k])
}

// ClaimCount returns how many one-time keys have been claimed for a device.
func (h *Hub) ClaimCount(k domain.DeviceKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.claims[k]
}

func (h *Hub) claimOneTimeKeys(
	ctx context.Context,
	devices []domain.DeviceKey,
	timeout time.Duration,
) (domain.ClaimResult, error) {
	res := domain.ClaimResult{
		Keys:     make(map[domain.DeviceKey]domain.SignedOneTimeKey),
		Failures: make(map[string]error),
	}

	h.mu.Lock()
	var wait time.Duration
	reachable := make(map[string]bool)
	for _, d := range devices {
		server := d.UserID.Server()
		if _, seen := reachable[server]; seen {
			continue
		}
		b := h.servers[server]
		switch {
		case b.Down:
			res.Failures[server] = errServerDown
			reachable[server] = false
		case timeout > 0 && b.Latency >= timeout:
			res.Failures[server] = fmt.Errorf("%s: %w", server, context.DeadlineExceeded)
			reachable[server] = false
		default:
			reachable[server] = true
			wait = max(wait, b.Latency)
		}
	}
	h.mu.Unlock()

	for server, err := range res.Failures {
		h.log.Debugf("claim: %s failed: %v", server, err)
	}
	if err := h.waitFunc(ctx, wait); err != nil {
		return domain.ClaimResult{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range devices {
		if !reachable[d.UserID.Server()] {
			continue
		}
		pool := h.otks[d]
		if len(pool) == 0 {
			continue
		}
		res.Keys[d] = pool[0]
		h.otks[d] = pool[1:]
		h.claims[d]++
	}
	return res, nil
}

// ---------- To-device ----------

func (h *Hub) sendToDevice(from domain.DeviceKey, eventType string, messages map[domain.DeviceKey]any) error {
	encoded := make(map[domain.DeviceKey]json.RawMessage, len(messages))
	for to, content := range messages {
		raw, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("encode %s for %s: %w", eventType, to, err)
		}
		encoded[to] = raw
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.log.Tracef("%s: %s to %d recipients", from, eventType, len(encoded))
	for to, raw := range encoded {
		targets := []domain.DeviceKey{to}
		if to.DeviceID == "*" {
			targets = targets[:0]
			for k := range h.devices {
				if k.UserID == to.UserID && k != from {
					targets = append(targets, k)
				}
			}
		}
		for _, t := range targets {
			h.inbox[t] = append(h.inbox[t], domain.ToDeviceEvent{Type: eventType, Sender: from.UserID, Content: raw})
			h.sent = append(h.sent, SentMessage{From: from, To: t, Type: eventType, Content: raw})
		}
	}
	return nil
}

func (h *Hub) drain(k domain.DeviceKey) []domain.ToDeviceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.inbox[k]
	delete(h.inbox, k)
	return out
}

// Sent returns the delivered to-device messages of eventType, or all of them
// when eventType is empty.
func (h *Hub) Sent(eventType string) []SentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []SentMessage
	for _, m := range h.sent {
		if eventType == "" || m.Type == eventType {
			out = append(out, m)
		}
	}
	return out
}
