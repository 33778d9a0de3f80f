package relay

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
)

type membership int

const (
	memberInvited membership = iota + 1
	memberJoined
)

type room struct {
	visibility domain.HistoryVisibility
	members    map[domain.UserID]membership
	inviters   map[domain.UserID]domain.UserID
	timeline   []domain.EncryptedEvent
}

// CreateRoom creates a room with creator joined.
func (h *Hub) CreateRoom(id domain.RoomID, creator domain.UserID, visibility domain.HistoryVisibility) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms[id] = &room{
		visibility: visibility,
		members:    map[domain.UserID]membership{creator: memberJoined},
		inviters:   make(map[domain.UserID]domain.UserID),
	}
}

func (h *Hub) withRoom(id domain.RoomID, fn func(r *room)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		return ErrUnknownRoom
	}
	fn(r)
	return nil
}

// Invite records an invite from inviter.
func (h *Hub) Invite(id domain.RoomID, inviter, invitee domain.UserID) error {
	return h.withRoom(id, func(r *room) {
		r.members[invitee] = memberInvited
		r.inviters[invitee] = inviter
	})
}

// Join makes user a joined member.
func (h *Hub) Join(id domain.RoomID, user domain.UserID) error {
	return h.withRoom(id, func(r *room) { r.members[user] = memberJoined })
}

// Leave removes user from the room.
func (h *Hub) Leave(id domain.RoomID, user domain.UserID) error {
	return h.withRoom(id, func(r *room) {
		delete(r.members, user)
		delete(r.inviters, user)
	})
}

// SetHistoryVisibility changes the room's history visibility.
func (h *Hub) SetHistoryVisibility(id domain.RoomID, v domain.HistoryVisibility) error {
	return h.withRoom(id, func(r *room) { r.visibility = v })
}

func (h *Hub) postRoomEvent(id domain.RoomID, sender domain.UserID, content domain.MegolmEncryptedContent) (domain.EncryptedEvent, error) {
	ev := domain.EncryptedEvent{
		EventID:    "$" + uuid.NewString(),
		RoomID:     id,
		Sender:     sender,
		Content:    content,
		ReceivedAt: time.Now(),
	}
	err := h.withRoom(id, func(r *room) { r.timeline = append(r.timeline, ev) })
	return ev, err
}

// Timeline returns the room's events in order.
func (h *Hub) Timeline(id domain.RoomID) []domain.EncryptedEvent {
	var out []domain.EncryptedEvent
	_ = h.withRoom(id, func(r *room) { out = append(out, r.timeline...) })
	return out
}

// RoomView is one user's view of room state.
type RoomView struct {
	hub       *Hub
	user      domain.UserID
	blacklist map[domain.RoomID]bool
}

// View returns user's view of room state.
func (h *Hub) View(user domain.UserID) *RoomView {
	return &RoomView{hub: h, user: user, blacklist: make(map[domain.RoomID]bool)}
}

// SetBlacklistUnverified sets the per-room policy of withholding keys from
// unverified devices.
func (v *RoomView) SetBlacklistUnverified(id domain.RoomID, on bool) {
	v.hub.mu.Lock()
	defer v.hub.mu.Unlock()
	v.blacklist[id] = on
}

func (v *RoomView) BlacklistUnverified(id domain.RoomID) bool {
	v.hub.mu.Lock()
	defer v.hub.mu.Unlock()
	return v.blacklist[id]
}

func (v *RoomView) HistoryVisibility(id domain.RoomID) domain.HistoryVisibility {
	vis := types.VisibilityJoined
	_ = v.hub.withRoom(id, func(r *room) { vis = r.visibility })
	return vis
}

func (v *RoomView) IsKnownRoom(id domain.RoomID) bool {
	known := false
	_ = v.hub.withRoom(id, func(r *room) { known = r.members[v.user] != 0 })
	return known
}

func (v *RoomView) InviterOf(id domain.RoomID) (domain.UserID, bool) {
	var (
		inviter domain.UserID
		ok      bool
	)
	_ = v.hub.withRoom(id, func(r *room) {
		if r.members[v.user] == memberInvited {
			inviter, ok = r.inviters[v.user]
		}
	})
	return inviter, ok
}

// EncryptionTargetMembers returns joined members, plus invited ones unless
// the room only shares history with joined members.
func (v *RoomView) EncryptionTargetMembers(ctx context.Context, id domain.RoomID) ([]domain.UserID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.UserID
	err := v.hub.withRoom(id, func(r *room) {
		for u, m := range r.members {
			if m == memberJoined || (m == memberInvited && r.visibility != types.VisibilityJoined) {
				out = append(out, u)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

var _ domain.RoomState = (*RoomView)(nil)
