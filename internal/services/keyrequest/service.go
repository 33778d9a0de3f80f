// Package keyrequest keeps track of the room keys this device has asked
// other devices for.
package keyrequest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
)

const (
	actionRequest = "request"
	actionCancel  = "request_cancellation"
)

// Config wires a Service.
type Config struct {
	Sender        domain.ToDeviceSender
	Store         domain.KeyRequestStore
	Self          domain.DeviceKey
	LoggerFactory logging.LoggerFactory
}

// Service sends and cancels m.room_key_request messages.
type Service struct {
	sender domain.ToDeviceSender
	store  domain.KeyRequestStore
	self   domain.DeviceKey
	log    logging.LeveledLogger
	now    func() time.Time
}

// New returns a Service for cfg.
func New(cfg Config) *Service {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Service{
		sender: cfg.Sender,
		store:  cfg.Store,
		self:   cfg.Self,
		log:    lf.NewLogger("keyrequest"),
		now:    time.Now,
	}
}

// Recipients are the devices asked for a session: all of our own other
// devices and the device that sent the message.
func (s *Service) Recipients(sender domain.UserID, senderDevice domain.DeviceID) []domain.DeviceKey {
	out := []domain.DeviceKey{{UserID: s.self.UserID, DeviceID: "*"}}
	if sender != "" && senderDevice != "" && (sender != s.self.UserID || senderDevice != s.self.DeviceID) {
		out = append(out, domain.DeviceKey{UserID: sender, DeviceID: senderDevice})
	}
	return out
}

// Request asks recipients for the session named by body. A session already
// asked for is not asked for again.
func (s *Service) Request(ctx context.Context, body domain.RoomKeyRequestBody, recipients []domain.DeviceKey) error {
	if _, ok, err := s.store.FindKeyRequest(body); err != nil || ok {
		return err
	}
	req := domain.OutgoingRoomKeyRequest{
		RequestID:  uuid.NewString(),
		Body:       body,
		Recipients: recipients,
		SentAt:     s.now(),
	}
	content := types.RoomKeyRequestContent{
		Action:             actionRequest,
		Body:               &body,
		RequestID:          req.RequestID,
		RequestingDeviceID: s.self.DeviceID,
	}
	if err := s.sender.SendToDevice(ctx, types.EventRoomKeyRequest, fanOut(recipients, content)); err != nil {
		return fmt.Errorf("send key request: %w", err)
	}
	s.log.Debugf("requested keys for %s from %d recipients", body.SessionID, len(recipients))
	return s.store.SaveKeyRequest(req)
}

// WasRequested reports whether an outstanding request for body was sent to
// from, directly or through a wildcard for its user.
func (s *Service) WasRequested(body domain.RoomKeyRequestBody, from domain.DeviceKey) (bool, error) {
	req, ok, err := s.store.FindKeyRequest(body)
	if err != nil || !ok {
		return false, err
	}
	for _, r := range req.Recipients {
		if r.UserID == from.UserID && (r.DeviceID == "*" || r.DeviceID == from.DeviceID) {
			return true, nil
		}
	}
	return false, nil
}

// Cancel withdraws the request for body, if any.
func (s *Service) Cancel(ctx context.Context, body domain.RoomKeyRequestBody) error {
	req, ok, err := s.store.FindKeyRequest(body)
	if err != nil || !ok {
		return err
	}
	content := types.RoomKeyRequestContent{
		Action:             actionCancel,
		RequestID:          req.RequestID,
		RequestingDeviceID: s.self.DeviceID,
	}
	if err := s.sender.SendToDevice(ctx, types.EventRoomKeyRequest, fanOut(req.Recipients, content)); err != nil {
		return fmt.Errorf("cancel key request: %w", err)
	}
	return s.store.DeleteKeyRequest(body)
}

func fanOut(recipients []domain.DeviceKey, content any) map[domain.DeviceKey]any {
	out := make(map[domain.DeviceKey]any, len(recipients))
	for _, r := range recipients {
		out[r] = content
	}
	return out
}
