package relay

import (
	"context"
	"time"

	"groupcrypt/internal/domain"
)

// Client is one device's connection to the hub.
type Client struct {
	hub    *Hub
	device domain.DeviceKey
}

// Client returns a connection for device.
func (h *Hub) Client(device domain.DeviceKey) *Client {
	return &Client{hub: h, device: device}
}

func (c *Client) UploadKeys(ctx context.Context, device domain.DeviceInfo, otks []domain.SignedOneTimeKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.hub.uploadKeys(device, otks)
	return nil
}

func (c *Client) QueryKeys(ctx context.Context, users []domain.UserID) (map[domain.UserID][]domain.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.hub.queryKeys(users), nil
}

func (c *Client) ClaimOneTimeKeys(
	ctx context.Context,
	devices []domain.DeviceKey,
	timeout time.Duration,
) (domain.ClaimResult, error) {
	return c.hub.claimOneTimeKeys(ctx, devices, timeout)
}

// SendToDevice delivers one message per device. A DeviceID of "*" addresses
// every other device of that user.
func (c *Client) SendToDevice(ctx context.Context, eventType string, messages map[domain.DeviceKey]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.hub.sendToDevice(c.device, eventType, messages)
}

// Receive drains the device's to-device queue.
func (c *Client) Receive(ctx context.Context) ([]domain.ToDeviceEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.hub.drain(c.device), nil
}

// PostRoomEvent appends an encrypted event to the room timeline.
func (c *Client) PostRoomEvent(ctx context.Context, room domain.RoomID, content domain.MegolmEncryptedContent) (domain.EncryptedEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.EncryptedEvent{}, err
	}
	return c.hub.postRoomEvent(room, c.device.UserID, content)
}

// RoomEvents returns the room timeline from position since.
func (c *Client) RoomEvents(ctx context.Context, id domain.RoomID, since int) ([]domain.EncryptedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.EncryptedEvent
	err := c.hub.withRoom(id, func(r *room) {
		if since < len(r.timeline) {
			out = append(out, r.timeline[since:]...)
		}
	})
	return out, err
}

// Compile-time assertions.
var (
	_ domain.KeyDirectory      = (*Client)(nil)
	_ domain.OneTimeKeyClaimer = (*Client)(nil)
	_ domain.ToDeviceSender    = (*Client)(nil)
)
