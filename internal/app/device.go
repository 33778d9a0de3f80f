package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/metrics"
	"groupcrypt/internal/services/account"
	"groupcrypt/internal/services/decryption"
	"groupcrypt/internal/services/devices"
	"groupcrypt/internal/services/ingest"
	"groupcrypt/internal/services/keyrequest"
	"groupcrypt/internal/services/olmbroker"
	"groupcrypt/internal/services/outbound"
	"groupcrypt/internal/services/pairwise"
	"groupcrypt/internal/services/withheld"
	"groupcrypt/internal/store"
)

// Transport is what a device needs from its homeserver.
type Transport interface {
	domain.KeyDirectory
	domain.OneTimeKeyClaimer
	domain.ToDeviceSender
	Receive(ctx context.Context) ([]domain.ToDeviceEvent, error)
	PostRoomEvent(ctx context.Context, room domain.RoomID, content domain.MegolmEncryptedContent) (domain.EncryptedEvent, error)
	RoomEvents(ctx context.Context, room domain.RoomID, since int) ([]domain.EncryptedEvent, error)
}

// Options builds a Device.
type Options struct {
	Config     Config
	Passphrase string
	Transport  Transport
	Rooms      domain.RoomState
	// Registerer receives the device's metrics when set.
	Registerer prometheus.Registerer
}

// Device bundles the stores and services of one device.
type Device struct {
	Account    *account.Service
	Devices    *devices.Service
	Channel    *pairwise.Service
	Broker     *olmbroker.Broker
	Withheld   *withheld.Notifier
	Requests   *keyrequest.Service
	Decryption *decryption.Service
	Ingest     *ingest.Service
	Outbound   *outbound.Manager
	Store      *store.GroupStore
	Transport  Transport
	Rooms      domain.RoomState
	Metrics    *metrics.Metrics

	cfg Config
	log logging.LeveledLogger
}

// CreateAccount generates a new device account under cfg.Home and returns
// its fingerprint.
func CreateAccount(cfg Config, passphrase string, user domain.UserID, device domain.DeviceID) (domain.Fingerprint, error) {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return "", err
	}
	_, fp, err := account.New(store.NewAccountFileStore(cfg.Home), passphrase).Create(user, device)
	return fp, err
}

// OpenDevice unlocks the account under opts.Config.Home and wires every
// service around it.
func OpenDevice(opts Options) (*Device, error) {
	cfg := opts.Config
	if opts.Transport == nil || opts.Rooms == nil {
		return nil, errors.New("app: transport and room state are required")
	}
	lf := cfg.LoggerFactory()

	acct := account.New(store.NewAccountFileStore(cfg.Home), opts.Passphrase)
	if _, err := acct.Load(); err != nil {
		return nil, err
	}
	gs, err := store.Open(cfg.StoreOptions())
	if err != nil {
		return nil, err
	}

	m := metrics.New(opts.Registerer)
	self := acct.DeviceInfo()
	channel := pairwise.New(acct, store.NewPairwiseFileStore(cfg.Home), lf)
	devs := devices.New(opts.Transport, lf)
	broker := olmbroker.New(olmbroker.Config{
		Channel:       channel,
		Claimer:       opts.Transport,
		LoggerFactory: lf,
		Metrics:       m,
	})
	notifier := withheld.New(withheld.Config{
		Sender:        opts.Transport,
		Store:         gs,
		SenderKey:     self.IdentityKey,
		BatchSize:     cfg.Distribution.BatchSize,
		LoggerFactory: lf,
		Metrics:       m,
	})
	requests := keyrequest.New(keyrequest.Config{
		Sender:        opts.Transport,
		Store:         gs,
		Self:          self.Key(),
		LoggerFactory: lf,
	})
	dec := decryption.New(decryption.Config{
		Store:         gs,
		Problems:      gs,
		Requests:      requests,
		LoggerFactory: lf,
		Metrics:       m,
	})
	in := ingest.New(ingest.Config{
		Store:         gs,
		Problems:      gs,
		Devices:       devs,
		Channel:       channel,
		Broker:        broker,
		Sender:        opts.Transport,
		Rooms:         opts.Rooms,
		Requests:      requests,
		Pending:       dec.Tracker(),
		NoOlmTimeout:  cfg.Distribution.NoOlmTimeout,
		LoggerFactory: lf,
		Metrics:       m,
	})
	out := outbound.New(outbound.Config{
		Self:          self,
		Store:         gs,
		Devices:       devs,
		Channel:       channel,
		Broker:        broker,
		Sender:        opts.Transport,
		Rooms:         opts.Rooms,
		Withheld:      notifier,
		Policy:        cfg.Policy(),
		LoggerFactory: lf,
		Metrics:       m,
	})

	return &Device{
		Account:    acct,
		Devices:    devs,
		Channel:    channel,
		Broker:     broker,
		Withheld:   notifier,
		Requests:   requests,
		Decryption: dec,
		Ingest:     in,
		Outbound:   out,
		Store:      gs,
		Transport:  opts.Transport,
		Rooms:      opts.Rooms,
		Metrics:    m,
		cfg:        cfg,
		log:        lf.NewLogger("device"),
	}, nil
}

// Self returns the device as published.
func (d *Device) Self() domain.DeviceInfo { return d.Account.DeviceInfo() }

// Publish uploads the device keys with a fresh batch of one-time keys.
func (d *Device) Publish(ctx context.Context) error {
	return d.Account.Publish(ctx, d.Transport, d.cfg.Distribution.OneTimeKeys)
}

// Send encrypts content for room and posts it to the room timeline.
func (d *Device) Send(ctx context.Context, room domain.RoomID, eventType string, content any) (domain.EncryptedEvent, error) {
	enc, err := d.Outbound.EncryptMessage(ctx, room, eventType, content)
	if err != nil {
		return domain.EncryptedEvent{}, err
	}
	return d.Transport.PostRoomEvent(ctx, room, enc)
}

// Sync drains the device's to-device queue: Olm messages are opened, key
// events go to ingest and key requests for our own sessions are answered.
// The inbox is gone once received, so a store failure on one event does not
// stop the rest; the failures come back joined. It returns how many events
// it read.
func (d *Device) Sync(ctx context.Context) (int, error) {
	events, err := d.Transport.Receive(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, ev := range events {
		if ev.Type == types.EventEncrypted {
			var content domain.OlmEncryptedContent
			if err := json.Unmarshal(ev.Content, &content); err != nil {
				d.log.Warnf("dropping undecodable olm message from %s: %v", ev.Sender, err)
				continue
			}
			opened, err := d.Channel.Decrypt(ev.Sender, content)
			if err != nil {
				d.log.Warnf("dropping olm message from %s: %v", ev.Sender, err)
				continue
			}
			ev = opened
			if _, known := d.Devices.DeviceByIdentityKey(ev.SenderKey); !known {
				if _, err := d.Devices.DownloadKeys(ctx, []domain.UserID{ev.Sender}, true); err != nil {
					d.log.Warnf("refreshing devices of %s: %v", ev.Sender, err)
				}
			}
		}
		if ev.Type == types.EventRoomKeyRequest {
			d.answerKeyRequest(ctx, ev)
			continue
		}
		if err := d.Ingest.Handle(ctx, ev); err != nil {
			d.log.Errorf("%s from %s: %v", ev.Type, ev.Sender, err)
			errs = append(errs, err)
		}
	}
	return len(events), errors.Join(errs...)
}

// answerKeyRequest reshares one of our own sessions with the requesting
// device, if it had the session before.
func (d *Device) answerKeyRequest(ctx context.Context, ev domain.ToDeviceEvent) {
	var req domain.RoomKeyRequestContent
	if err := json.Unmarshal(ev.Content, &req); err != nil || req.Action != "request" || req.Body == nil {
		return
	}
	if req.Body.SenderKey != d.Self().IdentityKey {
		return
	}
	all, err := d.Devices.DownloadKeys(ctx, []domain.UserID{ev.Sender}, false)
	if err != nil {
		d.log.Warnf("key request from %s: %v", ev.Sender, err)
		return
	}
	device, ok := all[domain.DeviceKey{UserID: ev.Sender, DeviceID: req.RequestingDeviceID}]
	if !ok {
		d.log.Debugf("key request from unknown device %s|%s", ev.Sender, req.RequestingDeviceID)
		return
	}
	if err := d.Outbound.ReshareKeyWithDevice(ctx, req.Body.SenderKey, req.Body.SessionID, ev.Sender, device); err != nil {
		d.log.Warnf("resharing %s with %s: %v", req.Body.SessionID, device.Key(), err)
	}
}

// ReadResult is one room event after a decryption attempt.
type ReadResult struct {
	Event     domain.EncryptedEvent
	Decrypted domain.DecryptedEvent
	Err       error
}

// Read decrypts the room timeline from position since. Failed events stay
// pending and are retried when their keys arrive.
func (d *Device) Read(ctx context.Context, room domain.RoomID, since int) ([]ReadResult, error) {
	events, err := d.Transport.RoomEvents(ctx, room, since)
	if err != nil {
		return nil, err
	}
	out := make([]ReadResult, 0, len(events))
	for _, ev := range events {
		dec, err := d.Decryption.DecryptEvent(ctx, ev)
		out = append(out, ReadResult{Event: ev, Decrypted: dec, Err: err})
	}
	return out, nil
}

// ShareHistory forwards the room's shared-history sessions to user's
// devices, as done when inviting them.
func (d *Device) ShareHistory(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	all, err := d.Devices.DownloadKeys(ctx, []domain.UserID{user}, false)
	if err != nil {
		return err
	}
	targets := make([]domain.DeviceInfo, 0, len(all))
	for _, dev := range all {
		targets = append(targets, dev)
	}
	if len(targets) == 0 {
		return fmt.Errorf("%s has no devices", user)
	}
	return d.Outbound.ShareHistoryWithDevices(ctx, room, targets)
}

// JoinedRoom imports keys parked for room that came from the user who
// invited us.
func (d *Device) JoinedRoom(ctx context.Context, room domain.RoomID, inviter domain.UserID) error {
	return d.Ingest.UnparkForInvite(ctx, room, inviter)
}

// Close stops background work and closes the store.
func (d *Device) Close() error {
	d.Outbound.Close()
	return d.Store.Close()
}
