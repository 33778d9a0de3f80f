// Package withheld tells devices why they will not receive a room key.
package withheld

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/metrics"
	"groupcrypt/internal/services/batch"
)

// DefaultBatchSize is the maximum number of devices per to-device request.
const DefaultBatchSize = 20

// Target is a device to notify and the reason it is excluded.
type Target struct {
	Device domain.DeviceInfo
	Code   domain.WithheldCode
}

// Config wires a Notifier.
type Config struct {
	Sender        domain.ToDeviceSender
	Store         domain.GroupSessionStore
	SenderKey     string
	BatchSize     int
	LoggerFactory logging.LoggerFactory
	Metrics       *metrics.Metrics
}

// Notifier sends m.room_key.withheld notices at most once per session and
// device. m.no_olm notices are sent at most once per device.
type Notifier struct {
	sender    domain.ToDeviceSender
	store     domain.GroupSessionStore
	senderKey string
	batchSize int
	log       logging.LeveledLogger
	metrics   *metrics.Metrics
}

// New returns a Notifier for cfg.
func New(cfg Config) *Notifier {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	size := cfg.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Notifier{
		sender:    cfg.Sender,
		store:     cfg.Store,
		senderKey: cfg.SenderKey,
		batchSize: size,
		log:       lf.NewLogger("withheld"),
		metrics:   cfg.Metrics,
	}
}

// Notify sends a withheld notice to each target not yet told. notified is
// the session's in-memory notified set; it may be nil and is updated after
// every batch that was sent.
func (n *Notifier) Notify(
	ctx context.Context,
	notified map[domain.DeviceKey]bool,
	room domain.RoomID,
	sessionID string,
	targets []Target,
) error {
	var todo []Target
	for _, t := range targets {
		recordID := recordSession(sessionID, t.Code)
		if t.Code != types.WithheldNoOlm && notified[t.Device.Key()] {
			continue
		}
		done, err := n.store.WithheldNotified(recordID, t.Device.Key())
		if err != nil {
			return err
		}
		if done {
			if t.Code != types.WithheldNoOlm && notified != nil {
				notified[t.Device.Key()] = true
			}
			continue
		}
		todo = append(todo, t)
	}
	if len(todo) == 0 {
		return nil
	}

	var errs []error
	for _, b := range batch.ByUser(todo, func(t Target) domain.UserID { return t.Device.UserID }, n.batchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.send(ctx, notified, room, sessionID, b); err != nil {
			if errors.Is(err, types.ErrSessionStore) {
				return err
			}
			n.log.Warnf("[%s] withheld batch of %d devices failed: %v", room, len(b), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) send(
	ctx context.Context,
	notified map[domain.DeviceKey]bool,
	room domain.RoomID,
	sessionID string,
	targets []Target,
) error {
	messages := make(map[domain.DeviceKey]any, len(targets))
	records := make([]domain.WithheldRecord, 0, len(targets))
	counts := make(map[domain.WithheldCode]int)
	for _, t := range targets {
		content := types.WithheldContent{
			Algorithm: types.AlgorithmMegolm,
			Code:      t.Code,
			Reason:    t.Code.Reason(),
			SenderKey: n.senderKey,
			MessageID: uuid.NewString(),
		}
		if t.Code != types.WithheldNoOlm {
			content.RoomID = room
			content.SessionID = sessionID
		}
		messages[t.Device.Key()] = content
		records = append(records, domain.WithheldRecord{
			SessionID: recordSession(sessionID, t.Code),
			Device:    t.Device.Key(),
			Code:      t.Code,
		})
		counts[t.Code]++
	}

	if err := n.sender.SendToDevice(ctx, types.EventRoomKeyWithheld, messages); err != nil {
		return fmt.Errorf("send withheld: %w", err)
	}
	for _, t := range targets {
		if t.Code != types.WithheldNoOlm && notified != nil {
			notified[t.Device.Key()] = true
		}
	}
	for code, c := range counts {
		n.metrics.Withheld(string(code), c)
	}
	n.log.Debugf("[%s] sent withheld notices to %d devices", room, len(targets))
	return n.store.MarkWithheldNotified(records)
}

// recordSession is the session id withheld records are kept under.
// m.no_olm is not tied to a session.
func recordSession(sessionID string, code domain.WithheldCode) string {
	if code == types.WithheldNoOlm {
		return ""
	}
	return sessionID
}
