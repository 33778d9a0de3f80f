// Package decryption decrypts Megolm room events and explains failures.
package decryption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pion/logging"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/metrics"
	"groupcrypt/internal/protocol/megolm"
	"groupcrypt/internal/services/pending"
)

// problemFuzz widens the window in which a channel problem is blamed for an
// undecryptable event, to allow for clock skew.
const problemFuzz = 2 * time.Minute

var problemDescriptions = map[string]string{
	"no_olm": "The sender was unable to establish a secure channel.",
}

const unknownProblem = "There was a problem establishing a secure channel with the sender."

// KeyRequester asks other devices for missing sessions.
type KeyRequester interface {
	Recipients(sender domain.UserID, senderDevice domain.DeviceID) []domain.DeviceKey
	Request(ctx context.Context, body domain.RoomKeyRequestBody, recipients []domain.DeviceKey) error
}

// Config wires a Service.
type Config struct {
	Store         domain.GroupSessionStore
	Problems      domain.SessionProblemStore
	Requests      KeyRequester
	Tracker       *pending.Tracker
	LoggerFactory logging.LoggerFactory
	Metrics       *metrics.Metrics
}

// Service decrypts room events. It registers itself as the tracker's
// decrypter.
type Service struct {
	store    domain.GroupSessionStore
	problems domain.SessionProblemStore
	requests KeyRequester
	tracker  *pending.Tracker
	log      logging.LeveledLogger
	metrics  *metrics.Metrics

	mu sync.Mutex
	// seen maps sender key|session|index to the event that used it.
	seen map[string]string
}

// New returns a Service for cfg.
func New(cfg Config) *Service {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = pending.New(cfg.Metrics)
	}
	s := &Service{
		store:    cfg.Store,
		problems: cfg.Problems,
		requests: cfg.Requests,
		tracker:  tracker,
		log:      lf.NewLogger("decryption"),
		metrics:  cfg.Metrics,
		seen:     make(map[string]string),
	}
	tracker.SetDecrypter(s.DecryptEvent)
	return s
}

// Tracker returns the pending index the service feeds.
func (s *Service) Tracker() *pending.Tracker { return s.tracker }

type payload struct {
	RoomID  domain.RoomID   `json:"room_id"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// DecryptEvent decrypts ev. Failures are *types.DecryptionError unless the
// session store failed.
func (s *Service) DecryptEvent(ctx context.Context, ev domain.EncryptedEvent) (domain.DecryptedEvent, error) {
	c := ev.Content
	if c.SenderKey == "" || c.SessionID == "" || c.Ciphertext == "" {
		return domain.DecryptedEvent{}, s.fail(&types.DecryptionError{Code: types.CodeMissingFields, Detail: "missing fields in input"})
	}

	// Index before trying so a key arriving mid-attempt triggers a retry.
	s.tracker.Add(ev)

	session, ok, err := s.store.GetInbound(ev.RoomID, c.SenderKey, c.SessionID)
	if err != nil {
		return domain.DecryptedEvent{}, err
	}
	if !ok {
		s.requestKeys(ctx, ev)
		return domain.DecryptedEvent{}, s.fail(s.unknownSession(ev))
	}

	plaintext, index, err := megolm.Decrypt(session, c.Ciphertext)
	switch {
	case errors.Is(err, megolm.ErrUnknownMessageIndex):
		s.requestKeys(ctx, ev)
		derr := &types.DecryptionError{
			Code:      types.CodeUnknownIndex,
			Detail:    fmt.Sprintf("message index %d is before the first known index %d", index, session.FirstKnownIndex),
			SenderKey: c.SenderKey,
			SessionID: c.SessionID,
			Err:       err,
		}
		if w, ok, _ := s.store.GetWithheld(ev.RoomID, c.SenderKey, c.SessionID); ok {
			derr.Withheld = w.Code
		}
		return domain.DecryptedEvent{}, s.fail(derr)
	case err != nil:
		return domain.DecryptedEvent{}, s.fail(&types.DecryptionError{
			Code: types.CodeBadEncryptedMessage, Detail: err.Error(),
			SenderKey: c.SenderKey, SessionID: c.SessionID, Err: err,
		})
	}

	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return domain.DecryptedEvent{}, s.fail(&types.DecryptionError{
			Code: types.CodeBadEncryptedMessage, Detail: "payload is not JSON",
			SenderKey: c.SenderKey, SessionID: c.SessionID, Err: err,
		})
	}
	if p.RoomID != ev.RoomID {
		return domain.DecryptedEvent{}, s.fail(&types.DecryptionError{
			Code:      types.CodeBadRoom,
			Detail:    fmt.Sprintf("message intended for room %s", p.RoomID),
			SenderKey: c.SenderKey,
			SessionID: c.SessionID,
		})
	}

	// Only payloads that passed every other check claim their index.
	if err := s.checkReplay(ev, index); err != nil {
		return domain.DecryptedEvent{}, s.fail(err.(*types.DecryptionError))
	}

	untrusted := session.Trust == types.Untrusted
	s.tracker.Resolve(ev, !untrusted)
	return domain.DecryptedEvent{
		EventID:         ev.EventID,
		RoomID:          ev.RoomID,
		Sender:          ev.Sender,
		Type:            p.Type,
		Content:         p.Content,
		SenderKey:       c.SenderKey,
		ClaimedEd25519:  session.ClaimedEd25519,
		ForwardingChain: session.ForwardingChain,
		Untrusted:       untrusted,
		MessageIndex:    index,
	}, nil
}

func (s *Service) checkReplay(ev domain.EncryptedEvent, index uint32) error {
	if ev.EventID == "" {
		return nil
	}
	key := ev.Content.SenderKey + "|" + ev.Content.SessionID + "|" + strconv.FormatUint(uint64(index), 10)
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.seen[key]; ok && prev != ev.EventID {
		return &types.DecryptionError{
			Code:      types.CodeReplayedIndex,
			Detail:    fmt.Sprintf("message index %d already used by %s", index, prev),
			SenderKey: ev.Content.SenderKey,
			SessionID: ev.Content.SessionID,
		}
	}
	s.seen[key] = ev.EventID
	return nil
}

func (s *Service) unknownSession(ev domain.EncryptedEvent) *types.DecryptionError {
	c := ev.Content
	derr := &types.DecryptionError{
		Code:      types.CodeUnknownSession,
		Detail:    "the sender's device has not sent us the keys for this message",
		SenderKey: c.SenderKey,
		SessionID: c.SessionID,
	}
	if w, ok, err := s.store.GetWithheld(ev.RoomID, c.SenderKey, c.SessionID); err == nil && ok {
		derr.Code = types.CodeKeyWithheld
		derr.Detail = w.Reason
		derr.Withheld = w.Code
		return derr
	}
	if s.problems == nil {
		return derr
	}
	problem, ok, err := s.problems.SessionMayHaveProblems(c.SenderKey, ev.ReceivedAt.Add(-problemFuzz))
	if err != nil || !ok {
		return derr
	}
	desc, known := problemDescriptions[problem.Type]
	if !known {
		desc = unknownProblem
	}
	if problem.Fixed {
		desc += " Trying to create a new secure channel and re-requesting the keys."
	}
	derr.Detail = desc
	return derr
}

func (s *Service) requestKeys(ctx context.Context, ev domain.EncryptedEvent) {
	if s.requests == nil {
		return
	}
	body := domain.RoomKeyRequestBody{
		Algorithm: types.AlgorithmMegolm,
		RoomID:    ev.RoomID,
		SenderKey: ev.Content.SenderKey,
		SessionID: ev.Content.SessionID,
	}
	if err := s.requests.Request(ctx, body, s.requests.Recipients(ev.Sender, ev.Content.DeviceID)); err != nil {
		s.log.Warnf("[%s] key request for %s failed: %v", ev.RoomID, ev.Content.SessionID, err)
	}
}

func (s *Service) fail(err *types.DecryptionError) error {
	s.metrics.DecryptionFailed(string(err.Code))
	return err
}
