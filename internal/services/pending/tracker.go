// Package pending indexes room events that could not be decrypted yet and
// retries them when a key for their session arrives.
//
// Events are added before decryption is attempted, so a key that lands
// while an attempt is running still finds the event on the next retry. An
// event decrypted with an untrusted key stays indexed until a trusted key
// decrypts it.
package pending

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/metrics"
)

// maxConcurrentRetries bounds the decryptions run for one retry call.
const maxConcurrentRetries = 8

// DecryptFunc decrypts one event. It is expected to call Resolve on success.
type DecryptFunc func(ctx context.Context, ev domain.EncryptedEvent) (domain.DecryptedEvent, error)

type sessionKey struct {
	senderKey string
	sessionID string
}

type entry struct {
	event domain.EncryptedEvent
	// untrusted is set once the event decrypted with an untrusted key.
	untrusted bool
}

// Tracker is the pending-decryption index. The zero value is not usable;
// call New.
type Tracker struct {
	decrypt DecryptFunc
	metrics *metrics.Metrics

	mu     sync.Mutex
	events map[sessionKey]map[string]*entry
	count  int
}

// New returns an empty Tracker. SetDecrypter must be called before Retry.
func New(m *metrics.Metrics) *Tracker {
	return &Tracker{metrics: m, events: make(map[sessionKey]map[string]*entry)}
}

// SetDecrypter sets the function retries go through.
func (t *Tracker) SetDecrypter(fn DecryptFunc) {
	t.mu.Lock()
	t.decrypt = fn
	t.mu.Unlock()
}

func keyOf(ev domain.EncryptedEvent) sessionKey {
	return sessionKey{senderKey: ev.Content.SenderKey, sessionID: ev.Content.SessionID}
}

// Add indexes ev under its (sender key, session id). Adding an event twice
// keeps its state.
func (t *Tracker) Add(ev domain.EncryptedEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyOf(ev)
	set := t.events[k]
	if set == nil {
		set = make(map[string]*entry)
		t.events[k] = set
	}
	if _, ok := set[ev.EventID]; !ok {
		set[ev.EventID] = &entry{event: ev}
		t.count++
		t.metrics.SetPending(t.count)
	}
}

// Remove drops ev from the index.
func (t *Tracker) Remove(ev domain.EncryptedEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(keyOf(ev), ev.EventID)
}

func (t *Tracker) removeLocked(k sessionKey, eventID string) {
	set := t.events[k]
	if _, ok := set[eventID]; !ok {
		return
	}
	delete(set, eventID)
	if len(set) == 0 {
		delete(t.events, k)
	}
	t.count--
	t.metrics.SetPending(t.count)
}

// Resolve records a successful decryption of ev. A trusted decryption
// removes the event; an untrusted one keeps it for a later trusted key.
func (t *Tracker) Resolve(ev domain.EncryptedEvent, trusted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyOf(ev)
	if trusted {
		t.removeLocked(k, ev.EventID)
		return
	}
	if e, ok := t.events[k][ev.EventID]; ok {
		e.untrusted = true
	}
}

// Pending returns the events waiting on a session, oldest first.
func (t *Tracker) Pending(senderKey, sessionID string) []domain.EncryptedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(sessionKey{senderKey, sessionID}, true)
}

// Len returns the number of indexed events.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *Tracker) snapshotLocked(k sessionKey, includeUntrusted bool) []domain.EncryptedEvent {
	var out []domain.EncryptedEvent
	for _, e := range t.events[k] {
		if e.untrusted && !includeUntrusted {
			continue
		}
		out = append(out, e.event)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

// Retry re-attempts decryption of every event pending on the session. Events
// already decrypted with an untrusted key are only retried when
// forceIfUntrusted is set. It reports whether no event is left pending once
// all attempts have finished.
func (t *Tracker) Retry(ctx context.Context, senderKey, sessionID string, forceIfUntrusted bool) bool {
	k := sessionKey{senderKey, sessionID}
	t.mu.Lock()
	events := t.snapshotLocked(k, forceIfUntrusted)
	decrypt := t.decrypt
	t.mu.Unlock()

	if decrypt != nil && len(events) > 0 {
		var g errgroup.Group
		g.SetLimit(maxConcurrentRetries)
		for _, ev := range events {
			g.Go(func() error {
				// Failures leave the event indexed.
				_, _ = decrypt(ctx, ev)
				return nil
			})
		}
		_ = g.Wait()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events[k]) == 0
}

// RetryAllFromSender retries every session pending on senderKey and reports
// whether all of them resolved.
func (t *Tracker) RetryAllFromSender(ctx context.Context, senderKey string) bool {
	t.mu.Lock()
	var sessions []string
	for k := range t.events {
		if k.senderKey == senderKey {
			sessions = append(sessions, k.sessionID)
		}
	}
	t.mu.Unlock()
	sort.Strings(sessions)

	all := true
	for _, id := range sessions {
		if !t.Retry(ctx, senderKey, id, false) {
			all = false
		}
	}
	return all
}
