package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"gorm.io/gorm"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/protocol/megolm"
)

// GroupStore is the device's group-session store.
type GroupStore struct {
	b backend
	// mu serialises read-modify-write sequences such as the inbound merge.
	mu sync.Mutex
}

// NewFileGroupStore stores JSON files under dir.
func NewFileGroupStore(dir string) (*GroupStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, storeErr("open", err)
	}
	return &GroupStore{b: &fileBackend{dir: dir}}, nil
}

// OpenLevelGroupStore opens (or creates) a LevelDB at path.
func OpenLevelGroupStore(path string) (*GroupStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storeErr("open", err)
	}
	return &GroupStore{b: (*levelBackend)(db)}, nil
}

// NewSQLGroupStore uses db, migrating the records table. The caller keeps
// ownership of db.
func NewSQLGroupStore(db *gorm.DB) (*GroupStore, error) {
	if err := db.AutoMigrate(&GroupRecord{}); err != nil {
		return nil, storeErr("migrate", err)
	}
	return &GroupStore{b: &sqlBackend{db: db}}, nil
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &types.SessionStoreError{Op: op, Err: err}
}

func (s *GroupStore) getJSON(bucket, key string, out any) (bool, error) {
	raw, ok, err := s.b.get(bucket, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (s *GroupStore) putJSON(bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.b.put(bucket, key, raw)
}

// ---------- Outbound ----------

func (s *GroupStore) SaveOutbound(session types.OutboundGroupSession) error {
	return storeErr("save outbound", s.putJSON(bucketOutbound, string(session.RoomID), session))
}

func (s *GroupStore) LoadOutbound(room types.RoomID) (types.OutboundGroupSession, bool, error) {
	var out types.OutboundGroupSession
	ok, err := s.getJSON(bucketOutbound, string(room), &out)
	return out, ok, storeErr("load outbound", err)
}

func (s *GroupStore) DeleteOutbound(room types.RoomID) error {
	return storeErr("delete outbound", s.b.delete(bucketOutbound, string(room)))
}

// ---------- Inbound ----------

func inboundKey(room types.RoomID, senderKey, sessionID string) string {
	return compositeKey(string(room), senderKey, sessionID)
}

// AddInbound merges session with any stored record for the same session.
func (s *GroupStore) AddInbound(session types.InboundGroupSession) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inboundKey(session.RoomID, session.SenderKey, session.SessionID)
	var existing types.InboundGroupSession
	ok, err := s.getJSON(bucketInbound, key, &existing)
	if err != nil {
		return false, storeErr("add inbound", err)
	}
	if ok {
		merged, replace := megolm.Merge(existing, session)
		if !replace {
			return false, nil
		}
		session = merged
	}
	if err := s.putJSON(bucketInbound, key, session); err != nil {
		return false, storeErr("add inbound", err)
	}
	return true, nil
}

func (s *GroupStore) GetInbound(room types.RoomID, senderKey, sessionID string) (types.InboundGroupSession, bool, error) {
	var out types.InboundGroupSession
	ok, err := s.getJSON(bucketInbound, inboundKey(room, senderKey, sessionID), &out)
	return out, ok, storeErr("get inbound", err)
}

// ListInbound returns the room's inbound sessions ordered by sender key and
// session id.
func (s *GroupStore) ListInbound(room types.RoomID) ([]types.InboundGroupSession, error) {
	raw, err := s.b.scan(bucketInbound, string(room)+"|")
	if err != nil {
		return nil, storeErr("list inbound", err)
	}
	out := make([]types.InboundGroupSession, 0, len(raw))
	for k, v := range raw {
		var in types.InboundGroupSession
		if err := json.Unmarshal(v, &in); err != nil {
			return nil, storeErr("list inbound", fmt.Errorf("decode %s: %w", k, err))
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SenderKey != out[j].SenderKey {
			return out[i].SenderKey < out[j].SenderKey
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// ---------- Withheld ----------

func (s *GroupStore) StoreWithheld(w types.InboundWithheld) error {
	return storeErr("store withheld", s.putJSON(bucketWithheldIn, inboundKey(w.RoomID, w.SenderKey, w.SessionID), w))
}

func (s *GroupStore) GetWithheld(room types.RoomID, senderKey, sessionID string) (types.InboundWithheld, bool, error) {
	var out types.InboundWithheld
	ok, err := s.getJSON(bucketWithheldIn, inboundKey(room, senderKey, sessionID), &out)
	return out, ok, storeErr("get withheld", err)
}

func withheldOutKey(sessionID string, device types.DeviceKey) string {
	return compositeKey(sessionID, device.String())
}

// MarkWithheldNotified records that each device was told. m.no_olm records
// carry an empty session id and so apply across sessions.
func (s *GroupStore) MarkWithheldNotified(records []types.WithheldRecord) error {
	for _, r := range records {
		r.Notified = true
		if err := s.putJSON(bucketWithheldOut, withheldOutKey(r.SessionID, r.Device), r); err != nil {
			return storeErr("mark withheld", err)
		}
	}
	return nil
}

func (s *GroupStore) WithheldNotified(sessionID string, device types.DeviceKey) (bool, error) {
	var r types.WithheldRecord
	ok, err := s.getJSON(bucketWithheldOut, withheldOutKey(sessionID, device), &r)
	if err != nil {
		return false, storeErr("withheld notified", err)
	}
	return ok && r.Notified, nil
}

// ---------- Parked keys ----------

func (s *GroupStore) ParkKey(p types.ParkedKey) error {
	key := compositeKey(string(p.RoomID), p.SenderKey, p.Content.SessionID)
	return storeErr("park key", s.putJSON(bucketParked, key, p))
}

// TakeParkedKeys returns and removes every parked key for room, oldest first.
func (s *GroupStore) TakeParkedKeys(room types.RoomID) ([]types.ParkedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.b.scan(bucketParked, string(room)+"|")
	if err != nil {
		return nil, storeErr("take parked", err)
	}
	out := make([]types.ParkedKey, 0, len(raw))
	for k, v := range raw {
		var p types.ParkedKey
		if err := json.Unmarshal(v, &p); err != nil {
			return nil, storeErr("take parked", fmt.Errorf("decode %s: %w", k, err))
		}
		out = append(out, p)
	}
	for k := range raw {
		if err := s.b.delete(bucketParked, k); err != nil {
			return nil, storeErr("take parked", err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParkedAt.Before(out[j].ParkedAt) })
	return out, nil
}

// ---------- Session problems ----------

func (s *GroupStore) RecordSessionProblem(p types.SessionProblem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []types.SessionProblem
	if _, err := s.getJSON(bucketProblems, p.IdentityKey, &list); err != nil {
		return storeErr("record problem", err)
	}
	list = append(list, p)
	return storeErr("record problem", s.putJSON(bucketProblems, p.IdentityKey, list))
}

// SessionMayHaveProblems returns the first problem recorded after since,
// carrying the fixed flag of the latest problem. With none after since, the
// latest problem is returned unless it has been fixed.
func (s *GroupStore) SessionMayHaveProblems(identityKey string, since time.Time) (types.SessionProblem, bool, error) {
	var list []types.SessionProblem
	if _, err := s.getJSON(bucketProblems, identityKey, &list); err != nil {
		return types.SessionProblem{}, false, storeErr("session problems", err)
	}
	if len(list) == 0 {
		return types.SessionProblem{}, false, nil
	}
	last := list[len(list)-1]
	for _, p := range list {
		if p.At.After(since) {
			p.Fixed = last.Fixed
			return p, true, nil
		}
	}
	if last.Fixed {
		return types.SessionProblem{}, false, nil
	}
	return last, true, nil
}

// ---------- Key requests ----------

func keyRequestKey(body types.RoomKeyRequestBody) string {
	return inboundKey(body.RoomID, body.SenderKey, body.SessionID)
}

func (s *GroupStore) SaveKeyRequest(req types.OutgoingRoomKeyRequest) error {
	return storeErr("save key request", s.putJSON(bucketKeyRequests, keyRequestKey(req.Body), req))
}

func (s *GroupStore) FindKeyRequest(body types.RoomKeyRequestBody) (types.OutgoingRoomKeyRequest, bool, error) {
	var out types.OutgoingRoomKeyRequest
	ok, err := s.getJSON(bucketKeyRequests, keyRequestKey(body), &out)
	return out, ok, storeErr("find key request", err)
}

func (s *GroupStore) DeleteKeyRequest(body types.RoomKeyRequestBody) error {
	return storeErr("delete key request", s.b.delete(bucketKeyRequests, keyRequestKey(body)))
}

// Close releases the backend.
func (s *GroupStore) Close() error {
	return storeErr("close", s.b.close())
}

// Compile-time assertions.
var (
	_ domain.GroupSessionStore   = (*GroupStore)(nil)
	_ domain.SessionProblemStore = (*GroupStore)(nil)
	_ domain.KeyRequestStore     = (*GroupStore)(nil)
)
