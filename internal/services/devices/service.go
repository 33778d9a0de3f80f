// Package devices keeps the local view of other users' devices: their
// published keys, fetched from the key directory, and the trust this device
// has assigned to them.
package devices

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pion/logging"
	"golang.org/x/sync/singleflight"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
)

// Service implements domain.DeviceList over a key directory.
type Service struct {
	dir domain.KeyDirectory
	log logging.LeveledLogger

	// queries collapses concurrent downloads of the same user set.
	queries singleflight.Group

	mu         sync.RWMutex
	known      map[domain.DeviceKey]domain.DeviceInfo
	byIdentity map[string]domain.DeviceInfo
	trust      map[domain.DeviceKey]domain.TrustLevel
	fresh      map[domain.UserID]bool
}

// New returns an empty device list backed by dir.
func New(dir domain.KeyDirectory, lf logging.LoggerFactory) *Service {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Service{
		dir:        dir,
		log:        lf.NewLogger("devices"),
		known:      make(map[domain.DeviceKey]domain.DeviceInfo),
		byIdentity: make(map[string]domain.DeviceInfo),
		trust:      make(map[domain.DeviceKey]domain.TrustLevel),
		fresh:      make(map[domain.UserID]bool),
	}
}

// DownloadKeys returns the devices of users, querying the directory for users
// whose list is stale (or all of them when force is set). A device whose
// identity key changed is kept with its old keys.
func (s *Service) DownloadKeys(
	ctx context.Context,
	users []domain.UserID,
	force bool,
) (map[domain.DeviceKey]domain.DeviceInfo, error) {
	var stale []domain.UserID
	s.mu.RLock()
	for _, u := range users {
		if force || !s.fresh[u] {
			stale = append(stale, u)
		}
	}
	s.mu.RUnlock()

	if len(stale) > 0 {
		sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
		names := make([]string, len(stale))
		for i, u := range stale {
			names[i] = string(u)
		}
		_, err, _ := s.queries.Do(strings.Join(names, ","), func() (any, error) {
			res, err := s.dir.QueryKeys(ctx, stale)
			if err != nil {
				return nil, err
			}
			s.update(stale, res)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}

	want := make(map[domain.UserID]bool, len(users))
	for _, u := range users {
		want[u] = true
	}
	out := make(map[domain.DeviceKey]domain.DeviceInfo)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, d := range s.known {
		if want[k.UserID] {
			out[k] = d
		}
	}
	return out, nil
}

func (s *Service) update(users []domain.UserID, res map[domain.UserID][]domain.DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range users {
		seen := make(map[domain.DeviceKey]bool)
		for _, d := range res[u] {
			k := d.Key()
			seen[k] = true
			if old, ok := s.known[k]; ok && old.IdentityKey != d.IdentityKey {
				s.log.Warnf("%s: identity key changed from %s to %s, keeping the old key", k, old.IdentityKey, d.IdentityKey)
				continue
			}
			s.known[k] = d
			s.byIdentity[d.IdentityKey] = d
		}
		for k, d := range s.known {
			if k.UserID == u && !seen[k] {
				delete(s.known, k)
				delete(s.byIdentity, d.IdentityKey)
			}
		}
		s.fresh[u] = true
	}
}

// Invalidate marks users' device lists stale, as a device-list change
// notification would.
func (s *Service) Invalidate(users ...domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		delete(s.fresh, u)
	}
}

func (s *Service) DeviceTrust(device domain.DeviceKey) domain.TrustLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trust[device]
}

// SetTrust records a verification decision for device.
func (s *Service) SetTrust(device domain.DeviceKey, level domain.TrustLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level == types.TrustUnverified {
		delete(s.trust, device)
		return
	}
	s.trust[device] = level
}

func (s *Service) DeviceByIdentityKey(identityKey string) (domain.DeviceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byIdentity[identityKey]
	return d, ok
}

// Compile-time assertion that Service implements domain.DeviceList.
var _ domain.DeviceList = (*Service)(nil)
