package outbound

import "time"

// SetClock replaces the manager's clock. Call it before first use.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }
