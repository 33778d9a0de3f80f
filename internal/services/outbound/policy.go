package outbound

import "time"

// Policy holds the tunables of session rotation and key distribution.
type Policy struct {
	// RotationMessages is the number of messages after which a session is
	// replaced.
	RotationMessages int
	// RotationPeriod is the age after which a session is replaced.
	RotationPeriod time.Duration
	// RotateOnDeviceRemoval replaces a session that was shared with a device
	// no longer among the room's recipients.
	RotateOnDeviceRemoval bool
	// BlacklistUnverified withholds keys from unverified devices in every
	// room.
	BlacklistUnverified bool

	MaxDevicesPerBatch int

	// Phase1Timeout bounds channel setup while the caller waits.
	Phase1Timeout time.Duration
	// SinglePhaseTimeout replaces Phase1Timeout when no background retry
	// will follow.
	SinglePhaseTimeout time.Duration
	// Phase2Cutoff: the background retry only runs if phase 1 finished
	// faster than this.
	Phase2Cutoff time.Duration
	// Phase2Timeout bounds the background retry.
	Phase2Timeout time.Duration
}

// DefaultPolicy returns the stock tunables.
func DefaultPolicy() Policy {
	return Policy{
		RotationMessages:      100,
		RotationPeriod:        7 * 24 * time.Hour,
		RotateOnDeviceRemoval: true,
		MaxDevicesPerBatch:    20,
		Phase1Timeout:         2 * time.Second,
		SinglePhaseTimeout:    10 * time.Second,
		Phase2Cutoff:          10 * time.Second,
		Phase2Timeout:         30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.RotationMessages <= 0 {
		p.RotationMessages = d.RotationMessages
	}
	if p.RotationPeriod <= 0 {
		p.RotationPeriod = d.RotationPeriod
	}
	if p.MaxDevicesPerBatch <= 0 {
		p.MaxDevicesPerBatch = d.MaxDevicesPerBatch
	}
	if p.Phase1Timeout <= 0 {
		p.Phase1Timeout = d.Phase1Timeout
	}
	if p.SinglePhaseTimeout <= 0 {
		p.SinglePhaseTimeout = d.SinglePhaseTimeout
	}
	if p.Phase2Cutoff <= 0 {
		p.Phase2Cutoff = d.Phase2Cutoff
	}
	if p.Phase2Timeout <= 0 {
		p.Phase2Timeout = d.Phase2Timeout
	}
	return p
}
