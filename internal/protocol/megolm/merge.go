package megolm

import "groupcrypt/internal/domain/types"

// Merge decides which record to keep when incoming arrives for a session that
// is already stored. Trust never decreases and the earliest authentic index
// wins. A less trusted copy is only ever kept or upgraded when its ratchet
// advances onto the more trusted one.
func Merge(existing, incoming types.InboundGroupSession) (types.InboundGroupSession, bool) {
	if incoming.SigningKey != existing.SigningKey {
		return existing, false
	}

	if incoming.FirstKnownIndex >= existing.FirstKnownIndex {
		if incoming.Trust <= existing.Trust {
			return existing, false
		}
		// The stored copy keeps its earlier index only if it leads to the
		// more trusted ratchet.
		advanced := existing.Ratchet
		AdvanceTo(&advanced, incoming.FirstKnownIndex)
		if advanced != incoming.Ratchet {
			return incoming, true
		}
		existing.Trust = incoming.Trust
		existing.ForwardingChain = incoming.ForwardingChain
		return existing, true
	}

	if incoming.Trust >= existing.Trust {
		return incoming, true
	}
	probe := incoming.Ratchet
	AdvanceTo(&probe, existing.FirstKnownIndex)
	if probe != existing.Ratchet {
		return existing, false
	}
	incoming.Trust = existing.Trust
	incoming.ForwardingChain = existing.ForwardingChain
	incoming.ClaimedEd25519 = existing.ClaimedEd25519
	return incoming, true
}
