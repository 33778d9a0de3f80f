package crypto

import (
	"strings"

	"groupcrypt/internal/domain/types"
)

// Fingerprint renders a device's Ed25519 key for comparison by people: the
// published base64 form split into groups of four characters.
func Fingerprint(pub types.Ed25519Public) string {
	s := B64(pub[:])
	var b strings.Builder
	for i := 0; i < len(s); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s[i:min(i+4, len(s))])
	}
	return b.String()
}
