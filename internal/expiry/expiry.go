// Package expiry implements the expiration policy for credentials.
//
// Expiry is observed lazily wherever a credential is used; nothing sweeps
// expired records in the background, and the expired state is never stored.
package expiry

import (
	"time"

	"github.com/castellan/castellan/internal/models"
)

// IsExpired reports whether the credential is past its expiry at the given
// instant. The boundary now == expiresAt counts as expired. Credentials
// with the never-expires sentinel are never expired.
func IsExpired(cred *models.Credential, now time.Time) bool {
	at, ok := cred.ExpiresAt()
	if !ok {
		return false
	}
	return !now.Before(at)
}

// RemainingValidity returns how long until expiry, and whether the
// credential expires at all. Already-expired credentials report zero.
func RemainingValidity(cred *models.Credential, now time.Time) (time.Duration, bool) {
	at, ok := cred.ExpiresAt()
	if !ok {
		return 0, false
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
