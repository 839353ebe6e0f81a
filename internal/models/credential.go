package models

import (
	"time"

	"github.com/google/uuid"
)

// CredentialStatus is the operator-controlled lifecycle flag. Expired and
// exhausted are derived from the other fields at check time, never stored.
type CredentialStatus string

const (
	StatusActive   CredentialStatus = "active"
	StatusDisabled CredentialStatus = "disabled"
)

// NeverExpires is the wire/storage sentinel for a credential without an
// expiry timestamp.
const NeverExpires int64 = -1

// QuotaUnlimited is reported as the remaining balance of a credential with
// UnlimitedQuota set.
const QuotaUnlimited int64 = -1

// Defaults applied by the issuance surface when the caller leaves the
// corresponding template field at its zero value.
const (
	DefaultRemainQuota   int64 = 500000
	DefaultWindowSeconds       = 60
	DefaultMaxRequests         = 1000
	DefaultMaxSuccesses        = 10
)

// RateLimit is the per-credential fixed-window configuration.
// MaxSuccesses may exceed MaxRequests; the limiter applies whichever cap is
// tighter and never rejects the configuration itself.
type RateLimit struct {
	Enabled       bool `json:"enabled" db:"rate_limit_enabled"`
	WindowSeconds int  `json:"period" db:"rate_limit_period"`
	MaxRequests   int  `json:"count" db:"rate_limit_count"`
	MaxSuccesses  int  `json:"success" db:"rate_limit_success"`
}

// Credential is an issued access token with quota, expiry, and scope
// restrictions attached.
type Credential struct {
	ID      uuid.UUID        `json:"id" db:"id"`
	OwnerID uuid.UUID        `json:"owner_id" db:"owner_id"`
	Name    string           `json:"name" db:"name"`
	Status  CredentialStatus `json:"status" db:"status"`

	RemainQuota    int64 `json:"remain_quota" db:"remain_quota"`
	UnlimitedQuota bool  `json:"unlimited_quota" db:"unlimited_quota"`

	// Unix seconds, or NeverExpires.
	ExpiredTime int64 `json:"expired_time" db:"expired_time"`

	RateLimit RateLimit `json:"rate_limit"`

	ModelLimitsEnabled bool     `json:"model_limits_enabled" db:"model_limits_enabled"`
	ModelLimits        ModelSet `json:"model_limits" db:"model_limits"`

	AllowIPs IPList `json:"allow_ips" db:"allow_ips"`

	// Group resolves to a pricing ratio via the group registry. Empty means
	// "inherit the owner's default group".
	Group string `json:"group" db:"group"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// ExpiresAt returns the expiry instant and whether one is set.
func (c *Credential) ExpiresAt() (time.Time, bool) {
	if c.ExpiredTime == NeverExpires {
		return time.Time{}, false
	}
	return time.Unix(c.ExpiredTime, 0), true
}

// CredentialDelta is a partial field set for updates. Nil fields are left
// untouched by Store.Update.
type CredentialDelta struct {
	Name               *string           `json:"name"`
	Status             *CredentialStatus `json:"status"`
	RemainQuota        *int64            `json:"remain_quota"`
	UnlimitedQuota     *bool             `json:"unlimited_quota"`
	ExpiredTime        *int64            `json:"expired_time"`
	RateLimit          *RateLimit        `json:"rate_limit"`
	ModelLimitsEnabled *bool             `json:"model_limits_enabled"`
	ModelLimits        *ModelSet         `json:"model_limits"`
	AllowIPs           *IPList           `json:"allow_ips"`
	Group              *string           `json:"group"`
}

// Apply copies the set fields of the delta onto the credential.
func (d *CredentialDelta) Apply(c *Credential) {
	if d.Name != nil {
		c.Name = *d.Name
	}
	if d.Status != nil {
		c.Status = *d.Status
	}
	if d.RemainQuota != nil {
		c.RemainQuota = *d.RemainQuota
	}
	if d.UnlimitedQuota != nil {
		c.UnlimitedQuota = *d.UnlimitedQuota
	}
	if d.ExpiredTime != nil {
		c.ExpiredTime = *d.ExpiredTime
	}
	if d.RateLimit != nil {
		c.RateLimit = *d.RateLimit
	}
	if d.ModelLimitsEnabled != nil {
		c.ModelLimitsEnabled = *d.ModelLimitsEnabled
	}
	if d.ModelLimits != nil {
		c.ModelLimits = d.ModelLimits.Clone()
	}
	if d.AllowIPs != nil {
		c.AllowIPs = append(IPList(nil), (*d.AllowIPs)...)
	}
	if d.Group != nil {
		c.Group = *d.Group
	}
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing store-internal state.
func (c *Credential) Clone() *Credential {
	out := *c
	out.ModelLimits = c.ModelLimits.Clone()
	out.AllowIPs = append(IPList(nil), c.AllowIPs...)
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}
