// Package provision issues credentials from a template, one or many at a
// time.
package provision

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/castellan/castellan/internal/credential"
	"github.com/castellan/castellan/internal/models"
	"github.com/castellan/castellan/internal/monitoring"
)

// Provisioner errors
var (
	ErrInvalidCount    = errors.New("batch count must be at least 1")
	ErrNameRequired    = errors.New("template name is required")
	ErrNegativeQuota   = errors.New("remaining quota must not be negative")
	ErrInvalidExpiry   = errors.New("expiry must be a unix timestamp or the never-expires sentinel")
	ErrEmptyModelScope = errors.New("model limits enabled with an empty allow-list denies all models")
)

const suffixAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const suffixLength = 6

// NoFailure marks a batch that completed in full.
const NoFailure = -1

// Result reports a batch issuance. The provisioner is not transactional:
// on the first failure it stops and returns everything issued so far plus
// the failing index, never rolling back. FailedAtIndex is NoFailure when
// every item was issued.
type Result struct {
	Succeeded     []models.Credential `json:"succeeded"`
	SuccessCount  int                 `json:"success_count"`
	FailedAtIndex int                 `json:"failed_at_index"`
}

// Provisioner issues credentials through the store. The zero-value rate
// defaults are replaced by the built-in constants.
type Provisioner struct {
	store        credential.Store
	rateDefaults models.RateLimit
}

// NewProvisioner creates a Provisioner over the given store. rateDefaults
// fills rate-limit fields the template leaves at zero; pass the zero value
// to use the built-in defaults.
func NewProvisioner(store credential.Store, rateDefaults models.RateLimit) *Provisioner {
	if rateDefaults.WindowSeconds == 0 {
		rateDefaults.WindowSeconds = models.DefaultWindowSeconds
	}
	if rateDefaults.MaxRequests == 0 {
		rateDefaults.MaxRequests = models.DefaultMaxRequests
	}
	if rateDefaults.MaxSuccesses == 0 {
		rateDefaults.MaxSuccesses = models.DefaultMaxSuccesses
	}
	return &Provisioner{store: store, rateDefaults: rateDefaults}
}

// ValidateTemplate checks the template before any item is issued. A
// template that fails validation issues nothing.
func ValidateTemplate(tmpl *models.Credential) error {
	if tmpl.Name == "" {
		return ErrNameRequired
	}
	if !tmpl.UnlimitedQuota && tmpl.RemainQuota < 0 {
		return ErrNegativeQuota
	}
	if tmpl.ExpiredTime < models.NeverExpires {
		return ErrInvalidExpiry
	}
	if tmpl.ModelLimitsEnabled && len(tmpl.ModelLimits) == 0 {
		return ErrEmptyModelScope
	}
	if err := tmpl.AllowIPs.Validate(); err != nil {
		return err
	}
	return nil
}

// IssueBatch derives count records from the template and creates them one
// by one. Item 0 keeps the template's literal name; later items get a
// random six-character suffix. Suffix collisions within a batch are
// tolerated since the store assigns the unique id separately from the
// name.
func (p *Provisioner) IssueBatch(ctx context.Context, tmpl *models.Credential, count int) (*Result, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}
	if err := ValidateTemplate(tmpl); err != nil {
		return nil, err
	}

	p.applyDefaults(tmpl)

	result := &Result{FailedAtIndex: NoFailure}
	var issueErr error
	for i := 0; i < count; i++ {
		item := tmpl.Clone()
		if i > 0 {
			item.Name = fmt.Sprintf("%s-%s", tmpl.Name, randomSuffix())
		}

		created, err := p.store.Create(ctx, item)
		if err != nil {
			result.FailedAtIndex = i
			issueErr = fmt.Errorf("batch stopped at item %d: %w", i, err)
			break
		}
		result.Succeeded = append(result.Succeeded, *created)
		monitoring.RecordCredentialIssued()
	}

	result.SuccessCount = len(result.Succeeded)
	monitoring.RecordBatch(count, result.FailedAtIndex != NoFailure)
	return result, issueErr
}

func (p *Provisioner) applyDefaults(tmpl *models.Credential) {
	if tmpl.Status == "" {
		tmpl.Status = models.StatusActive
	}
	if tmpl.ExpiredTime == 0 {
		tmpl.ExpiredTime = models.NeverExpires
	}
	if !tmpl.UnlimitedQuota && tmpl.RemainQuota == 0 {
		tmpl.RemainQuota = models.DefaultRemainQuota
	}
	if tmpl.RateLimit.WindowSeconds == 0 {
		tmpl.RateLimit.WindowSeconds = p.rateDefaults.WindowSeconds
	}
	if tmpl.RateLimit.MaxRequests == 0 {
		tmpl.RateLimit.MaxRequests = p.rateDefaults.MaxRequests
	}
	if tmpl.RateLimit.MaxSuccesses == 0 {
		tmpl.RateLimit.MaxSuccesses = p.rateDefaults.MaxSuccesses
	}
}

// randomSuffix draws six characters uniformly from the 62-symbol
// alphanumeric alphabet. Uniqueness is not required, so math/rand is
// sufficient.
func randomSuffix() string {
	b := make([]byte, suffixLength)
	for i := range b {
		b[i] = suffixAlphabet[rand.Intn(len(suffixAlphabet))]
	}
	return string(b)
}
