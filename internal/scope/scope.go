// Package scope enforces per-credential restrictions: allowed models,
// allowed source IPs, and billing-group resolution.
package scope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/castellan/castellan/internal/catalog"
	"github.com/castellan/castellan/internal/expiry"
	"github.com/castellan/castellan/internal/models"
	"github.com/shopspring/decimal"
)

// Reason identifies the first check that failed. Checks run in a fixed
// order so callers always see the most fundamental failure: disabled,
// expired, model, IP, group.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonDisabled Reason = "disabled"
	ReasonExpired  Reason = "expired"
	ReasonModel    Reason = "model"
	ReasonIP       Reason = "ip"
	ReasonGroup    Reason = "group"
)

// Decision is the outcome of an authorization check. Ratio carries the
// resolved pricing ratio when the decision allows.
type Decision struct {
	Allowed bool
	Reason  Reason
	Group   string
	Ratio   decimal.Decimal
}

// Validator checks a credential's restrictions against a request.
// Configuration is fixed at construction; reloading means constructing a
// new instance.
type Validator struct {
	registry     catalog.Registry
	defaultGroup string
}

// NewValidator creates a Validator over the given group registry. The
// default group is substituted when a credential's group is empty.
func NewValidator(registry catalog.Registry, defaultGroup string) *Validator {
	return &Validator{registry: registry, defaultGroup: defaultGroup}
}

// Authorize runs the scope checks. It is read-only and safe to call
// concurrently; the credential must be a consistent snapshot. A denial is
// a policy decision, not an error; the error return covers registry
// transport failures only.
func (v *Validator) Authorize(ctx context.Context, cred *models.Credential, requestedModel, sourceIP string, now time.Time) (Decision, error) {
	if cred.Status == models.StatusDisabled {
		return Decision{Reason: ReasonDisabled}, nil
	}

	if expiry.IsExpired(cred, now) {
		return Decision{Reason: ReasonExpired}, nil
	}

	// An enabled scope with an empty allow-list denies every model.
	if cred.ModelLimitsEnabled && !cred.ModelLimits.Contains(requestedModel) {
		return Decision{Reason: ReasonModel}, nil
	}

	if !cred.AllowIPs.Matches(sourceIP) {
		return Decision{Reason: ReasonIP}, nil
	}

	group := cred.Group
	if group == "" {
		group = v.defaultGroup
	}
	info, err := v.registry.ResolveGroup(ctx, group)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownGroup) {
			return Decision{Reason: ReasonGroup, Group: group}, nil
		}
		return Decision{}, fmt.Errorf("failed to resolve group %q: %w", group, err)
	}

	return Decision{
		Allowed: true,
		Group:   group,
		Ratio:   info.Ratio,
	}, nil
}
