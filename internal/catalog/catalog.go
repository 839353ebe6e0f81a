// Package catalog provides the read-only model and group lookups the
// policy engine consumes but does not own. The data lives in an external
// catalog service; a static table form covers configuration and tests.
package catalog

import (
	"context"
	"errors"

	"github.com/castellan/castellan/internal/config"
	"github.com/shopspring/decimal"
)

// ErrUnknownGroup is returned when a group identifier has no registry
// entry. An unknown group is an error, never a silent default.
var ErrUnknownGroup = errors.New("unknown group")

// GroupInfo describes a billing group.
type GroupInfo struct {
	Description string          `json:"desc"`
	Ratio       decimal.Decimal `json:"ratio"`
}

// Registry resolves group identifiers and lists permitted models.
type Registry interface {
	// ResolveGroup returns the pricing info for a group, or ErrUnknownGroup.
	ResolveGroup(ctx context.Context, name string) (GroupInfo, error)

	// Groups returns the full group table.
	Groups(ctx context.Context) (map[string]GroupInfo, error)

	// Models returns the permitted model identifiers.
	Models(ctx context.Context) ([]string, error)
}

// Static is a fixed in-memory Registry loaded from configuration.
// Reload semantics are construct-a-new-instance.
type Static struct {
	groups map[string]GroupInfo
	models []string
}

// NewStatic builds a Static registry from explicit tables.
func NewStatic(groups map[string]GroupInfo, models []string) *Static {
	g := make(map[string]GroupInfo, len(groups))
	for k, v := range groups {
		g[k] = v
	}
	return &Static{groups: g, models: append([]string(nil), models...)}
}

// NewStaticFromConfig parses the GROUPS/MODELS tables of the catalog
// configuration.
func NewStaticFromConfig(cfg *config.CatalogConfig) (*Static, error) {
	entries, err := cfg.ParseGroups()
	if err != nil {
		return nil, err
	}
	groups := make(map[string]GroupInfo, len(entries))
	for _, e := range entries {
		groups[e.Name] = GroupInfo{Description: e.Description, Ratio: e.Ratio}
	}
	var models []string
	if cfg.Models != "" {
		for _, m := range splitCSV(cfg.Models) {
			models = append(models, m)
		}
	}
	return &Static{groups: groups, models: models}, nil
}

var _ Registry = (*Static)(nil)

// ResolveGroup returns the pricing info for a group, or ErrUnknownGroup.
func (s *Static) ResolveGroup(_ context.Context, name string) (GroupInfo, error) {
	info, ok := s.groups[name]
	if !ok {
		return GroupInfo{}, ErrUnknownGroup
	}
	return info, nil
}

// Groups returns the full group table.
func (s *Static) Groups(_ context.Context) (map[string]GroupInfo, error) {
	out := make(map[string]GroupInfo, len(s.groups))
	for k, v := range s.groups {
		out[k] = v
	}
	return out, nil
}

// Models returns the permitted model identifiers.
func (s *Static) Models(_ context.Context) ([]string, error) {
	return append([]string(nil), s.models...), nil
}
