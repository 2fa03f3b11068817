// Package registry resolves a network identifier to the EigenLayer addresses and
// strategy list an AVS deployment on that network depends on.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

var ErrUnknownNetwork = errors.New("unknown network")

type (
	// StrategyEntry is the unvalidated configuration form of a Strategy.
	StrategyEntry struct {
		Name    string `validate:"required"`
		Address string `validate:"required,eth_addr"`
	}

	// Entry is the unvalidated configuration form of a NetworkProfile.
	Entry struct {
		DelegationManager  string          `validate:"required,eth_addr"`
		AVSDirectory       string          `validate:"required,eth_addr"`
		RewardsCoordinator string          `validate:"required,eth_addr"`
		Strategies         []StrategyEntry `validate:"required,min=1,dive"`
	}

	Strategy struct {
		Name    string
		Address common.Address
	}

	// NetworkProfile is a read-only snapshot of one network's external dependencies.
	NetworkProfile struct {
		NetworkID          string
		DelegationManager  common.Address
		AVSDirectory       common.Address
		RewardsCoordinator common.Address
		Strategies         []Strategy
	}

	Registry struct {
		profiles map[string]NetworkProfile
	}
)

// New validates every entry and builds the lookup table. Network identifiers are
// case-insensitive.
func New(entries map[string]Entry) (*Registry, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	var errs []error
	profiles := make(map[string]NetworkProfile, len(entries))

	for id, entry := range entries {
		key := normalize(id)
		if key == "" {
			errs = append(errs, errors.New("network identifier must not be empty"))
			continue
		}
		if _, ok := profiles[key]; ok {
			errs = append(errs, fmt.Errorf("network %s is defined more than once", key))
			continue
		}
		if err := validate.Struct(entry); err != nil {
			errs = append(errs, fmt.Errorf("network %s: %w", key, err))
			continue
		}
		profiles[key] = entry.profile(key)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("address registry validation failed: %w", errors.Join(errs...))
	}

	return &Registry{profiles: profiles}, nil
}

// Lookup returns the profile configured for networkID.
func (r *Registry) Lookup(networkID string) (NetworkProfile, error) {
	profile, ok := r.profiles[normalize(networkID)]
	if !ok {
		return NetworkProfile{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownNetwork, networkID, strings.Join(r.Networks(), ", "))
	}

	// the strategies slice is shared; hand out a copy so callers cannot mutate the table
	profile.Strategies = slices.Clone(profile.Strategies)

	return profile, nil
}

// Networks lists the configured network identifiers in sorted order.
func (r *Registry) Networks() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// StrategyAddresses returns the strategy addresses in configuration order.
func (p NetworkProfile) StrategyAddresses() []common.Address {
	out := make([]common.Address, 0, len(p.Strategies))
	for _, strategy := range p.Strategies {
		out = append(out, strategy.Address)
	}
	return out
}

func (e Entry) profile(networkID string) NetworkProfile {
	strategies := make([]Strategy, 0, len(e.Strategies))
	for _, s := range e.Strategies {
		strategies = append(strategies, Strategy{
			Name:    s.Name,
			Address: common.HexToAddress(s.Address),
		})
	}

	return NetworkProfile{
		NetworkID:          networkID,
		DelegationManager:  common.HexToAddress(e.DelegationManager),
		AVSDirectory:       common.HexToAddress(e.AVSDirectory),
		RewardsCoordinator: common.HexToAddress(e.RewardsCoordinator),
		Strategies:         strategies,
	}
}

func normalize(networkID string) string {
	return strings.ToLower(strings.TrimSpace(networkID))
}
