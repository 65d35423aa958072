package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EligibleAll       = "all"
	EligibleAllowlist = "allowlist"
)

// Policy is the effective queue and loyalty configuration of one franchise.
type Policy struct {
	LoyaltyEnabled      bool             `yaml:"loyaltyEnabled"`
	StampsRequired      int              `yaml:"stampsRequired"`
	EligibleServices    EligibleServices `yaml:"eligibleServices"`
	StampExpiration     Expiration       `yaml:"stampExpiration"`
	RewardExpiration    Expiration       `yaml:"rewardExpiration"`
	MaxAdvanceTickets   int              `yaml:"maxAdvanceTickets"`
	ArrivalTimerMinutes int              `yaml:"arrivalTimerMinutes"`
	GraceTimerMinutes   int              `yaml:"graceTimerMinutes"`
}

type EligibleServices struct {
	Mode       string   `yaml:"mode"`
	ServiceIDs []string `yaml:"serviceIds"`
}

type Expiration struct {
	Enabled bool `yaml:"enabled"`
	Days    int  `yaml:"days"`
}

// ExpiresAt returns from plus the configured days, or nil when expiration is
// off.
func (e Expiration) ExpiresAt(from time.Time) *time.Time {
	if !e.Enabled || e.Days <= 0 {
		return nil
	}
	at := from.AddDate(0, 0, e.Days)
	return &at
}

func DefaultPolicy() Policy {
	return Policy{
		LoyaltyEnabled:      true,
		StampsRequired:      10,
		EligibleServices:    EligibleServices{Mode: EligibleAll},
		MaxAdvanceTickets:   2,
		ArrivalTimerMinutes: 10,
		GraceTimerMinutes:   5,
	}
}

func (p Policy) ServiceEligible(serviceID string) bool {
	if p.EligibleServices.Mode != EligibleAllowlist {
		return true
	}
	for _, id := range p.EligibleServices.ServiceIDs {
		if id == serviceID {
			return true
		}
	}
	return false
}

func (p Policy) ArrivalTimer() time.Duration {
	return time.Duration(p.ArrivalTimerMinutes) * time.Minute
}

func (p Policy) GraceTimer() time.Duration {
	return time.Duration(p.GraceTimerMinutes) * time.Minute
}

func (p Policy) validate() error {
	if p.StampsRequired <= 0 {
		return fmt.Errorf("stampsRequired must be positive, got %d", p.StampsRequired)
	}
	switch p.EligibleServices.Mode {
	case EligibleAll, EligibleAllowlist:
	default:
		return fmt.Errorf("eligibleServices.mode must be %q or %q, got %q", EligibleAll, EligibleAllowlist, p.EligibleServices.Mode)
	}
	if p.MaxAdvanceTickets < 0 {
		return fmt.Errorf("maxAdvanceTickets must not be negative")
	}
	if p.ArrivalTimerMinutes <= 0 || p.GraceTimerMinutes <= 0 {
		return fmt.Errorf("arrivalTimerMinutes and graceTimerMinutes must be positive")
	}
	return nil
}

// Policies holds the default policy and per-franchise overrides.
type Policies struct {
	Default    Policy
	Franchises map[string]Policy
}

func DefaultPolicies() *Policies {
	return &Policies{Default: DefaultPolicy(), Franchises: map[string]Policy{}}
}

// For returns the effective policy for franchiseID.
func (p *Policies) For(franchiseID string) Policy {
	if policy, ok := p.Franchises[franchiseID]; ok {
		return policy
	}
	return p.Default
}

type policyFile struct {
	Default    yaml.Node            `yaml:"default"`
	Franchises map[string]yaml.Node `yaml:"franchises"`
}

// LoadPolicies reads a policy file. An empty path yields the built-in
// defaults.
func LoadPolicies(path string) (*Policies, error) {
	if path == "" {
		return DefaultPolicies(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(data)
}

// ParsePolicies decodes the default block over the built-in defaults and each
// franchise block over the resulting default, so omitted fields inherit.
func ParsePolicies(data []byte) (*Policies, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	policies := DefaultPolicies()
	if !file.Default.IsZero() {
		if err := file.Default.Decode(&policies.Default); err != nil {
			return nil, fmt.Errorf("decode default policy: %w", err)
		}
	}
	if err := policies.Default.validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}

	for franchiseID, node := range file.Franchises {
		policy := policies.Default
		policy.EligibleServices.ServiceIDs = append([]string(nil), policies.Default.EligibleServices.ServiceIDs...)
		if err := node.Decode(&policy); err != nil {
			return nil, fmt.Errorf("decode policy for franchise %s: %w", franchiseID, err)
		}
		if err := policy.validate(); err != nil {
			return nil, fmt.Errorf("policy for franchise %s: %w", franchiseID, err)
		}
		policies.Franchises[franchiseID] = policy
	}
	return policies, nil
}
