package anomaly

import (
	"fmt"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Policy holds the thresholds the detectors classify against.
type Policy struct {
	WhaleMinAmount      int64 `yaml:"whale_min_amount" validate:"gt=0"`
	WhaleCriticalAmount int64 `yaml:"whale_critical_amount" validate:"gtefield=WhaleMinAmount"`

	VolumeMinPercent  int `yaml:"volume_min_percent" validate:"gt=0"`
	VolumeHighPercent int `yaml:"volume_high_percent" validate:"gtefield=VolumeMinPercent"`

	ContractMinInteractions int `yaml:"contract_min_interactions" validate:"gt=0"`

	FlashLoanMinAmount int64 `yaml:"flash_loan_min_amount" validate:"gt=0"`

	DrainMinPercent  int `yaml:"drain_min_percent" validate:"gt=0,lte=100"`
	DrainHighPercent int `yaml:"drain_high_percent" validate:"gtefield=DrainMinPercent,lte=100"`
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		WhaleMinAmount:          500_000,
		WhaleCriticalAmount:     800_000,
		VolumeMinPercent:        200,
		VolumeHighPercent:       400,
		ContractMinInteractions: 10,
		FlashLoanMinAmount:      1_000_000,
		DrainMinPercent:         30,
		DrainHighPercent:        60,
	}
}

// Validate checks that every threshold is positive and that each upper
// threshold is at least its lower one.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid anomaly policy: %w", err)
	}
	return nil
}

// PolicyRef shares one Policy between the detectors and whoever reloads it.
// Detectors read a consistent snapshot per call.
type PolicyRef struct {
	v atomic.Pointer[Policy]
}

// NewPolicyRef returns a reference holding p.
func NewPolicyRef(p Policy) (*PolicyRef, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r := &PolicyRef{}
	r.v.Store(&p)
	return r, nil
}

// DefaultPolicyRef returns a reference holding DefaultPolicy.
func DefaultPolicyRef() *PolicyRef {
	r := &PolicyRef{}
	p := DefaultPolicy()
	r.v.Store(&p)
	return r
}

// Load returns the current policy.
func (r *PolicyRef) Load() Policy {
	return *r.v.Load()
}

// Swap installs p if it is valid and returns the previous policy.
func (r *PolicyRef) Swap(p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return r.Load(), err
	}
	return *r.v.Swap(&p), nil
}
