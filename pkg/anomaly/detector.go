package anomaly

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
)

// Detector classifies one aspect of a Signal. Detect returns nil when the
// signal does not warrant an alert. Implementations must not touch shared
// state; the generator runs them concurrently.
type Detector interface {
	Name() string
	Category() events.Category
	Detect(ctx context.Context, sig Signal) (*events.AnomalyEvent, error)
}

// DefaultDetectors returns the five stock detectors in registry order, all
// reading thresholds from policy.
func DefaultDetectors(policy *PolicyRef) []Detector {
	return []Detector{
		&WhaleDetector{Policy: policy},
		&VolumeDetector{Policy: policy},
		&ContractDetector{Policy: policy},
		&FlashLoanDetector{Policy: policy},
		&DrainDetector{Policy: policy},
	}
}

var printer = message.NewPrinter(language.English)

// grouped renders a whole amount with thousands separators.
func grouped(d decimal.Decimal) string {
	return printer.Sprintf("%d", d.Round(0).IntPart())
}

func newEvent(prefix string, cat events.Category, sev events.Severity, at time.Time) *events.AnomalyEvent {
	return &events.AnomalyEvent{
		ID:        prefix + "-" + uuid.NewString(),
		Category:  cat,
		Severity:  sev,
		CreatedAt: at,
		Metadata:  map[string]any{},
	}
}

// WhaleDetector flags large single transfers.
type WhaleDetector struct{ Policy *PolicyRef }

func (d *WhaleDetector) Name() string              { return "whale" }
func (d *WhaleDetector) Category() events.Category { return events.CategoryWhaleTransfer }

func (d *WhaleDetector) Detect(_ context.Context, sig Signal) (*events.AnomalyEvent, error) {
	w := sig.Whale
	p := d.Policy.Load()
	if w == nil || w.Amount.LessThan(decimal.NewFromInt(p.WhaleMinAmount)) {
		return nil, nil
	}
	sev := events.SeverityHigh
	if w.Amount.GreaterThan(decimal.NewFromInt(p.WhaleCriticalAmount)) {
		sev = events.SeverityCritical
	}
	e := newEvent("whale", d.Category(), sev, sig.ObservedAt)
	e.Title = "Large Whale Transfer Detected"
	e.Description = printer.Sprintf("Whale transferred %s %s (%s USD)", grouped(w.Amount), w.Token, grouped(w.USDValue))
	e.WalletAddress = w.Wallet
	amount := w.Amount
	e.Amount = &amount
	e.Token = w.Token
	e.Metadata["usd_value"] = w.USDValue.String()
	e.Metadata["direction"] = w.Direction
	return e, nil
}

// VolumeDetector flags sudden trading volume increases.
type VolumeDetector struct{ Policy *PolicyRef }

func (d *VolumeDetector) Name() string              { return "volume" }
func (d *VolumeDetector) Category() events.Category { return events.CategoryVolumeSpike }

func (d *VolumeDetector) Detect(_ context.Context, sig Signal) (*events.AnomalyEvent, error) {
	v := sig.Volume
	p := d.Policy.Load()
	if v == nil || v.Percent < p.VolumeMinPercent {
		return nil, nil
	}
	sev := events.SeverityMedium
	if v.Percent > p.VolumeHighPercent {
		sev = events.SeverityHigh
	}
	e := newEvent("volume", d.Category(), sev, sig.ObservedAt)
	e.Title = "Unusual Volume Spike"
	e.Description = printer.Sprintf("%s trading volume increased by %d%% in the last %s", v.Token, v.Percent, v.Timeframe)
	e.Token = v.Token
	e.Metadata["spike_percentage"] = v.Percent
	e.Metadata["timeframe"] = v.Timeframe
	return e, nil
}

// ContractDetector flags bursts of interaction with unverified contracts.
type ContractDetector struct{ Policy *PolicyRef }

func (d *ContractDetector) Name() string              { return "contract" }
func (d *ContractDetector) Category() events.Category { return events.CategoryUnusualContract }

func (d *ContractDetector) Detect(_ context.Context, sig Signal) (*events.AnomalyEvent, error) {
	c := sig.Contract
	if c == nil || c.Interactions < d.Policy.Load().ContractMinInteractions {
		return nil, nil
	}
	e := newEvent("contract", d.Category(), events.SeverityMedium, sig.ObservedAt)
	e.Title = "Risky Contract Interaction"
	e.Description = "Multiple wallets interacting with newly deployed unverified contract"
	e.WalletAddress = c.Wallet
	e.Metadata["contract_address"] = c.Contract
	e.Metadata["interaction_count"] = c.Interactions
	return e, nil
}

// FlashLoanDetector flags large flash loans. Every hit is critical.
type FlashLoanDetector struct{ Policy *PolicyRef }

func (d *FlashLoanDetector) Name() string              { return "flash_loan" }
func (d *FlashLoanDetector) Category() events.Category { return events.CategoryFlashLoan }

func (d *FlashLoanDetector) Detect(_ context.Context, sig Signal) (*events.AnomalyEvent, error) {
	f := sig.FlashLoan
	if f == nil || f.Amount.LessThan(decimal.NewFromInt(d.Policy.Load().FlashLoanMinAmount)) {
		return nil, nil
	}
	e := newEvent("flash", d.Category(), events.SeverityCritical, sig.ObservedAt)
	e.Title = "Potential Flash Loan Attack"
	e.Description = printer.Sprintf("Flash loan of %s %s detected with suspicious arbitrage pattern", grouped(f.Amount), f.Token)
	e.WalletAddress = f.Wallet
	amount := f.Amount
	e.Amount = &amount
	e.Token = f.Token
	e.Metadata["profit"] = f.Profit.String()
	e.Metadata["protocols"] = append([]string(nil), f.Protocols...)
	return e, nil
}

// DrainDetector flags liquidity leaving a pool.
type DrainDetector struct{ Policy *PolicyRef }

func (d *DrainDetector) Name() string              { return "liquidity" }
func (d *DrainDetector) Category() events.Category { return events.CategoryLiquidityDrain }

func (d *DrainDetector) Detect(_ context.Context, sig Signal) (*events.AnomalyEvent, error) {
	dr := sig.Drain
	p := d.Policy.Load()
	if dr == nil || dr.Percent < p.DrainMinPercent {
		return nil, nil
	}
	sev := events.SeverityMedium
	if dr.Percent > p.DrainHighPercent {
		sev = events.SeverityHigh
	}
	e := newEvent("liquidity", d.Category(), sev, sig.ObservedAt)
	e.Title = "Liquidity Pool Drain Alert"
	e.Description = printer.Sprintf("%s pool liquidity decreased by %d%% in %s", dr.Pool, dr.Percent, dr.Timeframe)
	e.Metadata["pool"] = dr.Pool
	e.Metadata["drain_percentage"] = dr.Percent
	e.Metadata["timeframe"] = dr.Timeframe
	return e, nil
}
