/**
 * @description
 * Pure fee computation for the billing service. Given a charge amount and the
 * subscription's fee model, it produces the full gross/net/fee split, an
 * estimate of the processor's own per-transaction cost, and the platform's
 * residual margin. No I/O and no clock reads: identical inputs always produce
 * identical output, which audit reproducibility depends on.
 */
package app

import "math"

// FeeModel selects between the two fee computation paths. It is resolved once
// per subscription from the nullable fee_model column, never re-checked at
// call sites.
type FeeModel string

const (
	FeeModelSplitV1 FeeModel = "split_v1"
	FeeModelLegacy  FeeModel = "legacy"
)

// Fee modes reported on results, matching what checkout metadata carries.
const (
	FeeModeSplit            = "split"
	FeeModePassToSubscriber = "pass_to_subscriber"
)

// Payer purposes.
const (
	PurposePersonal = "personal"
	PurposeService  = "service"
)

// ResolveFeeModel maps the subscription's nullable fee_model column to a
// FeeModel. Anything other than an explicit split marker is legacy.
func ResolveFeeModel(feeModel *string) FeeModel {
	if feeModel != nil && *feeModel == string(FeeModelSplitV1) {
		return FeeModelSplitV1
	}
	return FeeModelLegacy
}

// FeeResult is the complete outcome of a fee computation.
type FeeResult struct {
	BaseCents                  int64    `json:"base_cents"`
	GrossCents                 int64    `json:"gross_cents"`
	NetCents                   int64    `json:"net_cents"`
	FeeCents                   int64    `json:"fee_cents"`
	SubscriberFeeCents         *int64   `json:"subscriber_fee_cents,omitempty"` // split model only
	CreatorFeeCents            *int64   `json:"creator_fee_cents,omitempty"`    // split model only
	FeeMode                    string   `json:"fee_mode"`
	FeeModel                   FeeModel `json:"fee_model"`
	FeeWasCapped               bool     `json:"fee_was_capped"`
	EstimatedProcessorFeeCents int64    `json:"estimated_processor_fee_cents"`
	EstimatedMarginCents       int64    `json:"estimated_margin_cents"`
}

// FeeSchedule carries every tunable the fee computation uses.
type FeeSchedule struct {
	PersonalRate         float64 // nominal platform rate for personal-purpose creators
	ServiceRate          float64 // nominal platform rate for service-purpose creators
	LegacyRate           float64 // legacy flat rate applied to the gross charged amount
	LegacyFixedCents     int64   // legacy fixed buffer added on top of the flat rate
	ProcessorPctRate     float64 // processor per-transaction percentage estimate
	ProcessorFixedCents  int64   // processor per-transaction fixed estimate
	CrossBorderPctRate   float64 // processor percentage uplift on cross-border charges
	MarginFloorCents     int64   // minimum platform margin before the fee is lifted
	MaxFeeShareOfBase    float64 // hard ceiling on the fee as a share of the base amount
}

// DefaultFeeSchedule returns the production fee schedule.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		PersonalRate:        0.08,
		ServiceRate:         0.06,
		LegacyRate:          0.08,
		LegacyFixedCents:    30,
		ProcessorPctRate:    0.029,
		ProcessorFixedCents: 30,
		CrossBorderPctRate:  0.015,
		MarginFloorCents:    5,
		MaxFeeShareOfBase:   0.5,
	}
}

// NominalRate returns the platform rate for a payer purpose.
func (s FeeSchedule) NominalRate(purpose string) float64 {
	if purpose == PurposeService {
		return s.ServiceRate
	}
	return s.PersonalRate
}

// ComputeFee computes the fee split for a charge. For the split model,
// amountCents is the creator's base price; for the legacy model it is the gross
// amount actually charged to the payer.
func (s FeeSchedule) ComputeFee(amountCents int64, currency, purpose string, crossBorder bool, model FeeModel) FeeResult {
	if model == FeeModelSplitV1 {
		return s.computeSplitFee(amountCents, purpose, crossBorder)
	}
	return s.computeLegacyFee(amountCents, crossBorder)
}

// computeSplitFee divides the nominal platform fee into a subscriber-facing
// surcharge and a creator-absorbed deduction at a 50/50 ratio.
func (s FeeSchedule) computeSplitFee(baseCents int64, purpose string, crossBorder bool) FeeResult {
	if baseCents <= 0 {
		return FeeResult{FeeMode: FeeModeSplit, FeeModel: FeeModelSplitV1}
	}

	nominal := roundCents(float64(baseCents) * s.NominalRate(purpose))
	subscriberFee := nominal / 2
	estimated := s.estimateProcessorFee(baseCents+subscriberFee, crossBorder)

	fee := nominal
	capped := false
	if fee-estimated < s.MarginFloorCents {
		// Lift the fee to cover the processor's cut plus the margin floor, but
		// never past the share ceiling: below that point the platform absorbs
		// the shortfall instead of pushing it onto a tiny transaction.
		needed := estimated + s.MarginFloorCents
		maxFee := roundCents(float64(baseCents) * s.MaxFeeShareOfBase)
		fee = needed
		if fee > maxFee {
			fee = maxFee
		}
		if fee < nominal {
			fee = nominal
		}
		capped = true
	}
	if fee < 0 {
		fee = 0
	}

	subscriberFee = fee / 2
	creatorFee := fee - subscriberFee

	return FeeResult{
		BaseCents:                  baseCents,
		GrossCents:                 baseCents + subscriberFee,
		NetCents:                   baseCents - creatorFee,
		FeeCents:                   fee,
		SubscriberFeeCents:         &subscriberFee,
		CreatorFeeCents:            &creatorFee,
		FeeMode:                    FeeModeSplit,
		FeeModel:                   FeeModelSplitV1,
		FeeWasCapped:               capped,
		EstimatedProcessorFeeCents: estimated,
		EstimatedMarginCents:       fee - estimated,
	}
}

// computeLegacyFee applies the pre-split formula: a flat rate off the gross
// charged amount plus a fixed buffer. The split fields stay nil so legacy
// records keep their original shape.
func (s FeeSchedule) computeLegacyFee(grossCents int64, crossBorder bool) FeeResult {
	if grossCents <= 0 {
		return FeeResult{FeeMode: FeeModePassToSubscriber, FeeModel: FeeModelLegacy}
	}

	fee := roundCents(float64(grossCents)*s.LegacyRate) + s.LegacyFixedCents
	if fee > grossCents {
		fee = grossCents
	}
	estimated := s.estimateProcessorFee(grossCents, crossBorder)

	return FeeResult{
		BaseCents:                  grossCents,
		GrossCents:                 grossCents,
		NetCents:                   grossCents - fee,
		FeeCents:                   fee,
		FeeMode:                    FeeModePassToSubscriber,
		FeeModel:                   FeeModelLegacy,
		EstimatedProcessorFeeCents: estimated,
		EstimatedMarginCents:       fee - estimated,
	}
}

func (s FeeSchedule) estimateProcessorFee(grossCents int64, crossBorder bool) int64 {
	estimated := roundCents(float64(grossCents)*s.ProcessorPctRate) + s.ProcessorFixedCents
	if crossBorder {
		estimated += roundCents(float64(grossCents) * s.CrossBorderPctRate)
	}
	return estimated
}

func roundCents(v float64) int64 {
	return int64(math.Round(v))
}
