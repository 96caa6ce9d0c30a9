// Package fare prices carpool trips and computes fees from policy.
//
// All arithmetic is integer: distances are whole meters, the driver's unit
// price is expressed in micro-minor-units per meter, and every division
// rounds half up to the currency's minor unit.
package fare

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/carpool/internal/money"
)

var (
	ErrInvalidInput  = errors.New("invalid fare input")
	ErrInvalidPolicy = errors.New("invalid fee policy")
	ErrUnknownPolicy = errors.New("unknown fee policy version")
)

// MicrosPerMinorUnit scales UnitPrice: a UnitPrice of 1_000_000 is one
// minor unit (one cent) per meter.
const MicrosPerMinorUnit = 1_000_000

// UnitPrice is a driver-set price per meter in millionths of a minor unit.
type UnitPrice int64

// Role identifies who triggered a cancellation.
type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

// Recipient names where a rider cancellation fee is paid.
type Recipient string

const (
	RecipientDriver   Recipient = "driver"
	RecipientPlatform Recipient = "platform"
)

// CancellationPolicy governs fees charged when a rider cancels.
type CancellationPolicy struct {
	GracePeriod time.Duration `json:"gracePeriod"`
	FlatFee     money.Amount  `json:"flatFee"`    // takes precedence when non-zero
	PercentBps  int64         `json:"percentBps"` // share of the fare otherwise
	Recipient   Recipient     `json:"recipient"`
}

// Policy is one immutable version of the fee configuration.
type Policy struct {
	Version        string             `json:"version"`
	PlatformFeeBps int64              `json:"platformFeeBps"`
	Cancellation   CancellationPolicy `json:"cancellation"`
}

// Validate checks the policy is internally consistent.
func (p Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidPolicy)
	}
	if p.PlatformFeeBps < 0 || p.PlatformFeeBps > 10_000 {
		return fmt.Errorf("%w: platform fee must be within 0..10000 bps", ErrInvalidPolicy)
	}
	c := p.Cancellation
	if c.GracePeriod < 0 {
		return fmt.Errorf("%w: grace period must not be negative", ErrInvalidPolicy)
	}
	if c.FlatFee < 0 {
		return fmt.Errorf("%w: flat fee must not be negative", ErrInvalidPolicy)
	}
	if c.PercentBps < 0 || c.PercentBps > 10_000 {
		return fmt.Errorf("%w: cancellation fee must be within 0..10000 bps", ErrInvalidPolicy)
	}
	switch c.Recipient {
	case RecipientDriver, RecipientPlatform:
	default:
		return fmt.Errorf("%w: unknown fee recipient %q", ErrInvalidPolicy, c.Recipient)
	}
	return nil
}

// ComputeFare prices a trip: round_half_up(distance * unitPrice / 1e6).
func ComputeFare(distanceMeters int64, unitPricePerMeter UnitPrice) (money.Amount, error) {
	if distanceMeters < 0 || unitPricePerMeter < 0 {
		return 0, fmt.Errorf("%w: distance and unit price must not be negative", ErrInvalidInput)
	}
	v, err := money.MulDivRoundHalfUp(distanceMeters, int64(unitPricePerMeter), MicrosPerMinorUnit)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return money.Amount(v), nil
}

// ComputeCancellationFee returns the fee owed for a cancellation.
//
// Driver-initiated cancellations never charge the rider. Inside the grace
// period the fee is zero. Otherwise a flat fee applies when configured,
// else a percentage of the fare; the result never exceeds the fare.
func ComputeCancellationFee(policy Policy, elapsedSinceMatch time.Duration, role Role, tripFare money.Amount) money.Amount {
	if role != RoleRider {
		return 0
	}
	c := policy.Cancellation
	if elapsedSinceMatch < c.GracePeriod {
		return 0
	}
	var fee money.Amount
	if c.FlatFee > 0 {
		fee = c.FlatFee
	} else {
		pct, err := tripFare.PercentBps(c.PercentBps)
		if err != nil {
			return 0
		}
		fee = pct
	}
	return money.Min(fee, tripFare)
}

// PlatformFee is the platform's share of a completed fare.
func PlatformFee(policy Policy, tripFare money.Amount) (money.Amount, error) {
	return tripFare.PercentBps(policy.PlatformFeeBps)
}

// DriverPayout splits a completed fare so payout + fee == fare exactly.
func DriverPayout(policy Policy, tripFare money.Amount) (payout, fee money.Amount, err error) {
	fee, err = PlatformFee(policy, tripFare)
	if err != nil {
		return 0, 0, err
	}
	return tripFare - fee, fee, nil
}
