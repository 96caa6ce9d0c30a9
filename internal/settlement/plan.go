package settlement

import (
	"fmt"
	"time"

	"github.com/mbd888/carpool/internal/escrow"
	"github.com/mbd888/carpool/internal/fare"
	"github.com/mbd888/carpool/internal/money"
	"github.com/mbd888/carpool/internal/pairing"
)

// Planner builds the ledger lines that resolve a pairing's escrow.
type Planner func(p *pairing.DuoPairing, ev pairing.Event, policy fare.Policy, elapsedSinceMatch time.Duration) ([]escrow.EntryRequest, error)

// Plan distributes a pairing's escrow for a terminal event. It moves no
// money; the lines are checked with escrow.Preflight and then applied.
//
//   - complete: driver payout and platform fee, summing to the fare
//   - reject, cancel by driver: subsidies back to their programs, the rider
//     portion back to the rider
//   - cancel by rider: the cancellation fee (capped at the rider portion) to
//     the policy's recipient, subsidies back, the rest refunded
//
// Zero-amount lines are omitted.
func Plan(p *pairing.DuoPairing, ev pairing.Event, policy fare.Policy, elapsedSinceMatch time.Duration) ([]escrow.EntryRequest, error) {
	var lines []escrow.EntryRequest
	add := func(party escrow.Counterparty, amount money.Amount, reason escrow.Reason, tag string) {
		if amount <= 0 {
			return
		}
		lines = append(lines, escrow.EntryRequest{
			EscrowID:     p.EscrowID,
			Direction:    escrow.DirectionDebit,
			Counterparty: party,
			Amount:       amount,
			Reason:       reason,
			ProgramTag:   tag,
		})
	}
	returnSubsidies := func() {
		for _, s := range p.Subsidies {
			add(escrow.ProgramParty(s.Program), s.Amount, escrow.ReasonSubsidyReturn, s.Program)
		}
	}

	switch ev {
	case pairing.EventComplete:
		payout, fee, err := fare.DriverPayout(policy, p.TotalFare)
		if err != nil {
			return nil, err
		}
		add(escrow.UserParty(p.DriverUserID), payout, escrow.ReasonDriverPayout, "")
		add(escrow.PlatformParty(), fee, escrow.ReasonPlatformFee, "")

	case pairing.EventReject, pairing.EventCancelByDriver:
		returnSubsidies()
		add(escrow.UserParty(p.RiderUserID), p.RiderAmount, escrow.ReasonRiderRefund, "")

	case pairing.EventCancelByRider:
		fee := money.Min(fare.ComputeCancellationFee(policy, elapsedSinceMatch, fare.RoleRider, p.TotalFare), p.RiderAmount)
		recipient := escrow.UserParty(p.DriverUserID)
		if policy.Cancellation.Recipient == fare.RecipientPlatform {
			recipient = escrow.PlatformParty()
		}
		add(recipient, fee, escrow.ReasonCancellationFee, "")
		returnSubsidies()
		add(escrow.UserParty(p.RiderUserID), p.RiderAmount-fee, escrow.ReasonRiderRefund, "")

	default:
		return nil, fmt.Errorf("%w: %s does not settle", pairing.ErrIllegalTransition, ev)
	}
	return lines, nil
}

// refunded sums the rider refund lines of a plan.
func refunded(lines []escrow.EntryRequest) money.Amount {
	var total money.Amount
	for _, ln := range lines {
		if ln.Reason == escrow.ReasonRiderRefund {
			total += ln.Amount
		}
	}
	return total
}
