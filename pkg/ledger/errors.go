package ledger

import (
	"errors"

	"github.com/stable-net/stakingd/pkg/attest"
	"github.com/stable-net/stakingd/pkg/token"
)

// Ledger operation errors.
var (
	ErrUnauthorized            = errors.New("unauthorized")
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrNotActive               = errors.New("staking is not active")
	ErrNothingToUnstake        = errors.New("nothing to unstake")
	ErrNothingToWithdraw       = errors.New("nothing to withdraw")
	ErrNoNewRewards            = errors.New("no new rewards")
	ErrNotStaking              = errors.New("not staking")
	ErrLockupNotElapsed        = errors.New("lockup period not elapsed")
	ErrInsufficientRewardFunds = errors.New("insufficient reward funds")

	// ErrClockUnset is an internal failure: the clock read zero.
	ErrClockUnset = errors.New("clock returned no time")

	// ErrBadSignature carries the same uninformative message for every cause.
	ErrBadSignature = attest.ErrBadSignature
)

var outcomes = []struct {
	err  error
	name string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidArgument, "invalid_argument"},
	{ErrNotActive, "not_active"},
	{ErrNothingToUnstake, "nothing_to_unstake"},
	{ErrNothingToWithdraw, "nothing_to_withdraw"},
	{ErrNoNewRewards, "no_new_rewards"},
	{ErrNotStaking, "not_staking"},
	{ErrLockupNotElapsed, "lockup_not_elapsed"},
	{ErrBadSignature, "bad_signature"},
	{ErrInsufficientRewardFunds, "insufficient_reward_funds"},
	{token.ErrInsufficientAllowance, "insufficient_allowance"},
	{token.ErrInsufficientBalance, "insufficient_balance"},
}

// Outcome names the result of an operation for metrics labels.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	for _, o := range outcomes {
		if errors.Is(err, o.err) {
			return o.name
		}
	}
	return "error"
}

// IsRevert reports whether err is a rejection of the call itself rather than
// an internal failure: any ledger precondition or asset-ledger error.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	if Outcome(err) != "error" {
		return true
	}
	return errors.Is(err, token.ErrZeroAddress) || errors.Is(err, token.ErrOverflow)
}
