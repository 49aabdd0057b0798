package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Kind identifies an event type.
type Kind string

// Event kinds.
const (
	KindStatus   Kind = "status"
	KindStake    Kind = "stake"
	KindUnstake  Kind = "unstake"
	KindClaim    Kind = "claim"
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
)

// Kinds lists every event kind.
var Kinds = []Kind{KindStatus, KindStake, KindUnstake, KindClaim, KindDeposit, KindWithdraw}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, kk := range Kinds {
		if k == kk {
			return true
		}
	}
	return false
}

// Event is a notification emitted by a committed operation.
type Event struct {
	Seq     uint64
	Kind    Kind
	Account common.Address
	// Amount is the staked, unstaked, paid or moved amount; zero for status.
	Amount uint256.Int
	// Active is the new switch value of a status event.
	Active bool
	Time   uint64
}
