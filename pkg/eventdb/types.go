package eventdb

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/stable-net/stakingd/pkg/ledger"
)

// Order is the result ordering by sequence number.
type Order string

const (
	ASC  Order = "asc"
	DESC Order = "desc"
)

// Range bounds event time, inclusive. A To below From leaves the range open.
type Range struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// Options pages the result set. A zero Limit returns everything after Offset.
type Options struct {
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
}

// Filter selects events. Empty fields match everything.
type Filter struct {
	Account *common.Address `json:"account,omitempty"`
	Kinds   []ledger.Kind   `json:"kinds,omitempty"`
	Range   *Range          `json:"range,omitempty"`
	Order   Order           `json:"order,omitempty"`
	Options *Options        `json:"options,omitempty"`
}
