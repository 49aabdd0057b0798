package rpc

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/stable-net/stakingd/pkg/attest"
	"github.com/stable-net/stakingd/pkg/eventdb"
	"github.com/stable-net/stakingd/pkg/ledger"
	"github.com/stable-net/stakingd/pkg/state"
)

// User is the JSON form of a staking record.
type User struct {
	AmountStaked          string         `json:"amountStaked"`
	TotalRewardsClaimed   string         `json:"totalRewardsClaimed"`
	StakingStartTimestamp hexutil.Uint64 `json:"stakingStartTimestamp"`
}

// Totals is the JSON form of the program-wide scalars.
type Totals struct {
	Active            bool           `json:"active"`
	Bouncer           common.Address `json:"bouncer"`
	StakedFundsTotal  string         `json:"stakedFundsTotal"`
	RewardsFundsTotal string         `json:"rewardsFundsTotal"`
}

// Event is the JSON form of a ledger event.
type Event struct {
	Seq     hexutil.Uint64 `json:"seq"`
	Kind    ledger.Kind    `json:"kind"`
	Account common.Address `json:"account"`
	Amount  string         `json:"amount"`
	Active  bool           `json:"active"`
	Time    hexutil.Uint64 `json:"time"`
}

func newUser(rec state.UserRecord) *User {
	return &User{
		AmountStaked:          rec.AmountStaked.Hex(),
		TotalRewardsClaimed:   rec.TotalRewardsClaimed.Hex(),
		StakingStartTimestamp: hexutil.Uint64(rec.StakingStartTimestamp),
	}
}

// NewEvent converts a ledger event to its JSON form.
func NewEvent(ev ledger.Event) *Event {
	return &Event{
		Seq:     hexutil.Uint64(ev.Seq),
		Kind:    ev.Kind,
		Account: ev.Account,
		Amount:  ev.Amount.Hex(),
		Active:  ev.Active,
		Time:    hexutil.Uint64(ev.Time),
	}
}

// staking_stake stakes amount on behalf of from.
func (s *Server) stakingStake(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	from, rpcErr := s.parseCaller(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount(args[1])
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.ledger.Stake(from, amount); err != nil {
		return nil, toError(err)
	}
	return true, nil
}

// staking_unstake returns the whole stake of from.
func (s *Server) stakingUnstake(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	from, rpcErr := s.parseCaller(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.ledger.Unstake(from); err != nil {
		return nil, toError(err)
	}
	return true, nil
}

// staking_claimRewards settles an attested cumulative reward figure.
func (s *Server) stakingClaimRewards(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 3)
	if rpcErr != nil {
		return nil, rpcErr
	}
	from, rpcErr := s.parseCaller(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	newTotal, rpcErr := parseAmount(args[1])
	if rpcErr != nil {
		return nil, rpcErr
	}
	var sigHex string
	if err := json.Unmarshal(args[2], &sigHex); err != nil {
		return nil, invalidParams("Invalid signature")
	}
	sig, err := attest.ParseSignatureHex(sigHex)
	if err != nil {
		return nil, invalidParams("Invalid signature")
	}

	if err := s.ledger.ClaimRewards(from, newTotal, sig); err != nil {
		return nil, toError(err)
	}
	return true, nil
}

// staking_setBouncer replaces the attestation authority.
func (s *Server) stakingSetBouncer(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	from, rpcErr := s.parseCaller(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	bouncer, rpcErr := parseAddress(args[1])
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.ledger.SetBouncer(from, bouncer); err != nil {
		return nil, toError(err)
	}
	return true, nil
}

// staking_toggleActive flips the master switch and returns the new status.
func (s *Server) stakingToggleActive(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	from, rpcErr := s.parseCaller(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.ledger.ToggleActive(from); err != nil {
		return nil, toError(err)
	}
	return s.ledger.IsActive(), nil
}

// staking_depositRewardsFunds tops up the reward pool.
func (s *Server) stakingDepositRewardsFunds(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	from, rpcErr := s.parseCaller(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount(args[1])
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.ledger.DepositRewardsFunds(from, amount); err != nil {
		return nil, toError(err)
	}
	return true, nil
}

// staking_withdrawRewardsFunds drains the reward pool to the administrator.
func (s *Server) stakingWithdrawRewardsFunds(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	from, rpcErr := s.parseCaller(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.ledger.WithdrawRewardsFunds(from); err != nil {
		return nil, toError(err)
	}
	return true, nil
}

// staking_getUser returns the record of an address.
func (s *Server) stakingGetUser(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	return newUser(s.ledger.User(addr)), nil
}

// staking_getTotals returns the program-wide scalars.
func (s *Server) stakingGetTotals() (interface{}, *ErrorObject) {
	g := s.ledger.Globals()
	return &Totals{
		Active:            g.Active,
		Bouncer:           g.Bouncer,
		StakedFundsTotal:  g.StakedFundsTotal.Hex(),
		RewardsFundsTotal: g.RewardsFundsTotal.Hex(),
	}, nil
}

// staking_claimableAt returns the first claim time of an address, 0 if it
// is not staking.
func (s *Server) stakingClaimableAt(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	return hexutil.EncodeUint64(s.ledger.ClaimableAt(addr)), nil
}

// EventFilter is the JSON filter of staking_getEvents.
type EventFilter struct {
	Account *common.Address `json:"account,omitempty"`
	Kinds   []ledger.Kind   `json:"kinds,omitempty"`
	From    *hexutil.Uint64 `json:"from,omitempty"`
	To      *hexutil.Uint64 `json:"to,omitempty"`
	Order   eventdb.Order   `json:"order,omitempty"`
	Offset  hexutil.Uint64  `json:"offset,omitempty"`
	Limit   hexutil.Uint64  `json:"limit,omitempty"`
}

func (f *EventFilter) toFilter() (*eventdb.Filter, *ErrorObject) {
	filter := &eventdb.Filter{
		Account: f.Account,
		Kinds:   f.Kinds,
		Order:   f.Order,
	}
	for _, k := range f.Kinds {
		if !k.Valid() {
			return nil, invalidParams("Invalid event kind " + string(k))
		}
	}
	switch f.Order {
	case "", eventdb.ASC, eventdb.DESC:
	default:
		return nil, invalidParams("Invalid order")
	}
	if f.From != nil || f.To != nil {
		// An absent upper bound leaves the range open
		filter.Range = &eventdb.Range{}
		if f.From != nil {
			filter.Range.From = uint64(*f.From)
		}
		if f.To != nil {
			filter.Range.To = uint64(*f.To)
		}
	}
	if f.Offset != 0 || f.Limit != 0 {
		filter.Options = &eventdb.Options{Offset: uint64(f.Offset), Limit: uint64(f.Limit)}
	}
	return filter, nil
}

// staking_getAdmin returns the administrator of the ledger.
func (s *Server) stakingGetAdmin() (interface{}, *ErrorObject) {
	if s.gate == nil {
		return nil, &ErrorObject{Code: ErrCodeServer, Message: "administrator unknown"}
	}
	return s.gate.Owner(), nil
}

// staking_getEvents queries the event history.
func (s *Server) stakingGetEvents(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject) {
	if s.events == nil {
		return nil, &ErrorObject{Code: ErrCodeServer, Message: "event index disabled"}
	}
	args, rpcErr := parseArgs(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var ef EventFilter
	if len(args) > 0 && string(args[0]) != "null" {
		if err := json.Unmarshal(args[0], &ef); err != nil {
			return nil, invalidParams("Invalid filter")
		}
	}
	filter, rpcErr := ef.toFilter()
	if rpcErr != nil {
		return nil, rpcErr
	}

	events, err := s.events.Filter(ctx, filter)
	if err != nil {
		return nil, &ErrorObject{Code: ErrCodeInternal, Message: err.Error()}
	}
	out := make([]*Event, 0, len(events))
	for _, ev := range events {
		out = append(out, NewEvent(ev))
	}
	return out, nil
}

// bouncer_sign attests a cumulative reward figure for a claimant with the
// bouncer's key, if the bouncer is an unlocked dev account.
func (s *Server) bouncerSign(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	claimant, rpcErr := parseAddress(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	newTotal, rpcErr := parseAmount(args[1])
	if rpcErr != nil {
		return nil, rpcErr
	}

	acc, ok := s.keys[s.ledger.Bouncer()]
	if !ok {
		return nil, &ErrorObject{Code: ErrCodeServer, Message: "bouncer key not available"}
	}
	start := s.ledger.User(claimant).StakingStartTimestamp
	sig, err := attest.Sign(acc.PrivateKey, s.ledger.Address(), claimant, start, newTotal)
	if err != nil {
		return nil, &ErrorObject{Code: ErrCodeInternal, Message: err.Error()}
	}
	return sig.Hex(), nil
}
