package simulated

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/xcat-network/xcat/internal/core/ports"
)

var (
	// ErrInsufficientFunds is returned when the sender cannot pay the value of
	// a transaction.
	ErrInsufficientFunds = errors.New("insufficient funds for transfer")
	// ErrUnknownMethod ...
	ErrUnknownMethod = errors.New("method not found in contract abi")
)

var indexedArgs = map[string][]string{
	"LogHTLCNew":      {"contractId", "sender", "receiver"},
	"LogHTLCWithdraw": {"contractId"},
	"LogHTLCRefund":   {"contractId"},
}

type lockContract struct {
	sender    common.Address
	receiver  common.Address
	amount    *big.Int
	hashlock  [32]byte
	timelock  *big.Int
	withdrawn bool
	refunded  bool
	preimage  [32]byte
}

// HTLC is an in-memory ports.EthereumLedger executing the HashedTimelock
// contract rules: newContract, withdraw, refund and getContract.
type HTLC struct {
	locker    sync.Mutex
	now       func() time.Time
	code      []byte
	block     uint64
	balances  map[common.Address]*big.Int
	contracts map[[32]byte]*lockContract
	events    []ports.Event
}

// NewHTLC returns a contract whose runtime bytecode is code.
func NewHTLC(now func() time.Time, code []byte) *HTLC {
	return &HTLC{
		now:       now,
		code:      code,
		block:     1,
		balances:  make(map[common.Address]*big.Int),
		contracts: make(map[[32]byte]*lockContract),
	}
}

// Fund credits wei to the given address.
func (h *HTLC) Fund(addr common.Address, wei *big.Int) {
	h.locker.Lock()
	defer h.locker.Unlock()
	h.balances[addr] = new(big.Int).Add(h.balanceOf(addr), wei)
}

// Balance returns the wei owned by addr.
func (h *HTLC) Balance(addr common.Address) *big.Int {
	h.locker.Lock()
	defer h.locker.Unlock()
	return new(big.Int).Set(h.balanceOf(addr))
}

func (h *HTLC) Code(_ context.Context) ([]byte, error) {
	return h.code, nil
}

func (h *HTLC) Call(_ context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if method != "getContract" || len(args) != 1 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	id, ok := args[0].([32]byte)
	if !ok {
		return nil, fmt.Errorf("getContract: invalid contract id type %T", args[0])
	}

	h.locker.Lock()
	defer h.locker.Unlock()

	c, ok := h.contracts[id]
	if !ok {
		return []interface{}{
			common.Address{}, common.Address{}, big.NewInt(0), [32]byte{},
			big.NewInt(0), false, false, [32]byte{},
		}, nil
	}
	return []interface{}{
		c.sender, c.receiver, new(big.Int).Set(c.amount), c.hashlock,
		new(big.Int).Set(c.timelock), c.withdrawn, c.refunded, c.preimage,
	}, nil
}

func (h *HTLC) Send(
	_ context.Context, from common.Address, value *big.Int,
	method string, args ...interface{},
) (*ports.Receipt, error) {
	if value == nil {
		value = big.NewInt(0)
	}

	h.locker.Lock()
	defer h.locker.Unlock()

	if h.balanceOf(from).Cmp(value) < 0 {
		return nil, ErrInsufficientFunds
	}

	var (
		event ports.Event
		err   error
	)
	switch method {
	case "newContract":
		event, err = h.newContract(from, value, args)
	case "withdraw":
		event, err = h.withdraw(from, value, args)
	case "refund":
		event, err = h.refund(from, value, args)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ports.ErrTransactionReverted, err)
	}

	h.block++
	txHash := crypto.Keccak256Hash(from.Bytes(), new(big.Int).SetUint64(h.block).Bytes())
	event.TxHash = txHash
	event.BlockNumber = h.block
	h.events = append(h.events, event)

	return &ports.Receipt{
		TxHash:      txHash,
		BlockNumber: h.block,
		Events:      []ports.Event{event},
	}, nil
}

func (h *HTLC) PastEvents(_ context.Context, name string, query ...[]interface{}) ([]ports.Event, error) {
	names, ok := indexedArgs[name]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", name)
	}
	if len(query) > len(names) {
		return nil, fmt.Errorf("too many topics for event %s", name)
	}

	h.locker.Lock()
	defer h.locker.Unlock()

	events := make([]ports.Event, 0)
	for _, ev := range h.events {
		if ev.Name != name || !matchesQuery(ev, names, query) {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (h *HTLC) newContract(from common.Address, value *big.Int, args []interface{}) (ports.Event, error) {
	if len(args) != 3 {
		return ports.Event{}, errors.New("newContract: wrong number of arguments")
	}
	receiver, ok1 := args[0].(common.Address)
	hashlock, ok2 := args[1].([32]byte)
	timelock, ok3 := args[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return ports.Event{}, errors.New("newContract: invalid argument types")
	}

	if value.Sign() <= 0 {
		return ports.Event{}, errors.New("msg.value must be > 0")
	}
	if timelock.Cmp(big.NewInt(h.now().Unix())) <= 0 {
		return ports.Event{}, errors.New("timelock time must be in the future")
	}
	id := contractID(from, receiver, value, hashlock, timelock)
	if _, exists := h.contracts[id]; exists {
		return ports.Event{}, errors.New("Contract already exists")
	}

	h.balances[from] = new(big.Int).Sub(h.balanceOf(from), value)
	h.contracts[id] = &lockContract{
		sender:   from,
		receiver: receiver,
		amount:   new(big.Int).Set(value),
		hashlock: hashlock,
		timelock: new(big.Int).Set(timelock),
	}

	return ports.Event{
		Name: "LogHTLCNew",
		Args: map[string]interface{}{
			"contractId": id,
			"sender":     from,
			"receiver":   receiver,
			"amount":     new(big.Int).Set(value),
			"hashlock":   hashlock,
			"timelock":   new(big.Int).Set(timelock),
		},
	}, nil
}

func (h *HTLC) withdraw(from common.Address, value *big.Int, args []interface{}) (ports.Event, error) {
	if len(args) != 2 {
		return ports.Event{}, errors.New("withdraw: wrong number of arguments")
	}
	id, ok1 := args[0].([32]byte)
	preimage, ok2 := args[1].([32]byte)
	if !ok1 || !ok2 {
		return ports.Event{}, errors.New("withdraw: invalid argument types")
	}
	if value.Sign() != 0 {
		return ports.Event{}, errors.New("withdraw is not payable")
	}

	c, ok := h.contracts[id]
	if !ok {
		return ports.Event{}, errors.New("contractId does not exist")
	}
	if sha256.Sum256(preimage[:]) != c.hashlock {
		return ports.Event{}, errors.New("hashlock hash does not match")
	}
	if c.receiver != from {
		return ports.Event{}, errors.New("withdrawable: not receiver")
	}
	if c.withdrawn {
		return ports.Event{}, errors.New("withdrawable: already withdrawn")
	}
	if c.timelock.Cmp(big.NewInt(h.now().Unix())) <= 0 {
		return ports.Event{}, errors.New("withdrawable: timelock time must be in the future")
	}

	c.preimage = preimage
	c.withdrawn = true
	h.balances[c.receiver] = new(big.Int).Add(h.balanceOf(c.receiver), c.amount)

	return ports.Event{
		Name: "LogHTLCWithdraw",
		Args: map[string]interface{}{"contractId": id},
	}, nil
}

func (h *HTLC) refund(from common.Address, value *big.Int, args []interface{}) (ports.Event, error) {
	if len(args) != 1 {
		return ports.Event{}, errors.New("refund: wrong number of arguments")
	}
	id, ok := args[0].([32]byte)
	if !ok {
		return ports.Event{}, errors.New("refund: invalid argument types")
	}
	if value.Sign() != 0 {
		return ports.Event{}, errors.New("refund is not payable")
	}

	c, ok := h.contracts[id]
	if !ok {
		return ports.Event{}, errors.New("contractId does not exist")
	}
	if c.sender != from {
		return ports.Event{}, errors.New("refundable: not sender")
	}
	if c.refunded {
		return ports.Event{}, errors.New("refundable: already refunded")
	}
	if c.withdrawn {
		return ports.Event{}, errors.New("refundable: already withdrawn")
	}
	if c.timelock.Cmp(big.NewInt(h.now().Unix())) > 0 {
		return ports.Event{}, errors.New("refundable: timelock not yet passed")
	}

	c.refunded = true
	h.balances[c.sender] = new(big.Int).Add(h.balanceOf(c.sender), c.amount)

	return ports.Event{
		Name: "LogHTLCRefund",
		Args: map[string]interface{}{"contractId": id},
	}, nil
}

func (h *HTLC) balanceOf(addr common.Address) *big.Int {
	if b, ok := h.balances[addr]; ok {
		return b
	}
	return big.NewInt(0)
}

func matchesQuery(ev ports.Event, names []string, query [][]interface{}) bool {
	for i, alternatives := range query {
		if len(alternatives) <= 0 {
			continue
		}
		value := ev.Args[names[i]]
		found := false
		for _, alt := range alternatives {
			if alt == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// contractID mirrors the id derivation of the contract:
// sha256(abi.encodePacked(sender, receiver, amount, hashlock, timelock)).
func contractID(
	sender, receiver common.Address, amount *big.Int,
	hashlock [32]byte, timelock *big.Int,
) [32]byte {
	buf := make([]byte, 0, 20+20+32+32+32)
	buf = append(buf, sender.Bytes()...)
	buf = append(buf, receiver.Bytes()...)
	buf = append(buf, common.LeftPadBytes(amount.Bytes(), 32)...)
	buf = append(buf, hashlock[:]...)
	buf = append(buf, common.LeftPadBytes(timelock.Bytes(), 32)...)
	return sha256.Sum256(buf)
}
