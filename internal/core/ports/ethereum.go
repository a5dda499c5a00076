package ports

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrTransactionReverted is returned when a transaction is mined but its
	// execution failed.
	ErrTransactionReverted = errors.New("transaction reverted")
)

// EthereumLedger is the abstraction of an ethereum client bound to a single
// deployed contract. Method and event names, as well as argument and result
// values, follow the contract ABI and the go-ethereum abi type mapping.
type EthereumLedger interface {
	// Call executes a read only contract method and returns its results.
	Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error)
	// Send submits a transaction invoking method from the given address,
	// optionally paying value wei, and waits for it to be mined.
	Send(
		ctx context.Context, from common.Address, value *big.Int,
		method string, args ...interface{},
	) (*Receipt, error)
	// PastEvents returns the contract events with the given name. query
	// filters the indexed arguments in order, an empty entry matches anything.
	PastEvents(ctx context.Context, event string, query ...[]interface{}) ([]Event, error)
	// Code returns the runtime bytecode deployed at the contract address.
	Code(ctx context.Context) ([]byte, error)
}

// Receipt of a mined transaction with the contract events it emitted.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Events      []Event
}

// Event is a decoded contract log. Args maps argument names to values.
type Event struct {
	Name        string
	TxHash      common.Hash
	BlockNumber uint64
	Args        map[string]interface{}
}

// FindEvent returns the first event with the given name.
func (r *Receipt) FindEvent(name string) (Event, bool) {
	for _, e := range r.Events {
		if e.Name == name {
			return e, true
		}
	}
	return Event{}, false
}
