// Package htlc drives the HashedTimelock contract holding the ethereum leg
// of a swap.
package htlc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/xcat-network/xcat/internal/core/domain"
	"github.com/xcat-network/xcat/internal/core/ports"
	"github.com/xcat-network/xcat/pkg/hashlock"
)

// Contract events.
const (
	EventNew      = "LogHTLCNew"
	EventWithdraw = "LogHTLCWithdraw"
	EventRefund   = "LogHTLCRefund"
)

var (
	// ErrContractNotFound is returned when no contract exists with the given
	// id, or when no contract matches the given terms.
	ErrContractNotFound = errors.New("htlc contract not found")
	// ErrMissingCodeHash is returned when no reference code hash is configured
	// for the deployment.
	ErrMissingCodeHash = errors.New("missing reference code hash for htlc deployment")
	// ErrNoCode is returned when nothing is deployed at the contract address.
	ErrNoCode = errors.New("no code deployed at htlc address")
	// ErrCodeMismatch is returned when the deployed code differs from the
	// reference one.
	ErrCodeMismatch = errors.New("wrong code deployed at htlc address")
	// ErrMissingEvent is returned when a contract creation did not emit the
	// expected event.
	ErrMissingEvent = errors.New("missing LogHTLCNew event in receipt")
	// ErrInvalidContractID ...
	ErrInvalidContractID = errors.New("invalid htlc contract id")
	// ErrInvalidAmount is returned for amounts that are not a whole number of
	// wei.
	ErrInvalidAmount = errors.New("amount is not a whole number of wei")
)

// ContractID identifies a lock in the HashedTimelock contract.
type ContractID [32]byte

// ParseContractID decodes a 0x prefixed hex contract id.
func ParseContractID(s string) (ContractID, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return ContractID{}, ErrInvalidContractID
	}
	var id ContractID
	copy(id[:], b)
	return id, nil
}

func (id ContractID) Hex() string    { return "0x" + hex.EncodeToString(id[:]) }
func (id ContractID) String() string { return id.Hex() }
func (id ContractID) IsZero() bool   { return id == ContractID{} }

// ComputeContractID returns the id the contract assigns to a lock with the
// given terms.
func ComputeContractID(
	sender, receiver common.Address, amount *big.Int,
	hash hashlock.Hash, timelock int64,
) ContractID {
	buf := make([]byte, 0, 136)
	buf = append(buf, sender.Bytes()...)
	buf = append(buf, receiver.Bytes()...)
	buf = append(buf, common.LeftPadBytes(amount.Bytes(), 32)...)
	buf = append(buf, hash[:]...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(timelock).Bytes(), 32)...)
	return ContractID(sha256.Sum256(buf))
}

// Contract is the state of a lock as stored by the contract.
type Contract struct {
	ID        ContractID
	Sender    common.Address
	Receiver  common.Address
	Amount    *big.Int
	Hashlock  hashlock.Hash
	Timelock  int64
	Withdrawn bool
	Refunded  bool
	Preimage  hashlock.Preimage
}

// Matches returns whether the contract locks the given terms.
func (c *Contract) Matches(
	sender, receiver common.Address, amount *big.Int,
	hash hashlock.Hash, timelock int64,
) bool {
	return c.Sender == sender &&
		c.Receiver == receiver &&
		c.Amount.Cmp(amount) == 0 &&
		c.Hashlock == hash &&
		c.Timelock == timelock
}

// Service is the ethereum htlc adapter.
type Service struct {
	ledger   ports.EthereumLedger
	codeHash common.Hash
}

// NewService returns an adapter for the contract reached through ledger.
// codeHash is the keccak256 hash of the expected runtime bytecode.
func NewService(ledger ports.EthereumLedger, codeHash common.Hash) *Service {
	return &Service{ledger, codeHash}
}

// VerifyDeployment checks that the code deployed at the contract address is
// the reference HashedTimelock code.
func (s *Service) VerifyDeployment(ctx context.Context) error {
	if s.codeHash == (common.Hash{}) {
		return ErrMissingCodeHash
	}
	code, err := s.ledger.Code(ctx)
	if err != nil {
		return fmt.Errorf("fetching htlc code: %w", err)
	}
	if len(code) <= 0 {
		return ErrNoCode
	}
	if got := crypto.Keccak256Hash(code); got != s.codeHash {
		return fmt.Errorf("%w: expected code hash %s, got %s", ErrCodeMismatch, s.codeHash, got)
	}
	return nil
}

// CreateContract locks amount wei from sender to receiver under hash until
// timelock and returns the id of the new lock.
func (s *Service) CreateContract(
	ctx context.Context, hash hashlock.Hash,
	sender, receiver common.Address, amount *big.Int, timelock int64,
) (ContractID, error) {
	if err := s.VerifyDeployment(ctx); err != nil {
		return ContractID{}, err
	}

	receipt, err := s.ledger.Send(
		ctx, sender, amount, "newContract",
		receiver, [32]byte(hash), big.NewInt(timelock),
	)
	if err != nil {
		return ContractID{}, fmt.Errorf("creating htlc contract: %w", err)
	}

	event, ok := receipt.FindEvent(EventNew)
	if !ok {
		return ContractID{}, ErrMissingEvent
	}
	rawID, ok := event.Args["contractId"].([32]byte)
	if !ok {
		return ContractID{}, ErrMissingEvent
	}
	id := ContractID(rawID)

	log.WithFields(log.Fields{
		"contract": id.Hex(),
		"tx":       receipt.TxHash.Hex(),
	}).Info("htlc contract created")
	return id, nil
}

// Withdraw claims the lock by revealing preimage.
func (s *Service) Withdraw(
	ctx context.Context, id ContractID, preimage hashlock.Preimage,
	withdrawer common.Address,
) error {
	receipt, err := s.ledger.Send(
		ctx, withdrawer, nil, "withdraw", [32]byte(id), [32]byte(preimage),
	)
	if err != nil {
		return fmt.Errorf("withdrawing htlc contract: %w", err)
	}
	log.WithFields(log.Fields{
		"contract": id.Hex(),
		"tx":       receipt.TxHash.Hex(),
	}).Info("htlc contract withdrawn")
	return nil
}

// Refund gives the lock back to its sender once the timelock has passed.
func (s *Service) Refund(ctx context.Context, id ContractID, sender common.Address) error {
	receipt, err := s.ledger.Send(ctx, sender, nil, "refund", [32]byte(id))
	if err != nil {
		return fmt.Errorf("refunding htlc contract: %w", err)
	}
	log.WithFields(log.Fields{
		"contract": id.Hex(),
		"tx":       receipt.TxHash.Hex(),
	}).Info("htlc contract refunded")
	return nil
}

// GetContract returns the state of the lock with the given id, or
// ErrContractNotFound.
func (s *Service) GetContract(ctx context.Context, id ContractID) (*Contract, error) {
	if id.IsZero() {
		return nil, ErrContractNotFound
	}
	out, err := s.ledger.Call(ctx, "getContract", [32]byte(id))
	if err != nil {
		return nil, fmt.Errorf("fetching htlc contract: %w", err)
	}
	c, err := decodeContract(id, out)
	if err != nil {
		return nil, err
	}
	if c.Sender == (common.Address{}) {
		return nil, ErrContractNotFound
	}
	return c, nil
}

// FindContract scans the contract creation events for a lock matching all
// the given terms and returns its id, or ErrContractNotFound.
func (s *Service) FindContract(
	ctx context.Context, sender, receiver common.Address, amount *big.Int,
	hash hashlock.Hash, timelock int64,
) (ContractID, error) {
	events, err := s.ledger.PastEvents(
		ctx, EventNew, nil, []interface{}{sender}, []interface{}{receiver},
	)
	if err != nil {
		return ContractID{}, fmt.Errorf("fetching htlc events: %w", err)
	}

	expected := ComputeContractID(sender, receiver, amount, hash, timelock)
	for _, ev := range events {
		rawID, _ := ev.Args["contractId"].([32]byte)
		evAmount, _ := ev.Args["amount"].(*big.Int)
		evHash, _ := ev.Args["hashlock"].([32]byte)
		evTimelock, _ := ev.Args["timelock"].(*big.Int)
		if evAmount == nil || evTimelock == nil {
			continue
		}
		if evAmount.Cmp(amount) != 0 || hashlock.Hash(evHash) != hash ||
			evTimelock.Cmp(big.NewInt(timelock)) != 0 {
			continue
		}
		if ContractID(rawID) != expected {
			log.WithField("contract", ContractID(rawID).Hex()).
				Warn("skipping htlc event with unexpected contract id")
			continue
		}
		return expected, nil
	}
	return ContractID{}, ErrContractNotFound
}

// EtherToWei converts an ether amount into wei.
func EtherToWei(amount decimal.Decimal) (*big.Int, error) {
	wei := amount.Shift(domain.EthereumPrecision)
	if !wei.IsInteger() {
		return nil, ErrInvalidAmount
	}
	return wei.BigInt(), nil
}

// WeiToEther converts a wei amount into ether.
func WeiToEther(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -domain.EthereumPrecision)
}

func decodeContract(id ContractID, out []interface{}) (*Contract, error) {
	if len(out) != 8 {
		return nil, fmt.Errorf("getContract: expected 8 values, got %d", len(out))
	}
	sender, ok1 := out[0].(common.Address)
	receiver, ok2 := out[1].(common.Address)
	amount, ok3 := out[2].(*big.Int)
	hash, ok4 := out[3].([32]byte)
	timelock, ok5 := out[4].(*big.Int)
	withdrawn, ok6 := out[5].(bool)
	refunded, ok7 := out[6].(bool)
	preimage, ok8 := out[7].([32]byte)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8) {
		return nil, errors.New("getContract: unexpected result types")
	}
	return &Contract{
		ID:        id,
		Sender:    sender,
		Receiver:  receiver,
		Amount:    amount,
		Hashlock:  hashlock.Hash(hash),
		Timelock:  timelock.Int64(),
		Withdrawn: withdrawn,
		Refunded:  refunded,
		Preimage:  hashlock.Preimage(preimage),
	}, nil
}
