// Package evm implements ports.EthereumLedger over a JSON-RPC endpoint for a
// single deployed HashedTimelock contract.
package evm

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/xcat-network/xcat/internal/core/ports"
	"github.com/xcat-network/xcat/pkg/circuitbreaker"
	"github.com/xcat-network/xcat/pkg/stats"
	"go.uber.org/ratelimit"
)

const (
	ledgerName = "ethereum"

	defaultBlockRange      = 5000
	defaultRequestsPerSec  = 10
	defaultReceiptInterval = 2 * time.Second
)

//go:embed htlc.abi.json
var htlcABI string

var (
	// ErrUnknownEvent is returned when querying an event the contract does
	// not declare.
	ErrUnknownEvent = errors.New("unknown contract event")
	// ErrSenderMismatch is returned when sending from an address other than
	// the one of the configured private key.
	ErrSenderMismatch = errors.New("sender does not match the signing key")
)

// Config holds the connection parameters of the client.
type Config struct {
	RPCEndpoint     string
	ContractAddress common.Address
	ChainID         *big.Int
	// PrivateKey signs transactions locally. When nil, transactions are sent
	// with eth_sendTransaction and signed by the node.
	PrivateKey *ecdsa.PrivateKey
	// StartBlock is the block the contract was deployed at. Event scans
	// start from here.
	StartBlock uint64
	// BlockRange is the number of blocks fetched per log query.
	BlockRange        uint64
	RequestsPerSecond int
	ReceiptInterval   time.Duration
}

// Ledger is an ethereum ledger client holding an RPC connection.
type Ledger interface {
	ports.EthereumLedger
	// Close releases the RPC connection.
	Close()
}

type client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	abi     abi.ABI
	cfg     Config
	cb      *gobreaker.CircuitBreaker
	limiter ratelimit.Limiter
}

// NewClient connects to the RPC endpoint and checks it serves the configured
// chain.
func NewClient(ctx context.Context, cfg Config) (Ledger, error) {
	if cfg.RPCEndpoint == "" {
		return nil, errors.New("missing ethereum rpc endpoint")
	}
	if cfg.ContractAddress == (common.Address{}) {
		return nil, errors.New("missing htlc contract address")
	}
	if cfg.BlockRange == 0 {
		cfg.BlockRange = defaultBlockRange
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSec
	}
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = defaultReceiptInterval
	}

	contractABI, err := parseABI()
	if err != nil {
		return nil, err
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.RPCEndpoint, err)
	}
	ethClient := ethclient.NewClient(rpcClient)

	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("fetching chain id: %w", err)
	}
	if cfg.ChainID != nil && cfg.ChainID.Cmp(chainID) != 0 {
		rpcClient.Close()
		return nil, fmt.Errorf(
			"rpc endpoint serves chain %s, expected %s", chainID, cfg.ChainID,
		)
	}
	cfg.ChainID = chainID

	return &client{
		rpc:     rpcClient,
		eth:     ethClient,
		abi:     contractABI,
		cfg:     cfg,
		cb:      circuitbreaker.NewCircuitBreaker("ethereum"),
		limiter: ratelimit.New(cfg.RequestsPerSecond),
	}, nil
}

func (c *client) Close() {
	c.rpc.Close()
}

// nodeAnswer carries an error returned by the node for a well formed
// request, which must not trip the breaker.
type nodeAnswer struct {
	err error
}

// execute runs one rpc request through the breaker and the rate limiter.
// Errors matched by answered are returned to the caller without counting as
// breaker failures.
func (c *client) execute(
	fn func() (interface{}, error), answered func(error) bool,
) (interface{}, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		c.limiter.Take()
		res, err := fn()
		if err != nil && answered != nil && answered(err) {
			return nodeAnswer{err}, nil
		}
		return res, err
	})
	if err != nil {
		return nil, err
	}
	if a, ok := res.(nodeAnswer); ok {
		return nil, a.err
	}
	return res, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}

func parseABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(htlcABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parsing htlc abi: %w", err)
	}
	return parsed, nil
}

func (c *client) Code(ctx context.Context) (code []byte, err error) {
	defer stats.ObserveLedgerRequest(ledgerName, "Code", time.Now(), &err)

	res, err := c.execute(func() (interface{}, error) {
		return c.eth.CodeAt(ctx, c.cfg.ContractAddress, nil)
	}, nil)
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (c *client) Call(
	ctx context.Context, method string, args ...interface{},
) (out []interface{}, err error) {
	defer stats.ObserveLedgerRequest(ledgerName, "Call", time.Now(), &err)

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s call: %w", method, err)
	}

	res, err := c.execute(func() (interface{}, error) {
		return c.eth.CallContract(ctx, ethereum.CallMsg{
			To:   &c.cfg.ContractAddress,
			Data: data,
		}, nil)
	}, isRevert)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	return c.abi.Unpack(method, res.([]byte))
}

func (c *client) Send(
	ctx context.Context, from common.Address, value *big.Int,
	method string, args ...interface{},
) (receipt *ports.Receipt, err error) {
	defer stats.ObserveLedgerRequest(ledgerName, "Send", time.Now(), &err)

	if value == nil {
		value = new(big.Int)
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s transaction: %w", method, err)
	}

	msg := ethereum.CallMsg{
		From:  from,
		To:    &c.cfg.ContractAddress,
		Value: value,
		Data:  data,
	}
	res, err := c.execute(func() (interface{}, error) {
		return c.eth.EstimateGas(ctx, msg)
	}, isRevert)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %s: %v", ports.ErrTransactionReverted, method, err)
		}
		return nil, fmt.Errorf("estimating gas of %s: %w", method, err)
	}
	gas := res.(uint64)

	var txHash common.Hash
	if c.cfg.PrivateKey != nil {
		txHash, err = c.sendSigned(ctx, msg, gas)
	} else {
		txHash, err = c.sendUnsigned(ctx, msg, gas)
	}
	if err != nil {
		return nil, fmt.Errorf("sending %s transaction: %w", method, err)
	}

	log.WithFields(log.Fields{
		"method": method,
		"tx":     txHash.Hex(),
	}).Debug("ethereum transaction sent")

	mined, err := c.waitMined(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if mined.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf(
			"%w: %s in tx %s", ports.ErrTransactionReverted, method, txHash.Hex(),
		)
	}

	events := make([]ports.Event, 0, len(mined.Logs))
	for _, l := range mined.Logs {
		if l.Address != c.cfg.ContractAddress {
			continue
		}
		ev, ok, err := c.decodeLog(l)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, ev)
		}
	}

	return &ports.Receipt{
		TxHash:      txHash,
		BlockNumber: mined.BlockNumber.Uint64(),
		Events:      events,
	}, nil
}

func (c *client) sendSigned(
	ctx context.Context, msg ethereum.CallMsg, gas uint64,
) (common.Hash, error) {
	key := c.cfg.PrivateKey
	if crypto.PubkeyToAddress(key.PublicKey) != msg.From {
		return common.Hash{}, ErrSenderMismatch
	}

	nonce, err := c.execute(func() (interface{}, error) {
		return c.eth.PendingNonceAt(ctx, msg.From)
	}, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching nonce: %w", err)
	}
	gasPrice, err := c.execute(func() (interface{}, error) {
		return c.eth.SuggestGasPrice(ctx)
	}, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce.(uint64),
		GasPrice: gasPrice.(*big.Int),
		Gas:      gas,
		To:       msg.To,
		Value:    msg.Value,
		Data:     msg.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.cfg.ChainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing transaction: %w", err)
	}
	if _, err := c.execute(func() (interface{}, error) {
		return nil, c.eth.SendTransaction(ctx, signed)
	}, nil); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// sendUnsigned lets the node sign with one of its unlocked accounts.
func (c *client) sendUnsigned(
	ctx context.Context, msg ethereum.CallMsg, gas uint64,
) (common.Hash, error) {
	var txHash common.Hash
	_, err := c.execute(func() (interface{}, error) {
		return nil, c.rpc.CallContext(ctx, &txHash, "eth_sendTransaction", map[string]interface{}{
			"from":  msg.From,
			"to":    msg.To,
			"gas":   hexutil.Uint64(gas),
			"value": (*hexutil.Big)(msg.Value),
			"data":  hexutil.Bytes(msg.Data),
		})
	}, nil)
	return txHash, err
}

func (c *client) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.cfg.ReceiptInterval)
	defer ticker.Stop()

	for {
		res, err := c.execute(func() (interface{}, error) {
			return c.eth.TransactionReceipt(ctx, txHash)
		}, isNotFound)
		if err == nil {
			return res.(*types.Receipt), nil
		}
		if !isNotFound(err) {
			return nil, fmt.Errorf("fetching receipt of %s: %w", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *client) PastEvents(
	ctx context.Context, event string, query ...[]interface{},
) (events []ports.Event, err error) {
	defer stats.ObserveLedgerRequest(ledgerName, "PastEvents", time.Now(), &err)

	topics, err := c.eventTopics(event, query...)
	if err != nil {
		return nil, err
	}

	res, err := c.execute(func() (interface{}, error) {
		return c.eth.BlockNumber(ctx)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching latest block: %w", err)
	}
	latest := res.(uint64)

	events = make([]ports.Event, 0)
	for from := c.cfg.StartBlock; from <= latest; from += c.cfg.BlockRange {
		to := from + c.cfg.BlockRange - 1
		if to > latest {
			to = latest
		}

		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{c.cfg.ContractAddress},
			Topics:    topics,
		}
		res, err := c.execute(func() (interface{}, error) {
			return c.eth.FilterLogs(ctx, q)
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("fetching %s logs in blocks %d-%d: %w", event, from, to, err)
		}

		for _, l := range res.([]types.Log) {
			if l.Removed {
				continue
			}
			ev, ok, err := c.decodeLog(&l)
			if err != nil {
				return nil, err
			}
			if ok {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

// eventTopics builds the log filter topics for event, the first one being
// the event signature.
func (c *client) eventTopics(event string, query ...[]interface{}) ([][]common.Hash, error) {
	ev, ok := c.abi.Events[event]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	topics, err := abi.MakeTopics(query...)
	if err != nil {
		return nil, fmt.Errorf("building %s topics: %w", event, err)
	}
	return append([][]common.Hash{{ev.ID}}, topics...), nil
}

// decodeLog returns the contract event carried by l. Logs of unknown events
// are skipped.
func (c *client) decodeLog(l *types.Log) (ports.Event, bool, error) {
	if len(l.Topics) <= 0 {
		return ports.Event{}, false, nil
	}
	ev, err := c.abi.EventByID(l.Topics[0])
	if err != nil {
		return ports.Event{}, false, nil
	}

	args := make(map[string]interface{})
	if len(l.Data) > 0 {
		if err := c.abi.UnpackIntoMap(args, ev.Name, l.Data); err != nil {
			return ports.Event{}, false, fmt.Errorf("decoding %s data: %w", ev.Name, err)
		}
	}
	indexed := make(abi.Arguments, 0, len(ev.Inputs))
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, l.Topics[1:]); err != nil {
		return ports.Event{}, false, fmt.Errorf("decoding %s topics: %w", ev.Name, err)
	}

	return ports.Event{
		Name:        ev.Name,
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		Args:        args,
	}, true, nil
}

func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(err.Error(), "revert")
}
