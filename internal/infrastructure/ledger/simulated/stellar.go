// Package simulated provides in-memory ledgers that apply the same rules as
// the real networks for the subset of features used by swaps. They are used
// to run the protocol end to end without network access.
package simulated

import (
	"context"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
	"github.com/xcat-network/xcat/internal/core/ports"
	"github.com/xcat-network/xcat/pkg/hashlock"
)

const stroopsPerLumen = 7

type stellarAccount struct {
	balance      decimal.Decimal
	sequence     int64
	masterWeight int32
	signers      map[string]int32
	thresholds   ports.StellarThresholds
}

func (a *stellarAccount) clone() *stellarAccount {
	c := *a
	c.signers = make(map[string]int32, len(a.signers))
	for k, v := range a.signers {
		c.signers[k] = v
	}
	return &c
}

// StellarLedger is an in-memory ports.StellarLedger supporting native
// payments, account creation and signer management.
type StellarLedger struct {
	locker     sync.Mutex
	passphrase string
	now        func() time.Time
	ledgerSeq  int64
	accounts   map[string]*stellarAccount
	txs        map[string][]string
}

// NewStellarLedger returns an empty ledger for the given network. now is
// used to check transaction time bounds.
func NewStellarLedger(passphrase string, now func() time.Time) *StellarLedger {
	return &StellarLedger{
		passphrase: passphrase,
		now:        now,
		ledgerSeq:  1,
		accounts:   make(map[string]*stellarAccount),
		txs:        make(map[string][]string),
	}
}

// Fund creates the account at address with the given balance, or tops it up
// if it already exists.
func (l *StellarLedger) Fund(address string, amount decimal.Decimal) {
	l.locker.Lock()
	defer l.locker.Unlock()

	if acc, ok := l.accounts[address]; ok {
		acc.balance = acc.balance.Add(amount)
		return
	}
	l.accounts[address] = l.newAccount(amount)
}

// Balance returns the native balance of address, zero if it does not exist.
func (l *StellarLedger) Balance(address string) decimal.Decimal {
	l.locker.Lock()
	defer l.locker.Unlock()

	if acc, ok := l.accounts[address]; ok {
		return acc.balance
	}
	return decimal.Zero
}

func (l *StellarLedger) NetworkPassphrase() string {
	return l.passphrase
}

func (l *StellarLedger) LoadAccount(_ context.Context, address string) (*ports.StellarAccount, error) {
	l.locker.Lock()
	defer l.locker.Unlock()

	acc, ok := l.accounts[address]
	if !ok {
		return nil, ports.ErrAccountNotFound
	}

	signers := []ports.StellarSigner{{
		Key: address, Type: ports.SignerTypeEd25519, Weight: acc.masterWeight,
	}}
	keys := make([]string, 0, len(acc.signers))
	for k := range acc.signers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		signerType := ports.SignerTypeEd25519
		if strings.HasPrefix(k, "X") {
			signerType = ports.SignerTypeHashX
		}
		signers = append(signers, ports.StellarSigner{
			Key: k, Type: signerType, Weight: acc.signers[k],
		})
	}

	return &ports.StellarAccount{
		Address:    address,
		Sequence:   acc.sequence,
		Balance:    acc.balance,
		Signers:    signers,
		Thresholds: acc.thresholds,
	}, nil
}

func (l *StellarLedger) AccountTransactions(_ context.Context, address string) ([]string, error) {
	l.locker.Lock()
	defer l.locker.Unlock()

	txs := make([]string, len(l.txs[address]))
	copy(txs, l.txs[address])
	return txs, nil
}

// SubmitTransaction validates and applies the envelope atomically. Failures
// in validation leave the ledger untouched, failures of an operation only
// consume the sequence number and the fee, like on the real network.
func (l *StellarLedger) SubmitTransaction(_ context.Context, envelope string) (string, error) {
	gtx, err := txnbuild.TransactionFromXDR(envelope)
	if err != nil {
		return "", &ports.TransactionError{TransactionCode: "tx_malformed"}
	}
	tx, ok := gtx.Transaction()
	if !ok {
		return "", &ports.TransactionError{TransactionCode: "tx_not_supported"}
	}
	hash, err := tx.Hash(l.passphrase)
	if err != nil {
		return "", err
	}
	sigs := tx.Signatures()

	l.locker.Lock()
	defer l.locker.Unlock()

	sourceAddr := tx.SourceAccount().AccountID
	source, ok := l.accounts[sourceAddr]
	if !ok {
		return "", &ports.TransactionError{TransactionCode: "tx_no_source_account"}
	}
	if tx.SequenceNumber() != source.sequence+1 {
		return "", &ports.TransactionError{TransactionCode: "tx_bad_seq"}
	}
	now := l.now().Unix()
	tb := tx.Timebounds()
	if tb.MinTime > 0 && now < tb.MinTime {
		return "", &ports.TransactionError{TransactionCode: "tx_too_early"}
	}
	if tb.MaxTime > 0 && now > tb.MaxTime {
		return "", &ports.TransactionError{TransactionCode: "tx_too_late"}
	}
	ops := tx.Operations()
	fee := decimal.New(tx.BaseFee()*int64(len(ops)), -stroopsPerLumen)
	if source.balance.LessThan(fee) {
		return "", &ports.TransactionError{TransactionCode: "tx_insufficient_balance"}
	}
	if !isAuthorized(sourceAddr, source, source.thresholds.Low, hash, sigs) {
		return "", &ports.TransactionError{TransactionCode: "tx_bad_auth"}
	}

	state := make(map[string]*stellarAccount, len(l.accounts))
	for k, v := range l.accounts {
		state[k] = v.clone()
	}
	touched := map[string]bool{sourceAddr: true}

	opCodes := make([]string, 0, len(ops))
	failed := false
	for _, op := range ops {
		code := l.applyOperation(state, sourceAddr, op, hash, sigs, touched)
		if code == "tx_bad_auth" {
			return "", &ports.TransactionError{TransactionCode: code}
		}
		opCodes = append(opCodes, code)
		if code != "op_success" {
			failed = true
			break
		}
	}

	if failed {
		source.sequence++
		source.balance = source.balance.Sub(fee)
		return "", &ports.TransactionError{
			TransactionCode: "tx_failed", OperationCodes: opCodes,
		}
	}

	state[sourceAddr].sequence++
	state[sourceAddr].balance = state[sourceAddr].balance.Sub(fee)
	l.accounts = state
	l.ledgerSeq++
	for addr := range touched {
		l.txs[addr] = append(l.txs[addr], envelope)
	}
	return hex.EncodeToString(hash[:]), nil
}

func (l *StellarLedger) applyOperation(
	state map[string]*stellarAccount, txSource string, op txnbuild.Operation,
	hash [32]byte, sigs []xdr.DecoratedSignature, touched map[string]bool,
) string {
	opSource := op.GetSourceAccount()
	if opSource == "" {
		opSource = txSource
	}
	source, ok := state[opSource]
	if !ok {
		return "op_no_source_account"
	}
	touched[opSource] = true

	switch o := op.(type) {
	case *txnbuild.CreateAccount:
		if !isAuthorized(opSource, source, source.thresholds.Med, hash, sigs) {
			return "tx_bad_auth"
		}
		amount, err := decimal.NewFromString(o.Amount)
		if err != nil || !amount.IsPositive() {
			return "op_malformed"
		}
		if _, exists := state[o.Destination]; exists {
			return "op_already_exists"
		}
		if source.balance.LessThan(amount) {
			return "op_underfunded"
		}
		source.balance = source.balance.Sub(amount)
		state[o.Destination] = l.newAccount(amount)
		touched[o.Destination] = true

	case *txnbuild.Payment:
		if !isAuthorized(opSource, source, source.thresholds.Med, hash, sigs) {
			return "tx_bad_auth"
		}
		if o.Asset == nil || !o.Asset.IsNative() {
			return "op_not_supported"
		}
		amount, err := decimal.NewFromString(o.Amount)
		if err != nil || !amount.IsPositive() {
			return "op_malformed"
		}
		dest, ok := state[o.Destination]
		if !ok {
			return "op_no_destination"
		}
		if source.balance.LessThan(amount) {
			return "op_underfunded"
		}
		source.balance = source.balance.Sub(amount)
		dest.balance = dest.balance.Add(amount)
		touched[o.Destination] = true

	case *txnbuild.SetOptions:
		if !isAuthorized(opSource, source, source.thresholds.High, hash, sigs) {
			return "tx_bad_auth"
		}
		if o.Signer != nil {
			if o.Signer.Weight == 0 {
				delete(source.signers, o.Signer.Address)
			} else {
				source.signers[o.Signer.Address] = int32(o.Signer.Weight)
			}
		}
		if o.MasterWeight != nil {
			source.masterWeight = int32(*o.MasterWeight)
		}
		if o.LowThreshold != nil {
			source.thresholds.Low = uint8(*o.LowThreshold)
		}
		if o.MediumThreshold != nil {
			source.thresholds.Med = uint8(*o.MediumThreshold)
		}
		if o.HighThreshold != nil {
			source.thresholds.High = uint8(*o.HighThreshold)
		}

	default:
		return "op_not_supported"
	}
	return "op_success"
}

func (l *StellarLedger) newAccount(balance decimal.Decimal) *stellarAccount {
	return &stellarAccount{
		balance:      balance,
		sequence:     l.ledgerSeq << 32,
		masterWeight: 1,
		signers:      make(map[string]int32),
	}
}

// isAuthorized sums the weight of the signers of the account that signed the
// transaction and compares it with the threshold.
func isAuthorized(
	address string, acc *stellarAccount, threshold uint8,
	hash [32]byte, sigs []xdr.DecoratedSignature,
) bool {
	var weight int32
	if acc.masterWeight > 0 && isSignedBy(address, hash, sigs) {
		weight += acc.masterWeight
	}
	for key, w := range acc.signers {
		if strings.HasPrefix(key, "X") {
			h, err := hashlock.ParseStellarSigner(key)
			if err != nil {
				continue
			}
			for _, sig := range sigs {
				if h.Verify([]byte(sig.Signature)) {
					weight += w
					break
				}
			}
			continue
		}
		if isSignedBy(key, hash, sigs) {
			weight += w
		}
	}

	required := int32(threshold)
	if required == 0 {
		required = 1
	}
	return weight >= required
}

func isSignedBy(address string, hash [32]byte, sigs []xdr.DecoratedSignature) bool {
	kp, err := keypair.ParseAddress(address)
	if err != nil {
		return false
	}
	for _, sig := range sigs {
		if kp.Verify(hash[:], []byte(sig.Signature)) == nil {
			return true
		}
	}
	return false
}
