package ports

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Signer types as reported by the stellar ledger.
const (
	SignerTypeEd25519 = "ed25519_public_key"
	SignerTypeHashX   = "sha256_hash"
	SignerTypePreAuth = "preauth_tx"
)

var (
	// ErrAccountNotFound is returned by StellarLedger.LoadAccount when the
	// account does not exist on the ledger.
	ErrAccountNotFound = errors.New("account not found")
)

// StellarLedger is the abstraction of a stellar network client.
type StellarLedger interface {
	// NetworkPassphrase returns the passphrase of the network the client is
	// connected to. Transactions are signed for this network only.
	NetworkPassphrase() string
	// LoadAccount returns the current state of the given account or
	// ErrAccountNotFound.
	LoadAccount(ctx context.Context, address string) (*StellarAccount, error)
	// SubmitTransaction submits a base64 encoded transaction envelope and
	// returns its hash. A rejection from the network is returned as a
	// *TransactionError.
	SubmitTransaction(ctx context.Context, envelope string) (string, error)
	// AccountTransactions returns the base64 envelopes of the successful
	// transactions involving the given account, oldest first.
	AccountTransactions(ctx context.Context, address string) ([]string, error)
}

// StellarAccount is the subset of an account state relevant to escrows.
type StellarAccount struct {
	Address    string
	Sequence   int64
	Balance    decimal.Decimal
	Signers    []StellarSigner
	Thresholds StellarThresholds
}

// StellarSigner is an entry of an account signer list. The master key of the
// account is listed like any other ed25519 signer.
type StellarSigner struct {
	Key    string
	Type   string
	Weight int32
}

type StellarThresholds struct {
	Low  uint8
	Med  uint8
	High uint8
}

// SignerWeight returns the weight of the signer with the given key, and
// whether it is listed at all.
func (a *StellarAccount) SignerWeight(key string) (int32, bool) {
	for _, s := range a.Signers {
		if s.Key == key {
			return s.Weight, true
		}
	}
	return 0, false
}

// TransactionError is a rejection of a transaction by the stellar network,
// described by its result codes.
type TransactionError struct {
	TransactionCode string
	OperationCodes  []string
}

func (e *TransactionError) Error() string {
	if len(e.OperationCodes) <= 0 {
		return fmt.Sprintf("transaction failed: %s", e.TransactionCode)
	}
	return fmt.Sprintf(
		"transaction failed: %s [%s]",
		e.TransactionCode, strings.Join(e.OperationCodes, ", "),
	)
}

// HasCode returns whether code is either the transaction or one of the
// operation result codes.
func (e *TransactionError) HasCode(code string) bool {
	if e.TransactionCode == code {
		return true
	}
	for _, c := range e.OperationCodes {
		if c == code {
			return true
		}
	}
	return false
}
