// Package escrow builds and inspects the hash-locked multisig accounts that
// hold the stellar leg of a swap.
//
// An escrow account is created by the depositor and ends up with three
// signers: the withdrawer key (weight 1), the hash-x signer of the trade
// commitment (weight 1) and its own master key (weight 0). All thresholds are
// set to 2, so moving funds takes the withdrawer signature plus either the
// preimage or nothing else at all.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"github.com/xcat-network/xcat/internal/core/domain"
	"github.com/xcat-network/xcat/internal/core/ports"
	"github.com/xcat-network/xcat/pkg/hashlock"
)

const escrowThreshold = 2

// StartingBalance funds a new escrow account: the base reserve plus one
// entry for each of the two extra signers, with room for fees.
var StartingBalance = decimal.NewFromInt(40)

var (
	// ErrInvalidEscrow is returned when an account does not match the escrow
	// layout expected for a trade.
	ErrInvalidEscrow = errors.New("invalid escrow account")
	// ErrInvalidRefundTx is returned when a refund envelope does not pay the
	// trade amount back to the depositor from the escrow at timelock.
	ErrInvalidRefundTx = errors.New("invalid refund transaction")
	// ErrNothingToDeposit is returned when the escrow already holds the trade
	// amount.
	ErrNothingToDeposit = errors.New("escrow already holds the trade amount")
	// ErrUnsupportedTx ...
	ErrUnsupportedTx = errors.New("fee bump transactions are not supported")
)

// Service is the stellar escrow adapter.
type Service struct {
	ledger  ports.StellarLedger
	baseFee int64
}

// NewService returns an escrow adapter using the given ledger client.
func NewService(ledger ports.StellarLedger) *Service {
	return &Service{ledger, txnbuild.MinBaseFee}
}

// CreateEscrow creates and configures a new escrow account funded by the
// depositor and returns its address.
func (s *Service) CreateEscrow(
	ctx context.Context, depositor *keypair.Full,
	withdrawer string, commitment hashlock.Hash,
) (string, error) {
	escrowKey, err := keypair.Random()
	if err != nil {
		return "", err
	}
	source, err := s.ledger.LoadAccount(ctx, depositor.Address())
	if err != nil {
		return "", fmt.Errorf("loading depositor account: %w", err)
	}

	envelope, err := s.BuildCreateEscrow(source, depositor, escrowKey, withdrawer, commitment)
	if err != nil {
		return "", err
	}
	txHash, err := s.ledger.SubmitTransaction(ctx, envelope)
	if err != nil {
		return "", fmt.Errorf("creating escrow account: %w", err)
	}

	log.WithFields(log.Fields{
		"escrow": escrowKey.Address(),
		"tx":     txHash,
	}).Info("escrow account created")
	return escrowKey.Address(), nil
}

// BuildCreateEscrow returns the signed envelope that creates escrowKey as a
// new account funded by source and locks it to withdrawer and commitment.
func (s *Service) BuildCreateEscrow(
	source *ports.StellarAccount, depositor, escrowKey *keypair.Full,
	withdrawer string, commitment hashlock.Hash,
) (string, error) {
	if source.Address != depositor.Address() {
		return "", fmt.Errorf("source account %s is not the depositor", source.Address)
	}

	escrow := escrowKey.Address()
	ops := []txnbuild.Operation{
		&txnbuild.CreateAccount{
			Destination: escrow,
			Amount:      formatAmount(StartingBalance),
		},
		&txnbuild.SetOptions{
			SourceAccount: escrow,
			Signer:        &txnbuild.Signer{Address: withdrawer, Weight: 1},
		},
		&txnbuild.SetOptions{
			SourceAccount:   escrow,
			Signer:          &txnbuild.Signer{Address: commitment.StellarSigner(), Weight: 1},
			MasterWeight:    txnbuild.NewThreshold(0),
			LowThreshold:    txnbuild.NewThreshold(escrowThreshold),
			MediumThreshold: txnbuild.NewThreshold(escrowThreshold),
			HighThreshold:   txnbuild.NewThreshold(escrowThreshold),
		},
	}

	tx, err := s.newTransaction(source, txnbuild.NewInfiniteTimeout(), ops...)
	if err != nil {
		return "", err
	}
	if tx, err = tx.Sign(s.ledger.NetworkPassphrase(), depositor, escrowKey); err != nil {
		return "", err
	}
	return tx.Base64()
}

// LoadEscrow returns the current state of the escrow account.
func (s *Service) LoadEscrow(ctx context.Context, address string) (*ports.StellarAccount, error) {
	return s.ledger.LoadAccount(ctx, address)
}

// IsValidEscrow returns whether the account at address is an escrow locked
// to withdrawer and commitment. A missing account is not valid.
func (s *Service) IsValidEscrow(
	ctx context.Context, address, withdrawer string, commitment hashlock.Hash,
) (bool, error) {
	account, err := s.ledger.LoadAccount(ctx, address)
	if err != nil {
		if errors.Is(err, ports.ErrAccountNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := ValidateEscrow(account, withdrawer, commitment); err != nil {
		log.WithError(err).WithField("escrow", address).Debug("escrow validation failed")
		return false, nil
	}
	return true, nil
}

// ValidateEscrow checks that account has exactly the expected signers and
// thresholds and returns the first deviation found.
func ValidateEscrow(
	account *ports.StellarAccount, withdrawer string, commitment hashlock.Hash,
) error {
	expected := map[string]int32{
		withdrawer:                 1,
		account.Address:            0,
		commitment.StellarSigner(): 1,
	}
	if len(account.Signers) != len(expected) {
		return fmt.Errorf(
			"%w: expected %d signers, got %d",
			ErrInvalidEscrow, len(expected), len(account.Signers),
		)
	}
	for _, signer := range account.Signers {
		weight, ok := expected[signer.Key]
		if !ok {
			return fmt.Errorf("%w: unexpected signer %s", ErrInvalidEscrow, signer.Key)
		}
		if weight != signer.Weight {
			return fmt.Errorf(
				"%w: signer %s has weight %d, expected %d",
				ErrInvalidEscrow, signer.Key, signer.Weight, weight,
			)
		}
		delete(expected, signer.Key)
	}

	th := account.Thresholds
	if th.Low != escrowThreshold || th.Med != escrowThreshold || th.High != escrowThreshold {
		return fmt.Errorf(
			"%w: thresholds are %d/%d/%d", ErrInvalidEscrow, th.Low, th.Med, th.High,
		)
	}
	return nil
}

// TradeBalance returns the escrow balance above the starting balance, that
// is the amount deposited for the trade.
func TradeBalance(account *ports.StellarAccount) decimal.Decimal {
	b := account.Balance.Sub(StartingBalance)
	if b.IsNegative() {
		return decimal.Zero
	}
	return b
}

// BuildRefundEnvelope returns the envelope paying amount back from the escrow
// to depositor, valid only from timelock on and signed by withdrawer.
func (s *Service) BuildRefundEnvelope(
	ctx context.Context, escrowAddress string, withdrawer *keypair.Full,
	depositor string, timelock int64, amount decimal.Decimal,
) (string, error) {
	escrow, err := s.ledger.LoadAccount(ctx, escrowAddress)
	if err != nil {
		return "", fmt.Errorf("loading escrow account: %w", err)
	}

	tx, err := s.newTransaction(
		escrow, txnbuild.NewTimebounds(timelock, 0),
		&txnbuild.Payment{
			Destination: depositor,
			Amount:      formatAmount(amount),
			Asset:       txnbuild.NativeAsset{},
		},
	)
	if err != nil {
		return "", err
	}
	if tx, err = tx.Sign(s.ledger.NetworkPassphrase(), withdrawer); err != nil {
		return "", err
	}
	return tx.Base64()
}

// ValidateRefundEnvelope checks a refund envelope received from the
// withdrawer before it is recorded on the trade. The envelope must be the
// next transaction of the escrow account, valid from exactly timelock on.
func (s *Service) ValidateRefundEnvelope(
	ctx context.Context, envelope, escrowAddress, withdrawer, depositor string,
	timelock int64, amount decimal.Decimal,
) error {
	tx, err := parseTransaction(envelope)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRefundTx, err)
	}

	source := tx.SourceAccount()
	if source.AccountID != escrowAddress {
		return fmt.Errorf("%w: source is %s, not the escrow", ErrInvalidRefundTx, source.AccountID)
	}
	tb := tx.Timebounds()
	if tb.MinTime != timelock || tb.MaxTime != 0 {
		return fmt.Errorf(
			"%w: must be valid from %d with no upper bound", ErrInvalidRefundTx, timelock,
		)
	}
	if fee := tx.BaseFee(); fee > s.baseFee {
		return fmt.Errorf(
			"%w: base fee %d exceeds %d", ErrInvalidRefundTx, fee, s.baseFee,
		)
	}

	escrow, err := s.ledger.LoadAccount(ctx, escrowAddress)
	if err != nil {
		return fmt.Errorf("loading escrow account: %w", err)
	}
	if source.Sequence != escrow.Sequence+1 {
		return fmt.Errorf(
			"%w: sequence %d is not the next one of the escrow (%d)",
			ErrInvalidRefundTx, source.Sequence, escrow.Sequence+1,
		)
	}

	ops := tx.Operations()
	if len(ops) != 1 {
		return fmt.Errorf("%w: expected 1 operation, got %d", ErrInvalidRefundTx, len(ops))
	}
	payment, ok := ops[0].(*txnbuild.Payment)
	if !ok {
		return fmt.Errorf("%w: operation is not a payment", ErrInvalidRefundTx)
	}
	if payment.SourceAccount != "" && payment.SourceAccount != escrowAddress {
		return fmt.Errorf("%w: payment is not from the escrow", ErrInvalidRefundTx)
	}
	if payment.Destination != depositor || !payment.Asset.IsNative() {
		return fmt.Errorf("%w: payment is not to the depositor in XLM", ErrInvalidRefundTx)
	}
	paid, err := decimal.NewFromString(payment.Amount)
	if err != nil || !paid.Equal(amount) {
		return fmt.Errorf("%w: pays %s instead of %s", ErrInvalidRefundTx, payment.Amount, amount)
	}

	signed, err := isSignedBy(tx, s.ledger.NetworkPassphrase(), withdrawer)
	if err != nil {
		return err
	}
	if !signed {
		return fmt.Errorf("%w: missing withdrawer signature", ErrInvalidRefundTx)
	}
	return nil
}

// Deposit pays into the escrow what is missing to reach amount.
func (s *Service) Deposit(
	ctx context.Context, depositor *keypair.Full,
	escrowAddress string, amount decimal.Decimal,
) (string, error) {
	escrow, err := s.ledger.LoadAccount(ctx, escrowAddress)
	if err != nil {
		return "", fmt.Errorf("loading escrow account: %w", err)
	}
	due := amount.Sub(TradeBalance(escrow))
	if !due.IsPositive() {
		return "", ErrNothingToDeposit
	}

	source, err := s.ledger.LoadAccount(ctx, depositor.Address())
	if err != nil {
		return "", fmt.Errorf("loading depositor account: %w", err)
	}
	tx, err := s.newTransaction(
		source, txnbuild.NewInfiniteTimeout(),
		&txnbuild.Payment{
			Destination: escrowAddress,
			Amount:      formatAmount(due),
			Asset:       txnbuild.NativeAsset{},
		},
	)
	if err != nil {
		return "", err
	}
	if tx, err = tx.Sign(s.ledger.NetworkPassphrase(), depositor); err != nil {
		return "", err
	}

	txHash, err := s.submit(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("depositing into escrow: %w", err)
	}
	log.WithFields(log.Fields{
		"escrow": escrowAddress,
		"amount": due.String(),
		"tx":     txHash,
	}).Info("deposited into escrow")
	return txHash, nil
}

// Withdraw pays amount from the escrow to the withdrawer. The transaction
// is signed with the preimage, which makes it public on the ledger.
func (s *Service) Withdraw(
	ctx context.Context, escrowAddress string, withdrawer *keypair.Full,
	preimage hashlock.Preimage, amount decimal.Decimal,
) (string, error) {
	escrow, err := s.ledger.LoadAccount(ctx, escrowAddress)
	if err != nil {
		return "", fmt.Errorf("loading escrow account: %w", err)
	}

	tx, err := s.newTransaction(
		escrow, txnbuild.NewInfiniteTimeout(),
		&txnbuild.Payment{
			Destination: withdrawer.Address(),
			Amount:      formatAmount(amount),
			Asset:       txnbuild.NativeAsset{},
		},
	)
	if err != nil {
		return "", err
	}
	if tx, err = tx.Sign(s.ledger.NetworkPassphrase(), withdrawer); err != nil {
		return "", err
	}
	if tx, err = tx.SignHashX(preimage.Bytes()); err != nil {
		return "", err
	}

	txHash, err := s.submit(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("withdrawing from escrow: %w", err)
	}
	log.WithFields(log.Fields{
		"escrow": escrowAddress,
		"tx":     txHash,
	}).Info("withdrawn from escrow")
	return txHash, nil
}

// SubmitRefund submits the refund envelope issued by the withdrawer. The
// withdrawer signature alone does not reach the escrow threshold: when the
// preimage is given it is added as the second signature, otherwise the
// envelope is submitted as is.
func (s *Service) SubmitRefund(
	ctx context.Context, envelope string, preimage *hashlock.Preimage,
) (string, error) {
	tx, err := parseTransaction(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidRefundTx, err)
	}
	if preimage != nil {
		if tx, err = tx.SignHashX(preimage.Bytes()); err != nil {
			return "", err
		}
	} else {
		log.Warn("refunding without preimage, escrow threshold may not be reached")
	}

	txHash, err := s.submit(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("submitting refund: %w", err)
	}
	log.WithField("tx", txHash).Info("escrow refunded")
	return txHash, nil
}

// RevealedPreimage looks for a signature on the escrow transactions that
// hashes to commitment. It returns nil if the preimage was never revealed on
// the escrow.
func (s *Service) RevealedPreimage(
	ctx context.Context, escrowAddress string, commitment hashlock.Hash,
) (*hashlock.Preimage, error) {
	envelopes, err := s.ledger.AccountTransactions(ctx, escrowAddress)
	if err != nil {
		return nil, fmt.Errorf("fetching escrow transactions: %w", err)
	}

	for _, envelope := range envelopes {
		tx, err := parseTransaction(envelope)
		if err != nil {
			continue
		}
		for _, sig := range tx.Signatures() {
			raw := []byte(sig.Signature)
			if len(raw) == hashlock.Size && commitment.Verify(raw) {
				var p hashlock.Preimage
				copy(p[:], raw)
				return &p, nil
			}
		}
	}
	return nil, nil
}

func (s *Service) newTransaction(
	source *ports.StellarAccount, timebounds txnbuild.TimeBounds,
	ops ...txnbuild.Operation,
) (*txnbuild.Transaction, error) {
	return txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount: &txnbuild.SimpleAccount{
			AccountID: source.Address,
			Sequence:  source.Sequence,
		},
		IncrementSequenceNum: true,
		BaseFee:              s.baseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: timebounds},
		Operations:           ops,
	})
}

func (s *Service) submit(ctx context.Context, tx *txnbuild.Transaction) (string, error) {
	envelope, err := tx.Base64()
	if err != nil {
		return "", err
	}
	return s.ledger.SubmitTransaction(ctx, envelope)
}

func parseTransaction(envelope string) (*txnbuild.Transaction, error) {
	gtx, err := txnbuild.TransactionFromXDR(envelope)
	if err != nil {
		return nil, err
	}
	tx, ok := gtx.Transaction()
	if !ok {
		return nil, ErrUnsupportedTx
	}
	return tx, nil
}

func isSignedBy(tx *txnbuild.Transaction, passphrase, address string) (bool, error) {
	kp, err := keypair.ParseAddress(address)
	if err != nil {
		return false, err
	}
	hash, err := tx.Hash(passphrase)
	if err != nil {
		return false, err
	}
	for _, sig := range tx.Signatures() {
		if kp.Verify(hash[:], []byte(sig.Signature)) == nil {
			return true, nil
		}
	}
	return false, nil
}

func formatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(domain.StellarPrecision)
}
