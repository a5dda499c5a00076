package domain

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/strkey"
	"github.com/xcat-network/xcat/pkg/hashlock"
)

const (
	// StellarToken is the only asset supported on the stellar side.
	StellarToken = "XLM"
	// EthereumToken is the only asset supported on the ethereum side.
	EthereumToken = "ETH"

	// StellarPrecision is the number of decimals of a stellar amount.
	StellarPrecision = 7
	// EthereumPrecision is the number of decimals of an ether amount.
	EthereumPrecision = 18
)

var ethAddressRegexp = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// StellarSide holds the terms and the escrow facts of the stellar leg.
type StellarSide struct {
	Token          string          `json:"token"`
	Amount         decimal.Decimal `json:"amount"`
	Depositor      string          `json:"depositor"`
	Withdrawer     string          `json:"withdrawer"`
	HoldingAccount string          `json:"holdingAccount,omitempty"`
	RefundTx       string          `json:"refundTx,omitempty"`
}

// EthereumSide holds the terms and the escrow facts of the ethereum leg.
type EthereumSide struct {
	Token          string          `json:"token"`
	Amount         decimal.Decimal `json:"amount"`
	Depositor      string          `json:"depositor"`
	Withdrawer     string          `json:"withdrawer"`
	HtlcContractID string          `json:"htlcContractId,omitempty"`
}

// Trade is the shared description of one swap. Its terms never change once
// created, the escrow facts are only ever added as they are discovered on the
// ledgers.
type Trade struct {
	ID          string        `json:"id,omitempty" badgerhold:"key"`
	Commitment  hashlock.Hash `json:"commitment"`
	Timelock    int64         `json:"timelock"`
	InitialSide Side          `json:"initialSide,omitempty"`
	Stellar     StellarSide   `json:"stellar"`
	Ethereum    EthereumSide  `json:"ethereum"`
	// Preimage is known only to the party that generated the secret, or to
	// anyone once it has been revealed on a ledger. It is never part of the
	// document shared with the counterparty.
	Preimage *hashlock.Preimage `json:"preimage,omitempty"`
}

// NewTrade returns a validated trade with the given terms.
func NewTrade(
	commitment hashlock.Hash, timelock int64, stellar StellarSide, ethereum EthereumSide,
) (*Trade, error) {
	t := &Trade{
		Commitment: commitment,
		Timelock:   timelock,
		Stellar:    stellar,
		Ethereum:   ethereum,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ParseTrade decodes and validates a JSON trade document.
func ParseTrade(data []byte) (*Trade, error) {
	t := &Trade{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("malformed trade document: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the format of every field of the trade. Tokens left empty
// default to the native asset of each ledger.
func (t *Trade) Validate() error {
	if t.Commitment.IsZero() {
		return ErrInvalidCommitment
	}
	if t.Timelock <= 0 {
		return ErrInvalidTimelock
	}
	if t.InitialSide != SideUnset && !t.InitialSide.IsValid() {
		return ErrInvalidSide
	}
	if err := t.Stellar.validate(); err != nil {
		return fmt.Errorf("stellar: %w", err)
	}
	if err := t.Ethereum.validate(); err != nil {
		return fmt.Errorf("ethereum: %w", err)
	}
	if t.Preimage != nil && t.Preimage.Hash() != t.Commitment {
		return ErrPreimageMismatch
	}
	return nil
}

func (s *StellarSide) validate() error {
	if s.Token == "" {
		s.Token = StellarToken
	}
	if s.Token != StellarToken {
		return ErrInvalidToken
	}
	if !isValidAmount(s.Amount, StellarPrecision) {
		return ErrInvalidAmount
	}
	if !IsStellarAddress(s.Depositor) || !IsStellarAddress(s.Withdrawer) {
		return ErrInvalidStellarAddress
	}
	if s.Depositor == s.Withdrawer {
		return ErrSameParty
	}
	if s.HoldingAccount != "" && !IsStellarAddress(s.HoldingAccount) {
		return ErrInvalidStellarAddress
	}
	if s.RefundTx != "" {
		if _, err := base64.StdEncoding.DecodeString(s.RefundTx); err != nil {
			return ErrInvalidRefundTx
		}
	}
	return nil
}

func (e *EthereumSide) validate() error {
	if e.Token == "" {
		e.Token = EthereumToken
	}
	if e.Token != EthereumToken {
		return ErrInvalidToken
	}
	if !isValidAmount(e.Amount, EthereumPrecision) {
		return ErrInvalidAmount
	}
	if !IsEthereumAddress(e.Depositor) || !IsEthereumAddress(e.Withdrawer) {
		return ErrInvalidEthereumAddress
	}
	if strings.EqualFold(e.Depositor, e.Withdrawer) {
		return ErrSameParty
	}
	if e.HtlcContractID != "" && !isContractID(e.HtlcContractID) {
		return ErrInvalidContractID
	}
	return nil
}

// SetInitialSide records which escrow was created first.
func (t *Trade) SetInitialSide(side Side) error {
	if !side.IsValid() {
		return ErrInvalidSide
	}
	v := string(t.InitialSide)
	if err := setOnce("initialSide", &v, string(side)); err != nil {
		return err
	}
	t.InitialSide = Side(v)
	return nil
}

// SetEscrowAccount records the address of the stellar holding account.
func (t *Trade) SetEscrowAccount(address string) error {
	if !IsStellarAddress(address) {
		return ErrInvalidStellarAddress
	}
	return setOnce("stellar.holdingAccount", &t.Stellar.HoldingAccount, address)
}

// SetRefundTx records the refund envelope issued by the stellar withdrawer.
func (t *Trade) SetRefundTx(envelope string) error {
	if _, err := base64.StdEncoding.DecodeString(envelope); err != nil || envelope == "" {
		return ErrInvalidRefundTx
	}
	return setOnce("stellar.refundTx", &t.Stellar.RefundTx, envelope)
}

// SetContractID records the id of the ethereum htlc contract.
func (t *Trade) SetContractID(id string) error {
	if !isContractID(id) {
		return ErrInvalidContractID
	}
	id = normalizeContractID(id)
	if t.Ethereum.HtlcContractID != "" {
		t.Ethereum.HtlcContractID = normalizeContractID(t.Ethereum.HtlcContractID)
	}
	return setOnce("ethereum.htlcContractId", &t.Ethereum.HtlcContractID, id)
}

// SetPreimage records the secret once it is known locally.
func (t *Trade) SetPreimage(p hashlock.Preimage) error {
	if p.Hash() != t.Commitment {
		return ErrPreimageMismatch
	}
	if t.Preimage != nil {
		return nil
	}
	t.Preimage = &p
	return nil
}

// Merge adds to t the facts recorded on other, which must describe the same
// terms. Nothing already recorded on t is ever overwritten.
func (t *Trade) Merge(other *Trade) error {
	if !t.SameTerms(other) {
		return ErrTermsMismatch
	}
	if other.InitialSide != SideUnset {
		if err := t.SetInitialSide(other.InitialSide); err != nil {
			return err
		}
	}
	if other.Stellar.HoldingAccount != "" {
		if err := t.SetEscrowAccount(other.Stellar.HoldingAccount); err != nil {
			return err
		}
	}
	if other.Stellar.RefundTx != "" {
		if err := t.SetRefundTx(other.Stellar.RefundTx); err != nil {
			return err
		}
	}
	if other.Ethereum.HtlcContractID != "" {
		if err := t.SetContractID(other.Ethereum.HtlcContractID); err != nil {
			return err
		}
	}
	if other.Preimage != nil {
		if err := t.SetPreimage(*other.Preimage); err != nil {
			return err
		}
	}
	return nil
}

// SameTerms returns whether t and other describe the same swap.
func (t *Trade) SameTerms(other *Trade) bool {
	return t.Commitment == other.Commitment &&
		t.Timelock == other.Timelock &&
		t.Stellar.Amount.Equal(other.Stellar.Amount) &&
		t.Stellar.Depositor == other.Stellar.Depositor &&
		t.Stellar.Withdrawer == other.Stellar.Withdrawer &&
		t.Ethereum.Amount.Equal(other.Ethereum.Amount) &&
		strings.EqualFold(t.Ethereum.Depositor, other.Ethereum.Depositor) &&
		strings.EqualFold(t.Ethereum.Withdrawer, other.Ethereum.Withdrawer)
}

// IsExpired returns whether the timelock has been reached at time now.
func (t *Trade) IsExpired(now time.Time) bool {
	return now.Unix() >= t.Timelock
}

// Clone returns a deep copy of the trade.
func (t *Trade) Clone() *Trade {
	c := *t
	if t.Preimage != nil {
		p := *t.Preimage
		c.Preimage = &p
	}
	return &c
}

// AgreementJSON returns the document exchanged with the counterparty: the
// whole trade except for the local only preimage.
func (t *Trade) AgreementJSON() ([]byte, error) {
	c := t.Clone()
	c.Preimage = nil
	return json.MarshalIndent(c, "", "  ")
}

// Summary returns a human readable description of the trade.
func (t *Trade) Summary() string {
	orNone := func(s string) string {
		if s == "" {
			return "<none yet>"
		}
		return s
	}
	s, e := t.Stellar, t.Ethereum
	return fmt.Sprintf(`
Trade Summary
=============
%s %s for %s %s

Stellar
-------
From:    %s
To:      %s
Escrow:  %s

Ethereum
--------
From:    %s
To:      %s
Escrow:  %s

Commitment:  %s
Expires:     %s
`,
		s.Amount, s.Token, e.Amount, e.Token,
		s.Depositor, s.Withdrawer, orNone(s.HoldingAccount),
		e.Depositor, e.Withdrawer, orNone(e.HtlcContractID),
		t.Commitment, time.Unix(t.Timelock, 0).UTC().Format(time.RFC1123),
	)
}

// IsStellarAddress returns whether addr is an ed25519 public key strkey.
func IsStellarAddress(addr string) bool {
	return strkey.IsValidEd25519PublicKey(addr)
}

// IsEthereumAddress returns whether addr is a 0x prefixed 20 bytes hex string.
func IsEthereumAddress(addr string) bool {
	return ethAddressRegexp.MatchString(addr)
}

func isValidAmount(amount decimal.Decimal, precision int32) bool {
	if !amount.IsPositive() {
		return false
	}
	return amount.Equal(amount.Truncate(precision))
}

func isContractID(id string) bool {
	if !strings.HasPrefix(id, "0x") && !strings.HasPrefix(id, "0X") {
		return false
	}
	b, err := hex.DecodeString(id[2:])
	return err == nil && len(b) == 32
}

func normalizeContractID(id string) string {
	return "0x" + strings.ToLower(id[2:])
}

func setOnce(name string, field *string, value string) error {
	if *field == "" {
		*field = value
		return nil
	}
	if *field == value {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrFieldAlreadySet, name)
}
