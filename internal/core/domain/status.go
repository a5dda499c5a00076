package domain

import "fmt"

// Status is the phase of a trade as derived from the facts observed on both
// ledgers.
type Status int

const (
	StatusInit Status = iota
	StatusAEscrowCreated
	StatusARefundIssued
	StatusADeposited
	StatusBContractCreated
	StatusBWithdrawn
	// StatusAWithdrawn is the ethereum-first counterpart of StatusBWithdrawn:
	// the preimage has been revealed on the stellar escrow and the contract
	// still holds the funds.
	StatusAWithdrawn
	StatusFinalised
	StatusError
	StatusExpired
)

var statusNames = map[Status]string{
	StatusInit:             "INIT",
	StatusAEscrowCreated:   "A_ESCROW_CREATED",
	StatusARefundIssued:    "A_REFUND_ISSUED",
	StatusADeposited:       "A_DEPOSITED",
	StatusBContractCreated: "B_CONTRACT_CREATED",
	StatusBWithdrawn:       "B_WITHDRAWN",
	StatusAWithdrawn:       "A_WITHDRAWN",
	StatusFinalised:        "FINALISED",
	StatusError:            "ERROR",
	StatusExpired:          "EXPIRED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// IsTerminal returns whether no further protocol step can follow s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinalised, StatusError:
		return true
	case StatusInit, StatusAEscrowCreated, StatusARefundIssued, StatusADeposited,
		StatusBContractCreated, StatusBWithdrawn, StatusAWithdrawn, StatusExpired:
		return false
	default:
		return false
	}
}

// IsRevealed returns whether in status s the preimage is already public on
// at least one ledger. Such trades must complete and are never expired.
func (s Status) IsRevealed() bool {
	switch s {
	case StatusBWithdrawn, StatusAWithdrawn, StatusFinalised:
		return true
	case StatusInit, StatusAEscrowCreated, StatusARefundIssued, StatusADeposited,
		StatusBContractCreated, StatusError, StatusExpired:
		return false
	default:
		return false
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for k, v := range statusNames {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(text))
}
