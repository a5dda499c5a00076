// Package horizon implements ports.StellarLedger on top of a horizon server.
package horizon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/xcat-network/xcat/internal/core/ports"
	"github.com/xcat-network/xcat/pkg/circuitbreaker"
	"github.com/xcat-network/xcat/pkg/stats"
)

const (
	ledgerName     = "stellar"
	pageLimit      = 200
	defaultTimeout = 30 * time.Second
)

// rejection carries a transaction refused by the network through the
// circuit breaker without counting it as a failure of the server.
type rejection struct {
	err *ports.TransactionError
}

type client struct {
	horizon    *horizonclient.Client
	passphrase string
	cb         *gobreaker.CircuitBreaker
}

// NewClient returns a stellar ledger client for the network with the given
// passphrase, served by the horizon instance at url.
func NewClient(url, passphrase string, timeout time.Duration) (ports.StellarLedger, error) {
	if url == "" {
		return nil, errors.New("missing horizon url")
	}
	if passphrase == "" {
		return nil, errors.New("missing network passphrase")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &client{
		horizon: &horizonclient.Client{
			HorizonURL: url,
			HTTP:       &http.Client{Timeout: timeout},
		},
		passphrase: passphrase,
		cb:         circuitbreaker.NewCircuitBreaker("horizon"),
	}, nil
}

func (c *client) NetworkPassphrase() string {
	return c.passphrase
}

func (c *client) LoadAccount(
	ctx context.Context, address string,
) (account *ports.StellarAccount, err error) {
	defer stats.ObserveLedgerRequest(ledgerName, "LoadAccount", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		acc, err := c.horizon.AccountDetail(horizonclient.AccountRequest{
			AccountID: address,
		})
		if err != nil {
			if horizonclient.IsNotFoundError(err) {
				return nil, nil
			}
			return nil, err
		}
		return &acc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading account %s: %w", address, err)
	}
	if res == nil {
		return nil, ports.ErrAccountNotFound
	}
	return parseAccount(res.(*hProtocol.Account))
}

func (c *client) SubmitTransaction(
	ctx context.Context, envelope string,
) (txHash string, err error) {
	defer stats.ObserveLedgerRequest(ledgerName, "SubmitTransaction", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		tx, err := c.horizon.SubmitTransactionXDR(envelope)
		if err != nil {
			if txErr := transactionError(err); txErr != nil {
				return rejection{txErr}, nil
			}
			return nil, err
		}
		return tx.Hash, nil
	})
	if err != nil {
		return "", fmt.Errorf("submitting transaction: %w", err)
	}
	if r, ok := res.(rejection); ok {
		return "", r.err
	}
	return res.(string), nil
}

func (c *client) AccountTransactions(
	ctx context.Context, address string,
) (envelopes []string, err error) {
	defer stats.ObserveLedgerRequest(ledgerName, "AccountTransactions", time.Now(), &err)

	res, err := c.cb.Execute(func() (interface{}, error) {
		page, err := c.horizon.Transactions(horizonclient.TransactionRequest{
			ForAccount: address,
			Order:      horizonclient.OrderAsc,
			Limit:      pageLimit,
		})
		if err != nil {
			if horizonclient.IsNotFoundError(err) {
				return []string{}, nil
			}
			return nil, err
		}

		envelopes := make([]string, 0)
		for len(page.Embedded.Records) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for _, tx := range page.Embedded.Records {
				if tx.Successful {
					envelopes = append(envelopes, tx.EnvelopeXdr)
				}
			}
			if len(page.Embedded.Records) < pageLimit {
				break
			}
			if page, err = c.horizon.NextTransactionsPage(page); err != nil {
				return nil, err
			}
		}
		return envelopes, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching transactions of %s: %w", address, err)
	}
	return res.([]string), nil
}

func parseAccount(acc *hProtocol.Account) (*ports.StellarAccount, error) {
	seq, err := acc.GetSequenceNumber()
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number: %w", err)
	}
	rawBalance, err := acc.GetNativeBalance()
	if err != nil {
		return nil, fmt.Errorf("invalid native balance: %w", err)
	}
	balance, err := decimal.NewFromString(rawBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid native balance: %w", err)
	}

	signers := make([]ports.StellarSigner, 0, len(acc.Signers))
	for _, s := range acc.Signers {
		signers = append(signers, ports.StellarSigner{
			Key:    s.Key,
			Type:   s.Type,
			Weight: s.Weight,
		})
	}

	return &ports.StellarAccount{
		Address:  acc.AccountID,
		Sequence: seq,
		Balance:  balance,
		Signers:  signers,
		Thresholds: ports.StellarThresholds{
			Low:  acc.Thresholds.LowThreshold,
			Med:  acc.Thresholds.MedThreshold,
			High: acc.Thresholds.HighThreshold,
		},
	}, nil
}

// transactionError extracts the result codes of a transaction rejected by
// the network. It returns nil for any other error.
func transactionError(err error) *ports.TransactionError {
	hErr := horizonclient.GetError(err)
	if hErr == nil {
		return nil
	}
	codes, err := hErr.ResultCodes()
	if err != nil || codes == nil {
		return nil
	}
	return &ports.TransactionError{
		TransactionCode: codes.TransactionCode,
		OperationCodes:  codes.OperationCodes,
	}
}
