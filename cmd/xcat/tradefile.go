package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stellar/go/keypair"
	"github.com/xcat-network/xcat/internal/core/domain"
)

const sigExt = ".sig"

func readTradeFile(path string) (*domain.Trade, []byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, fmt.Errorf("no file provided, pass the name of a trade.json file")
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading trade file: %w", err)
	}
	trade, err := domain.ParseTrade(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return trade, buf, nil
}

// writeTradeFiles writes the agreement document of the trade into dir, along
// with its signature made by kp. It returns the paths of both files.
func writeTradeFiles(
	dir string, trade *domain.Trade, kp *keypair.Full,
) (string, string, error) {
	doc, err := trade.AgreementJSON()
	if err != nil {
		return "", "", err
	}
	sig, err := domain.SignDocument(kp, doc)
	if err != nil {
		return "", "", fmt.Errorf("signing trade document: %w", err)
	}

	tradeFile := filepath.Join(dir, fmt.Sprintf("trade-%s.json", trade.ID))
	sigFile := tradeFile + sigExt
	if err := os.WriteFile(tradeFile, doc, 0644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(sigFile, []byte(sig), 0644); err != nil {
		return "", "", err
	}
	return tradeFile, sigFile, nil
}

// verifyTradeFile checks the signature in sigFile was made over tradeFile by
// one of the stellar parties of the trade, and returns its address. The
// depositor is checked first since it is the one creating stellar-first
// trades.
func verifyTradeFile(tradeFile, sigFile string) (string, error) {
	trade, doc, err := readTradeFile(tradeFile)
	if err != nil {
		return "", err
	}
	rawSig, err := os.ReadFile(sigFile)
	if err != nil {
		return "", fmt.Errorf("reading signature file: %w", err)
	}
	sig := strings.TrimSpace(string(rawSig))

	signers := []string{trade.Stellar.Depositor, trade.Stellar.Withdrawer}
	for _, signer := range signers {
		if domain.VerifyDocument(signer, doc, sig) == nil {
			return signer, nil
		}
	}
	return "", domain.ErrInvalidSignature
}
