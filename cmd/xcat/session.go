package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/xcat-network/xcat/internal/config"
	"github.com/xcat-network/xcat/internal/core/application"
	"github.com/xcat-network/xcat/internal/core/application/escrow"
	"github.com/xcat-network/xcat/internal/core/application/htlc"
	"github.com/xcat-network/xcat/internal/core/domain"
	"github.com/xcat-network/xcat/internal/core/ports"
	"github.com/xcat-network/xcat/internal/infrastructure/ledger/evm"
	"github.com/xcat-network/xcat/internal/infrastructure/ledger/horizon"
	dbbadger "github.com/xcat-network/xcat/internal/infrastructure/storage/db/badger"
	"github.com/xcat-network/xcat/internal/infrastructure/storage/db/inmemory"
	"gopkg.in/natefinch/lumberjack.v2"
)

// session holds what a command needs to drive trades: the local identity,
// the trade store and both ledger adapters.
type session struct {
	cfg   *config.Config
	repos ports.RepoManager
	esc   *escrow.Service
	htlc  *htlc.Service
	party application.Party
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(
		ctx.String("config"), config.WithDatadir(ctx.String("datadir")),
	)
	if err != nil {
		return nil, err
	}
	if err := cfg.MakeDatadir(); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %w", err)
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	log.SetLevel(cfg.LogLevel)
	if cfg.LogFile == "" {
		return
	}

	logFile := cfg.LogFile
	if !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.Datadir, logFile)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}))
}

func openRepoManager(cfg *config.Config) (ports.RepoManager, error) {
	switch cfg.DBType {
	case config.DBInMemory:
		return inmemory.NewRepoManager(), nil
	default:
		return dbbadger.NewRepoManager(cfg.DbDir(), log.StandardLogger())
	}
}

// openSession connects to both ledgers and opens the trade store. The
// returned cleanup closes the store and the ethereum rpc connection.
func openSession(ctx *cli.Context) (*session, func(), error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	return newSession(ctx.Context, cfg)
}

func newSession(ctx context.Context, cfg *config.Config) (*session, func(), error) {
	stellarLedger, err := horizon.NewClient(
		cfg.HorizonURL, cfg.NetworkPassphrase, cfg.RequestTimeout,
	)
	if err != nil {
		return nil, nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	ethLedger, err := evm.NewClient(dialCtx, evm.Config{
		RPCEndpoint:     cfg.EthereumRPC,
		ContractAddress: cfg.HTLCAddress,
		ChainID:         cfg.ChainID,
		PrivateKey:      cfg.EthereumPrivateKey,
		StartBlock:      cfg.HTLCStartBlock,
	})
	if err != nil {
		return nil, nil, err
	}

	repos, err := openRepoManager(cfg)
	if err != nil {
		ethLedger.Close()
		return nil, nil, fmt.Errorf("opening trade store: %w", err)
	}

	s := &session{
		cfg:   cfg,
		repos: repos,
		esc:   escrow.NewService(stellarLedger),
		htlc:  htlc.NewService(ethLedger, cfg.HTLCCodeHash),
		party: application.Party{
			StellarKeypair:  cfg.StellarKeypair,
			EthereumAddress: cfg.EthereumAddress,
		},
	}
	cleanup := func() {
		repos.Close()
		ethLedger.Close()
	}
	return s, cleanup, nil
}

func (s *session) tradeRepository() domain.TradeRepository {
	return s.repos.TradeRepository()
}

func (s *session) protocol(trade *domain.Trade) (*application.Protocol, error) {
	return application.NewProtocol(s.party, trade, s.esc, s.htlc, s.tradeRepository())
}

// tradeProtocol loads the trade with the given id and returns a protocol
// bound to it.
func (s *session) tradeProtocol(ctx context.Context, id string) (*application.Protocol, error) {
	trade, err := s.tradeRepository().GetTrade(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("trade %s: %w. Has it been imported?", id, err)
	}
	return s.protocol(trade)
}
