package dbbadger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"
	"github.com/xcat-network/xcat/internal/core/domain"
)

type tradeRepositoryImpl struct {
	store *badgerhold.Store
}

// NewTradeRepositoryImpl returns a TradeRepository backed by the given
// badgerhold store. Trades are stored as JSON documents keyed by id.
func NewTradeRepositoryImpl(store *badgerhold.Store) domain.TradeRepository {
	return &tradeRepositoryImpl{store}
}

func (t *tradeRepositoryImpl) SaveTrade(ctx context.Context, trade *domain.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.New().String()
	}
	if tx, ok := ctx.Value("tx").(*badger.Txn); ok {
		return t.store.TxUpsert(tx, trade.ID, *trade)
	}
	return t.store.Upsert(trade.ID, *trade)
}

func (t *tradeRepositoryImpl) GetTrade(ctx context.Context, tradeID string) (*domain.Trade, error) {
	var trade domain.Trade
	var err error
	if tx, ok := ctx.Value("tx").(*badger.Txn); ok {
		err = t.store.TxGet(tx, tradeID, &trade)
	} else {
		err = t.store.Get(tradeID, &trade)
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrTradeNotFound
		}
		return nil, err
	}
	trade.ID = tradeID
	return &trade, nil
}

func (t *tradeRepositoryImpl) GetAllTrades(_ context.Context) ([]*domain.Trade, error) {
	var trades []domain.Trade
	if err := t.store.Find(&trades, nil); err != nil {
		return nil, err
	}

	res := make([]*domain.Trade, 0, len(trades))
	for i := range trades {
		res = append(res, &trades[i])
	}
	return res, nil
}

func (t *tradeRepositoryImpl) UpdateTrade(
	ctx context.Context,
	tradeID string,
	updateFn func(t *domain.Trade) (*domain.Trade, error),
) error {
	return t.store.Badger().Update(func(tx *badger.Txn) error {
		txCtx := context.WithValue(ctx, "tx", tx)

		trade, err := t.GetTrade(txCtx, tradeID)
		if err != nil {
			return err
		}
		updatedTrade, err := updateFn(trade)
		if err != nil {
			return err
		}
		updatedTrade.ID = tradeID
		return t.SaveTrade(txCtx, updatedTrade)
	})
}
