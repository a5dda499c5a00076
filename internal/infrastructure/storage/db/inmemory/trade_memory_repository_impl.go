package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/xcat-network/xcat/internal/core/domain"
)

type tradeInmemoryStore struct {
	trades map[string]domain.Trade
	locker *sync.Mutex
}

func newTradeInmemoryStore() *tradeInmemoryStore {
	return &tradeInmemoryStore{
		trades: map[string]domain.Trade{},
		locker: &sync.Mutex{},
	}
}

type tradeRepositoryImpl struct {
	store *tradeInmemoryStore
}

// NewTradeRepositoryImpl returns a new inmemory TradeRepository implementation.
func NewTradeRepositoryImpl(store *tradeInmemoryStore) domain.TradeRepository {
	return &tradeRepositoryImpl{store}
}

func (r *tradeRepositoryImpl) SaveTrade(_ context.Context, trade *domain.Trade) error {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	if trade.ID == "" {
		trade.ID = uuid.New().String()
	}
	r.store.trades[trade.ID] = *trade.Clone()
	return nil
}

func (r *tradeRepositoryImpl) GetTrade(_ context.Context, tradeID string) (*domain.Trade, error) {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	return r.getTrade(tradeID)
}

func (r *tradeRepositoryImpl) GetAllTrades(_ context.Context) ([]*domain.Trade, error) {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	ids := make([]string, 0, len(r.store.trades))
	for id := range r.store.trades {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	allTrades := make([]*domain.Trade, 0, len(ids))
	for _, id := range ids {
		trade := r.store.trades[id]
		allTrades = append(allTrades, trade.Clone())
	}
	return allTrades, nil
}

func (r *tradeRepositoryImpl) UpdateTrade(
	_ context.Context,
	tradeID string,
	updateFn func(t *domain.Trade) (*domain.Trade, error),
) error {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	currentTrade, err := r.getTrade(tradeID)
	if err != nil {
		return err
	}

	updatedTrade, err := updateFn(currentTrade)
	if err != nil {
		return err
	}
	updatedTrade.ID = tradeID

	r.store.trades[tradeID] = *updatedTrade.Clone()
	return nil
}

func (r *tradeRepositoryImpl) getTrade(tradeID string) (*domain.Trade, error) {
	trade, ok := r.store.trades[tradeID]
	if !ok {
		return nil, domain.ErrTradeNotFound
	}
	return trade.Clone(), nil
}
