package domain

import "context"

// TradeRepository is the abstraction for any kind of database intended to
// persist Trades.
type TradeRepository interface {
	// SaveTrade inserts or replaces the given trade. A trade without id is
	// assigned a new one, which is set on the given instance too.
	SaveTrade(ctx context.Context, trade *Trade) error
	// GetTrade returns the trade with the given id or ErrTradeNotFound.
	GetTrade(ctx context.Context, tradeID string) (*Trade, error)
	// GetAllTrades returns all the trades stored in the repository.
	GetAllTrades(ctx context.Context) ([]*Trade, error)
	// UpdateTrade allows to commit multiple changes to the same trade in a
	// transactional way.
	UpdateTrade(
		ctx context.Context,
		tradeID string,
		updateFn func(t *Trade) (*Trade, error),
	) error
}
