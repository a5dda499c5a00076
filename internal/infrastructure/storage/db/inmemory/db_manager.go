package inmemory

import (
	"github.com/xcat-network/xcat/internal/core/domain"
	"github.com/xcat-network/xcat/internal/core/ports"
)

type RepoManager struct {
	tradeRepository domain.TradeRepository
}

func NewRepoManager() ports.RepoManager {
	return &RepoManager{
		tradeRepository: NewTradeRepositoryImpl(newTradeInmemoryStore()),
	}
}

func (d *RepoManager) TradeRepository() domain.TradeRepository {
	return d.tradeRepository
}

func (d *RepoManager) Close() {}
