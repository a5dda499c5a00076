package ports

import "github.com/xcat-network/xcat/internal/core/domain"

// RepoManager gives access to the repositories of the local trade store.
type RepoManager interface {
	TradeRepository() domain.TradeRepository
	Close()
}
