package storage

import (
	"context"

	"github.com/dialcore/dialcore/internal/session"
)

// Gateway implements session.StorageGateway over the repositories. The
// session layer sees only this narrow surface; richer queries (history
// listing, per-direction counts) stay on the repositories for the API and
// metrics layers.
type Gateway struct {
	accounts AccountRepository
	records  CallRecordRepository
}

// NewGateway combines the repositories into a session.StorageGateway.
func NewGateway(accounts AccountRepository, records CallRecordRepository) *Gateway {
	return &Gateway{accounts: accounts, records: records}
}

// SaveAccount persists an account.
func (g *Gateway) SaveAccount(ctx context.Context, account session.Account) error {
	return g.accounts.Save(ctx, account)
}

// StoredAccount returns the default stored account, or nil if none exists.
func (g *Gateway) StoredAccount(ctx context.Context) (*session.Account, error) {
	return g.accounts.GetDefault(ctx)
}

// DeleteAccount removes a stored account. Deletion is a caller decision:
// logout never triggers it implicitly.
func (g *Gateway) DeleteAccount(ctx context.Context, id string) error {
	return g.accounts.Delete(ctx, id)
}

// SaveCallRecord persists one terminal call snapshot.
func (g *Gateway) SaveCallRecord(ctx context.Context, record *session.CallRecord) error {
	return g.records.Create(ctx, record)
}
