package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dialcore/dialcore/internal/session"
)

// AccountRepository manages stored SIP accounts.
type AccountRepository interface {
	Save(ctx context.Context, account session.Account) error
	GetByID(ctx context.Context, id string) (*session.Account, error)
	GetDefault(ctx context.Context) (*session.Account, error)
	List(ctx context.Context) ([]session.Account, error)
	Delete(ctx context.Context, id string) error
}

// accountRepo implements AccountRepository. Passwords go through the
// Encryptor when one is configured.
type accountRepo struct {
	db        *DB
	encryptor *Encryptor
}

// NewAccountRepository creates a new AccountRepository. The encryptor may
// be nil, in which case passwords are stored in plaintext.
func NewAccountRepository(db *DB, encryptor *Encryptor) AccountRepository {
	return &accountRepo{db: db, encryptor: encryptor}
}

// Save inserts or replaces an account. When the account is marked default,
// the flag is cleared on every other account first: at most one account is
// the default.
func (r *accountRepo) Save(ctx context.Context, account session.Account) error {
	password := account.Password
	if r.encryptor != nil {
		encrypted, err := r.encryptor.Encrypt(password)
		if err != nil {
			return fmt.Errorf("encrypting account password: %w", err)
		}
		password = encrypted
	}

	headers, err := json.Marshal(account.Headers)
	if err != nil {
		return fmt.Errorf("encoding account headers: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning account save: %w", err)
	}
	defer tx.Rollback()

	if account.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET is_default = 0 WHERE id != ?`, account.ID,
		); err != nil {
			return fmt.Errorf("clearing default flag: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (id, username, password, domain, transport_url, display_name, headers, is_default)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   username = excluded.username,
		   password = excluded.password,
		   domain = excluded.domain,
		   transport_url = excluded.transport_url,
		   display_name = excluded.display_name,
		   headers = excluded.headers,
		   is_default = excluded.is_default,
		   updated_at = datetime('now')`,
		account.ID, account.Username, password, account.Domain,
		account.TransportURL, account.DisplayName, string(headers),
		boolToInt(account.IsDefault),
	); err != nil {
		return fmt.Errorf("saving account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing account save: %w", err)
	}
	return nil
}

const accountColumns = `id, username, password, domain, transport_url, display_name, headers, is_default`

// GetByID returns an account by id, or nil if none exists.
func (r *accountRepo) GetByID(ctx context.Context, id string) (*session.Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id,
	))
}

// GetDefault returns the account marked default, or nil if none exists.
func (r *accountRepo) GetDefault(ctx context.Context) (*session.Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE is_default = 1 LIMIT 1`,
	))
}

// List returns all stored accounts.
func (r *accountRepo) List(ctx context.Context) ([]session.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY username`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var accounts []session.Account
	for rows.Next() {
		acct, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

// Delete removes an account by id.
func (r *accountRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *accountRepo) scanOne(row *sql.Row) (*session.Account, error) {
	acct, err := r.scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return acct, err
}

func (r *accountRepo) scanRow(row rowScanner) (*session.Account, error) {
	var acct session.Account
	var headers string
	var isDefault int

	err := row.Scan(&acct.ID, &acct.Username, &acct.Password, &acct.Domain,
		&acct.TransportURL, &acct.DisplayName, &headers, &isDefault)
	if err != nil {
		return nil, err
	}

	if r.encryptor != nil {
		decrypted, err := r.encryptor.Decrypt(acct.Password)
		if err != nil {
			return nil, fmt.Errorf("decrypting account password: %w", err)
		}
		acct.Password = decrypted
	}

	if err := json.Unmarshal([]byte(headers), &acct.Headers); err != nil {
		return nil, fmt.Errorf("decoding account headers: %w", err)
	}
	acct.IsDefault = isDefault != 0
	return &acct, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
