package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dialcore/dialcore/internal/session"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	// Verify database file was created.
	dbPath := filepath.Join(dir, "dialcore.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	// Verify WAL mode is active.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	// Verify all tables exist.
	for _, table := range []string{"schema_migrations", "accounts", "call_records"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	// Open twice to verify migrations don't fail on re-run.
	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func testStoredAccount(id string) session.Account {
	return session.Account{
		ID:           id,
		Username:     "alice",
		Password:     "secret",
		Domain:       "example.com",
		TransportURL: "tcp://sip.example.com:5060",
		DisplayName:  "Alice",
		Headers: []session.Header{
			{Name: "X-Tenant", Value: "acme"},
		},
		IsDefault: true,
	}
}

func TestAccountRepository_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewAccountRepository(db, nil)
	ctx := context.Background()

	want := testStoredAccount("acc-1")
	if err := repo.Save(ctx, want); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() returned nil for a saved account")
	}
	if got.Username != "alice" || got.Password != "secret" || got.Domain != "example.com" {
		t.Errorf("account = %+v", got)
	}
	if got.TransportURL != want.TransportURL || got.DisplayName != want.DisplayName {
		t.Errorf("transport/display = %q/%q", got.TransportURL, got.DisplayName)
	}
	if len(got.Headers) != 1 || got.Headers[0].Name != "X-Tenant" || got.Headers[0].Value != "acme" {
		t.Errorf("headers = %+v, want X-Tenant: acme", got.Headers)
	}
	if !got.IsDefault {
		t.Error("IsDefault not preserved")
	}

	// Update in place.
	want.DisplayName = "Alice B"
	if err := repo.Save(ctx, want); err != nil {
		t.Fatalf("Save() update error: %v", err)
	}
	got, err = repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID() after update error: %v", err)
	}
	if got.DisplayName != "Alice B" {
		t.Errorf("display name after update = %q, want Alice B", got.DisplayName)
	}

	// Missing id yields nil, not an error.
	got, err = repo.GetByID(ctx, "nope")
	if err != nil {
		t.Fatalf("GetByID(missing) error: %v", err)
	}
	if got != nil {
		t.Errorf("GetByID(missing) = %+v, want nil", got)
	}
}

func TestAccountRepository_SingleDefault(t *testing.T) {
	db := openTestDB(t)
	repo := NewAccountRepository(db, nil)
	ctx := context.Background()

	a := testStoredAccount("acc-1")
	b := testStoredAccount("acc-2")
	b.Username = "bob"

	if err := repo.Save(ctx, a); err != nil {
		t.Fatalf("Save(a) error: %v", err)
	}
	if err := repo.Save(ctx, b); err != nil {
		t.Fatalf("Save(b) error: %v", err)
	}

	// Marking b default must clear a's flag.
	def, err := repo.GetDefault(ctx)
	if err != nil {
		t.Fatalf("GetDefault() error: %v", err)
	}
	if def == nil || def.ID != "acc-2" {
		t.Fatalf("default = %+v, want acc-2", def)
	}

	got, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID(acc-1) error: %v", err)
	}
	if got.IsDefault {
		t.Error("acc-1 still marked default after acc-2 took the flag")
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("List() returned %d accounts, want 2", len(list))
	}
}

func TestAccountRepository_Delete(t *testing.T) {
	db := openTestDB(t)
	repo := NewAccountRepository(db, nil)
	ctx := context.Background()

	if err := repo.Save(ctx, testStoredAccount("acc-1")); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := repo.Delete(ctx, "acc-1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	got, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID() after delete error: %v", err)
	}
	if got != nil {
		t.Error("account still present after delete")
	}
}

func TestAccountRepository_EncryptedPassword(t *testing.T) {
	db := openTestDB(t)
	enc, err := NewEncryptor(DeriveKey("test-passphrase"))
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}
	repo := NewAccountRepository(db, enc)
	ctx := context.Background()

	if err := repo.Save(ctx, testStoredAccount("acc-1")); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	// The raw column never holds the plaintext.
	var stored string
	if err := db.QueryRow(`SELECT password FROM accounts WHERE id = 'acc-1'`).Scan(&stored); err != nil {
		t.Fatalf("reading raw password column: %v", err)
	}
	if stored == "secret" {
		t.Error("password stored in plaintext despite encryptor")
	}

	// Reads decrypt transparently.
	got, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.Password != "secret" {
		t.Errorf("decrypted password = %q, want secret", got.Password)
	}
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor(DeriveKey("passphrase"))
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}

	ciphertext, err := enc.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if ciphertext == "hunter2" {
		t.Fatal("ciphertext equals plaintext")
	}

	plaintext, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if plaintext != "hunter2" {
		t.Errorf("round trip = %q, want hunter2", plaintext)
	}

	// A different key must not decrypt.
	other, err := NewEncryptor(DeriveKey("wrong"))
	if err != nil {
		t.Fatalf("NewEncryptor(other) error: %v", err)
	}
	if _, err := other.Decrypt(ciphertext); err == nil {
		t.Error("decryption with the wrong key succeeded")
	}

	// Garbage input is an error, not a panic.
	if _, err := enc.Decrypt("not-base64!"); err == nil {
		t.Error("garbage ciphertext accepted")
	}
}

func TestNewEncryptor_KeyLength(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err == nil {
		t.Error("short key accepted")
	}
}

func testRecord(callID, direction string, start time.Time) *session.CallRecord {
	return &session.CallRecord{
		CallID:    callID,
		RemoteURI: "sip:bob@example.com",
		Direction: session.Direction(direction),
		Status:    session.CallEnded,
		StartTime: start,
		EndTime:   start.Add(time.Minute),
		Duration:  time.Minute,
	}
}

func TestCallRecordRepository_CreateAndGet(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallRecordRepository(db)
	ctx := context.Background()

	rec := testRecord("call-1", "outgoing", time.Now().Add(-time.Hour))
	rec.DisplayName = "Bob"
	rec.Cause = ""
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("Create() did not backfill the record id")
	}

	got, err := repo.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() returned nil")
	}
	if got.CallID != "call-1" || got.Direction != session.DirectionOutgoing {
		t.Errorf("record = %+v", got)
	}
	if got.Duration != time.Minute {
		t.Errorf("duration = %v, want 1m", got.Duration)
	}

	// Missing id yields nil, not an error.
	got, err = repo.GetByID(ctx, 9999)
	if err != nil {
		t.Fatalf("GetByID(missing) error: %v", err)
	}
	if got != nil {
		t.Errorf("GetByID(missing) = %+v, want nil", got)
	}
}

func TestCallRecordRepository_ListFilters(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallRecordRepository(db)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, dir := range []string{"incoming", "outgoing", "incoming"} {
		rec := testRecord("call-"+string(rune('a'+i)), dir, base.Add(time.Duration(i)*time.Hour))
		if dir == "outgoing" {
			rec.RemoteURI = "sip:carol@example.net"
		}
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create() %d error: %v", i, err)
		}
	}

	// Unfiltered, newest first.
	recs, total, err := repo.List(ctx, CallRecordListFilter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 3 || len(recs) != 3 {
		t.Fatalf("List() = %d records, total %d; want 3/3", len(recs), total)
	}
	if !recs[0].StartTime.After(recs[2].StartTime) {
		t.Error("records not sorted newest first")
	}

	// By direction.
	recs, total, err = repo.List(ctx, CallRecordListFilter{Direction: "incoming"})
	if err != nil {
		t.Fatalf("List(incoming) error: %v", err)
	}
	if total != 2 || len(recs) != 2 {
		t.Errorf("List(incoming) = %d/%d, want 2/2", len(recs), total)
	}

	// Search matches the remote URI.
	recs, total, err = repo.List(ctx, CallRecordListFilter{Search: "carol"})
	if err != nil {
		t.Fatalf("List(search) error: %v", err)
	}
	if total != 1 || len(recs) != 1 {
		t.Errorf("List(search carol) = %d/%d, want 1/1", len(recs), total)
	}

	// Pagination: limit 2 still reports total 3.
	recs, total, err = repo.List(ctx, CallRecordListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("List(limit) error: %v", err)
	}
	if total != 3 || len(recs) != 2 {
		t.Errorf("List(limit 2) = %d/%d, want 2/3", len(recs), total)
	}
}

func TestCallRecordRepository_CountByDirection(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallRecordRepository(db)
	ctx := context.Background()

	start := time.Now().Add(-time.Hour)
	for _, dir := range []string{"incoming", "outgoing", "outgoing"} {
		if err := repo.Create(ctx, testRecord("c", dir, start)); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	counts, err := repo.CountByDirection(ctx)
	if err != nil {
		t.Fatalf("CountByDirection() error: %v", err)
	}
	if counts["incoming"] != 1 || counts["outgoing"] != 2 {
		t.Errorf("counts = %v, want incoming:1 outgoing:2", counts)
	}
}

func TestCallRecordRepository_Delete(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallRecordRepository(db)
	ctx := context.Background()

	rec := testRecord("call-1", "incoming", time.Now())
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := repo.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	got, err := repo.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID() after delete error: %v", err)
	}
	if got != nil {
		t.Error("record still present after delete")
	}
}

func TestGateway_SessionContract(t *testing.T) {
	db := openTestDB(t)
	accounts := NewAccountRepository(db, nil)
	records := NewCallRecordRepository(db)
	gw := NewGateway(accounts, records)
	ctx := context.Background()

	// No default account yet.
	stored, err := gw.StoredAccount(ctx)
	if err != nil {
		t.Fatalf("StoredAccount() error: %v", err)
	}
	if stored != nil {
		t.Errorf("StoredAccount() = %+v, want nil", stored)
	}

	if err := gw.SaveAccount(ctx, testStoredAccount("acc-1")); err != nil {
		t.Fatalf("SaveAccount() error: %v", err)
	}
	stored, err = gw.StoredAccount(ctx)
	if err != nil {
		t.Fatalf("StoredAccount() error: %v", err)
	}
	if stored == nil || stored.ID != "acc-1" {
		t.Fatalf("StoredAccount() = %+v, want acc-1", stored)
	}

	if err := gw.SaveCallRecord(ctx, testRecord("call-1", "outgoing", time.Now())); err != nil {
		t.Fatalf("SaveCallRecord() error: %v", err)
	}

	if err := gw.DeleteAccount(ctx, "acc-1"); err != nil {
		t.Fatalf("DeleteAccount() error: %v", err)
	}
	stored, err = gw.StoredAccount(ctx)
	if err != nil {
		t.Fatalf("StoredAccount() after delete error: %v", err)
	}
	if stored != nil {
		t.Error("account still stored after delete")
	}
}
