// Package sqlstore implements the SDK's Storage interface over a
// shared relational database. Both sqlite (the default for a single
// device) and postgres (for instances sharing one store) are
// supported through database/sql; multi-instance correctness rides on
// the database's transactional semantics and conflict-free upserts, not
// on in-process locks.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Register the sqlite driver.
	_ "modernc.org/sqlite"

	// Register the postgres driver.
	_ "github.com/jackc/pgx/v4/stdlib"

	"lukechampine.com/uint128"

	sparksdk "github.com/flarewallet/sparksdk"
)

// Backend selects the SQL driver.
type Backend string

const (
	// BackendSqlite stores in a local sqlite file.
	BackendSqlite Backend = "sqlite"

	// BackendPostgres stores in a shared postgres database.
	BackendPostgres Backend = "pgx"
)

// Store is the SQL-backed Storage implementation.
type Store struct {
	db      *sql.DB
	backend Backend
}

// compile-time interface check.
var _ sparksdk.Storage = (*Store)(nil)

// Open connects to the backing database and applies any pending
// migrations. For sqlite the DSN is a file path; for postgres a
// connection string.
func Open(backend Backend, dsn string) (*Store, error) {
	driver := string(backend)
	if backend == BackendSqlite {
		// Serialize writers at the driver level; instance safety on
		// sqlite comes from the single-writer database lock.
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", backend, err)
	}

	store := &Store{db: db, backend: backend}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// migrations is the ordered schema history. Each entry runs once,
// inside a transaction, tracked by the schema_versions table.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		amount TEXT NOT NULL,
		fee BIGINT NOT NULL DEFAULT 0,
		ts BIGINT NOT NULL,
		method TEXT NOT NULL,
		details_json TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS deposits (
		txid TEXT NOT NULL,
		vout INTEGER NOT NULL,
		amount BIGINT NOT NULL,
		refund_tx BYTEA,
		claim_error_json TEXT,
		PRIMARY KEY (txid, vout)
	)`,
	`CREATE TABLE IF NOT EXISTS payment_metadata (
		payment_id TEXT PRIMARY KEY,
		metadata_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS object_cache (
		key TEXT PRIMARY KEY,
		value BYTEA
	)`,
	`CREATE INDEX IF NOT EXISTS payments_ts_idx ON payments (ts DESC)`,
}

// migrate applies the schema history.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	var current int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_versions`)
	if err := row.Scan(&current); err != nil {
		return err
	}

	for version := current; version < len(migrations); version++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[version]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", version+1, err)
		}
		if _, err := tx.Exec(
			s.rebind(`INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)
				ON CONFLICT (version) DO NOTHING`),
			version+1, time.Now().Unix(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", version+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ?-placeholders into the backend's syntax.
func (s *Store) rebind(query string) string {
	if s.backend != BackendPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// Close implements Storage.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertPayment implements Storage: idempotent by id. A terminal
// insert may complete or fail an existing pending row, and merges the
// richer details; anything else leaves the existing row untouched so
// concurrent instances never duplicate or regress a payment.
func (s *Store) InsertPayment(ctx context.Context, payment *sparksdk.Payment) error {
	detailsJSON, err := marshalDetails(payment.Details)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO payments (id, type, status, amount, fee, ts, method, details_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		payment.ID, string(payment.Type), string(payment.Status),
		payment.Amount.String(), payment.FeeSats, payment.Timestamp.Unix(),
		string(payment.Method), detailsJSON,
	)
	if err != nil {
		return err
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 && payment.Status != sparksdk.PaymentStatusPending {
		// Terminal insert over an existing row: flip a pending status
		// and refresh details, never regress a terminal one.
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE payments SET status = ?, fee = ?, details_json = ?
			 WHERE id = ? AND status = ?`),
			string(payment.Status), payment.FeeSats, detailsJSON,
			payment.ID, string(sparksdk.PaymentStatusPending),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdatePaymentStatus implements Storage.
func (s *Store) UpdatePaymentStatus(ctx context.Context, id string,
	status sparksdk.PaymentStatus) error {

	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE payments SET status = ? WHERE id = ?`),
		string(status), id,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sparksdk.ErrPaymentNotFound
	}
	return nil
}

// MergePaymentDetails implements Storage: non-empty fields of details
// overwrite the stored ones.
func (s *Store) MergePaymentDetails(ctx context.Context, id string,
	details *sparksdk.PaymentDetails) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var detailsJSON sql.NullString
	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT details_json FROM payments WHERE id = ?`), id)
	if err := row.Scan(&detailsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sparksdk.ErrPaymentNotFound
		}
		return err
	}

	merged := &sparksdk.PaymentDetails{}
	if detailsJSON.Valid && detailsJSON.String != "" {
		if err := json.Unmarshal([]byte(detailsJSON.String), merged); err != nil {
			return err
		}
	}
	mergeDetails(merged, details)

	encoded, err := marshalDetails(merged)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE payments SET details_json = ? WHERE id = ?`), encoded, id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// mergeDetails overlays non-empty update fields.
func mergeDetails(base, update *sparksdk.PaymentDetails) {
	if update.Invoice != "" {
		base.Invoice = update.Invoice
	}
	if update.PaymentHash != "" {
		base.PaymentHash = update.PaymentHash
	}
	if update.Preimage != "" {
		base.Preimage = update.Preimage
	}
	if update.Txid != "" {
		base.Txid = update.Txid
	}
	if update.TransferID != "" {
		base.TransferID = update.TransferID
	}
	if update.CounterpartyPublicKey != "" {
		base.CounterpartyPublicKey = update.CounterpartyPublicKey
	}
	if update.TokenID != "" {
		base.TokenID = update.TokenID
	}
	if update.LnurlDescription != "" {
		base.LnurlDescription = update.LnurlDescription
	}
	if update.DescriptionHash != "" {
		base.DescriptionHash = update.DescriptionHash
	}
	if update.Conversion != nil {
		base.Conversion = update.Conversion
	}
}

func marshalDetails(details *sparksdk.PaymentDetails) (string, error) {
	if details == nil {
		return "", nil
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// scanPayment reads one payment row.
func scanPayment(scanner interface{ Scan(...interface{}) error }) (*sparksdk.Payment, error) {
	var (
		payment     sparksdk.Payment
		paymentType string
		status      string
		amount      string
		ts          int64
		method      string
		detailsJSON sql.NullString
	)
	err := scanner.Scan(&payment.ID, &paymentType, &status, &amount,
		&payment.FeeSats, &ts, &method, &detailsJSON)
	if err != nil {
		return nil, err
	}

	payment.Type = sparksdk.PaymentType(paymentType)
	payment.Status = sparksdk.PaymentStatus(status)
	payment.Method = sparksdk.PaymentMethod(method)
	payment.Timestamp = time.Unix(ts, 0).UTC()
	if payment.Amount, err = uint128.FromString(amount); err != nil {
		return nil, fmt.Errorf("payment %s: bad amount %q: %w", payment.ID, amount, err)
	}
	if detailsJSON.Valid && detailsJSON.String != "" {
		payment.Details = &sparksdk.PaymentDetails{}
		if err := json.Unmarshal([]byte(detailsJSON.String), payment.Details); err != nil {
			return nil, fmt.Errorf("payment %s: bad details: %w", payment.ID, err)
		}
	}
	return &payment, nil
}

const paymentColumns = `id, type, status, amount, fee, ts, method, details_json`

// GetPayment implements Storage.
func (s *Store) GetPayment(ctx context.Context, id string) (*sparksdk.Payment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`), id)
	payment, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sparksdk.ErrPaymentNotFound
	}
	return payment, err
}

// ListPayments implements Storage: newest first.
func (s *Store) ListPayments(ctx context.Context, offset,
	limit int64) ([]*sparksdk.Payment, error) {

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+paymentColumns+` FROM payments
		 ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*sparksdk.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// ListPaymentsByConversionStatus implements Storage. Conversion state
// lives inside the details JSON; the filter happens client-side over
// token-method rows, which stay few.
func (s *Store) ListPaymentsByConversionStatus(ctx context.Context,
	status sparksdk.ConversionStatus) ([]*sparksdk.Payment, error) {

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+paymentColumns+` FROM payments
		 WHERE details_json LIKE ? ORDER BY ts ASC`),
		"%\"status\":\""+string(status)+"\"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*sparksdk.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		if payment.Details == nil || payment.Details.Conversion == nil ||
			payment.Details.Conversion.Status != status {
			continue
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// CountPayments implements Storage.
func (s *Store) CountPayments(ctx context.Context) (int64, error) {
	var count int64
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments`)
	err := row.Scan(&count)
	return count, err
}

// UpsertDeposit implements Storage.
func (s *Store) UpsertDeposit(ctx context.Context, deposit *sparksdk.DepositInfo) error {
	var claimError sql.NullString
	if deposit.ClaimError != "" {
		claimError = sql.NullString{String: deposit.ClaimError, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO deposits (txid, vout, amount, refund_tx, claim_error_json)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (txid, vout) DO UPDATE SET
			 amount = excluded.amount,
			 refund_tx = excluded.refund_tx,
			 claim_error_json = excluded.claim_error_json`),
		deposit.Txid, deposit.Vout, deposit.AmountSats, deposit.RefundTx, claimError,
	)
	return err
}

// ListDeposits implements Storage.
func (s *Store) ListDeposits(ctx context.Context) ([]*sparksdk.DepositInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT txid, vout, amount, refund_tx, claim_error_json FROM deposits
		 ORDER BY txid, vout`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deposits []*sparksdk.DepositInfo
	for rows.Next() {
		deposit := &sparksdk.DepositInfo{}
		var refundTx []byte
		var claimError sql.NullString
		if err := rows.Scan(&deposit.Txid, &deposit.Vout, &deposit.AmountSats,
			&refundTx, &claimError); err != nil {
			return nil, err
		}
		deposit.RefundTx = refundTx
		if claimError.Valid {
			deposit.ClaimError = claimError.String
		}
		deposits = append(deposits, deposit)
	}
	return deposits, rows.Err()
}

// DeleteDeposit implements Storage.
func (s *Store) DeleteDeposit(ctx context.Context, txid string, vout uint32) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM deposits WHERE txid = ? AND vout = ?`), txid, vout)
	return err
}

// SetPaymentMetadata implements Storage.
func (s *Store) SetPaymentMetadata(ctx context.Context, paymentID,
	metadata string) error {

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO payment_metadata (payment_id, metadata_json)
		 VALUES (?, ?)
		 ON CONFLICT (payment_id) DO UPDATE SET metadata_json = excluded.metadata_json`),
		paymentID, metadata,
	)
	return err
}

// GetPaymentMetadata implements Storage.
func (s *Store) GetPaymentMetadata(ctx context.Context,
	paymentID string) (string, error) {

	var metadata string
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT metadata_json FROM payment_metadata WHERE payment_id = ?`), paymentID)
	err := row.Scan(&metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return metadata, err
}

// CachePut implements Storage.
func (s *Store) CachePut(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO object_cache (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`),
		key, value,
	)
	return err
}

// CacheGet implements Storage.
func (s *Store) CacheGet(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT value FROM object_cache WHERE key = ?`), key)
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sparksdk.ErrCacheMiss
	}
	return value, err
}
