package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotInProcess  = errors.New("payment is not in process")
)

// Storage handles all database operations.
type Storage struct {
	db *sql.DB
}

// New creates a new Storage instance and initializes the database.
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY churn and makes :memory: databases usable in tests.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'user',
			wallet_address TEXT NOT NULL,
			wallet_index INTEGER NOT NULL UNIQUE,
			last_payment_time INTEGER,
			last_review_time INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_wallet_address ON users(wallet_address)`,
		`CREATE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			type INTEGER NOT NULL DEFAULT 0,
			price_usd REAL NOT NULL,
			price_sats INTEGER NOT NULL,
			credits_quantity INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_user_id ON payments(user_id)`,
		// At most one in-process payment per user.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_user_in_process
			ON payments(user_id) WHERE status = 'in-process'`,

		`CREATE TABLE IF NOT EXISTS payment_txs (
			payment_id TEXT NOT NULL,
			txid TEXT NOT NULL,
			PRIMARY KEY (payment_id, txid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_txs_txid ON payment_txs(txid)`,

		// Dedicated counter for wallet index reservation. Seeded
		// lazily from MAX(wallet_index) so pre-counter databases
		// keep their sequence.
		`CREATE TABLE IF NOT EXISTS wallet_seq (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			next_index INTEGER NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

// --- Users ---

// CreateUser inserts a new user record.
func (s *Storage) CreateUser(u *User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, external_id, email, password_hash, name, type,
			wallet_address, wallet_index, last_payment_time, last_review_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ExternalID, u.Email, u.PasswordHash, u.Name, u.Type,
		u.WalletAddress, u.WalletIndex, nullTime(u.LastPaymentTime), nullTime(u.LastReviewTime),
		u.CreatedAt.Unix(),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

const userColumns = `id, external_id, email, password_hash, name, type,
	wallet_address, wallet_index, last_payment_time, last_review_time, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var lastPayment, lastReview sql.NullInt64
	var createdAt int64

	err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.PasswordHash, &u.Name, &u.Type,
		&u.WalletAddress, &u.WalletIndex, &lastPayment, &lastReview, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	u.LastPaymentTime = timePtr(lastPayment)
	u.LastReviewTime = timePtr(lastReview)
	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}

// GetUser returns a user by id.
func (s *Storage) GetUser(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail returns a user by email.
func (s *Storage) GetUserByEmail(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// GetUserByWalletAddress returns the user owning a receiving address.
func (s *Storage) GetUserByWalletAddress(addr string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE wallet_address = ?`, addr)
	return scanUser(row)
}

// GetUserByExternalID returns a user by its upstream identity id.
func (s *Storage) GetUserByExternalID(externalID string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE external_id = ?`, externalID)
	return scanUser(row)
}

// GetAllUsers returns all users.
func (s *Storage) GetAllUsers() ([]User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY wallet_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdateUser updates the mutable profile fields of a user. Wallet
// address and index are immutable once assigned and are not touched.
func (s *Storage) UpdateUser(u *User) error {
	result, err := s.db.Exec(
		`UPDATE users SET external_id = ?, email = ?, password_hash = ?, name = ?, type = ?
		 WHERE id = ?`,
		u.ExternalID, u.Email, u.PasswordHash, u.Name, u.Type, u.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes a user.
func (s *Storage) DeleteUser(id string) error {
	result, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastPaymentTime stamps the time a payment was detected for a user.
func (s *Storage) SetLastPaymentTime(userID string, t time.Time) error {
	result, err := s.db.Exec(
		`UPDATE users SET last_payment_time = ? WHERE id = ?`, t.Unix(), userID,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastReviewTime stamps the time a user's payments were last settled.
func (s *Storage) SetLastReviewTime(userID string, t time.Time) error {
	result, err := s.db.Exec(
		`UPDATE users SET last_review_time = ? WHERE id = ?`, t.Unix(), userID,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Wallet index allocation ---

// ReserveWalletIndex atomically reserves the next derivation index.
// The counter row is created on first use, seeded from the highest
// index already assigned, then incremented inside the same
// transaction, so concurrent reservations never return the same index.
func (s *Storage) ReserveWalletIndex() (uint32, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// FROM-less outer SELECT: with a FROM users the aggregate would
	// still emit a row when the NOT EXISTS guard is false.
	_, err = tx.Exec(
		`INSERT INTO wallet_seq (id, next_index)
		 SELECT 1, (SELECT COALESCE(MAX(wallet_index) + 1, 0) FROM users)
		 WHERE NOT EXISTS (SELECT 1 FROM wallet_seq WHERE id = 1)`,
	)
	if err != nil {
		return 0, fmt.Errorf("seed wallet sequence: %w", err)
	}

	var index uint32
	if err := tx.QueryRow(`SELECT next_index FROM wallet_seq WHERE id = 1`).Scan(&index); err != nil {
		return 0, fmt.Errorf("read wallet sequence: %w", err)
	}

	if _, err := tx.Exec(`UPDATE wallet_seq SET next_index = next_index + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("advance wallet sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return index, nil
}

// --- Payments ---

// CreatePayment inserts a new payment record. Returns ErrAlreadyExists
// if the user already has an in-process payment.
func (s *Storage) CreatePayment(p *Payment) error {
	_, err := s.db.Exec(
		`INSERT INTO payments (id, user_id, status, type, price_usd, price_sats,
			credits_quantity, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Status, p.Type, p.PriceUSD, p.PriceSats,
		p.CreditsQuantity, p.CreatedAt.Unix(), nullTime(p.CompletedAt),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

const paymentColumns = `id, user_id, status, type, price_usd, price_sats,
	credits_quantity, created_at, completed_at`

func scanPayment(row interface{ Scan(...any) error }) (*Payment, error) {
	var p Payment
	var completedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&p.ID, &p.UserID, &p.Status, &p.Type, &p.PriceUSD, &p.PriceSats,
		&p.CreditsQuantity, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.CreatedAt = time.Unix(createdAt, 0)
	p.CompletedAt = timePtr(completedAt)
	return &p, nil
}

func (s *Storage) loadPaymentTxs(p *Payment) error {
	rows, err := s.db.Query(
		`SELECT txid FROM payment_txs WHERE payment_id = ? ORDER BY rowid`, p.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var txid string
		if err := rows.Scan(&txid); err != nil {
			return err
		}
		p.Txs = append(p.Txs, txid)
	}
	return rows.Err()
}

// GetPayment returns a payment by id, including its observed txids.
func (s *Storage) GetPayment(id string) (*Payment, error) {
	row := s.db.QueryRow(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadPaymentTxs(p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetAllPayments returns all payments.
func (s *Storage) GetAllPayments() ([]Payment, error) {
	rows, err := s.db.Query(`SELECT ` + paymentColumns + ` FROM payments ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range payments {
		if err := s.loadPaymentTxs(&payments[i]); err != nil {
			return nil, err
		}
	}
	return payments, nil
}

// InProcessPayment returns the user's current in-process payment.
func (s *Storage) InProcessPayment(userID string) (*Payment, error) {
	row := s.db.QueryRow(
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = ? AND status = ?`,
		userID, StatusInProcess,
	)
	p, err := scanPayment(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadPaymentTxs(p); err != nil {
		return nil, err
	}
	return p, nil
}

// AppendPaymentTx records a transaction id against a payment. Returns
// true if the id was new, false if it was already recorded.
func (s *Storage) AppendPaymentTx(paymentID, txid string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO payment_txs (payment_id, txid) VALUES (?, ?)`,
		paymentID, txid,
	)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// HasTx reports whether a transaction id is already recorded against
// any payment. Used to detect re-delivery of the same transaction.
// Cancelled payments count too: a txid seen once must never attach to
// a later payment, whatever became of the first one.
func (s *Storage) HasTx(txid string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM payment_txs WHERE txid = ? LIMIT 1`, txid,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CompletePayment transitions an in-process payment to completed.
func (s *Storage) CompletePayment(id string, at time.Time) error {
	return s.transition(id, StatusCompleted, at)
}

// CancelPayment transitions an in-process payment to cancelled.
func (s *Storage) CancelPayment(id string, at time.Time) error {
	return s.transition(id, StatusCancelled, at)
}

func (s *Storage) transition(id, status string, at time.Time) error {
	result, err := s.db.Exec(
		`UPDATE payments SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		status, at.Unix(), id, StatusInProcess,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	// Distinguish a missing payment from an already-finalized one.
	if _, err := s.GetPayment(id); err != nil {
		return err
	}
	return ErrNotInProcess
}

// DeletePayment removes a payment and its recorded txids.
func (s *Storage) DeletePayment(id string) error {
	result, err := s.db.Exec(`DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}

	_, err = s.db.Exec(`DELETE FROM payment_txs WHERE payment_id = ?`, id)
	return err
}
