package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"peridot/api/internal/notes"
	"peridot/api/internal/quota"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db           *sql.DB
	defaultTotal int64
}

func NewPostgresStore(db *sql.DB, defaultTotal int64) *PostgresStore {
	return &PostgresStore{db: db, defaultTotal: quota.NewUsage(defaultTotal).TotalBytes}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateUser inserts the account together with its ledger entry.
func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, username, email, password_hash)
			VALUES ($1, $2, $3, $4)
		`, user.ID, user.Username, user.Email, user.PasswordHash)
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		if err := ensureQuotaRow(ctx, tx, user.ID, s.defaultTotal); err != nil {
			return err
		}
		return nil
	})
}

const selectUser = `SELECT id, username, email, password_hash, created_at FROM users`

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE username=$1`, username))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE LOWER(email)=LOWER($1)`, email))
}

func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.email, u.password_hash, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash)
	user, err := s.scanUser(row)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, ErrSessionInvalid
	}
	return user, err
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ensureQuotaRow creates the owner's ledger row if it does not exist yet.
func ensureQuotaRow(ctx context.Context, tx *sql.Tx, ownerID string, total int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO storage_quotas (owner_id, total_bytes, used_bytes)
		VALUES ($1, $2, 0)
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID, total)
	if err != nil {
		return fmt.Errorf("ensure quota row: %w", err)
	}
	return nil
}

// lockQuota creates the ledger row if needed and takes its row lock. Every
// mutating transaction for an owner calls this first, so the row lock orders
// all of that owner's writes.
func lockQuota(ctx context.Context, tx *sql.Tx, ownerID string, total int64) (quota.Usage, error) {
	if err := ensureQuotaRow(ctx, tx, ownerID, total); err != nil {
		return quota.Usage{}, err
	}
	var usage quota.Usage
	err := tx.QueryRowContext(ctx, `
		SELECT total_bytes, used_bytes FROM storage_quotas WHERE owner_id=$1 FOR UPDATE
	`, ownerID).Scan(&usage.TotalBytes, &usage.UsedBytes)
	if err != nil {
		return quota.Usage{}, fmt.Errorf("lock quota row: %w", err)
	}
	return usage, nil
}

func writeQuota(ctx context.Context, tx *sql.Tx, ownerID string, usage quota.Usage) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE storage_quotas SET total_bytes=$2, used_bytes=$3, updated_at=NOW() WHERE owner_id=$1
	`, ownerID, usage.TotalBytes, usage.UsedBytes)
	if err != nil {
		return fmt.Errorf("write quota row: %w", err)
	}
	return nil
}

// Atomic runs fn in one read-committed transaction that holds the owner's
// ledger row lock from the first statement until commit.
func (s *PostgresStore) Atomic(ctx context.Context, ownerID string, fn func(tx notes.Tx) error) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		usage, err := lockQuota(ctx, tx, ownerID, s.defaultTotal)
		if err != nil {
			return err
		}
		ptx := &postgresTx{tx: tx, ownerID: ownerID, ledger: quota.NewStaged(ownerID, usage)}
		if err := fn(ptx); err != nil {
			return err
		}
		return writeQuota(ctx, tx, ownerID, ptx.ledger.Usage())
	})
}

// Usage returns the owner's ledger entry, creating it on first use.
func (s *PostgresStore) Usage(ctx context.Context, ownerID string) (quota.Usage, error) {
	var usage quota.Usage
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := ensureQuotaRow(ctx, tx, ownerID, s.defaultTotal); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
			SELECT total_bytes, used_bytes FROM storage_quotas WHERE owner_id=$1
		`, ownerID).Scan(&usage.TotalBytes, &usage.UsedBytes)
	})
	if err != nil {
		return quota.Usage{}, fmt.Errorf("read quota: %w", err)
	}
	return usage, nil
}

// SetQuotaTotal changes an owner's capacity. It refuses a capacity below the
// bytes already in use.
func (s *PostgresStore) SetQuotaTotal(ctx context.Context, ownerID string, total int64) (quota.Usage, error) {
	var next quota.Usage
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		usage, err := lockQuota(ctx, tx, ownerID, s.defaultTotal)
		if err != nil {
			return err
		}
		next, err = usage.WithTotal(total)
		if err != nil {
			return err
		}
		return writeQuota(ctx, tx, ownerID, next)
	})
	return next, err
}

// StoredBytes sums the recorded sizes of the owner's live notes.
func (s *PostgresStore) StoredBytes(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM notes WHERE owner_id=$1`, ownerID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum note sizes: %w", err)
	}
	return total, nil
}

const selectNote = `
	SELECT id, owner_id, content, content_kind, locked, encrypted, pinned,
		visible_title, folder_path, tags::text, key_params::text, iv::text,
		type, parent_folder_id, is_open, date_created, date_modified
	FROM notes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (notes.Note, error) {
	var (
		n         notes.Note
		kind      string
		tags      string
		keyParams sql.NullString
		iv        sql.NullString
		parent    sql.NullInt64
	)
	err := row.Scan(&n.ID, &n.OwnerID, &n.Content.Data, &kind, &n.Locked, &n.Encrypted, &n.Pinned,
		&n.VisibleTitle, &n.FolderPath, &tags, &keyParams, &iv,
		&n.Type, &parent, &n.IsOpen, &n.DateCreated, &n.DateModified)
	if err != nil {
		return notes.Note{}, err
	}
	if n.Content.Encoding, err = notes.ParseEncoding(kind); err != nil {
		return notes.Note{}, err
	}
	if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
		return notes.Note{}, fmt.Errorf("decode tags: %w", err)
	}
	if keyParams.Valid {
		n.KeyParams = json.RawMessage(keyParams.String)
	}
	if iv.Valid {
		n.IV = json.RawMessage(iv.String)
	}
	if parent.Valid {
		id := parent.Int64
		n.ParentFolderID = &id
	}
	n.DateCreated = n.DateCreated.UTC()
	n.DateModified = n.DateModified.UTC()
	return n, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, ownerID string, id int64) (notes.Note, error) {
	return getNote(ctx, s.db, ownerID, id, false)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getNote(ctx context.Context, q queryRower, ownerID string, id int64, forUpdate bool) (notes.Note, error) {
	query := selectNote + ` WHERE owner_id=$1 AND id=$2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	n, err := scanNote(q.QueryRowContext(ctx, query, ownerID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notes.Note{}, notes.ErrNotFound
	}
	if err != nil {
		return notes.Note{}, fmt.Errorf("read note: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListNotes(ctx context.Context, ownerID string) ([]notes.Note, error) {
	rows, err := s.db.QueryContext(ctx, selectNote+` WHERE owner_id=$1 ORDER BY date_modified DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	items := make([]notes.Note, 0)
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type postgresTx struct {
	tx      *sql.Tx
	ownerID string
	ledger  *quota.Staged
}

func (t *postgresTx) Ledger() quota.Ledger { return t.ledger }

func (t *postgresTx) GetNote(ctx context.Context, id int64) (notes.Note, error) {
	return getNote(ctx, t.tx, t.ownerID, id, true)
}

func noteArgs(n notes.Note) ([]any, error) {
	tags, err := json.Marshal(n.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	var keyParams, iv, parent any
	if n.KeyParams != nil {
		keyParams = string(n.KeyParams)
	}
	if n.IV != nil {
		iv = string(n.IV)
	}
	if n.ParentFolderID != nil {
		parent = *n.ParentFolderID
	}
	data := n.Content.Data
	if data == nil {
		data = []byte{}
	}
	return []any{
		n.OwnerID, n.ID, data, string(n.Content.Encoding), n.Size(),
		n.Locked, n.Encrypted, n.Pinned, n.VisibleTitle, n.FolderPath,
		string(tags), keyParams, iv, n.Type, parent, n.IsOpen,
		n.DateCreated, n.DateModified,
	}, nil
}

func (t *postgresTx) InsertNote(ctx context.Context, n notes.Note) error {
	n.OwnerID = t.ownerID
	args, err := noteArgs(n)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO notes (owner_id, id, content, content_kind, size_bytes,
			locked, encrypted, pinned, visible_title, folder_path,
			tags, key_params, iv, type, parent_folder_id, is_open,
			date_created, date_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11::jsonb, $12::jsonb, $13::jsonb, $14, $15, $16, $17, $18)
	`, args...)
	if isUniqueViolation(err) {
		return notes.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateNote(ctx context.Context, n notes.Note) error {
	n.OwnerID = t.ownerID
	args, err := noteArgs(n)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE notes SET content=$3, content_kind=$4, size_bytes=$5,
			locked=$6, encrypted=$7, pinned=$8, visible_title=$9, folder_path=$10,
			tags=$11::jsonb, key_params=$12::jsonb, iv=$13::jsonb, type=$14,
			parent_folder_id=$15, is_open=$16, date_created=$17, date_modified=$18
		WHERE owner_id=$1 AND id=$2
	`, args...)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	return requireRow(res)
}

func (t *postgresTx) DeleteNote(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM notes WHERE owner_id=$1 AND id=$2`, t.ownerID, id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notes.ErrNotFound
	}
	return nil
}
