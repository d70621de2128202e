package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"livemd/pkg/logger"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrExists indicates a uniqueness conflict on insert.
	ErrExists = errors.New("store: already exists")
)

// Store wraps the relational backing store. The driver is either sqlite3
// (file under the data directory) or postgres; both speak $N placeholders.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database, verifies the connection and lazily creates
// the schema on first use.
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Retry the ping a few times in case of temporary network blips.
	for i := 0; i < 5; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		logger.Sugar.Infof("Database connection failed, retrying in 2s... (%v)", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open connection. Used by tests with a mock db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// schemaStatements returns the DDL for the given driver. The only dialect
// difference is the binary column type: postgres has BYTEA, sqlite3 BLOB.
func schemaStatements(driver string) []string {
	blobType := "BLOB"
	if driver == "postgres" {
		blobType = "BYTEA"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS Users (
			username TEXT PRIMARY KEY,
			passwordHash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS Documents (
			documentId TEXT PRIMARY KEY,
			ownerUsername TEXT NOT NULL REFERENCES Users(username),
			isPublic BOOLEAN NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idxOwnerUsernameOnDocuments ON Documents(ownerUsername)`,
		`CREATE TABLE IF NOT EXISTS DocumentSnapshots (
			documentId TEXT PRIMARY KEY,
			snapshot ` + blobType + ` NOT NULL,
			updatedAt TIMESTAMP NOT NULL
		)`,
	}
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements(s.driver) {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *Store) GetPasswordHash(username string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT passwordHash FROM Users WHERE username = $1`, username).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fetch password hash: %w", err)
	}
	return hash, nil
}

func (s *Store) CreateUser(username, passwordHash string) error {
	_, err := s.db.Exec(`INSERT INTO Users (username, passwordHash) VALUES ($1, $2)`, username, passwordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) DeleteUser(username string) error {
	res, err := s.db.Exec(`DELETE FROM Users WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListUsers() ([]string, error) {
	rows, err := s.db.Query(`SELECT username FROM Users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan username: %w", err)
		}
		usernames = append(usernames, u)
	}
	return usernames, rows.Err()
}

// --- Documents ---

func (s *Store) GetDocument(documentID string) (*Document, error) {
	var doc Document
	err := s.db.QueryRow(
		`SELECT documentId, ownerUsername, isPublic FROM Documents WHERE documentId = $1`,
		documentID,
	).Scan(&doc.DocumentID, &doc.OwnerUsername, &doc.IsPublic)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch document: %w", err)
	}
	return &doc, nil
}

// CreateDocument inserts a new document row. A duplicate id surfaces as
// ErrExists via the primary key, so concurrent creates cannot race a
// separate existence check.
func (s *Store) CreateDocument(documentID, ownerUsername string, isPublic bool) error {
	_, err := s.db.Exec(
		`INSERT INTO Documents (documentId, ownerUsername, isPublic) VALUES ($1, $2, $3)`,
		documentID, ownerUsername, isPublic,
	)
	if isUniqueViolation(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func (s *Store) ListDocumentsByOwner(ownerUsername string) ([]Document, error) {
	rows, err := s.db.Query(
		`SELECT documentId, ownerUsername, isPublic FROM Documents WHERE ownerUsername = $1 ORDER BY documentId`,
		ownerUsername,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.DocumentID, &doc.OwnerUsername, &doc.IsPublic); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetVisibility flips a document's public flag. Only the owner may do this;
// a non-owner or unknown id affects zero rows and reports ErrNotFound.
func (s *Store) SetVisibility(documentID, ownerUsername string, isPublic bool) error {
	res, err := s.db.Exec(
		`UPDATE Documents SET isPublic = $1 WHERE documentId = $2 AND ownerUsername = $3`,
		isPublic, documentID, ownerUsername,
	)
	if err != nil {
		return fmt.Errorf("update visibility: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Snapshots ---

func (s *Store) GetSnapshot(documentID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRow(
		`SELECT snapshot FROM DocumentSnapshots WHERE documentId = $1`, documentID,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *Store) SaveSnapshot(documentID string, snapshot []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO DocumentSnapshots (documentId, snapshot, updatedAt) VALUES ($1, $2, $3)
		ON CONFLICT (documentId) DO UPDATE SET snapshot = $2, updatedAt = $3`,
		documentID, snapshot, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
