// Package store is the sqlite-backed catalog: persons, the documents
// they own, issued_documents (one-shot provisioning codes), the wallet
// instances that have configured a document, and the auth keys the
// server has endorsed for them. Schema and query shapes are grounded on
// database.py's SystemOfRecord, adapted to database/sql and a pure-Go
// sqlite driver instead of Python's sqlite3 module.
package store

import (
	"database/sql"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS persons (
    person_id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    portrait BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
    document_id INTEGER PRIMARY KEY,
    person_id INTEGER NOT NULL,
    doc_type TEXT NOT NULL,
    access_control_profiles BLOB NOT NULL,
    name_spaces BLOB NOT NULL,
    data_timestamp REAL NOT NULL,

    FOREIGN KEY (person_id) REFERENCES persons (person_id)
);

CREATE TABLE IF NOT EXISTS issued_documents (
    issued_document_id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL,
    provisioning_code TEXT NOT NULL,
    consumed_at TEXT,

    FOREIGN KEY (document_id) REFERENCES documents (document_id)
);

CREATE TABLE IF NOT EXISTS configured_documents (
    configured_document_id INTEGER PRIMARY KEY,
    issued_document_id INTEGER NOT NULL,
    credential_key_x509_cert_chain BLOB,
    encoded_cose_credential_key BLOB UNIQUE,
    proof_of_provisioning BLOB,
    last_updated_timestamp REAL,
    data_timestamp REAL NOT NULL,
    status TEXT,

    FOREIGN KEY (issued_document_id) REFERENCES issued_documents (issued_document_id)
);

CREATE TABLE IF NOT EXISTS endorsed_authentication_keys (
    endorsed_authentication_key_id INTEGER PRIMARY KEY,
    configured_document_id INTEGER NOT NULL,
    authentication_key_x509_cert BLOB,
    static_auth_data BLOB,
    generated_at_timestamp REAL NOT NULL,
    expires_at_timestamp REAL NOT NULL,

    FOREIGN KEY (configured_document_id) REFERENCES configured_documents (configured_document_id)
);
`

// Store wraps a *sql.DB against the catalog schema. Each lookup/mutate
// method in queries.go exists on both Store and *Tx with an identical
// signature (the seeding and admin helpers in seed.go are Store-only), so
// flow code can
// run a whole transition inside a single transaction by calling Begin
// once and threading the Tx through.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and connects to the sqlite database at path,
// applying the schema. The driver is registered under "sqlite3" by the
// anonymous imports above.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a transaction-scoped view of the same operations as Store,
// letting a flow handler commit or roll back a whole transition
// atomically instead of per-statement.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a transaction. Callers must Commit or Rollback.
func (s *Store) Begin() (*Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// querier is satisfied by both *sql.DB and *sql.Tx, letting the lookup/
// mutate methods below be written once and called from either a bare
// Store or a Tx.
type querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (s *Store) q() querier { return s.db }
func (t *Tx) q() querier    { return t.tx }
