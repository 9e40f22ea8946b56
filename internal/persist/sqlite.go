package persist

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/unicornbottle/ub-httpproxy/pkg/envelope"
)

// Schema for one tenant database. One file per tenant stands in for a
// schema per tenant.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS endpoint_metadata (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	url    TEXT NOT NULL,
	method TEXT NOT NULL,
	UNIQUE (url, method)
);

CREATE TABLE IF NOT EXISTS request_response (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	metadata_id     INTEGER NOT NULL REFERENCES endpoint_metadata (id),
	method          TEXT NOT NULL,
	path            TEXT NOT NULL,
	request_wire    BLOB NOT NULL,
	response_wire   BLOB,
	status_code     INTEGER,
	error_kind      TEXT,
	error_message   TEXT,
	error_stack     TEXT,
	timestamp_start REAL,
	timestamp_end   REAL,
	created_at      TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// SQLiteStore keeps one sqlite database per tenant under dir.
type SQLiteStore struct {
	dir string
}

// NewSQLiteStore creates a store rooted at dir. The directory is
// created on first tenant creation, not here.
func NewSQLiteStore(dir string) *SQLiteStore {
	return &SQLiteStore{dir: dir}
}

func (s *SQLiteStore) path(tenant uuid.UUID) string {
	return filepath.Join(s.dir, tenant.String()+".db")
}

// Connect opens the tenant's database. With create=false a missing or
// uninitialized database is ErrInvalidSchema; with create=true the
// database and schema are created as needed.
func (s *SQLiteStore) Connect(tenant uuid.UUID, create bool) (TenantConn, error) {
	path := s.path(tenant)

	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: tenant %s has no database", ErrInvalidSchema, tenant)
		}
	} else if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("persist: create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persist: open tenant %s: %w", tenant, err)
	}

	if create {
		if _, err := db.Exec(schemaSQL); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("persist: create schema for tenant %s: %w", tenant, err)
		}
	} else if err := verifySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: tenant %s: %v", ErrInvalidSchema, tenant, err)
	}

	return &sqliteConn{db: db}, nil
}

func verifySchema(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name IN ('endpoint_metadata', 'request_response')`).Scan(&n)
	if err != nil {
		return err
	}
	if n != 2 {
		return errors.New("expected tables missing")
	}
	return nil
}

// sqliteConn batches traffic rows in one transaction per flush cycle.
// Endpoint metadata inserts auto-commit outside the batch so the id is
// durable before dependent rows reference it; sqlite allows one writer,
// so all EndpointID calls must precede the batch transaction.
type sqliteConn struct {
	db *sql.DB
	tx *sql.Tx
}

func (c *sqliteConn) EndpointID(normalizedURL, method string) (int64, error) {
	var id int64
	err := c.db.QueryRow(`SELECT id FROM endpoint_metadata WHERE url = ? AND method = ?`,
		normalizedURL, method).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	res, err := c.db.Exec(`INSERT INTO endpoint_metadata (url, method) VALUES (?, ?)`,
		normalizedURL, method)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (c *sqliteConn) InsertTraffic(metadataID int64, rec WriteRecord) error {
	if c.tx == nil {
		tx, err := c.db.Begin()
		if err != nil {
			return err
		}
		c.tx = tx
	}

	requestWire, err := envelope.EncodeRequest(rec.Request)
	if err != nil {
		return err
	}

	var responseWire []byte
	var statusCode any
	if rec.Response != nil {
		responseWire, err = envelope.EncodeResponse(rec.Response)
		if err != nil {
			return err
		}
		statusCode = rec.Response.StatusCode
	}

	var errKind, errMessage, errStack any
	if rec.Error != nil {
		errKind = rec.Error.Kind
		errMessage = rec.Error.Message
		errStack = rec.Error.Stack
	}

	_, err = c.tx.Exec(`INSERT INTO request_response
		(metadata_id, method, path, request_wire, response_wire, status_code,
		 error_kind, error_message, error_stack, timestamp_start, timestamp_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		metadataID,
		string(rec.Request.Method),
		string(rec.Request.Path),
		requestWire,
		responseWire,
		statusCode,
		errKind,
		errMessage,
		errStack,
		rec.Request.TimestampStart,
		rec.Request.TimestampEnd,
	)
	return err
}

func (c *sqliteConn) Commit() error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

func (c *sqliteConn) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}
