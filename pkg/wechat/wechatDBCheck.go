package wechat

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// OpenDecryptedDB opens a decrypted database read-only. The caller closes it.
func OpenDecryptedDB(path string) (*sql.DB, error) {
	dsn := "file:" + (&url.URL{Path: path}).EscapedPath() + "?mode=ro&_query_only=1"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s failed: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s failed: %w", path, err)
	}
	return db, nil
}

// ListTables returns the table names in sqlite_master, ordered by name.
func ListTables(db *sql.DB) ([]string, error) {
	rows, err := db.Query("select name from sqlite_master where type = 'table' order by name;")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// QuickCheck runs PRAGMA quick_check and fails unless it reports ok.
func QuickCheck(db *sql.DB) error {
	var status string
	if err := db.QueryRow("PRAGMA quick_check;").Scan(&status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("quick_check: %s", status)
	}
	return nil
}

// VerifyDecryptedDB opens path and runs QuickCheck. It fits Decryptor.Verify.
func VerifyDecryptedDB(path string) error {
	db, err := OpenDecryptedDB(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return QuickCheck(db)
}
