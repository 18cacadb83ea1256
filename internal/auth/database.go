package auth

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// AuthStatus is the login record a local Antigravity install keeps in
// its state database. APIKey doubles as a short-lived access token.
type AuthStatus struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// ReadAuthStatus reads the local Antigravity login state. The database
// is opened read-only so a running editor is never disturbed. An empty
// path uses the per-OS default location.
func ReadAuthStatus(dbPath string) (*AuthStatus, error) {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("antigravity database not found at %s; install Antigravity and sign in first", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open antigravity database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil, errors.New("no auth status in antigravity database; sign in to Antigravity first")
	}
	if err != nil {
		return nil, fmt.Errorf("query antigravity database: %w", err)
	}

	var status AuthStatus
	if err := json.Unmarshal([]byte(value), &status); err != nil {
		return nil, fmt.Errorf("parse auth status: %w", err)
	}
	if status.APIKey == "" {
		return nil, errors.New("auth status has no apiKey")
	}
	return &status, nil
}

// DatabaseAccessible reports whether the Antigravity state database
// exists and can be opened.
func DatabaseAccessible(dbPath string) bool {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		utils.Debug("[Database] Open failed: %v", err)
		return false
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		utils.Debug("[Database] Ping failed: %v", err)
		return false
	}
	return true
}
