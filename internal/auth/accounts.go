// Package auth holds operator accounts and the enrollment allowlist. Both are
// loaded from configuration and can be swapped at runtime when the config
// file changes.
package auth

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrNotAllowlisted     = errors.New("account not in allowlist")
)

// Account is an operator allowed to log in and to enroll agents.
type Account struct {
	Username     string `mapstructure:"username" yaml:"username"`
	Email        string `mapstructure:"email" yaml:"email"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
	Disabled     bool   `mapstructure:"disabled" yaml:"disabled"`
}

// dummyHash is compared against when the username is unknown so both paths
// cost one bcrypt evaluation.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("talonscope-unknown-user"), bcrypt.DefaultCost)

// Accounts is a concurrency-safe username → Account table.
type Accounts struct {
	mu     sync.RWMutex
	byName map[string]Account
}

// NewAccounts returns a table holding list.
func NewAccounts(list []Account) *Accounts {
	a := &Accounts{}
	a.Replace(list)
	return a
}

// Replace swaps the whole table. Usernames are matched case-insensitively.
func (a *Accounts) Replace(list []Account) {
	m := make(map[string]Account, len(list))
	for _, acc := range list {
		name := strings.ToLower(strings.TrimSpace(acc.Username))
		if name == "" {
			continue
		}
		m[name] = acc
	}
	a.mu.Lock()
	a.byName = m
	a.mu.Unlock()
}

// Authenticate checks username and password. A wrong password and an unknown
// user both yield ErrInvalidCredentials; a disabled account yields
// ErrAccountDisabled only after the password matched.
func (a *Accounts) Authenticate(username, password string) (*Account, error) {
	a.mu.RLock()
	acc, ok := a.byName[strings.ToLower(strings.TrimSpace(username))]
	a.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if acc.Disabled {
		return nil, ErrAccountDisabled
	}
	return &acc, nil
}

// Len reports how many accounts are loaded.
func (a *Accounts) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byName)
}

// HashPassword returns the bcrypt hash stored in an account's password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
