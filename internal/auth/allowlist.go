package auth

import (
	"strings"
	"sync/atomic"
)

type allowSet struct {
	emails  map[string]bool
	domains map[string]bool
}

// Allowlist decides which account emails may enroll agents, by exact address
// or by domain. An empty allowlist admits nobody.
type Allowlist struct {
	set atomic.Pointer[allowSet]
}

// NewAllowlist returns an allowlist of emails and domains.
func NewAllowlist(emails, domains []string) *Allowlist {
	l := &Allowlist{}
	l.Refresh(emails, domains)
	return l
}

// Refresh replaces the allowlist contents. Readers see either the old or the
// new set, never a mix.
func (l *Allowlist) Refresh(emails, domains []string) {
	s := &allowSet{emails: map[string]bool{}, domains: map[string]bool{}}
	for _, e := range emails {
		if e = NormalizeEmail(e); e != "" {
			s.emails[e] = true
		}
	}
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "@")
		if d != "" {
			s.domains[d] = true
		}
	}
	l.set.Store(s)
}

// Allows reports whether email is listed or belongs to a listed domain.
func (l *Allowlist) Allows(email string) bool {
	email = NormalizeEmail(email)
	if email == "" {
		return false
	}
	s := l.set.Load()
	if s.emails[email] {
		return true
	}
	at := strings.LastIndexByte(email, '@')
	return at > 0 && s.domains[email[at+1:]]
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
