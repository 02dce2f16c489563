package auth

// Service combines accounts and the allowlist into the two checks the
// server performs: operator login and agent enrollment.
type Service struct {
	Accounts  *Accounts
	Allowlist *Allowlist
}

// NewService returns a Service over accounts and allowlist.
func NewService(accounts []Account, emails, domains []string) *Service {
	return &Service{Accounts: NewAccounts(accounts), Allowlist: NewAllowlist(emails, domains)}
}

// Refresh swaps accounts and allowlist, typically after a config reload.
func (s *Service) Refresh(accounts []Account, emails, domains []string) {
	s.Accounts.Replace(accounts)
	s.Allowlist.Refresh(emails, domains)
}

// Login admits any valid, active account.
func (s *Service) Login(username, password string) (*Account, error) {
	return s.Accounts.Authenticate(username, password)
}

// AuthorizeEnrollment additionally requires the account email to be
// allowlisted.
func (s *Service) AuthorizeEnrollment(username, password string) (*Account, error) {
	acc, err := s.Accounts.Authenticate(username, password)
	if err != nil {
		return nil, err
	}
	if !s.Allowlist.Allows(acc.Email) {
		return nil, ErrNotAllowlisted
	}
	return acc, nil
}
