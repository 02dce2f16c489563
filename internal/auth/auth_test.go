package auth_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/vesaa/talonscope/internal/auth"
	"golang.org/x/crypto/bcrypt"
)

func mustHash(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(h)
}

func newService(t *testing.T) *auth.Service {
	t.Helper()
	return auth.NewService([]auth.Account{
		{Username: "ops", Email: "ops@lab.example", PasswordHash: mustHash(t, "s3cret")},
		{Username: "Guest", Email: "guest@elsewhere.example", PasswordHash: mustHash(t, "guest")},
		{Username: "old", Email: "old@lab.example", PasswordHash: mustHash(t, "old"), Disabled: true},
	}, []string{"Guest@Elsewhere.example"}, []string{"@lab.example"})
}

func TestLogin(t *testing.T) {
	svc := newService(t)
	tests := []struct {
		name     string
		user, pw string
		wantErr  error
	}{
		{"valid", "ops", "s3cret", nil},
		{"case-insensitive username", "GUEST", "guest", nil},
		{"wrong password", "ops", "nope", auth.ErrInvalidCredentials},
		{"unknown user", "ghost", "s3cret", auth.ErrInvalidCredentials},
		{"disabled", "old", "old", auth.ErrAccountDisabled},
		{"disabled with wrong password", "old", "x", auth.ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := svc.Login(tt.user, tt.pw)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got err %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && acc == nil {
				t.Fatal("nil account on success")
			}
		})
	}
}

func TestAuthorizeEnrollment_Allowlist(t *testing.T) {
	svc := newService(t)
	if _, err := svc.AuthorizeEnrollment("ops", "s3cret"); err != nil {
		t.Errorf("domain-listed account rejected: %v", err)
	}
	if _, err := svc.AuthorizeEnrollment("guest", "guest"); err != nil {
		t.Errorf("address-listed account rejected: %v", err)
	}

	svc.Refresh([]auth.Account{
		{Username: "ops", Email: "ops@lab.example", PasswordHash: mustHash(t, "s3cret")},
	}, nil, nil)
	if _, err := svc.AuthorizeEnrollment("ops", "s3cret"); !errors.Is(err, auth.ErrNotAllowlisted) {
		t.Errorf("empty allowlist: got %v, want ErrNotAllowlisted", err)
	}
	if _, err := svc.Login("ops", "s3cret"); err != nil {
		t.Errorf("login must not depend on the allowlist: %v", err)
	}
	if _, err := svc.Login("guest", "guest"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("removed account still logs in: %v", err)
	}
}

func TestAllowlist(t *testing.T) {
	l := auth.NewAllowlist([]string{" Boss@Corp.example "}, []string{"lab.example"})
	tests := []struct {
		email string
		want  bool
	}{
		{"boss@corp.example", true},
		{"other@corp.example", false},
		{"anyone@LAB.example", true},
		{"anyone@sub.lab.example", false},
		{"lab.example", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := l.Allows(tt.email); got != tt.want {
			t.Errorf("Allows(%q): got %v, want %v", tt.email, got, tt.want)
		}
	}
}

func TestAllowlist_ConcurrentRefresh(t *testing.T) {
	l := auth.NewAllowlist(nil, []string{"a.example"})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.Refresh(nil, []string{"a.example"})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if !l.Allows("x@a.example") {
					t.Error("reader observed an empty allowlist during refresh")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestHashPassword(t *testing.T) {
	h, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	accs := auth.NewAccounts([]auth.Account{{Username: "u", PasswordHash: h}})
	if _, err := accs.Authenticate("u", "pw"); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
	if _, err := auth.HashPassword(""); err == nil {
		t.Error("empty password accepted")
	}
}
