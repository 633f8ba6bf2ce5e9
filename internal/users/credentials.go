package users

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// PasswordLength is the length of generated initial passwords.
	PasswordLength   = 12
	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GeneratePassword returns a random alphanumeric password of n characters.
func GeneratePassword(n int) (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", errors.Join(errors.New("users: generate password"), err)
		}
		b.WriteByte(passwordAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

// HashPassword bcrypt-hashes a plaintext password.
func HashPassword(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CheckPassword reports whether plain matches the stored hash.
func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// NewAccountInput describes an account provisioned on approval.
type NewAccountInput struct {
	Username    string
	Email       string
	FirstName   string
	LastName    string
	Phone       string
	AccountType AccountType
	ActivatedBy int64
	ActivatedAt time.Time
}

// Credentials is the one-time plaintext login handed to the new user.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// NewAccount builds an activated, verified account with a generated password.
// The username falls back to the email when none was requested.
func NewAccount(in NewAccountInput) (Account, Credentials, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		username = strings.ToLower(strings.TrimSpace(in.Email))
	}
	password, err := GeneratePassword(PasswordLength)
	if err != nil {
		return Account{}, Credentials{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Account{}, Credentials{}, err
	}
	activatedAt := in.ActivatedAt
	acct := Account{
		User: User{
			Username:     username,
			Email:        strings.ToLower(strings.TrimSpace(in.Email)),
			FirstName:    strings.TrimSpace(in.FirstName),
			LastName:     strings.TrimSpace(in.LastName),
			PasswordHash: hash,
			IsActive:     true,
		},
		Profile: Profile{
			AccountType:     in.AccountType,
			Phone:           strings.TrimSpace(in.Phone),
			IsAccountActive: true,
			IsVerified:      true,
			ActivatedAt:     &activatedAt,
		},
	}
	if in.ActivatedBy > 0 {
		by := in.ActivatedBy
		acct.Profile.ActivatedBy = &by
	}
	return acct, Credentials{Username: username, Password: password}, nil
}
