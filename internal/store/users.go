package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var (
	// ErrEmailTaken is returned when registering an email that already exists.
	ErrEmailTaken = errors.New("user store: email already registered")

	// ErrNotFound is returned when no account matches the lookup.
	ErrNotFound = errors.New("user store: user not found")
)

// User is an account row. PasswordHash is a PHC-encoded argon2id hash and
// never leaves the server.
type User struct {
	bun.BaseModel `bun:"table:users"`

	ID           string    `json:"id" bun:"id,pk"`
	Email        string    `json:"email" bun:"email,unique,notnull"`
	PasswordHash string    `json:"-" bun:"password_hash,notnull"`
	CreatedAt    time.Time `json:"created_at" bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// UserStore persists user accounts.
type UserStore struct {
	db *bun.DB
}

// NewUserStore creates the users table if it does not exist and returns the
// store. The store does not own the database handle.
func NewUserStore(ctx context.Context, db *bun.DB) (*UserStore, error) {
	if _, err := db.NewCreateTable().Model((*User)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, err
	}
	return &UserStore{db: db}, nil
}

// Create inserts a new account with a fresh UUID. Returns ErrEmailTaken if
// the email is already registered.
func (s *UserStore) Create(ctx context.Context, email, passwordHash string) (*User, error) {
	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	if _, err := s.db.NewInsert().Model(user).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return user, nil
}

// ByEmail looks up an account by email. Returns ErrNotFound when absent.
func (s *UserStore) ByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.db.NewSelect().Model(&user).Where("email = ?", email).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
