package store

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
)

// CreateUser inserts a new pseudonymous learner.
func (s *Store) CreateUser() (*model.User, error) {
	u := model.User{ID: uuid.New(), CreatedAt: time.Now().UTC()}
	_, err := s.db.Exec(`INSERT INTO users (id, created_at) VALUES (?, ?)`, u.ID, u.CreatedAt)
	if err != nil {
		slog.Error("failed to create user", "error", err)
		return nil, err
	}
	slog.Info("created user", "id", u.ID)
	return &u, nil
}

// GetUser returns a learner by ID, or nil if there is none.
func (s *Store) GetUser(id uuid.UUID) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(`SELECT id, created_at FROM users WHERE id = ?`, id).Scan(&u.ID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UserCount returns the total number of users.
func (s *Store) UserCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}
