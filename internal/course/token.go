package course

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/backend"
)

// TokenTTL is how long a review token stays valid.
const TokenTTL = 24 * time.Hour

// ErrInvalidToken is returned when a review or flag carries a token that was
// not issued for it.
var ErrInvalidToken = fmt.Errorf("invalid review token: %w", backend.ErrPreconditionFailed)

// reviewClaims binds a token to the learner, the answer offered for review
// and the review config it was offered under.
type reviewClaims struct {
	jwt.RegisteredClaims
	ExerciseID        string `json:"exercise_id"`
	SlideSubmissionID string `json:"exercise_slide_submission_id"`
	ConfigID          string `json:"peer_or_self_review_config_id"`
}

// TokenSigner issues and checks review tokens.
type TokenSigner struct {
	key []byte
	now func() time.Time
}

// NewTokenSigner creates a signer. now defaults to time.Now.
func NewTokenSigner(secret []byte, now func() time.Time) (*TokenSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &TokenSigner{key: secret, now: now}, nil
}

// TokenFor identifies the review a token is valid for.
type TokenFor struct {
	UserID            uuid.UUID
	ExerciseID        uuid.UUID
	SlideSubmissionID uuid.UUID
	ConfigID          uuid.UUID
}

// Sign issues a token for one review.
func (t *TokenSigner) Sign(f TokenFor) (string, error) {
	now := t.now().UTC()
	claims := reviewClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   f.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
		ExerciseID:        f.ExerciseID.String(),
		SlideSubmissionID: f.SlideSubmissionID.String(),
		ConfigID:          f.ConfigID.String(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign review token: %w", err)
	}
	return signed, nil
}

// Verify checks that token was issued by this signer for exactly f and has
// not expired.
func (t *TokenSigner) Verify(token string, f TokenFor) error {
	if token == "" {
		return ErrInvalidToken
	}
	var parsed reviewClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	switch {
	case parsed.Subject != f.UserID.String():
		return fmt.Errorf("%w: user mismatch", ErrInvalidToken)
	case parsed.ExerciseID != f.ExerciseID.String():
		return fmt.Errorf("%w: exercise mismatch", ErrInvalidToken)
	case parsed.SlideSubmissionID != f.SlideSubmissionID.String():
		return fmt.Errorf("%w: submission mismatch", ErrInvalidToken)
	case parsed.ConfigID != f.ConfigID.String():
		return fmt.Errorf("%w: config mismatch", ErrInvalidToken)
	}
	return nil
}
