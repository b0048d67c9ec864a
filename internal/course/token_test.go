package course

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/backend"
)

func TestTokenSigner(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	signer, err := NewTokenSigner([]byte("secret"), clock)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	f := TokenFor{UserID: uuid.New(), ExerciseID: uuid.New(), SlideSubmissionID: uuid.New(), ConfigID: uuid.New()}
	token, err := signer.Sign(f)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	other := f
	other.SlideSubmissionID = uuid.New()
	otherSigner, _ := NewTokenSigner([]byte("another secret"), clock)
	foreign, _ := otherSigner.Sign(f)
	later := now.Add(TokenTTL + time.Minute)
	expiredSigner, _ := NewTokenSigner([]byte("secret"), func() time.Time { return later })
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, reviewClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: f.UserID.String(), ExpiresAt: jwt.NewNumericDate(later)},
		ExerciseID:       f.ExerciseID.String(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name    string
		signer  *TokenSigner
		token   string
		f       TokenFor
		wantErr bool
	}{
		{"valid", signer, token, f, false},
		{"empty", signer, "", f, true},
		{"other submission", signer, token, other, true},
		{"other secret", signer, foreign, f, true},
		{"expired", expiredSigner, token, f, true},
		{"unsigned", signer, unsigned, f, true},
		{"garbage", signer, "not.a.token", f, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.signer.Verify(tt.token, tt.f)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Verify() = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() = %v, want ErrInvalidToken", err)
			}
			if !errors.Is(err, backend.ErrPreconditionFailed) {
				t.Errorf("Verify() = %v, want it to be a failed precondition", err)
			}
		})
	}
}

func TestNewTokenSignerNeedsSecret(t *testing.T) {
	if _, err := NewTokenSigner(nil, nil); err == nil {
		t.Error("NewTokenSigner(nil) succeeded")
	}
}
