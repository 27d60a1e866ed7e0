package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/payfriend/payfriend/internal/config"
	"github.com/payfriend/payfriend/internal/identity"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the access token claims. Subject carries the user id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Service issues and verifies HS256 access tokens.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewService(cfg config.Config) *Service {
	return &Service{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.AppName,
		ttl:    cfg.AccessTokenTTL,
		now:    time.Now,
	}
}

// Token is an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Issue signs an access token for user.
func (s *Service) Issue(user identity.User) (Token, error) {
	now := s.now()
	claims := Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign access token: %w", err)
	}
	return Token{AccessToken: signed, ExpiresIn: int64(s.ttl.Seconds())}, nil
}

// Verify checks signature, algorithm, issuer and expiry and returns the
// user id.
func (s *Service) Verify(token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
