package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/4xmen/hamkar/pkg/errors"
)

// Service verifies identities issued by the HR platform. Users are not
// stored here; a valid token is the whole identity.
type Service struct {
	jwtSecret string
	tokenTTL  time.Duration
}

type Claims struct {
	UserID int    `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func New(jwtSecret string) *Service {
	return NewWithTokenTTL(jwtSecret, 24*time.Hour)
}

func NewWithTokenTTL(jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}

	return &Service{
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

func (s *Service) GenerateToken(userID int, role string) (string, error) {
	if userID <= 0 {
		return "", apperrors.ErrInvalidUserID
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnauthenticated, "invalid token", err)
	}

	if !token.Valid {
		return nil, apperrors.Unauthorized("invalid token")
	}

	if claims.UserID <= 0 {
		return nil, apperrors.Unauthorized("invalid token")
	}

	return claims, nil
}
