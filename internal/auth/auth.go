package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleClient     = "client"
	RoleGuest      = "guest"
	RoleBarber     = "barber"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

var ErrInvalidToken = errors.New("invalid token")

// Caller is the authenticated identity attached to every interactive call.
type Caller struct {
	SubjectID   string
	Role        string
	FranchiseID string
	BranchID    string
}

func (c Caller) IsStaff() bool {
	switch c.Role {
	case RoleBarber, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// IsAdmin reports whether the caller bypasses branch ownership checks.
func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin || c.Role == RoleSuperAdmin
}

func ValidRole(role string) bool {
	switch role {
	case RoleClient, RoleGuest, RoleBarber, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

type Claims struct {
	Role        string `json:"role"`
	FranchiseID string `json:"franchise_id,omitempty"`
	BranchID    string `json:"branch_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates and issues HS256 bearer tokens.
type Verifier struct {
	key []byte
	ttl time.Duration
}

func NewVerifier(secret string, ttl time.Duration) *Verifier {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Verifier{key: []byte(secret), ttl: ttl}
}

func (v *Verifier) Verify(tokenStr string) (Caller, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || !ValidRole(claims.Role) {
		return Caller{}, ErrInvalidToken
	}
	return Caller{
		SubjectID:   claims.Subject,
		Role:        claims.Role,
		FranchiseID: claims.FranchiseID,
		BranchID:    claims.BranchID,
	}, nil
}

func (v *Verifier) Issue(caller Caller, now time.Time) (string, error) {
	claims := &Claims{
		Role:        caller.Role,
		FranchiseID: caller.FranchiseID,
		BranchID:    caller.BranchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.key)
}

type callerContextKey struct{}

func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

func FromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(Caller)
	return caller, ok
}
