package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the access token payload issued by the account service.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}
