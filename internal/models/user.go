package models

import "github.com/golang-jwt/jwt"

// Claims carried by the bearer token issued by the auth service.
type Claims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	jwt.StandardClaims
}
