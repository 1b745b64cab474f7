package transfer

import "github.com/golang-jwt/jwt/v5"

type PostCreation struct {
	Content string
	Tags    string
}

type CustomClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}
