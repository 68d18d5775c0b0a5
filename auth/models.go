package auth

import "time"

// Party is the domain representation of an escrow participant. It mirrors the
// parties table and should not include JSON annotations so it can be reused by
// different presentation layers.
type Party struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// RegisterRequest contains party registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// LoginRequest contains party login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
