package account

import "time"

type User struct {
	ID           string
	Email        string
	PasswordHash string
	TokenBalance int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type LoginAttempt struct {
	Email          string
	FailedAttempts int
	LockedUntil    *time.Time
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}
