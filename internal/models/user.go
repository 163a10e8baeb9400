package models

import "time"

// AccountChannel marks channel accounts. Channels cannot use the messenger.
const AccountChannel = "channel"

// User represents a K-Connect account as seen by the messenger.
type User struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Username    string    `json:"username"`
	Photo       string    `json:"photo,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	AccountType string    `json:"account_type,omitempty"`
	LastActive  time.Time `json:"last_active,omitempty"`
}

// IsChannel reports whether the account is barred from messaging.
func (u *User) IsChannel() bool {
	return u != nil && u.AccountType == AccountChannel
}
