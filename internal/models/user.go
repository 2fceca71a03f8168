package models

import "time"

// Dashboard roles
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// User is a dashboard credential record
type User struct {
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Setting is one hub configuration entry (e.g. the notification webhook URL)
type Setting struct {
	Key   string `db:"key" json:"key"`
	Value string `db:"value" json:"value"`
}

// Well-known setting keys
const (
	SettingWebhookURL = "notify_webhook_url"
)
