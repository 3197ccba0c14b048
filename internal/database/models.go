package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Handler types linking an account to a puppet. A claimed handler picked
// the puppet up themselves; an assigned handler was designated by someone
// else. Both route notifications for the puppet.
const (
	HandlerTypeClaimed  = "claimed"
	HandlerTypeAssigned = "assigned"
)

// Account represents a user account: a human participant, a bot, or an
// organization administrator. Deactivated accounts keep their rows; reads
// that matter (handler lookups) filter on IsActive instead.
type Account struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	OrgID    int64  `db:"org_id"`
	FullName string `db:"full_name"`
	Email    string `db:"email"`
	IsActive bool   `db:"is_active"`
	IsAdmin  bool   `db:"is_admin"`
	IsBot    bool   `db:"is_bot"`
}

// Channel represents a shared conversation target. Puppet messages are only
// permitted in non-direct channels that have puppet mode enabled.
type Channel struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	OrgID      int64  `db:"org_id"`
	Name       string `db:"name"`
	IsDirect   bool   `db:"is_direct"`
	PuppetMode bool   `db:"puppet_mode"`
}

// Message represents a message sent to a channel. When sent under a puppet
// identity the puppet display fields are set; the sender remains the real
// account.
type Message struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	ChannelID int64     `db:"channel_id"`
	SenderID  int64     `db:"sender_id"`
	Content   string    `db:"content"`
	SentAt    time.Time `db:"sent_at"`

	PuppetDisplayName sql.NullString `db:"puppet_display_name"`
	PuppetAvatarURL   sql.NullString `db:"puppet_avatar_url"`
	PuppetColor       sql.NullString `db:"puppet_color"`
}

// Puppet represents an ephemeral display identity registered in a channel.
// (channel_id, name) is unique; names are matched case-sensitively.
type Puppet struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	ChannelID int64          `db:"channel_id"`
	Name      string         `db:"name"`
	AvatarURL sql.NullString `db:"avatar_url"`
	Color     sql.NullString `db:"color"`
	LastUsed  time.Time      `db:"last_used"`
	CreatedBy int64          `db:"created_by"`
}

// PuppetHandler links an account to a puppet as its claimant or assignee.
// Rows survive account deactivation; handler reads filter inactive accounts.
type PuppetHandler struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	PuppetID    int64  `db:"puppet_id"`
	AccountID   int64  `db:"account_id"`
	HandlerType string `db:"handler_type"`
}

// CommandOption describes one entry of a command's options schema.
type CommandOption struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Choices     []string `json:"choices,omitempty"`
}

// BotCommand represents a named command registered by a bot within an
// organization. (org_id, name) is unique and the owning bot is immutable.
type BotCommand struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	OrgID         int64  `db:"org_id"`
	Name          string `db:"name"`
	BotID         int64  `db:"bot_id"`
	Description   string `db:"description"`
	OptionsSchema string `db:"options_schema"` // JSON-encoded []CommandOption
}

// Options decodes the stored options schema.
func (c *BotCommand) Options() ([]CommandOption, error) {
	if c.OptionsSchema == "" {
		return nil, nil
	}
	var opts []CommandOption
	if err := json.Unmarshal([]byte(c.OptionsSchema), &opts); err != nil {
		return nil, fmt.Errorf("failed to decode options schema for command %q: %w", c.Name, err)
	}
	return opts, nil
}

// AgentClaim tracks the claim token handed to a registering agent account
// and whether a human has claimed it yet.
type AgentClaim struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	AccountID        int64  `db:"account_id"`
	ClaimToken       string `db:"claim_token"`
	VerificationCode string `db:"verification_code"`

	Claimed   bool           `db:"claimed"`
	ClaimedAt sql.NullTime   `db:"claimed_at"`
	PostURL   sql.NullString `db:"post_url"`
}

// Patch describes a three-state change to a nullable text column: leave the
// stored value untouched, clear it to NULL, or overwrite it. Callers must
// signal clearing explicitly instead of relying on empty strings.
type Patch struct {
	set   bool
	valid bool
	value string
}

// KeepField returns a Patch that preserves the stored value.
func KeepField() Patch { return Patch{} }

// ClearField returns a Patch that sets the column to NULL.
func ClearField() Patch { return Patch{set: true} }

// SetField returns a Patch that overwrites the column with v.
func SetField(v string) Patch { return Patch{set: true, valid: true, value: v} }

// IsSet reports whether the patch changes the stored value at all.
func (p Patch) IsSet() bool { return p.set }

// Value returns the patch as a nullable string for binding. Only meaningful
// when IsSet is true.
func (p Patch) Value() sql.NullString {
	return sql.NullString{String: p.value, Valid: p.valid}
}
