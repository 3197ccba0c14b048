package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrCommandOwned is returned by UpsertCommand when the (org, name) key is
// already held by a different bot. The stored row is left untouched.
var ErrCommandOwned = errors.New("command name is registered to another bot")

// ErrPuppetLimit is returned by UpsertPuppet when creating a new puppet
// would push the channel past the given limit. Refreshes of existing
// puppets are never refused.
var ErrPuppetLimit = errors.New("puppet limit reached for channel")

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// CreateAccount inserts a new account record and sets its ID.
	CreateAccount(ctx context.Context, account *Account) error

	// GetAccount retrieves an account by ID. Returns nil, nil if not found.
	GetAccount(ctx context.Context, id int64) (*Account, error)

	// SetAccountActive flips an account's active flag. Handler rows linked
	// to the account are left in place; reads filter on the flag instead.
	SetAccountActive(ctx context.Context, id int64, active bool) error

	// CreateChannel inserts a new channel record and sets its ID.
	CreateChannel(ctx context.Context, channel *Channel) error

	// GetChannel retrieves a channel by ID. Returns nil, nil if not found.
	GetChannel(ctx context.Context, id int64) (*Channel, error)

	// SaveMessage inserts a new message record.
	SaveMessage(ctx context.Context, message *Message) error

	// UpsertPuppet finds or creates the puppet keyed by (channelID, name).
	// On create all attributes are set and created_by = actorID; when
	// limit > 0 and the channel already holds that many puppets the create
	// is refused with ErrPuppetLimit, checked inside the same transaction
	// as the insert. On update last_used is always bumped while
	// avatar/color follow their patches; created_by and name never change.
	// The bool reports whether the row was created.
	UpsertPuppet(ctx context.Context, channelID int64, name string, avatar, color Patch, actorID int64, limit int) (*Puppet, bool, error)

	// FindPuppet retrieves a puppet by exact case-sensitive name within a
	// channel. Returns nil, nil if not found.
	FindPuppet(ctx context.Context, channelID int64, name string) (*Puppet, error)

	// ListPuppets retrieves up to limit puppets for a channel, most
	// recently used first.
	ListPuppets(ctx context.Context, channelID int64, limit int) ([]Puppet, error)

	// CountPuppets returns the number of puppets registered in a channel.
	CountPuppets(ctx context.Context, channelID int64) (int, error)

	// DeletePuppet removes a puppet; its handler rows cascade away with it.
	DeletePuppet(ctx context.Context, id int64) error

	// PruneStalePuppets deletes puppets in any channel whose last_used is
	// before the cutoff, returning the number of rows removed.
	PruneStalePuppets(ctx context.Context, cutoff time.Time) (int64, error)

	// AddPuppetHandler links an account to a puppet. Idempotent: repeated
	// calls with the same triple are a no-op.
	AddPuppetHandler(ctx context.Context, puppetID, accountID int64, handlerType string) error

	// GetHandlerAccountIDs returns the distinct active accounts linked as
	// handlers to any of the given puppets within one channel. Puppets
	// from other channels are ignored even when their IDs are listed;
	// deactivated accounts are filtered here, at read time.
	GetHandlerAccountIDs(ctx context.Context, channelID int64, puppetIDs []int64) ([]int64, error)

	// UpsertCommand finds or creates the command keyed by (orgID, name).
	// The first writer becomes the immutable owner; a different bot writing
	// to an existing key gets ErrCommandOwned. The same bot re-registering
	// updates description and options in place. The bool reports creation.
	UpsertCommand(ctx context.Context, orgID int64, name, description string, options []CommandOption, botID int64) (*BotCommand, bool, error)

	// GetCommand retrieves a command by ID. Returns nil, nil if not found.
	GetCommand(ctx context.Context, id int64) (*BotCommand, error)

	// ListCommands retrieves all commands for an organization, ordered by name.
	ListCommands(ctx context.Context, orgID int64) ([]BotCommand, error)

	// DeleteCommand removes a command record.
	DeleteCommand(ctx context.Context, id int64) error

	// CreateAgentClaim inserts a claim row for an agent account.
	CreateAgentClaim(ctx context.Context, claim *AgentClaim) error

	// GetAgentClaimByToken retrieves a claim by token. Returns nil, nil if
	// not found.
	GetAgentClaimByToken(ctx context.Context, token string) (*AgentClaim, error)

	// MarkAgentClaimed records a successful claim with the public post URL.
	MarkAgentClaimed(ctx context.Context, id int64, postURL string) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateAccount inserts a new account record and sets its ID.
func (s *sqlxStore) CreateAccount(ctx context.Context, account *Account) error {
	if account == nil {
		return fmt.Errorf("cannot create nil account")
	}
	if account.FullName == "" {
		return fmt.Errorf("account must have a non-empty full_name")
	}
	if account.Email == "" {
		return fmt.Errorf("account must have a non-empty email")
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	query := `
        INSERT INTO accounts (created_at, updated_at, org_id, full_name, email, is_active, is_admin, is_bot)
        VALUES (:created_at, :updated_at, :org_id, :full_name, :email, :is_active, :is_admin, :is_bot);
    `
	result, err := s.db.NamedExecContext(ctx, query, account)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating account", "email", account.Email, "error", err)
		return fmt.Errorf("failed to create account %q: %w", account.Email, err)
	}
	if id, err := result.LastInsertId(); err == nil {
		account.ID = id
	}
	return nil
}

// GetAccount retrieves an account by ID. Returns nil, nil if not found.
func (s *sqlxStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	if id == 0 {
		return nil, fmt.Errorf("account id cannot be zero")
	}

	var account Account
	query := `SELECT id, created_at, updated_at, org_id, full_name, email, is_active, is_admin, is_bot
	          FROM accounts WHERE id = ?`
	err := s.db.GetContext(ctx, &account, query, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No account found", "account_id", id)
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting account", "account_id", id, "error", err)
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}
	return &account, nil
}

// SetAccountActive flips an account's active flag.
func (s *sqlxStore) SetAccountActive(ctx context.Context, id int64, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating account active flag", "account_id", id, "error", err)
		return fmt.Errorf("failed to update account %d active flag: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("account %d not found", id)
	}
	s.logger.DebugContext(ctx, "Account active flag updated", "account_id", id, "active", active)
	return nil
}

// CreateChannel inserts a new channel record and sets its ID.
func (s *sqlxStore) CreateChannel(ctx context.Context, channel *Channel) error {
	if channel == nil {
		return fmt.Errorf("cannot create nil channel")
	}
	if channel.Name == "" {
		return fmt.Errorf("channel must have a non-empty name")
	}

	now := time.Now().UTC()
	channel.CreatedAt = now
	channel.UpdatedAt = now

	query := `
        INSERT INTO channels (created_at, updated_at, org_id, name, is_direct, puppet_mode)
        VALUES (:created_at, :updated_at, :org_id, :name, :is_direct, :puppet_mode);
    `
	result, err := s.db.NamedExecContext(ctx, query, channel)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating channel", "name", channel.Name, "error", err)
		return fmt.Errorf("failed to create channel %q: %w", channel.Name, err)
	}
	if id, err := result.LastInsertId(); err == nil {
		channel.ID = id
	}
	return nil
}

// GetChannel retrieves a channel by ID. Returns nil, nil if not found.
func (s *sqlxStore) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	if id == 0 {
		return nil, fmt.Errorf("channel id cannot be zero")
	}

	var channel Channel
	query := `SELECT id, created_at, updated_at, org_id, name, is_direct, puppet_mode
	          FROM channels WHERE id = ?`
	err := s.db.GetContext(ctx, &channel, query, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No channel found", "channel_id", id)
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting channel", "channel_id", id, "error", err)
		return nil, fmt.Errorf("failed to get channel %d: %w", id, err)
	}
	return &channel, nil
}

// SaveMessage inserts a new message record.
func (s *sqlxStore) SaveMessage(ctx context.Context, message *Message) error {
	if message == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if message.ChannelID == 0 {
		return fmt.Errorf("message must have a non-zero channel_id")
	}
	if message.SenderID == 0 {
		return fmt.Errorf("message must have a non-zero sender_id")
	}
	if message.Content == "" {
		return fmt.Errorf("message must have non-empty content")
	}

	now := time.Now().UTC()
	message.CreatedAt = now
	message.UpdatedAt = now
	if message.SentAt.IsZero() {
		message.SentAt = now
	}

	query := `
        INSERT INTO messages (created_at, updated_at, channel_id, sender_id, content, puppet_display_name, puppet_avatar_url, puppet_color, sent_at)
        VALUES (:created_at, :updated_at, :channel_id, :sender_id, :content, :puppet_display_name, :puppet_avatar_url, :puppet_color, :sent_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, message)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message",
			"channel_id", message.ChannelID, "sender_id", message.SenderID, "error", err)
		return fmt.Errorf("failed to save message (channel %d, sender %d): %w", message.ChannelID, message.SenderID, err)
	}
	if id, err := result.LastInsertId(); err == nil {
		message.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving message",
			"channel_id", message.ChannelID, "error", err)
	}

	s.logger.DebugContext(ctx, "Message saved successfully",
		"channel_id", message.ChannelID, "sender_id", message.SenderID, "message_id", message.ID)
	return nil
}

const puppetColumns = `id, created_at, updated_at, channel_id, name, avatar_url, color, last_used, created_by`

// UpsertPuppet finds or creates the puppet keyed by (channelID, name).
// The lookup, the limit check, and the write run inside one transaction so
// two racing first-writes observe exactly one created outcome and the
// channel can never land over the limit.
func (s *sqlxStore) UpsertPuppet(ctx context.Context, channelID int64, name string, avatar, color Patch, actorID int64, limit int) (*Puppet, bool, error) {
	if channelID == 0 {
		return nil, false, fmt.Errorf("channel_id cannot be zero")
	}
	if name == "" {
		return nil, false, fmt.Errorf("puppet name cannot be empty")
	}
	if actorID == 0 {
		return nil, false, fmt.Errorf("actor id cannot be zero")
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for puppet upsert",
			"channel_id", channelID, "name", name, "error", err)
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back puppet upsert transaction", "error", rollbackErr)
			}
		}
	}()

	now := time.Now().UTC()

	var puppet Puppet
	err = tx.GetContext(ctx, &puppet,
		`SELECT `+puppetColumns+` FROM puppets WHERE channel_id = ? AND name = ?`,
		channelID, name)

	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if limit > 0 {
			var count int
			if countErr := tx.GetContext(ctx, &count,
				`SELECT COUNT(*) FROM puppets WHERE channel_id = ?`, channelID); countErr != nil {
				return nil, false, fmt.Errorf("failed to count puppets in channel %d: %w", channelID, countErr)
			}
			if count >= limit {
				return nil, false, fmt.Errorf("channel %d holds %d puppets: %w", channelID, count, ErrPuppetLimit)
			}
		}
		puppet = Puppet{
			CreatedAt: now,
			UpdatedAt: now,
			ChannelID: channelID,
			Name:      name,
			AvatarURL: avatar.Value(),
			Color:     color.Value(),
			LastUsed:  now,
			CreatedBy: actorID,
		}
		result, insertErr := tx.NamedExecContext(ctx, `
            INSERT INTO puppets (created_at, updated_at, channel_id, name, avatar_url, color, last_used, created_by)
            VALUES (:created_at, :updated_at, :channel_id, :name, :avatar_url, :color, :last_used, :created_by);
        `, &puppet)
		if insertErr != nil {
			s.logger.ErrorContext(ctx, "Error inserting puppet",
				"channel_id", channelID, "name", name, "error", insertErr)
			return nil, false, fmt.Errorf("failed to insert puppet %q in channel %d: %w", name, channelID, insertErr)
		}
		if id, idErr := result.LastInsertId(); idErr == nil {
			puppet.ID = id
		}
		created = true

	case err != nil:
		s.logger.ErrorContext(ctx, "Error looking up puppet for upsert",
			"channel_id", channelID, "name", name, "error", err)
		return nil, false, fmt.Errorf("failed to look up puppet %q in channel %d: %w", name, channelID, err)

	default:
		// Update path: last_used always moves forward; avatar and color
		// change only when their patches say so. created_by is immutable.
		puppet.LastUsed = now
		puppet.UpdatedAt = now
		if avatar.IsSet() {
			puppet.AvatarURL = avatar.Value()
		}
		if color.IsSet() {
			puppet.Color = color.Value()
		}
		_, updateErr := tx.ExecContext(ctx, `
            UPDATE puppets SET updated_at = ?, avatar_url = ?, color = ?, last_used = ? WHERE id = ?`,
			puppet.UpdatedAt, puppet.AvatarURL, puppet.Color, puppet.LastUsed, puppet.ID)
		if updateErr != nil {
			s.logger.ErrorContext(ctx, "Error updating puppet",
				"channel_id", channelID, "name", name, "puppet_id", puppet.ID, "error", updateErr)
			return nil, false, fmt.Errorf("failed to update puppet %q in channel %d: %w", name, channelID, updateErr)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit puppet upsert transaction",
			"channel_id", channelID, "name", name, "error", err)
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Puppet upserted",
		"channel_id", channelID, "name", name, "puppet_id", puppet.ID, "created", created)
	return &puppet, created, nil
}

// FindPuppet retrieves a puppet by exact name within a channel.
// Returns nil, nil if not found.
func (s *sqlxStore) FindPuppet(ctx context.Context, channelID int64, name string) (*Puppet, error) {
	if channelID == 0 {
		return nil, fmt.Errorf("channel_id cannot be zero")
	}
	if name == "" {
		return nil, fmt.Errorf("puppet name cannot be empty")
	}

	var puppet Puppet
	err := s.db.GetContext(ctx, &puppet,
		`SELECT `+puppetColumns+` FROM puppets WHERE channel_id = ? AND name = ?`,
		channelID, name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error finding puppet", "channel_id", channelID, "name", name, "error", err)
		return nil, fmt.Errorf("failed to find puppet %q in channel %d: %w", name, channelID, err)
	}
	return &puppet, nil
}

// ListPuppets retrieves up to limit puppets for a channel, most recently
// used first.
func (s *sqlxStore) ListPuppets(ctx context.Context, channelID int64, limit int) ([]Puppet, error) {
	if channelID == 0 {
		return nil, fmt.Errorf("channel_id cannot be zero")
	}
	if limit <= 0 {
		limit = 200
	}

	var puppets []Puppet
	query := `SELECT ` + puppetColumns + ` FROM puppets WHERE channel_id = ? ORDER BY last_used DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &puppets, query, channelID, limit); err != nil {
		s.logger.ErrorContext(ctx, "Error listing puppets", "channel_id", channelID, "error", err)
		return nil, fmt.Errorf("failed to list puppets for channel %d: %w", channelID, err)
	}
	return puppets, nil
}

// CountPuppets returns the number of puppets registered in a channel.
func (s *sqlxStore) CountPuppets(ctx context.Context, channelID int64) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM puppets WHERE channel_id = ?`, channelID); err != nil {
		s.logger.ErrorContext(ctx, "Error counting puppets", "channel_id", channelID, "error", err)
		return 0, fmt.Errorf("failed to count puppets for channel %d: %w", channelID, err)
	}
	return count, nil
}

// DeletePuppet removes a puppet; handler rows cascade away with it.
func (s *sqlxStore) DeletePuppet(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM puppets WHERE id = ?`, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting puppet", "puppet_id", id, "error", err)
		return fmt.Errorf("failed to delete puppet %d: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("puppet %d not found", id)
	}
	s.logger.DebugContext(ctx, "Puppet deleted", "puppet_id", id)
	return nil
}

// PruneStalePuppets deletes puppets whose last_used is before the cutoff.
func (s *sqlxStore) PruneStalePuppets(ctx context.Context, cutoff time.Time) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM puppets WHERE last_used < ?`, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error pruning stale puppets", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("failed to prune stale puppets: %w", err)
	}
	pruned, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not determine pruned puppet count", "error", err)
		return 0, nil
	}
	if pruned > 0 {
		s.logger.InfoContext(ctx, "Pruned stale puppets", "count", pruned, "cutoff", cutoff)
	}
	return pruned, nil
}

// AddPuppetHandler links an account to a puppet. Repeated calls with the
// same triple are a no-op thanks to the unique index.
func (s *sqlxStore) AddPuppetHandler(ctx context.Context, puppetID, accountID int64, handlerType string) error {
	if puppetID == 0 {
		return fmt.Errorf("puppet_id cannot be zero")
	}
	if accountID == 0 {
		return fmt.Errorf("account_id cannot be zero")
	}
	if handlerType != HandlerTypeClaimed && handlerType != HandlerTypeAssigned {
		return fmt.Errorf("invalid handler_type %q", handlerType)
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO puppet_handlers (created_at, puppet_id, account_id, handler_type)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (puppet_id, account_id, handler_type) DO NOTHING;`,
		time.Now().UTC(), puppetID, accountID, handlerType)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error adding puppet handler",
			"puppet_id", puppetID, "account_id", accountID, "handler_type", handlerType, "error", err)
		return fmt.Errorf("failed to add handler (puppet %d, account %d): %w", puppetID, accountID, err)
	}
	return nil
}

// GetHandlerAccountIDs returns the distinct active accounts linked as
// handlers to any of the given puppets within one channel.
func (s *sqlxStore) GetHandlerAccountIDs(ctx context.Context, channelID int64, puppetIDs []int64) ([]int64, error) {
	if channelID == 0 {
		return nil, fmt.Errorf("channel_id cannot be zero")
	}
	if len(puppetIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
        SELECT DISTINCT ph.account_id
        FROM puppet_handlers ph
        JOIN puppets p ON p.id = ph.puppet_id
        JOIN accounts a ON a.id = ph.account_id
        WHERE p.channel_id = ? AND ph.puppet_id IN (?) AND a.is_active = 1
        ORDER BY ph.account_id`, channelID, puppetIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build handler query: %w", err)
	}

	var accountIDs []int64
	if err := s.db.SelectContext(ctx, &accountIDs, s.db.Rebind(query), args...); err != nil {
		s.logger.ErrorContext(ctx, "Error getting handler account ids", "puppet_ids", puppetIDs, "error", err)
		return nil, fmt.Errorf("failed to get handler accounts: %w", err)
	}
	return accountIDs, nil
}

const commandColumns = `id, created_at, updated_at, org_id, name, bot_id, description, options_schema`

// UpsertCommand finds or creates the command keyed by (orgID, name),
// enforcing first-writer-wins ownership inside the transaction.
func (s *sqlxStore) UpsertCommand(ctx context.Context, orgID int64, name, description string, options []CommandOption, botID int64) (*BotCommand, bool, error) {
	if orgID == 0 {
		return nil, false, fmt.Errorf("org_id cannot be zero")
	}
	if name == "" {
		return nil, false, fmt.Errorf("command name cannot be empty")
	}
	if botID == 0 {
		return nil, false, fmt.Errorf("bot id cannot be zero")
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	if options == nil {
		options = []CommandOption{}
	}
	encoded, err := json.Marshal(options)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode options schema: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for command upsert",
			"org_id", orgID, "name", name, "error", err)
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back command upsert transaction", "error", rollbackErr)
			}
		}
	}()

	now := time.Now().UTC()

	var command BotCommand
	err = tx.GetContext(ctx, &command,
		`SELECT `+commandColumns+` FROM bot_commands WHERE org_id = ? AND name = ?`,
		orgID, name)

	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		command = BotCommand{
			CreatedAt:     now,
			UpdatedAt:     now,
			OrgID:         orgID,
			Name:          name,
			BotID:         botID,
			Description:   description,
			OptionsSchema: string(encoded),
		}
		result, insertErr := tx.NamedExecContext(ctx, `
            INSERT INTO bot_commands (created_at, updated_at, org_id, name, bot_id, description, options_schema)
            VALUES (:created_at, :updated_at, :org_id, :name, :bot_id, :description, :options_schema);
        `, &command)
		if insertErr != nil {
			s.logger.ErrorContext(ctx, "Error inserting command",
				"org_id", orgID, "name", name, "error", insertErr)
			return nil, false, fmt.Errorf("failed to insert command %q in org %d: %w", name, orgID, insertErr)
		}
		if id, idErr := result.LastInsertId(); idErr == nil {
			command.ID = id
		}
		created = true

	case err != nil:
		s.logger.ErrorContext(ctx, "Error looking up command for upsert",
			"org_id", orgID, "name", name, "error", err)
		return nil, false, fmt.Errorf("failed to look up command %q in org %d: %w", name, orgID, err)

	default:
		if command.BotID != botID {
			// Command names are exclusive namespaces; the first registrant
			// keeps the key and the row stays untouched.
			s.logger.InfoContext(ctx, "Command registration rejected, name owned by another bot",
				"org_id", orgID, "name", name, "owner_bot_id", command.BotID, "bot_id", botID)
			return nil, false, fmt.Errorf("command %q in org %d: %w", name, orgID, ErrCommandOwned)
		}
		command.UpdatedAt = now
		command.Description = description
		command.OptionsSchema = string(encoded)
		_, updateErr := tx.ExecContext(ctx, `
            UPDATE bot_commands SET updated_at = ?, description = ?, options_schema = ? WHERE id = ?`,
			command.UpdatedAt, command.Description, command.OptionsSchema, command.ID)
		if updateErr != nil {
			s.logger.ErrorContext(ctx, "Error updating command",
				"org_id", orgID, "name", name, "command_id", command.ID, "error", updateErr)
			return nil, false, fmt.Errorf("failed to update command %q in org %d: %w", name, orgID, updateErr)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit command upsert transaction",
			"org_id", orgID, "name", name, "error", err)
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Command upserted",
		"org_id", orgID, "name", name, "command_id", command.ID, "created", created)
	return &command, created, nil
}

// GetCommand retrieves a command by ID. Returns nil, nil if not found.
func (s *sqlxStore) GetCommand(ctx context.Context, id int64) (*BotCommand, error) {
	if id == 0 {
		return nil, fmt.Errorf("command id cannot be zero")
	}

	var command BotCommand
	err := s.db.GetContext(ctx, &command,
		`SELECT `+commandColumns+` FROM bot_commands WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting command", "command_id", id, "error", err)
		return nil, fmt.Errorf("failed to get command %d: %w", id, err)
	}
	return &command, nil
}

// ListCommands retrieves all commands for an organization, ordered by name.
func (s *sqlxStore) ListCommands(ctx context.Context, orgID int64) ([]BotCommand, error) {
	if orgID == 0 {
		return nil, fmt.Errorf("org_id cannot be zero")
	}

	var commands []BotCommand
	query := `SELECT ` + commandColumns + ` FROM bot_commands WHERE org_id = ? ORDER BY name`
	if err := s.db.SelectContext(ctx, &commands, query, orgID); err != nil {
		s.logger.ErrorContext(ctx, "Error listing commands", "org_id", orgID, "error", err)
		return nil, fmt.Errorf("failed to list commands for org %d: %w", orgID, err)
	}
	return commands, nil
}

// DeleteCommand removes a command record.
func (s *sqlxStore) DeleteCommand(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM bot_commands WHERE id = ?`, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting command", "command_id", id, "error", err)
		return fmt.Errorf("failed to delete command %d: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("command %d not found", id)
	}
	s.logger.DebugContext(ctx, "Command deleted", "command_id", id)
	return nil
}

// CreateAgentClaim inserts a claim row for an agent account.
func (s *sqlxStore) CreateAgentClaim(ctx context.Context, claim *AgentClaim) error {
	if claim == nil {
		return fmt.Errorf("cannot create nil agent claim")
	}
	if claim.AccountID == 0 {
		return fmt.Errorf("agent claim must have a non-zero account_id")
	}
	if claim.ClaimToken == "" {
		return fmt.Errorf("agent claim must have a non-empty claim_token")
	}

	claim.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO agent_claims (created_at, account_id, claim_token, verification_code, claimed, claimed_at, post_url)
        VALUES (:created_at, :account_id, :claim_token, :verification_code, :claimed, :claimed_at, :post_url);
    `
	result, err := s.db.NamedExecContext(ctx, query, claim)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating agent claim", "account_id", claim.AccountID, "error", err)
		return fmt.Errorf("failed to create agent claim for account %d: %w", claim.AccountID, err)
	}
	if id, err := result.LastInsertId(); err == nil {
		claim.ID = id
	}
	return nil
}

// GetAgentClaimByToken retrieves a claim by token. Returns nil, nil if not found.
func (s *sqlxStore) GetAgentClaimByToken(ctx context.Context, token string) (*AgentClaim, error) {
	if token == "" {
		return nil, fmt.Errorf("claim token cannot be empty")
	}

	var claim AgentClaim
	query := `SELECT id, created_at, account_id, claim_token, verification_code, claimed, claimed_at, post_url
	          FROM agent_claims WHERE claim_token = ?`
	err := s.db.GetContext(ctx, &claim, query, token)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting agent claim", "error", err)
		return nil, fmt.Errorf("failed to get agent claim: %w", err)
	}
	return &claim, nil
}

// MarkAgentClaimed records a successful claim with the public post URL.
func (s *sqlxStore) MarkAgentClaimed(ctx context.Context, id int64, postURL string) error {
	result, err := s.db.ExecContext(ctx, `
        UPDATE agent_claims SET claimed = 1, claimed_at = ?, post_url = ? WHERE id = ? AND claimed = 0`,
		time.Now().UTC(), postURL, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking agent claim", "claim_id", id, "error", err)
		return fmt.Errorf("failed to mark agent claim %d: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("agent claim %d not found or already claimed", id)
	}
	return nil
}

// RunSQLMaintenance executes VACUUM and ANALYZE on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting maintenance", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM/ANALYZE)...")

	// VACUUM must run outside a transaction in SQLite.
	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
			return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
		default:
			s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
			return fmt.Errorf("failed to execute VACUUM: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, "ANALYZE;"); err != nil {
		s.logger.ErrorContext(ctx, "Database maintenance (ANALYZE) failed", "error", err)
		return fmt.Errorf("failed to execute ANALYZE: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance completed successfully")
	return nil
}
