package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/masquerade-chat/masquerade/internal/database"
)

// DefaultMaxPuppetsPerChannel caps how many puppet identities a single
// channel may accumulate before new registrations are refused.
const DefaultMaxPuppetsPerChannel = 200

// Service orchestrates the puppet and bot-command registries: validation
// and normalization first, then the atomic upsert, with ownership checks on
// mutation and deletion.
type Service struct {
	store                database.Store
	logger               *slog.Logger
	maxPuppetsPerChannel int
}

// NewService creates a registry service on top of the given store.
// maxPuppetsPerChannel <= 0 selects the default cap.
func NewService(store database.Store, logger *slog.Logger, maxPuppetsPerChannel int) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if maxPuppetsPerChannel <= 0 {
		maxPuppetsPerChannel = DefaultMaxPuppetsPerChannel
	}
	return &Service{
		store:                store,
		logger:               logger.With("component", "registry"),
		maxPuppetsPerChannel: maxPuppetsPerChannel,
	}
}

// RegisterPuppet registers or refreshes the puppet identity keyed by
// (channelID, name). Validation and color normalization run before the
// store is touched; any validator failure short-circuits. New names count
// against the per-channel cap, enforced inside the upsert transaction so
// racing first-writes cannot overshoot it. On refresh the avatar and color
// patches decide whether stored values are preserved, cleared, or
// overwritten.
func (s *Service) RegisterPuppet(ctx context.Context, channelID int64, name string, avatar, color database.Patch, actorID int64) (*database.Puppet, bool, error) {
	name = strings.TrimSpace(name)
	if err := ValidateDisplayName(name); err != nil {
		return nil, false, err
	}
	if v := avatar.Value(); avatar.IsSet() && v.Valid {
		if err := ValidateSecureURL(v.String); err != nil {
			return nil, false, err
		}
	}
	if v := color.Value(); color.IsSet() && v.Valid {
		if err := ValidateColor(v.String); err != nil {
			return nil, false, err
		}
		color = database.SetField(NormalizeColor(v.String))
	}

	puppet, created, err := s.store.UpsertPuppet(ctx, channelID, name, avatar, color, actorID, s.maxPuppetsPerChannel)
	if err != nil {
		if errors.Is(err, database.ErrPuppetLimit) {
			return nil, false, limitExceeded("Maximum number of puppets reached for this channel")
		}
		return nil, false, fmt.Errorf("failed to upsert puppet: %w", err)
	}
	if created {
		s.logger.InfoContext(ctx, "Puppet registered",
			"channel_id", channelID, "name", name, "puppet_id", puppet.ID, "created_by", actorID)
	}
	return puppet, created, nil
}

// SendMessage stores a channel message, optionally carried by a puppet
// identity. The puppet gates and the registry upsert both run before the
// message is stored: a rejected send leaves neither a message row nor a
// partial registry side effect behind.
func (s *Service) SendMessage(ctx context.Context, channelID, senderID int64, content, puppetName string, avatar, color database.Patch) (*database.Message, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if channel == nil {
		return nil, notFound("Channel not found")
	}

	puppetName = strings.TrimSpace(puppetName)

	message := &database.Message{
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   content,
	}

	if puppetName == "" {
		if err := s.store.SaveMessage(ctx, message); err != nil {
			return nil, fmt.Errorf("failed to save message: %w", err)
		}
		return message, nil
	}

	if channel.IsDirect {
		return nil, featureDisabled("Puppet messages are only allowed in channels")
	}
	if !channel.PuppetMode {
		return nil, featureDisabled("Puppet mode is not enabled for this channel")
	}
	if err := ValidateDisplayName(puppetName); err != nil {
		return nil, err
	}
	if v := avatar.Value(); avatar.IsSet() && v.Valid {
		if err := ValidateSecureURL(v.String); err != nil {
			return nil, err
		}
	}
	if v := color.Value(); color.IsSet() && v.Valid {
		if err := ValidateColor(v.String); err != nil {
			return nil, err
		}
		color = database.SetField(NormalizeColor(v.String))
	}

	// The registry upsert runs before the message is stored: a refused
	// registration (the per-channel cap included) must reject the send
	// without leaving a message row behind.
	if _, _, err := s.RegisterPuppet(ctx, channelID, puppetName, avatar, color, senderID); err != nil {
		return nil, err
	}

	message.PuppetDisplayName = database.SetField(puppetName).Value()
	message.PuppetAvatarURL = avatar.Value()
	message.PuppetColor = color.Value()

	if err := s.store.SaveMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	return message, nil
}

// ListPuppets returns the puppets registered in a channel, most recently
// used first. Listing is gated on puppet mode like sends are.
func (s *Service) ListPuppets(ctx context.Context, channelID int64) ([]database.Puppet, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if channel == nil {
		return nil, notFound("Channel not found")
	}
	if !channel.PuppetMode || channel.IsDirect {
		return nil, featureDisabled("Puppet mode is not enabled for this channel")
	}
	puppets, err := s.store.ListPuppets(ctx, channelID, s.maxPuppetsPerChannel)
	if err != nil {
		return nil, fmt.Errorf("failed to list puppets: %w", err)
	}
	return puppets, nil
}

// FindPuppet resolves a puppet by exact case-sensitive name within a
// channel, used by mention rendering.
func (s *Service) FindPuppet(ctx context.Context, channelID int64, name string) (*database.Puppet, error) {
	puppet, err := s.store.FindPuppet(ctx, channelID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to find puppet: %w", err)
	}
	if puppet == nil {
		return nil, notFound("Puppet not found")
	}
	return puppet, nil
}

// AddHandler links an account to a puppet as claimant or assignee.
// Idempotent: repeating the same triple is a no-op.
func (s *Service) AddHandler(ctx context.Context, puppetID, accountID int64, handlerType string) error {
	if handlerType != database.HandlerTypeClaimed && handlerType != database.HandlerTypeAssigned {
		return invalidFormat("Invalid handler type: must be 'claimed' or 'assigned'")
	}
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		return notFound("Account not found")
	}
	if err := s.store.AddPuppetHandler(ctx, puppetID, accountID, handlerType); err != nil {
		return fmt.Errorf("failed to add handler: %w", err)
	}
	return nil
}

// HandlerAccountIDs returns the distinct active accounts handling any of
// the given puppets in a channel. Puppet IDs from other channels are
// ignored; deactivated accounts are hidden here without their handler rows
// being touched.
func (s *Service) HandlerAccountIDs(ctx context.Context, channelID int64, puppetIDs []int64) ([]int64, error) {
	ids, err := s.store.GetHandlerAccountIDs(ctx, channelID, puppetIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get handler accounts: %w", err)
	}
	return ids, nil
}

// RegisterCommand registers or updates a bot command within an
// organization. Only bot accounts may register; the first registrant owns
// the name and other bots are refused with a conflict.
func (s *Service) RegisterCommand(ctx context.Context, orgID int64, name, description string, options []database.CommandOption, actorID int64) (*database.BotCommand, bool, error) {
	actor, err := s.store.GetAccount(ctx, actorID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load account: %w", err)
	}
	if actor == nil {
		return nil, false, notFound("Account not found")
	}
	if !actor.IsBot {
		return nil, false, permissionDenied("Only bots can register commands")
	}
	if actor.OrgID != orgID {
		return nil, false, permissionDenied("Bot does not belong to this organization")
	}

	if err := ValidateCommandName(name); err != nil {
		return nil, false, err
	}
	if err := ValidateOptionsSchema(options); err != nil {
		return nil, false, err
	}

	command, created, err := s.store.UpsertCommand(ctx, orgID, name, description, options, actorID)
	if err != nil {
		if errors.Is(err, database.ErrCommandOwned) {
			return nil, false, conflict("Command '/%s' is already registered by another bot", name)
		}
		return nil, false, fmt.Errorf("failed to upsert command: %w", err)
	}
	if created {
		s.logger.InfoContext(ctx, "Command registered",
			"org_id", orgID, "name", name, "command_id", command.ID, "bot_id", actorID)
	}
	return command, created, nil
}

// ListCommands returns all commands registered in an organization.
// Visibility is organization-wide; there is no per-actor filtering.
func (s *Service) ListCommands(ctx context.Context, orgID int64) ([]database.BotCommand, error) {
	commands, err := s.store.ListCommands(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	return commands, nil
}

// DeleteCommand removes a command. Permitted for the owning bot and for
// organization admins in the command's org; a missing command is reported
// as not found before any permission reasoning.
func (s *Service) DeleteCommand(ctx context.Context, id, actorID int64) error {
	command, err := s.store.GetCommand(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load command: %w", err)
	}
	if command == nil {
		return notFound("Command not found")
	}

	actor, err := s.store.GetAccount(ctx, actorID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if actor == nil {
		return notFound("Account not found")
	}

	isOwner := command.BotID == actor.ID
	isOrgAdmin := actor.IsAdmin && actor.OrgID == command.OrgID
	if !isOwner && !isOrgAdmin {
		return permissionDenied("Permission denied")
	}

	if err := s.store.DeleteCommand(ctx, id); err != nil {
		return fmt.Errorf("failed to delete command: %w", err)
	}
	s.logger.InfoContext(ctx, "Command deleted",
		"command_id", id, "org_id", command.OrgID, "name", command.Name, "actor_id", actorID)
	return nil
}

// RegisterAgent issues a claim token and verification code for a bot
// account. A second registration for the same account is refused.
func (s *Service) RegisterAgent(ctx context.Context, accountID int64) (*database.AgentClaim, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		return nil, notFound("Account not found")
	}
	if !account.IsBot {
		return nil, permissionDenied("Only bot accounts can register as agents")
	}

	claim := &database.AgentClaim{
		AccountID:        accountID,
		ClaimToken:       uuid.NewString(),
		VerificationCode: strings.ToUpper(uuid.NewString()[:8]),
	}
	if err := s.store.CreateAgentClaim(ctx, claim); err != nil {
		// The unique index on account_id refuses double registration.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, conflict("Agent is already registered")
		}
		return nil, fmt.Errorf("failed to create agent claim: %w", err)
	}
	s.logger.InfoContext(ctx, "Agent registered", "account_id", accountID, "claim_id", claim.ID)
	return claim, nil
}

// ClaimAgent completes a claim: the human presents the token together with
// the URL of a public post carrying the verification code. Verifying the
// post content is out of scope; the URL must at least be https.
func (s *Service) ClaimAgent(ctx context.Context, token, postURL string) (*database.AgentClaim, error) {
	if err := ValidateSecureURL(postURL); err != nil {
		return nil, err
	}

	claim, err := s.store.GetAgentClaimByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to look up claim: %w", err)
	}
	if claim == nil {
		return nil, notFound("Claim token not found")
	}
	if claim.Claimed {
		return nil, conflict("Agent has already been claimed")
	}

	if err := s.store.MarkAgentClaimed(ctx, claim.ID, postURL); err != nil {
		return nil, fmt.Errorf("failed to mark claim: %w", err)
	}
	claim.Claimed = true
	s.logger.InfoContext(ctx, "Agent claimed", "claim_id", claim.ID, "account_id", claim.AccountID)
	return claim, nil
}
