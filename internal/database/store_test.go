package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// setupTestStore creates a fresh migrated database and returns a store
// backed by it. The DB is closed when the test completes.
func setupTestStore(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(dbPath)
	require.NoError(t, err, "Failed to create test database")
	t.Cleanup(func() { CloseDB(db) })
	return NewStore(db, nil)
}

func createTestAccount(t *testing.T, store Store, orgID int64, name string, mutate func(*Account)) *Account {
	t.Helper()
	account := &Account{
		OrgID:    orgID,
		FullName: name,
		Email:    name + "@example.com",
		IsActive: true,
	}
	if mutate != nil {
		mutate(account)
	}
	require.NoError(t, store.CreateAccount(context.Background(), account))
	return account
}

func createTestChannel(t *testing.T, store Store, orgID int64, name string, mutate func(*Channel)) *Channel {
	t.Helper()
	channel := &Channel{
		OrgID:      orgID,
		Name:       name,
		PuppetMode: true,
	}
	if mutate != nil {
		mutate(channel)
	}
	require.NoError(t, store.CreateChannel(context.Background(), channel))
	return channel
}

func TestUpsertPuppet_CreateThenRefresh(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sender := createTestAccount(t, store, 1, "hamlet", nil)
	channel := createTestChannel(t, store, 1, "RPG", nil)

	puppet, created, err := store.UpsertPuppet(ctx, channel.ID, "Gandalf",
		SetField("https://example.com/gandalf.png"), KeepField(), sender.ID, 0)
	require.NoError(t, err)
	require.True(t, created)
	require.Greater(t, puppet.ID, int64(0))
	require.Equal(t, sender.ID, puppet.CreatedBy)
	require.Equal(t, "https://example.com/gandalf.png", puppet.AvatarURL.String)

	firstUsed := puppet.LastUsed
	time.Sleep(10 * time.Millisecond)

	// Second upsert must not create a second row and must bump last_used.
	refreshed, created, err := store.UpsertPuppet(ctx, channel.ID, "Gandalf",
		KeepField(), KeepField(), sender.ID, 0)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, puppet.ID, refreshed.ID)
	require.True(t, refreshed.LastUsed.After(firstUsed), "last_used should move forward")

	count, err := store.CountPuppets(ctx, channel.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestUpsertPuppet_PatchSemantics(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sender := createTestAccount(t, store, 1, "hamlet", nil)
	channel := createTestChannel(t, store, 1, "RPG", nil)

	_, _, err := store.UpsertPuppet(ctx, channel.ID, "Frodo",
		SetField("https://example.com/old.png"), SetField("#FF0000"), sender.ID, 0)
	require.NoError(t, err)

	// Absent patches preserve the stored values.
	puppet, _, err := store.UpsertPuppet(ctx, channel.ID, "Frodo",
		KeepField(), KeepField(), sender.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/old.png", puppet.AvatarURL.String)
	assert.Equal(t, "#FF0000", puppet.Color.String)

	// A new value overwrites.
	puppet, _, err = store.UpsertPuppet(ctx, channel.ID, "Frodo",
		SetField("https://example.com/new.png"), KeepField(), sender.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/new.png", puppet.AvatarURL.String)
	assert.Equal(t, "#FF0000", puppet.Color.String)

	// An explicit clear sets NULL; absence elsewhere still preserves.
	puppet, _, err = store.UpsertPuppet(ctx, channel.ID, "Frodo",
		ClearField(), KeepField(), sender.ID, 0)
	require.NoError(t, err)
	assert.False(t, puppet.AvatarURL.Valid, "avatar should be cleared")
	assert.Equal(t, "#FF0000", puppet.Color.String)
}

func TestUpsertPuppet_CreatedByImmutable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := createTestAccount(t, store, 1, "hamlet", nil)
	second := createTestAccount(t, store, 1, "othello", nil)
	channel := createTestChannel(t, store, 1, "RPG", nil)

	puppet, created, err := store.UpsertPuppet(ctx, channel.ID, "Gandalf",
		KeepField(), KeepField(), first.ID, 0)
	require.NoError(t, err)
	require.True(t, created)

	// Any sender may refresh a shared puppet, but the creator stays.
	refreshed, created, err := store.UpsertPuppet(ctx, channel.ID, "Gandalf",
		KeepField(), KeepField(), second.ID, 0)
	require.NoError(t, err)
	require.False(t, created)
	assert.Equal(t, puppet.ID, refreshed.ID)
	assert.Equal(t, first.ID, refreshed.CreatedBy)
}

func TestUpsertPuppet_ConcurrentCreators(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sender := createTestAccount(t, store, 1, "hamlet", nil)
	channel := createTestChannel(t, store, 1, "RPG", nil)

	createdCount := make(chan bool, 8)
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, created, err := store.UpsertPuppet(gCtx, channel.ID, "Gandalf",
				KeepField(), KeepField(), sender.ID, 0)
			if err != nil {
				return err
			}
			createdCount <- created
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(createdCount)

	creates := 0
	for created := range createdCount {
		if created {
			creates++
		}
	}
	assert.Equal(t, 1, creates, "exactly one concurrent writer should observe created=true")

	count, err := store.CountPuppets(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpsertPuppet_LimitEnforced(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sender := createTestAccount(t, store, 1, "hamlet", nil)
	channel := createTestChannel(t, store, 1, "RPG", nil)
	other := createTestChannel(t, store, 1, "Tavern", nil)

	_, created, err := store.UpsertPuppet(ctx, channel.ID, "Gandalf", KeepField(), KeepField(), sender.ID, 1)
	require.NoError(t, err)
	require.True(t, created)

	// A second name in the same channel is refused at the limit.
	_, _, err = store.UpsertPuppet(ctx, channel.ID, "Frodo", KeepField(), KeepField(), sender.ID, 1)
	require.ErrorIs(t, err, ErrPuppetLimit)

	count, err := store.CountPuppets(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Refreshing the existing puppet still works at the limit.
	_, created, err = store.UpsertPuppet(ctx, channel.ID, "Gandalf", KeepField(), KeepField(), sender.ID, 1)
	require.NoError(t, err)
	assert.False(t, created)

	// The limit is per channel, not global.
	_, created, err = store.UpsertPuppet(ctx, other.ID, "Frodo", KeepField(), KeepField(), sender.ID, 1)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestUpsertPuppet_LimitExactUnderRace(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sender := createTestAccount(t, store, 1, "hamlet", nil)
	channel := createTestChannel(t, store, 1, "RPG", nil)

	// Racing first-writes for distinct names must never overshoot the
	// limit: the count runs inside the insert transaction.
	names := []string{"One", "Two", "Three", "Four", "Five", "Six"}
	g, gCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			_, _, err := store.UpsertPuppet(gCtx, channel.ID, name, KeepField(), KeepField(), sender.ID, 3)
			if err != nil && !errors.Is(err, ErrPuppetLimit) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	count, err := store.CountPuppets(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestPuppetNames_CaseSensitiveWithinChannel(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sender := createTestAccount(t, store, 1, "hamlet", nil)
	channel := createTestChannel(t, store, 1, "RPG", nil)

	_, created, err := store.UpsertPuppet(ctx, channel.ID, "Gandalf", KeepField(), KeepField(), sender.ID, 0)
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = store.UpsertPuppet(ctx, channel.ID, "gandalf", KeepField(), KeepField(), sender.ID, 0)
	require.NoError(t, err)
	require.True(t, created, "differently-cased name is a distinct puppet")

	found, err := store.FindPuppet(ctx, channel.ID, "Gandalf")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Gandalf", found.Name)

	missing, err := store.FindPuppet(ctx, channel.ID, "GANDALF")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListPuppets_MostRecentlyUsedFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sender := createTestAccount(t, store, 1, "hamlet", nil)
	channel := createTestChannel(t, store, 1, "RPG", nil)

	for _, name := range []string{"Gandalf", "Frodo", "Sam"} {
		_, _, err := store.UpsertPuppet(ctx, channel.ID, name, KeepField(), KeepField(), sender.ID, 0)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	// Touch Gandalf again so it becomes the most recent.
	time.Sleep(5 * time.Millisecond)
	_, _, err := store.UpsertPuppet(ctx, channel.ID, "Gandalf", KeepField(), KeepField(), sender.ID, 0)
	require.NoError(t, err)

	puppets, err := store.ListPuppets(ctx, channel.ID, 0)
	require.NoError(t, err)
	require.Len(t, puppets, 3)
	assert.Equal(t, "Gandalf", puppets[0].Name)
	assert.Equal(t, "Sam", puppets[1].Name)
	assert.Equal(t, "Frodo", puppets[2].Name)
}

func TestPuppetHandlers_IdempotentAndActiveFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sender := createTestAccount(t, store, 1, "hamlet", nil)
	claimant := createTestAccount(t, store, 1, "othello", nil)
	assignee := createTestAccount(t, store, 1, "cordelia", nil)
	channel := createTestChannel(t, store, 1, "RPG", nil)

	puppet, _, err := store.UpsertPuppet(ctx, channel.ID, "Gandalf", KeepField(), KeepField(), sender.ID, 0)
	require.NoError(t, err)

	require.NoError(t, store.AddPuppetHandler(ctx, puppet.ID, claimant.ID, HandlerTypeClaimed))
	require.NoError(t, store.AddPuppetHandler(ctx, puppet.ID, assignee.ID, HandlerTypeAssigned))
	// Repeating the same triple is a no-op, not an error or a duplicate.
	require.NoError(t, store.AddPuppetHandler(ctx, puppet.ID, claimant.ID, HandlerTypeClaimed))

	ids, err := store.GetHandlerAccountIDs(ctx, channel.ID, []int64{puppet.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{claimant.ID, assignee.ID}, ids)

	// Deactivation hides the account from reads without touching the rows.
	require.NoError(t, store.SetAccountActive(ctx, claimant.ID, false))

	ids, err = store.GetHandlerAccountIDs(ctx, channel.ID, []int64{puppet.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{assignee.ID}, ids)

	// Reactivation brings it straight back: the handler row survived.
	require.NoError(t, store.SetAccountActive(ctx, claimant.ID, true))

	ids, err = store.GetHandlerAccountIDs(ctx, channel.ID, []int64{puppet.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{claimant.ID, assignee.ID}, ids)
}

func TestGetHandlerAccountIDs_ScopedToChannel(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sender := createTestAccount(t, store, 1, "hamlet", nil)
	claimant := createTestAccount(t, store, 1, "othello", nil)
	channel := createTestChannel(t, store, 1, "RPG", nil)
	other := createTestChannel(t, store, 1, "Tavern", nil)

	foreign, _, err := store.UpsertPuppet(ctx, other.ID, "Gandalf", KeepField(), KeepField(), sender.ID, 0)
	require.NoError(t, err)
	require.NoError(t, store.AddPuppetHandler(ctx, foreign.ID, claimant.ID, HandlerTypeClaimed))

	// Listing a foreign puppet's ID under the wrong channel returns
	// nothing: the read is scoped to the channel.
	ids, err := store.GetHandlerAccountIDs(ctx, channel.ID, []int64{foreign.ID})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = store.GetHandlerAccountIDs(ctx, other.ID, []int64{foreign.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{claimant.ID}, ids)
}

func TestDeletePuppet_CascadesHandlers(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sender := createTestAccount(t, store, 1, "hamlet", nil)
	claimant := createTestAccount(t, store, 1, "othello", nil)
	channel := createTestChannel(t, store, 1, "RPG", nil)

	puppet, _, err := store.UpsertPuppet(ctx, channel.ID, "Gandalf", KeepField(), KeepField(), sender.ID, 0)
	require.NoError(t, err)
	require.NoError(t, store.AddPuppetHandler(ctx, puppet.ID, claimant.ID, HandlerTypeClaimed))

	require.NoError(t, store.DeletePuppet(ctx, puppet.ID))

	found, err := store.FindPuppet(ctx, channel.ID, "Gandalf")
	require.NoError(t, err)
	assert.Nil(t, found)

	ids, err := store.GetHandlerAccountIDs(ctx, channel.ID, []int64{puppet.ID})
	require.NoError(t, err)
	assert.Empty(t, ids, "handler rows should cascade away with the puppet")
}

func TestPruneStalePuppets(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sender := createTestAccount(t, store, 1, "hamlet", nil)
	channel := createTestChannel(t, store, 1, "RPG", nil)

	_, _, err := store.UpsertPuppet(ctx, channel.ID, "Ancient", KeepField(), KeepField(), sender.ID, 0)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)

	_, _, err = store.UpsertPuppet(ctx, channel.ID, "Fresh", KeepField(), KeepField(), sender.ID, 0)
	require.NoError(t, err)

	pruned, err := store.PruneStalePuppets(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	puppets, err := store.ListPuppets(ctx, channel.ID, 0)
	require.NoError(t, err)
	require.Len(t, puppets, 1)
	assert.Equal(t, "Fresh", puppets[0].Name)
}

func TestUpsertCommand_OwnershipAndUpdate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	bot1 := createTestAccount(t, store, 1, "weatherbot", func(a *Account) { a.IsBot = true })
	bot2 := createTestAccount(t, store, 1, "gamebot", func(a *Account) { a.IsBot = true })

	command, created, err := store.UpsertCommand(ctx, 1, "weather", "Get weather info", nil, bot1.ID)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, bot1.ID, command.BotID)

	// The same bot re-registering updates in place.
	updated, created, err := store.UpsertCommand(ctx, 1, "weather", "Get updated weather info",
		[]CommandOption{{Name: "location", Type: "string"}}, bot1.ID)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, command.ID, updated.ID)
	assert.Equal(t, "Get updated weather info", updated.Description)

	opts, err := updated.Options()
	require.NoError(t, err)
	require.Len(t, opts, 1)
	assert.Equal(t, "location", opts[0].Name)

	// A different bot is refused and the stored row is untouched.
	_, _, err = store.UpsertCommand(ctx, 1, "weather", "My weather command", nil, bot2.ID)
	require.ErrorIs(t, err, ErrCommandOwned)

	stored, err := store.GetCommand(ctx, command.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, bot1.ID, stored.BotID)
	assert.Equal(t, "Get updated weather info", stored.Description)
}

func TestUpsertCommand_ScopedPerOrg(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	bot1 := createTestAccount(t, store, 1, "weatherbot", func(a *Account) { a.IsBot = true })
	bot2 := createTestAccount(t, store, 2, "otherbot", func(a *Account) { a.IsBot = true })

	_, created, err := store.UpsertCommand(ctx, 1, "weather", "org one", nil, bot1.ID)
	require.NoError(t, err)
	require.True(t, created)

	// The same name in a different organization is a separate namespace.
	_, created, err = store.UpsertCommand(ctx, 2, "weather", "org two", nil, bot2.ID)
	require.NoError(t, err)
	require.True(t, created)

	commands, err := store.ListCommands(ctx, 1)
	require.NoError(t, err)
	require.Len(t, commands, 1)
	assert.Equal(t, "org one", commands[0].Description)
}

func TestListCommands_OrderedByName(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	bot := createTestAccount(t, store, 1, "bot", func(a *Account) { a.IsBot = true })

	for _, name := range []string{"weather", "games", "news"} {
		_, _, err := store.UpsertCommand(ctx, 1, name, "", nil, bot.ID)
		require.NoError(t, err)
	}

	commands, err := store.ListCommands(ctx, 1)
	require.NoError(t, err)
	require.Len(t, commands, 3)
	assert.Equal(t, "games", commands[0].Name)
	assert.Equal(t, "news", commands[1].Name)
	assert.Equal(t, "weather", commands[2].Name)
}

func TestDeleteCommand(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	bot := createTestAccount(t, store, 1, "bot", func(a *Account) { a.IsBot = true })

	command, _, err := store.UpsertCommand(ctx, 1, "weather", "", nil, bot.ID)
	require.NoError(t, err)

	require.NoError(t, store.DeleteCommand(ctx, command.ID))

	stored, err := store.GetCommand(ctx, command.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	err = store.DeleteCommand(ctx, command.ID)
	require.Error(t, err, "deleting a missing command should fail")
}

func TestAgentClaims(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	bot := createTestAccount(t, store, 1, "agentbot", func(a *Account) { a.IsBot = true })

	claim := &AgentClaim{
		AccountID:        bot.ID,
		ClaimToken:       "token-1",
		VerificationCode: "ABCD1234",
	}
	require.NoError(t, store.CreateAgentClaim(ctx, claim))
	require.Greater(t, claim.ID, int64(0))

	found, err := store.GetAgentClaimByToken(ctx, "token-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, bot.ID, found.AccountID)
	assert.False(t, found.Claimed)

	require.NoError(t, store.MarkAgentClaimed(ctx, found.ID, "https://example.com/post/1"))

	claimed, err := store.GetAgentClaimByToken(ctx, "token-1")
	require.NoError(t, err)
	require.True(t, claimed.Claimed)
	assert.Equal(t, "https://example.com/post/1", claimed.PostURL.String)

	// A second claim of the same token is refused.
	err = store.MarkAgentClaimed(ctx, found.ID, "https://example.com/post/2")
	require.Error(t, err)
}
