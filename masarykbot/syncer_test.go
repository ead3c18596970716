package masarykbot

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSyncer(t testing.TB) (*Syncer, *mockGuildSession, CourseStore) {
	t.Helper()
	store := newTestStore(t)
	session := newMockGuildSession()
	return NewSyncer(store, session, nil), session, store
}

func TestSyncGuild(t *testing.T) {
	syncer, session, store := newTestSyncer(t)
	ctx := context.Background()

	session.addChannel("cat-1", "FI:XXXXX", discordgo.ChannelTypeGuildCategory, "")
	session.addChannel("chan-1", "ib000-logic", discordgo.ChannelTypeGuildText, "cat-1")

	result, err := syncer.SyncGuild(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CreatedChannels)
	assert.Equal(t, 1, result.CreatedCategories)

	mirrors, err := store.ChannelMirrors(ctx, testGuildID)
	require.NoError(t, err)
	require.Contains(t, mirrors, "chan-1")
	assert.Equal(t, "ib000-logic", mirrors["chan-1"].Name)
	assert.Equal(t, "cat-1", mirrors["chan-1"].ParentID)

	// unchanged state syncs to a no-op
	result, err = syncer.SyncGuild(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, result)

	// a rename shows up as an update
	session.channel("chan-1").Name = "ib000-logic-renamed"
	result, err = syncer.SyncGuild(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.UpdatedChannels)

	mirrors, err = store.ChannelMirrors(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "ib000-logic-renamed", mirrors["chan-1"].Name)

	// a deleted channel drops its mirror
	_, err = session.ChannelDelete("chan-1")
	require.NoError(t, err)
	result, err = syncer.SyncGuild(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeletedChannels)

	mirrors, err = store.ChannelMirrors(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, mirrors)
}

func TestRecoverDatabase(t *testing.T) {
	syncer, session, store := newTestSyncer(t)
	ctx := context.Background()

	ch := session.addChannel("chan-1", "ib000-logic", discordgo.ChannelTypeGuildText, "cat-1")
	ch.PermissionOverwrites = []*discordgo.PermissionOverwrite{
		{
			ID:   testGuildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:    "member-1",
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel,
		},
		{
			ID:    "member-2",
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel,
		},
		{
			// a custom overwrite, not a plain visibility grant
			ID:    "member-3",
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel,
			Deny:  discordgo.PermissionSendMessages,
		},
	}
	session.addChannel("chan-2", "general-chat", discordgo.ChannelTypeGuildText, "")

	result, err := syncer.RecoverDatabase(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Channels)
	assert.Equal(t, 2, result.Registrations)

	mapping, err := store.CourseChannelFor(ctx, testGuildID, "FI", "IB000")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "chan-1", mapping.ChannelID)
	assert.Equal(t, "cat-1", mapping.CategoryID)

	users, err := store.RegisteredUserIDs(ctx, testGuildID, "FI", "IB000")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"member-1", "member-2"}, users)

	// the pass is idempotent
	result, err = syncer.RecoverDatabase(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Channels)
	assert.Equal(t, 2, result.Registrations)

	users, err = store.RegisteredUserIDs(ctx, testGuildID, "FI", "IB000")
	require.NoError(t, err)
	assert.Len(t, users, 2)
}
