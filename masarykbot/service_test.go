package masarykbot

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockGuildSession is an in-memory GuildSessionHandler for tests.
type mockGuildSession struct {
	mu              sync.Mutex
	nextID          int
	channelOrder    []string
	channels        map[string]*discordgo.Channel
	roles           []*discordgo.Role
	memberRoles     map[string]map[string]bool
	messages        map[string][]*discordgo.Message
	deletedChannels []string
	deletedMessages []string
	customStatus    string
}

func newMockGuildSession() *mockGuildSession {
	return &mockGuildSession{
		channels:    map[string]*discordgo.Channel{},
		memberRoles: map[string]map[string]bool{},
		messages:    map[string][]*discordgo.Message{},
	}
}

func (m *mockGuildSession) addChannel(
	id string,
	name string,
	channelType discordgo.ChannelType,
	parentID string,
) *discordgo.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := &discordgo.Channel{
		ID:       id,
		Name:     name,
		Type:     channelType,
		ParentID: parentID,
		Position: len(m.channelOrder),
	}
	m.channels[id] = ch
	m.channelOrder = append(m.channelOrder, id)
	return ch
}

func (m *mockGuildSession) channel(id string) *discordgo.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

func (m *mockGuildSession) channelByName(name string) *discordgo.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		if ch.Name == name {
			return ch
		}
	}
	return nil
}

func (m *mockGuildSession) hasRole(userID string, roleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memberRoles[userID][roleID]
}

func (m *mockGuildSession) Open() error  { return nil }
func (m *mockGuildSession) Close() error { return nil }

func (m *mockGuildSession) AddHandler(any) func() { return func() {} }

func (m *mockGuildSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *mockGuildSession) InteractionRespond(
	*discordgo.Interaction,
	*discordgo.InteractionResponse,
	...discordgo.RequestOption,
) error {
	return nil
}

func (m *mockGuildSession) InteractionResponseEdit(
	*discordgo.Interaction,
	*discordgo.WebhookEdit,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (m *mockGuildSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msg := &discordgo.Message{
		ID:        fmt.Sprintf("msg-%d", m.nextID),
		ChannelID: channelID,
		Content:   content,
	}
	m.messages[channelID] = append(m.messages[channelID], msg)
	return msg, nil
}

func (m *mockGuildSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedMessages = append(m.deletedMessages, messageID)
	kept := m.messages[channelID][:0]
	for _, msg := range m.messages[channelID] {
		if msg.ID != messageID {
			kept = append(kept, msg)
		}
	}
	m.messages[channelID] = kept
	return nil
}

func (m *mockGuildSession) ChannelMessages(
	channelID string,
	_ int,
	_ string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.Message{}, m.messages[channelID]...), nil
}

func (m *mockGuildSession) GuildChannels(
	string,
	...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels := make([]*discordgo.Channel, 0, len(m.channelOrder))
	for _, id := range m.channelOrder {
		if ch, ok := m.channels[id]; ok {
			// return copies like the real API: callers get a snapshot,
			// not aliases that later ChannelEdit calls would mutate
			snapshot := *ch
			channels = append(channels, &snapshot)
		}
	}
	return channels, nil
}

func (m *mockGuildSession) GuildRoles(
	string,
	...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.Role{}, m.roles...), nil
}

func (m *mockGuildSession) GuildChannelCreateComplex(
	_ string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("chan-%d", m.nextID)
	m.mu.Unlock()
	ch := m.addChannel(id, data.Name, data.Type, data.ParentID)
	m.mu.Lock()
	ch.Topic = data.Topic
	ch.PermissionOverwrites = append(
		[]*discordgo.PermissionOverwrite{},
		data.PermissionOverwrites...,
	)
	m.mu.Unlock()
	return ch, nil
}

func (m *mockGuildSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel %s", channelID)
	}
	return ch, nil
}

func (m *mockGuildSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel %s", channelID)
	}
	if data.Name != "" {
		ch.Name = data.Name
	}
	if data.ParentID != "" {
		ch.ParentID = data.ParentID
	}
	if data.Position != nil {
		ch.Position = *data.Position
	}
	return ch, nil
}

func (m *mockGuildSession) ChannelDelete(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channels[channelID]
	delete(m.channels, channelID)
	m.deletedChannels = append(m.deletedChannels, channelID)
	return ch, nil
}

func (m *mockGuildSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return fmt.Errorf("unknown channel %s", channelID)
	}
	for _, overwrite := range ch.PermissionOverwrites {
		if overwrite.ID == targetID {
			overwrite.Type = targetType
			overwrite.Allow = allow
			overwrite.Deny = deny
			return nil
		}
	}
	ch.PermissionOverwrites = append(
		ch.PermissionOverwrites,
		&discordgo.PermissionOverwrite{
			ID:    targetID,
			Type:  targetType,
			Allow: allow,
			Deny:  deny,
		},
	)
	return nil
}

func (m *mockGuildSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return fmt.Errorf("unknown channel %s", channelID)
	}
	kept := ch.PermissionOverwrites[:0]
	for _, overwrite := range ch.PermissionOverwrites {
		if overwrite.ID != targetID {
			kept = append(kept, overwrite)
		}
	}
	ch.PermissionOverwrites = kept
	return nil
}

func (m *mockGuildSession) GuildRoleCreate(
	_ string,
	data *discordgo.RoleParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	role := &discordgo.Role{
		ID:   fmt.Sprintf("role-%d", m.nextID),
		Name: data.Name,
	}
	m.roles = append(m.roles, role)
	return role, nil
}

func (m *mockGuildSession) GuildMemberRoleAdd(
	_ string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memberRoles[userID] == nil {
		m.memberRoles[userID] = map[string]bool{}
	}
	m.memberRoles[userID][roleID] = true
	return nil
}

func (m *mockGuildSession) GuildMemberRoleRemove(
	_ string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memberRoles[userID], roleID)
	return nil
}

func (m *mockGuildSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatus = status
	return nil
}

var _ GuildSessionHandler = (*mockGuildSession)(nil)

const testGuildID = "guild"

func newTestService(t testing.TB, needed int) (*CourseService, *mockGuildSession, CourseStore) {
	t.Helper()
	store := newTestStore(t)
	seedCatalog(t, store)

	session := newMockGuildSession()

	cfg := DefaultConfig()
	cfg.Discord.ApplicationID = "bot-app"
	cfg.ReorderRateLimit = 10000
	cfg.Guilds = []GuildConfig{
		{ID: testGuildID, NeededRegistrations: needed},
	}

	balancer := NewBalancer(store, session, cfg, nil)
	service := NewCourseService(store, session, balancer, cfg, nil)
	return service, session, store
}

func overwriteFor(ch *discordgo.Channel, targetID string) *discordgo.PermissionOverwrite {
	for _, overwrite := range ch.PermissionOverwrites {
		if overwrite.ID == targetID {
			return overwrite
		}
	}
	return nil
}

func TestJoinCourseBelowThreshold(t *testing.T) {
	service, session, _ := newTestService(t, 2)
	ctx := context.Background()
	course := Course{Faculty: "FI", Code: "IB000", Name: "Mathematical Foundations"}

	status, err := service.JoinCourse(ctx, testGuildID, "user-1", course)
	require.NoError(t, err)
	assert.Equal(t, StatusRegistered, status)

	channels, err := session.GuildChannels(testGuildID)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestJoinCourseCreatesChannelAtThreshold(t *testing.T) {
	service, session, store := newTestService(t, 2)
	ctx := context.Background()
	course := Course{Faculty: "FI", Code: "IB000", Name: "Mathematical Foundations"}

	status, err := service.JoinCourse(ctx, testGuildID, "user-1", course)
	require.NoError(t, err)
	require.Equal(t, StatusRegistered, status)

	status, err = service.JoinCourse(ctx, testGuildID, "user-2", course)
	require.NoError(t, err)
	assert.Equal(t, StatusShown, status)

	ch := session.channelByName("ib000-mathematical-foundations")
	require.NotNil(t, ch)
	assert.Equal(t, discordgo.ChannelTypeGuildText, ch.Type)

	category := session.channelByName("FI:XXXXX")
	require.NotNil(t, category)
	assert.Equal(t, discordgo.ChannelTypeGuildCategory, category.Type)
	assert.Equal(t, category.ID, ch.ParentID)

	// hidden from @everyone, visible to the bot and both registered members
	everyone := overwriteFor(ch, testGuildID)
	require.NotNil(t, everyone)
	assert.EqualValues(t, discordgo.PermissionViewChannel, everyone.Deny)
	for _, userID := range []string{"bot-app", "user-1", "user-2"} {
		overwrite := overwriteFor(ch, userID)
		require.NotNilf(t, overwrite, "missing overwrite for %s", userID)
		assert.EqualValues(t, discordgo.PermissionViewChannel, overwrite.Allow)
	}

	mapping, err := store.CourseChannelFor(ctx, testGuildID, "FI", "IB000")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, ch.ID, mapping.ChannelID)
	assert.Equal(t, category.ID, mapping.CategoryID)
}

func TestJoinCourseIdempotent(t *testing.T) {
	service, session, store := newTestService(t, 2)
	ctx := context.Background()
	course := Course{Faculty: "FI", Code: "IB000", Name: "Mathematical Foundations"}

	for i := 0; i < 3; i++ {
		status, err := service.JoinCourse(ctx, testGuildID, "user-1", course)
		require.NoError(t, err)
		assert.Equal(t, StatusRegistered, status)
	}

	users, err := store.RegisteredUserIDs(ctx, testGuildID, "FI", "IB000")
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, users)

	channels, err := session.GuildChannels(testGuildID)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestJoinCourseExistingChannel(t *testing.T) {
	service, session, store := newTestService(t, 5)
	ctx := context.Background()
	course := Course{Faculty: "FI", Code: "IB000", Name: "Mathematical Foundations"}

	existing := session.addChannel(
		"chan-live", "ib000-mathematical-foundations",
		discordgo.ChannelTypeGuildText, "",
	)

	status, err := service.JoinCourse(ctx, testGuildID, "user-1", course)
	require.NoError(t, err)
	assert.Equal(t, StatusShown, status)

	overwrite := overwriteFor(existing, "user-1")
	require.NotNil(t, overwrite)
	assert.EqualValues(t, discordgo.PermissionViewChannel, overwrite.Allow)

	// the discovered channel is claimed into the mapping
	mapping, err := store.CourseChannelFor(ctx, testGuildID, "FI", "IB000")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "chan-live", mapping.ChannelID)
}

func TestLeaveCourse(t *testing.T) {
	service, session, store := newTestService(t, 1)
	ctx := context.Background()
	course := Course{Faculty: "FI", Code: "IB000", Name: "Mathematical Foundations"}

	status, err := service.JoinCourse(ctx, testGuildID, "user-1", course)
	require.NoError(t, err)
	require.Equal(t, StatusShown, status)

	ch := session.channelByName("ib000-mathematical-foundations")
	require.NotNil(t, ch)
	require.NotNil(t, overwriteFor(ch, "user-1"))

	status, err = service.LeaveCourse(ctx, testGuildID, "user-1", course)
	require.NoError(t, err)
	assert.Equal(t, StatusHidden, status)
	assert.Nil(t, overwriteFor(ch, "user-1"))

	users, err := store.RegisteredUserIDs(ctx, testGuildID, "FI", "IB000")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestLeaveCourseNoChannel(t *testing.T) {
	service, _, _ := newTestService(t, 5)
	ctx := context.Background()
	course := Course{Faculty: "FI", Code: "IB000", Name: "Mathematical Foundations"}

	status, err := service.LeaveCourse(ctx, testGuildID, "user-1", course)
	require.NoError(t, err)
	assert.Equal(t, StatusUnregistered, status)
}

func TestLeaveCourseSuggestsSimilarChannel(t *testing.T) {
	service, session, _ := newTestService(t, 5)
	ctx := context.Background()

	// a channel for the FI course of the same code exists, but not for FF
	session.addChannel(
		"chan-live", "cjl09-czech-literature",
		discordgo.ChannelTypeGuildText, "",
	)
	course := Course{Faculty: "FF", Code: "CJL09", Name: "Czech Literature"}

	_, err := service.LeaveCourse(ctx, testGuildID, "user-1", course)
	var notFound *ChannelNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "cjl09-czech-literature", notFound.Suggestion)
	assert.Equal(t, "ff꞉cjl09-czech-literature", notFound.Searched)
}

func TestLeaveCourseIgnoresEmbeddedCodeChannel(t *testing.T) {
	service, session, _ := newTestService(t, 5)
	ctx := context.Background()

	// the code only appears inside the name, a suggestion must start with it
	session.addChannel(
		"chan-notes", "notes-cjl09-archive",
		discordgo.ChannelTypeGuildText, "",
	)
	course := Course{Faculty: "FF", Code: "CJL09", Name: "Czech Literature"}

	status, err := service.LeaveCourse(ctx, testGuildID, "user-1", course)
	require.NoError(t, err)
	assert.Equal(t, StatusUnregistered, status)
}

func TestCreateCourseChannelAdoptsWinner(t *testing.T) {
	service, session, store := newTestService(t, 1)
	ctx := context.Background()
	course := Course{Faculty: "FI", Code: "IB000", Name: "Mathematical Foundations"}

	winner := session.addChannel(
		"chan-winner", "ib000-mathematical-foundations",
		discordgo.ChannelTypeGuildText, "",
	)
	_, claimed, err := store.ClaimCourseChannel(ctx, &CourseChannel{
		GuildID:   testGuildID,
		Faculty:   "FI",
		Code:      "IB000",
		ChannelID: winner.ID,
	})
	require.NoError(t, err)
	require.True(t, claimed)

	// losing the mapping claim adopts the winner's channel and deletes the
	// freshly created duplicate
	ch, err := service.createCourseChannel(ctx, testGuildID, course)
	require.NoError(t, err)
	assert.Equal(t, "chan-winner", ch.ID)
	require.Len(t, session.deletedChannels, 1)
	assert.NotEqual(t, "chan-winner", session.deletedChannels[0])
}

func TestRegisteredMembers(t *testing.T) {
	service, _, store := newTestService(t, 5)
	ctx := context.Background()

	require.NoError(t, store.SignUser(ctx, testGuildID, "FI", "IB000", "user-1"))
	require.NoError(t, store.SignUser(ctx, testGuildID, "FI", "IB000", "user-2"))
	require.NoError(t, store.SignUser(ctx, testGuildID, "FI", "IB002", "user-1"))

	members, err := service.RegisteredMembers(ctx, testGuildID, "FI", "IB000")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, members)
}

func TestLeaveAllCourses(t *testing.T) {
	service, session, store := newTestService(t, 1)
	ctx := context.Background()

	first := Course{Faculty: "FI", Code: "IB000", Name: "Mathematical Foundations"}
	second := Course{Faculty: "FI", Code: "IB002", Name: "Algorithms"}
	for _, course := range []Course{first, second} {
		status, err := service.JoinCourse(ctx, testGuildID, "user-1", course)
		require.NoError(t, err)
		require.Equal(t, StatusShown, status)
	}

	left, err := service.LeaveAllCourses(ctx, testGuildID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, left)

	for _, name := range []string{"ib000-mathematical-foundations", "ib002-algorithms"} {
		ch := session.channelByName(name)
		require.NotNil(t, ch)
		assert.Nil(t, overwriteFor(ch, "user-1"))
	}

	courses, err := store.UserCourses(ctx, testGuildID, "user-1")
	require.NoError(t, err)
	assert.Empty(t, courses)
}

func TestJoinCourseMigratesOverwritesToRole(t *testing.T) {
	service, session, _ := newTestService(t, 5)
	ctx := context.Background()
	course := Course{Faculty: "FI", Code: "IB000", Name: "Mathematical Foundations"}

	existing := session.addChannel(
		"chan-live", "ib000-mathematical-foundations",
		discordgo.ChannelTypeGuildText, "",
	)
	session.mu.Lock()
	existing.PermissionOverwrites = append(
		existing.PermissionOverwrites,
		&discordgo.PermissionOverwrite{
			ID:   testGuildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
	)
	for i := 0; i < MaxChannelOverwrites; i++ {
		existing.PermissionOverwrites = append(
			existing.PermissionOverwrites,
			&discordgo.PermissionOverwrite{
				ID:    fmt.Sprintf("member-%d", i),
				Type:  discordgo.PermissionOverwriteTypeMember,
				Allow: discordgo.PermissionViewChannel,
			},
		)
	}
	session.mu.Unlock()

	status, err := service.JoinCourse(ctx, testGuildID, "user-new", course)
	require.NoError(t, err)
	assert.Equal(t, StatusShown, status)

	roles, err := session.GuildRoles(testGuildID)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, courseRolePrefix+"IB000", roles[0].Name)

	// migrated members and the joiner hold the role
	assert.True(t, session.hasRole("member-0", roles[0].ID))
	assert.True(t, session.hasRole("member-499", roles[0].ID))
	assert.True(t, session.hasRole("user-new", roles[0].ID))

	// member overwrites were replaced by a single role overwrite
	assert.Nil(t, overwriteFor(existing, "member-0"))
	roleOverwrite := overwriteFor(existing, roles[0].ID)
	require.NotNil(t, roleOverwrite)
	assert.EqualValues(t, discordgo.PermissionViewChannel, roleOverwrite.Allow)

	// subsequent joins go through the role, not overwrites
	status, err = service.JoinCourse(ctx, testGuildID, "user-later", course)
	require.NoError(t, err)
	assert.Equal(t, StatusShown, status)
	assert.True(t, session.hasRole("user-later", roles[0].ID))
	assert.Nil(t, overwriteFor(existing, "user-later"))
}
