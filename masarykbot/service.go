package masarykbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Status is the outcome of a course join or leave, reported back to the user.
type Status string

const (
	// StatusRegistered indicates the user was signed up, but the course
	// channel does not exist yet (not enough registrations).
	StatusRegistered Status = "registered"

	// StatusShown indicates the user was signed up and the course channel
	// was made visible to them.
	StatusShown Status = "shown"

	// StatusUnregistered indicates the user was signed off a course that has
	// no channel.
	StatusUnregistered Status = "unregistered"

	// StatusHidden indicates the user was signed off and the course channel
	// was hidden from them.
	StatusHidden Status = "hidden"
)

// ChannelNotFoundError indicates a course channel could not be located, with
// an optional near-miss channel name to suggest to the user.
type ChannelNotFoundError struct {
	Course     Course
	Searched   string
	Suggestion string
}

func (e *ChannelNotFoundError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf(
			"no channel %q for course %s (did you mean %q?)",
			e.Searched, e.Course.Identity(), e.Suggestion,
		)
	}
	return fmt.Sprintf("no channel %q for course %s", e.Searched, e.Course.Identity())
}

// ChannelResolution is the result of locating a course's channel in a guild.
// Exactly one of Found or Missing holds, and a Missing resolution may carry
// a Suggestion naming a similarly-named channel.
type ChannelResolution struct {
	Found      bool
	Channel    *discordgo.Channel
	Suggestion string
}

// CourseService implements course sign-up and channel lifecycle for a guild.
//
// Channel creation is serialized per (guild, course) with an in-process lock,
// and the CourseChannel unique constraint settles races with other writers:
// the first claim wins and later claimants adopt the recorded channel.
type CourseService struct {
	store    CourseStore
	session  GuildSessionHandler
	balancer *Balancer
	config   *Config
	logger   *slog.Logger

	joinLocks keyedMutex
}

// NewCourseService returns a CourseService backed by the given store and
// Discord session.
func NewCourseService(
	store CourseStore,
	session GuildSessionHandler,
	balancer *Balancer,
	config *Config,
	logger *slog.Logger,
) *CourseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CourseService{
		store:    store,
		session:  session,
		balancer: balancer,
		config:   config,
		logger:   logger.With(loggerNameKey, "course_service"),
	}
}

func (s *CourseService) neededRegistrations(guildID string) int {
	if gc := s.config.GuildConfig(guildID); gc != nil && gc.NeededRegistrations > 0 {
		return gc.NeededRegistrations
	}
	return DefaultNeededRegistrations
}

// SearchCourses returns catalog courses matching the given pattern, for
// autocomplete and the search command.
func (s *CourseService) SearchCourses(ctx context.Context, pattern string) ([]Course, error) {
	return s.store.AutocompleteCourses(ctx, pattern)
}

// CourseInfo looks up a single course by faculty and code.
func (s *CourseService) CourseInfo(ctx context.Context, faculty string, code string) (*Course, error) {
	return s.store.FindCourse(ctx, faculty, code)
}

// MemberCourses returns the courses the given user is signed up for in the
// guild.
func (s *CourseService) MemberCourses(ctx context.Context, guildID string, userID string) ([]Course, error) {
	return s.store.UserCourses(ctx, guildID, userID)
}

// RegisteredMembers returns the user IDs registered for a course in the
// guild.
func (s *CourseService) RegisteredMembers(
	ctx context.Context,
	guildID string,
	faculty string,
	code string,
) ([]string, error) {
	return s.store.RegisteredUserIDs(ctx, guildID, faculty, code)
}

// JoinCourse signs the user up for the course. If the course channel exists
// it is made visible to the user. If it does not exist and the registration
// count has reached the guild threshold, the channel is created and shown to
// every registered user.
func (s *CourseService) JoinCourse(
	ctx context.Context,
	guildID string,
	userID string,
	course Course,
) (Status, error) {
	logger := s.logger.With(
		slog.Group("join", "guild_id", guildID, "user_id", userID, "course", course.Identity()),
	)

	if err := s.store.SignUser(ctx, guildID, course.Faculty, course.Code, userID); err != nil {
		return "", fmt.Errorf("error signing user to course: %w", err)
	}

	lockKey := guildID + "/" + course.Identity()
	s.joinLocks.Lock(lockKey)
	defer s.joinLocks.Unlock(lockKey)

	resolution, err := s.resolveChannel(ctx, guildID, course)
	if err != nil {
		return "", err
	}

	if resolution.Found {
		if err = s.showCourseChannel(ctx, guildID, resolution.Channel, course, userID); err != nil {
			return "", err
		}
		return StatusShown, nil
	}

	registered, err := s.store.RegisteredUserIDs(ctx, guildID, course.Faculty, course.Code)
	if err != nil {
		return "", fmt.Errorf("error counting registrations: %w", err)
	}
	needed := s.neededRegistrations(guildID)
	if len(registered) < needed {
		logger.Info(
			"below channel threshold",
			"registered", len(registered),
			"needed", needed,
		)
		return StatusRegistered, nil
	}

	channel, err := s.createCourseChannel(ctx, guildID, course)
	if err != nil {
		return "", err
	}
	for _, memberID := range registered {
		if err = s.showCourseChannel(ctx, guildID, channel, course, memberID); err != nil {
			logger.Error(
				"unable to show new channel to registered user",
				tint.Err(err),
				"member_id", memberID,
			)
		}
	}
	return StatusShown, nil
}

// LeaveCourse signs the user off the course and hides the course channel
// from them, if it exists. A missing channel with a similarly-named
// alternative yields a *ChannelNotFoundError so the caller can suggest it.
func (s *CourseService) LeaveCourse(
	ctx context.Context,
	guildID string,
	userID string,
	course Course,
) (Status, error) {
	if err := s.store.UnsignUser(ctx, guildID, course.Faculty, course.Code, userID); err != nil {
		return "", fmt.Errorf("error signing user off course: %w", err)
	}

	resolution, err := s.resolveChannel(ctx, guildID, course)
	if err != nil {
		return "", err
	}
	if !resolution.Found {
		if resolution.Suggestion != "" {
			return "", &ChannelNotFoundError{
				Course:     course,
				Searched:   courseChannelName(course),
				Suggestion: resolution.Suggestion,
			}
		}
		return StatusUnregistered, nil
	}

	if err = s.hideCourseChannel(ctx, guildID, resolution.Channel, course, userID); err != nil {
		return "", err
	}
	return StatusHidden, nil
}

// LeaveAllCourses signs the user off every course they are registered for in
// the guild. Per-course channel errors are logged and skipped so one broken
// channel cannot strand the rest.
func (s *CourseService) LeaveAllCourses(
	ctx context.Context,
	guildID string,
	userID string,
) (int, error) {
	courses, err := s.store.UserCourses(ctx, guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("error listing user courses: %w", err)
	}
	left := 0
	for _, course := range courses {
		if _, err = s.LeaveCourse(ctx, guildID, userID, course); err != nil {
			s.logger.Warn(
				"unable to leave course",
				tint.Err(err),
				"guild_id", guildID,
				"user_id", userID,
				"course", course.Identity(),
			)
			continue
		}
		left++
	}
	if err = s.store.UnsignUserAll(ctx, guildID, userID); err != nil {
		return left, fmt.Errorf("error clearing registrations: %w", err)
	}
	return left, nil
}

// resolveChannel locates the course's channel, preferring the recorded
// mapping and falling back to a scan of the guild's live channels. A scan
// hit is claimed back into the store so the mapping self-heals.
func (s *CourseService) resolveChannel(
	ctx context.Context,
	guildID string,
	course Course,
) (ChannelResolution, error) {
	channels, err := s.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return ChannelResolution{}, fmt.Errorf("error listing guild channels: %w", err)
	}
	byID := make(map[string]*discordgo.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}

	mapping, err := s.store.CourseChannelFor(ctx, guildID, course.Faculty, course.Code)
	if err != nil {
		return ChannelResolution{}, err
	}
	if mapping != nil {
		if ch, ok := byID[mapping.ChannelID]; ok {
			return ChannelResolution{Found: true, Channel: ch}, nil
		}
		// stale mapping, the channel was deleted out from under us
		s.logger.Warn(
			"recorded course channel no longer exists",
			"guild_id", guildID,
			"course", course.Identity(),
			"channel_id", mapping.ChannelID,
		)
	}

	wantSlug := channelSlug(course.Code)
	var suggestion string
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		faculty, code, ok := parseChannelCourse(ch.Name)
		if ok && strings.EqualFold(faculty, course.Faculty) && strings.EqualFold(code, course.Code) {
			_, _, err = s.store.ClaimCourseChannel(ctx, &CourseChannel{
				GuildID:    guildID,
				Faculty:    course.Faculty,
				Code:       course.Code,
				ChannelID:  ch.ID,
				CategoryID: ch.ParentID,
			})
			if err != nil {
				s.logger.Error("unable to record discovered channel", tint.Err(err))
			}
			return ChannelResolution{Found: true, Channel: ch}, nil
		}
		if suggestion == "" && strings.HasPrefix(ch.Name, wantSlug) {
			suggestion = ch.Name
		}
	}
	return ChannelResolution{Suggestion: suggestion}, nil
}

// createCourseChannel creates the Discord channel for the course, files it
// under a balanced category, and records the mapping. If another writer
// recorded a channel first, the freshly created one is deleted and the
// winner's channel is returned.
func (s *CourseService) createCourseChannel(
	ctx context.Context,
	guildID string,
	course Course,
) (*discordgo.Channel, error) {
	categoryID, err := s.balancer.AssignCategory(ctx, guildID, course)
	if err != nil {
		return nil, err
	}

	topic := course.Name
	if course.URL != "" {
		topic = fmt.Sprintf("%s (%s)", course.Name, course.URL)
	}
	channel, err := s.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:                 courseChannelName(course),
			Type:                 discordgo.ChannelTypeGuildText,
			Topic:                truncate(topic, 1024),
			ParentID:             categoryID,
			PermissionOverwrites: s.baseOverwrites(guildID),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating course channel: %w", err)
	}

	mapping, claimed, err := s.store.ClaimCourseChannel(ctx, &CourseChannel{
		GuildID:    guildID,
		Faculty:    course.Faculty,
		Code:       course.Code,
		ChannelID:  channel.ID,
		CategoryID: categoryID,
	})
	if err != nil {
		return nil, fmt.Errorf("error recording course channel: %w", err)
	}
	if !claimed && mapping.ChannelID != channel.ID {
		// lost the race, another writer created a channel first
		s.logger.Warn(
			"course channel already recorded, discarding duplicate",
			"guild_id", guildID,
			"course", course.Identity(),
			"kept_channel_id", mapping.ChannelID,
			"duplicate_channel_id", channel.ID,
		)
		if _, delErr := s.session.ChannelDelete(channel.ID, discordgo.WithContext(ctx)); delErr != nil {
			s.logger.Error("unable to delete duplicate channel", tint.Err(delErr))
		}
		kept, chErr := s.session.Channel(mapping.ChannelID, discordgo.WithContext(ctx))
		if chErr != nil {
			return nil, fmt.Errorf("error fetching winning channel: %w", chErr)
		}
		return kept, nil
	}
	s.logger.Info(
		"created course channel",
		"guild_id", guildID,
		"course", course.Identity(),
		"channel_id", channel.ID,
		"category_id", categoryID,
	)
	return channel, nil
}

// baseOverwrites builds the permission overwrites every course channel
// starts with: hidden from @everyone, visible to the bot, visible to the
// show-all role and muted for the muted role when configured.
func (s *CourseService) baseOverwrites(guildID string) []*discordgo.PermissionOverwrite {
	overwrites := []*discordgo.PermissionOverwrite{
		{
			// the @everyone role shares the guild's ID
			ID:   guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:    s.config.Discord.ApplicationID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel,
		},
	}
	gc := s.config.GuildConfig(guildID)
	if gc == nil {
		return overwrites
	}
	if gc.ShowAllRoleID != "" {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    gc.ShowAllRoleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: discordgo.PermissionViewChannel,
		})
	}
	if gc.MutedRoleID != "" {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:   gc.MutedRoleID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionSendMessages,
		})
	}
	return overwrites
}

// showCourseChannel grants the user visibility of the course channel, via
// the course role if one exists, otherwise via a member overwrite. When the
// overwrite count hits the Discord ceiling, existing member overwrites are
// migrated to a role first.
func (s *CourseService) showCourseChannel(
	ctx context.Context,
	guildID string,
	channel *discordgo.Channel,
	course Course,
	userID string,
) error {
	role, err := s.courseRole(ctx, guildID, course)
	if err != nil {
		return err
	}
	if role != nil {
		if err = s.session.GuildMemberRoleAdd(guildID, userID, role.ID, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("error adding course role: %w", err)
		}
		return nil
	}

	if len(channel.PermissionOverwrites) >= MaxChannelOverwrites {
		role, err = s.migrateOverwritesToRole(ctx, guildID, channel, course)
		if err != nil {
			return err
		}
		if err = s.session.GuildMemberRoleAdd(guildID, userID, role.ID, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("error adding course role: %w", err)
		}
		return nil
	}

	err = s.session.ChannelPermissionSet(
		channel.ID,
		userID,
		discordgo.PermissionOverwriteTypeMember,
		discordgo.PermissionViewChannel,
		0,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error granting channel visibility: %w", err)
	}
	return nil
}

// hideCourseChannel removes the user's visibility of the course channel,
// undoing whichever grant mechanism is in effect.
func (s *CourseService) hideCourseChannel(
	ctx context.Context,
	guildID string,
	channel *discordgo.Channel,
	course Course,
	userID string,
) error {
	role, err := s.courseRole(ctx, guildID, course)
	if err != nil {
		return err
	}
	if role != nil {
		if err = s.session.GuildMemberRoleRemove(guildID, userID, role.ID, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("error removing course role: %w", err)
		}
		return nil
	}
	if err = s.session.ChannelPermissionDelete(channel.ID, userID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("error revoking channel visibility: %w", err)
	}
	return nil
}

// courseRole returns the guild's role for the course, or nil if the course
// has no role (visibility is still per-member overwrites).
func (s *CourseService) courseRole(
	ctx context.Context,
	guildID string,
	course Course,
) (*discordgo.Role, error) {
	roles, err := s.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error listing guild roles: %w", err)
	}
	wanted := courseRolePrefix + strings.ToUpper(course.Code)
	for _, role := range roles {
		if role.Name == wanted {
			return role, nil
		}
	}
	return nil, nil
}

// migrateOverwritesToRole converts a channel's per-member visibility
// overwrites into a single course role. Every member holding a plain
// view-only overwrite gets the role, then their overwrites are dropped and
// the role is granted visibility on the channel.
func (s *CourseService) migrateOverwritesToRole(
	ctx context.Context,
	guildID string,
	channel *discordgo.Channel,
	course Course,
) (*discordgo.Role, error) {
	roleName := courseRolePrefix + strings.ToUpper(course.Code)
	role, err := s.session.GuildRoleCreate(
		guildID,
		&discordgo.RoleParams{Name: roleName},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating course role: %w", err)
	}
	s.logger.Info(
		"migrating channel overwrites to role",
		"guild_id", guildID,
		"channel_id", channel.ID,
		"course", course.Identity(),
		"role_id", role.ID,
		"overwrites", len(channel.PermissionOverwrites),
	)

	for _, overwrite := range channel.PermissionOverwrites {
		if overwrite.Type != discordgo.PermissionOverwriteTypeMember {
			continue
		}
		if overwrite.Allow != discordgo.PermissionViewChannel || overwrite.Deny != 0 {
			// member holds a hand-crafted overwrite, leave it alone
			continue
		}
		if err = s.session.GuildMemberRoleAdd(guildID, overwrite.ID, role.ID, discordgo.WithContext(ctx)); err != nil {
			s.logger.Error(
				"unable to add course role to member",
				tint.Err(err),
				"member_id", overwrite.ID,
			)
			continue
		}
		if err = s.session.ChannelPermissionDelete(channel.ID, overwrite.ID, discordgo.WithContext(ctx)); err != nil {
			s.logger.Error(
				"unable to drop member overwrite",
				tint.Err(err),
				"member_id", overwrite.ID,
			)
		}
	}

	err = s.session.ChannelPermissionSet(
		channel.ID,
		role.ID,
		discordgo.PermissionOverwriteTypeRole,
		discordgo.PermissionViewChannel,
		0,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error granting role visibility: %w", err)
	}
	return role, nil
}
