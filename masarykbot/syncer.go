package masarykbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// SyncResult summarizes a guild mirror sync.
type SyncResult struct {
	CreatedChannels   int `json:"created_channels"`
	UpdatedChannels   int `json:"updated_channels"`
	DeletedChannels   int `json:"deleted_channels"`
	CreatedCategories int `json:"created_categories"`
	UpdatedCategories int `json:"updated_categories"`
	DeletedCategories int `json:"deleted_categories"`
}

// RecoverResult summarizes a database recovery pass.
type RecoverResult struct {
	Channels      int `json:"channels"`
	Registrations int `json:"registrations"`
}

// Syncer keeps the local channel and category mirrors consistent with a
// guild's live state, and can rebuild course mappings and registrations from
// the guild when the database is lost.
type Syncer struct {
	store   CourseStore
	session GuildSessionHandler
	logger  *slog.Logger
}

func NewSyncer(store CourseStore, session GuildSessionHandler, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:   store,
		session: session,
		logger:  logger.With(loggerNameKey, "syncer"),
	}
}

// SyncGuild diffs the guild's live channels and categories against the
// stored mirrors, creating, updating and deleting mirror rows as needed.
func (s *Syncer) SyncGuild(ctx context.Context, guildID string) (SyncResult, error) {
	var result SyncResult

	channels, err := s.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return result, fmt.Errorf("error listing guild channels: %w", err)
	}
	channelMirrors, err := s.store.ChannelMirrors(ctx, guildID)
	if err != nil {
		return result, err
	}
	categoryMirrors, err := s.store.CategoryMirrors(ctx, guildID)
	if err != nil {
		return result, err
	}

	seenChannels := map[string]bool{}
	seenCategories := map[string]bool{}
	for _, ch := range channels {
		switch ch.Type {
		case discordgo.ChannelTypeGuildCategory:
			seenCategories[ch.ID] = true
			mirror, known := categoryMirrors[ch.ID]
			if known && mirror.Name == ch.Name && mirror.Position == ch.Position {
				continue
			}
			err = s.store.SaveCategoryMirror(ctx, &CategoryMirror{
				CategoryID: ch.ID,
				GuildID:    guildID,
				Name:       ch.Name,
				Position:   ch.Position,
			})
			if err != nil {
				return result, err
			}
			if known {
				result.UpdatedCategories++
			} else {
				result.CreatedCategories++
			}
		case discordgo.ChannelTypeGuildText:
			seenChannels[ch.ID] = true
			mirror, known := channelMirrors[ch.ID]
			if known && mirror.Name == ch.Name &&
				mirror.ParentID == ch.ParentID && mirror.Position == ch.Position {
				continue
			}
			err = s.store.SaveChannelMirror(ctx, &ChannelMirror{
				ChannelID: ch.ID,
				GuildID:   guildID,
				Name:      ch.Name,
				ParentID:  ch.ParentID,
				Position:  ch.Position,
			})
			if err != nil {
				return result, err
			}
			if known {
				result.UpdatedChannels++
			} else {
				result.CreatedChannels++
			}
		}
	}

	for channelID := range channelMirrors {
		if seenChannels[channelID] {
			continue
		}
		if err = s.store.DeleteChannelMirror(ctx, channelID); err != nil {
			return result, err
		}
		result.DeletedChannels++
	}
	for categoryID := range categoryMirrors {
		if seenCategories[categoryID] {
			continue
		}
		if err = s.store.DeleteCategoryMirror(ctx, categoryID); err != nil {
			return result, err
		}
		result.DeletedCategories++
	}

	s.logger.Info(
		"guild sync finished",
		"guild_id", guildID,
		"created_channels", result.CreatedChannels,
		"updated_channels", result.UpdatedChannels,
		"deleted_channels", result.DeletedChannels,
		"created_categories", result.CreatedCategories,
		"updated_categories", result.UpdatedCategories,
		"deleted_categories", result.DeletedCategories,
	)
	return result, nil
}

// RecoverDatabase rebuilds course channel mappings and registrations from
// the guild's live state. Every recognized course channel is claimed, and
// each member holding a plain view-only overwrite on it is re-registered.
// Existing rows are left untouched, so the pass is safe to repeat.
func (s *Syncer) RecoverDatabase(ctx context.Context, guildID string) (RecoverResult, error) {
	var result RecoverResult

	channels, err := s.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return result, fmt.Errorf("error listing guild channels: %w", err)
	}

	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		faculty, code, ok := parseChannelCourse(ch.Name)
		if !ok {
			continue
		}
		faculty = strings.ToUpper(faculty)
		code = strings.ToUpper(code)

		if _, _, err = s.store.ClaimCourseChannel(ctx, &CourseChannel{
			GuildID:    guildID,
			Faculty:    faculty,
			Code:       code,
			ChannelID:  ch.ID,
			CategoryID: ch.ParentID,
		}); err != nil {
			s.logger.Error(
				"unable to claim recovered channel",
				tint.Err(err),
				"channel_id", ch.ID,
			)
			continue
		}
		result.Channels++

		for _, overwrite := range ch.PermissionOverwrites {
			if overwrite.Type != discordgo.PermissionOverwriteTypeMember {
				continue
			}
			if overwrite.Allow != discordgo.PermissionViewChannel || overwrite.Deny != 0 {
				continue
			}
			if err = s.store.SignUser(ctx, guildID, faculty, code, overwrite.ID); err != nil {
				s.logger.Error(
					"unable to recover registration",
					tint.Err(err),
					"channel_id", ch.ID,
					"member_id", overwrite.ID,
				)
				continue
			}
			result.Registrations++
		}
	}

	s.logger.Info(
		"database recovery finished",
		"guild_id", guildID,
		"channels", result.Channels,
		"registrations", result.Registrations,
	)
	return result, nil
}
