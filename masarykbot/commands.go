package masarykbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const courseCommandName = "course"

// botCommands returns the slash commands registered with Discord.
func botCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        courseCommandName,
			Description: "Course registration",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "join",
					Description: "Sign up for one or more courses",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:         discordgo.ApplicationCommandOptionString,
							Name:         "courses",
							Description:  "Course codes, e.g. 'IB000 FF:CJL09'",
							Required:     true,
							Autocomplete: true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "leave",
					Description: "Sign off one or more courses",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:         discordgo.ApplicationCommandOptionString,
							Name:         "courses",
							Description:  "Course codes, e.g. 'IB000 FF:CJL09'",
							Required:     true,
							Autocomplete: true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "leaveall",
					Description: "Sign off every course you are registered for",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "search",
					Description: "Search the course catalog",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "pattern",
							Description: "Code or name fragment",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "find",
					Description: "Show details of a single course",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:         discordgo.ApplicationCommandOptionString,
							Name:         "course",
							Description:  "Course code, e.g. 'IB000'",
							Required:     true,
							Autocomplete: true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "status",
					Description: "Show how many members registered for a course, or list your own",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:         discordgo.ApplicationCommandOptionString,
							Name:         "course",
							Description:  "Course code, e.g. IB000 or FF:CJL09",
							Autocomplete: true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "reorder",
					Description: "Rebalance course channels into categories (admin)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "recover",
					Description: "Rebuild the database from the guild's channels (admin)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "sync",
					Description: "Sync channel mirrors with the guild (admin)",
				},
			},
		},
	}
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil {
		return i.Member.User
	}
	return i.User
}

func isAdmin(i *discordgo.InteractionCreate) bool {
	return i.Member != nil &&
		i.Member.Permissions&discordgo.PermissionAdministrator != 0
}

func splitCourseArg(arg string) []string {
	return strings.FieldsFunc(arg, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
}

// parseCourseList splits a command argument into course codes, rejecting
// the argument outright when it holds more than MaxCoursesPerCommand.
func parseCourseList(arg string) ([]string, error) {
	fields := splitCourseArg(arg)
	if len(fields) > MaxCoursesPerCommand {
		return nil, fmt.Errorf(
			"too many courses: got %d, the limit is %d per command",
			len(fields), MaxCoursesPerCommand,
		)
	}
	return fields, nil
}

func (b *MasarykBOT) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			data := i.ApplicationCommandData()
			if data.Name != courseCommandName || len(data.Options) == 0 {
				return
			}
			b.handleCourseCommand(i, data.Options[0])
		case discordgo.InteractionApplicationCommandAutocomplete:
			data := i.ApplicationCommandData()
			if data.Name != courseCommandName || len(data.Options) == 0 {
				return
			}
			b.handleCourseAutocomplete(i, data.Options[0])
		}
	}
}

func (b *MasarykBOT) handleCourseCommand(
	i *discordgo.InteractionCreate,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) {
	ctx, cancel := context.WithTimeout(context.Background(), discordMutationTimeout)
	defer cancel()

	user := interactionUser(i)
	logger := b.logger.With(
		"subcommand", sub.Name,
		"guild_id", i.GuildID,
		"user_id", user.ID,
	)

	switch sub.Name {
	case "join", "leave", "leaveall":
		if msg := b.registrationChannelViolation(i); msg != "" {
			b.respondEphemeral(ctx, i, msg)
			return
		}
	case "reorder", "recover", "sync":
		if !isAdmin(i) {
			b.respondEphemeral(ctx, i, "You need administrator permissions for that.")
			return
		}
	}

	switch sub.Name {
	case "join":
		b.deferThenEdit(ctx, i, logger, func(ctx context.Context) string {
			return b.runJoin(ctx, i.GuildID, user.ID, optionString(sub, "courses"))
		})
	case "leave":
		b.deferThenEdit(ctx, i, logger, func(ctx context.Context) string {
			return b.runLeave(ctx, i.GuildID, user.ID, optionString(sub, "courses"))
		})
	case "leaveall":
		b.deferThenEdit(ctx, i, logger, func(ctx context.Context) string {
			left, err := b.service.LeaveAllCourses(ctx, i.GuildID, user.ID)
			if err != nil {
				logger.Error("leaveall failed", tint.Err(err))
				return "Something went wrong, try again later."
			}
			return fmt.Sprintf("Signed off %d course(s).", left)
		})
	case "search":
		b.runSearch(ctx, i, optionString(sub, "pattern"))
	case "find":
		b.runFind(ctx, i, optionString(sub, "course"))
	case "status":
		b.runStatus(ctx, i, user.ID, optionString(sub, "course"))
	case "reorder":
		b.deferThenEdit(ctx, i, logger, func(ctx context.Context) string {
			result, err := b.balancer.Reorder(ctx, i.GuildID)
			if errors.Is(err, ErrReorderInProgress) {
				return "A reorder is already running for this server."
			}
			if err != nil {
				logger.Error("reorder failed", tint.Err(err))
				return "Reorder failed, check the logs."
			}
			return fmt.Sprintf(
				"Reorder done: %d channel(s) moved, %d category(ies) created, %d deleted, %d re-sorted.",
				result.MovedChannels,
				result.CreatedCategories,
				result.DeletedCategories,
				result.ResortedChannels,
			)
		})
	case "recover":
		b.deferThenEdit(ctx, i, logger, func(ctx context.Context) string {
			result, err := b.syncer.RecoverDatabase(ctx, i.GuildID)
			if err != nil {
				logger.Error("recover failed", tint.Err(err))
				return "Recovery failed, check the logs."
			}
			return fmt.Sprintf(
				"Recovered %d channel mapping(s) and %d registration(s).",
				result.Channels,
				result.Registrations,
			)
		})
	case "sync":
		b.deferThenEdit(ctx, i, logger, func(ctx context.Context) string {
			result, err := b.syncer.SyncGuild(ctx, i.GuildID)
			if err != nil {
				logger.Error("sync failed", tint.Err(err))
				return "Sync failed, check the logs."
			}
			return fmt.Sprintf(
				"Sync done: %d/%d/%d channels and %d/%d/%d categories created/updated/deleted.",
				result.CreatedChannels, result.UpdatedChannels, result.DeletedChannels,
				result.CreatedCategories, result.UpdatedCategories, result.DeletedCategories,
			)
		})
	}
}

// registrationChannelViolation returns a user-facing message when the
// interaction arrived outside the guild's registration channel, or "" when
// the command may proceed.
func (b *MasarykBOT) registrationChannelViolation(i *discordgo.InteractionCreate) string {
	gc := b.config.GuildConfig(i.GuildID)
	if gc == nil || gc.RegistrationChannelID == "" || i.ChannelID == gc.RegistrationChannelID {
		return ""
	}
	return fmt.Sprintf("Course commands only work in <#%s>.", gc.RegistrationChannelID)
}

func (b *MasarykBOT) runJoin(ctx context.Context, guildID, userID, arg string) string {
	courses, err := parseCourseList(arg)
	if err != nil {
		return fmt.Sprintf("❌ %s.", err)
	}
	lines := make([]string, 0, MaxCoursesPerCommand)
	for _, raw := range courses {
		faculty, code := parseCourseArg(raw)
		course, err := b.service.CourseInfo(ctx, faculty, code)
		if errors.Is(err, ErrCourseNotFound) {
			lines = append(lines, fmt.Sprintf("❓ %s: no such course", strings.ToUpper(raw)))
			continue
		}
		if err != nil {
			b.logger.Error("course lookup failed", tint.Err(err), "course", raw)
			lines = append(lines, fmt.Sprintf("⚠️ %s: something went wrong", strings.ToUpper(raw)))
			continue
		}
		status, err := b.service.JoinCourse(ctx, guildID, userID, *course)
		if err != nil {
			b.logger.Error("join failed", tint.Err(err), "course", course.Identity())
			lines = append(lines, fmt.Sprintf("⚠️ %s: something went wrong", course.Identity()))
			continue
		}
		switch status {
		case StatusShown:
			lines = append(lines, fmt.Sprintf("✅ %s: signed up, channel is visible", course.Identity()))
		default:
			lines = append(lines, fmt.Sprintf(
				"📝 %s: signed up, the channel opens once enough members register",
				course.Identity(),
			))
		}
	}
	if len(lines) == 0 {
		return "No course codes given."
	}
	return truncate(strings.Join(lines, "\n"), discordMaxMessageLength)
}

func (b *MasarykBOT) runLeave(ctx context.Context, guildID, userID, arg string) string {
	courses, err := parseCourseList(arg)
	if err != nil {
		return fmt.Sprintf("❌ %s.", err)
	}
	lines := make([]string, 0, MaxCoursesPerCommand)
	for _, raw := range courses {
		faculty, code := parseCourseArg(raw)
		course, err := b.service.CourseInfo(ctx, faculty, code)
		if errors.Is(err, ErrCourseNotFound) {
			lines = append(lines, fmt.Sprintf("❓ %s: no such course", strings.ToUpper(raw)))
			continue
		}
		if err != nil {
			b.logger.Error("course lookup failed", tint.Err(err), "course", raw)
			lines = append(lines, fmt.Sprintf("⚠️ %s: something went wrong", strings.ToUpper(raw)))
			continue
		}
		_, err = b.service.LeaveCourse(ctx, guildID, userID, *course)
		var notFound *ChannelNotFoundError
		if errors.As(err, &notFound) {
			lines = append(lines, fmt.Sprintf(
				"❓ %s: no channel %q, did you mean %q?",
				course.Identity(), notFound.Searched, notFound.Suggestion,
			))
			continue
		}
		if err != nil {
			b.logger.Error("leave failed", tint.Err(err), "course", course.Identity())
			lines = append(lines, fmt.Sprintf("⚠️ %s: something went wrong", course.Identity()))
			continue
		}
		lines = append(lines, fmt.Sprintf("👋 %s: signed off", course.Identity()))
	}
	if len(lines) == 0 {
		return "No course codes given."
	}
	return truncate(strings.Join(lines, "\n"), discordMaxMessageLength)
}

func (b *MasarykBOT) runSearch(ctx context.Context, i *discordgo.InteractionCreate, pattern string) {
	courses, err := b.service.SearchCourses(ctx, pattern)
	if err != nil {
		b.logger.Error("course search failed", tint.Err(err), "pattern", pattern)
		b.respondEphemeral(ctx, i, "Search failed, try again later.")
		return
	}
	if len(courses) == 0 {
		b.respondEphemeral(ctx, i, fmt.Sprintf("No courses matching %q.", pattern))
		return
	}
	lines := make([]string, 0, len(courses))
	for _, course := range courses {
		lines = append(lines, fmt.Sprintf("%s %s", course.Identity(), course.Name))
	}
	b.respondEphemeral(ctx, i, truncate(strings.Join(lines, "\n"), discordMaxMessageLength))
}

func (b *MasarykBOT) runFind(ctx context.Context, i *discordgo.InteractionCreate, arg string) {
	faculty, code := parseCourseArg(arg)
	course, err := b.service.CourseInfo(ctx, faculty, code)
	if errors.Is(err, ErrCourseNotFound) {
		b.respondEphemeral(ctx, i, fmt.Sprintf("No such course: %s", strings.ToUpper(arg)))
		return
	}
	if err != nil {
		b.logger.Error("course lookup failed", tint.Err(err), "course", arg)
		b.respondEphemeral(ctx, i, "Lookup failed, try again later.")
		return
	}
	msg := fmt.Sprintf("**%s** %s", course.Identity(), course.Name)
	if terms := course.TermList(); len(terms) > 0 {
		msg += "\nTerms: " + strings.Join(terms, ", ")
	}
	if course.URL != "" {
		msg += "\n" + course.URL
	}
	b.respondEphemeral(ctx, i, truncate(msg, discordMaxMessageLength))
}

func (b *MasarykBOT) runStatus(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	userID string,
	arg string,
) {
	if arg != "" {
		b.runCourseStatus(ctx, i, arg)
		return
	}
	courses, err := b.service.MemberCourses(ctx, i.GuildID, userID)
	if err != nil {
		b.logger.Error("status failed", tint.Err(err), "user_id", userID)
		b.respondEphemeral(ctx, i, "Something went wrong, try again later.")
		return
	}
	if len(courses) == 0 {
		b.respondEphemeral(ctx, i, "You are not registered for any courses.")
		return
	}
	lines := make([]string, 0, len(courses))
	for _, course := range courses {
		lines = append(lines, fmt.Sprintf("%s %s", course.Identity(), course.Name))
	}
	b.respondEphemeral(ctx, i, truncate(
		fmt.Sprintf("You are registered for %d course(s):\n%s", len(courses), strings.Join(lines, "\n")),
		discordMaxMessageLength,
	))
}

// runCourseStatus reports how many members are registered for a course and
// how many registrations open its channel.
func (b *MasarykBOT) runCourseStatus(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	arg string,
) {
	faculty, code := parseCourseArg(arg)
	course, err := b.service.CourseInfo(ctx, faculty, code)
	if errors.Is(err, ErrCourseNotFound) {
		b.respondEphemeral(ctx, i, fmt.Sprintf("❓ %s: no such course.", strings.ToUpper(arg)))
		return
	}
	if err != nil {
		b.logger.Error("course lookup failed", tint.Err(err), "course", arg)
		b.respondEphemeral(ctx, i, "Something went wrong, try again later.")
		return
	}
	members, err := b.service.RegisteredMembers(ctx, i.GuildID, course.Faculty, course.Code)
	if err != nil {
		b.logger.Error("status failed", tint.Err(err), "course", course.Identity())
		b.respondEphemeral(ctx, i, "Something went wrong, try again later.")
		return
	}
	b.respondEphemeral(ctx, i, fmt.Sprintf(
		"%s %s: %d member(s) registered, the channel opens at %d.",
		course.Identity(), course.Name,
		len(members), b.service.neededRegistrations(i.GuildID),
	))
}

func (b *MasarykBOT) handleCourseAutocomplete(
	i *discordgo.InteractionCreate,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pattern := ""
	for _, opt := range sub.Options {
		if opt.Focused {
			pattern, _ = opt.Value.(string)
			break
		}
	}
	// the join/leave field holds a list, complete only its last entry
	if fields := splitCourseArg(pattern); len(fields) > 0 {
		pattern = fields[len(fields)-1]
	}

	courses, err := b.service.SearchCourses(ctx, pattern)
	if err != nil {
		b.logger.Error("autocomplete search failed", tint.Err(err), "pattern", pattern)
		return
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(courses))
	for _, course := range courses {
		if len(choices) == autocompleteResultLimit {
			break
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{
			Name:  truncate(fmt.Sprintf("%s %s", course.Identity(), course.Name), discordMaxChoiceLength),
			Value: course.Identity(),
		})
	}
	err = b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{Choices: choices},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		b.logger.Error("autocomplete response failed", tint.Err(err))
	}
}

func optionString(
	sub *discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	for _, opt := range sub.Options {
		if opt.Name == name {
			value, _ := opt.Value.(string)
			return value
		}
	}
	return ""
}

func (b *MasarykBOT) respondEphemeral(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		b.logger.Error("interaction response failed", tint.Err(err))
	}
}

// deferThenEdit acknowledges the interaction immediately, runs fn, and edits
// the response with fn's result. Used for commands that may outlive the
// 3-second interaction response window.
func (b *MasarykBOT) deferThenEdit(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
	fn func(ctx context.Context) string,
) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.Error("interaction ack failed", tint.Err(err))
		return
	}
	content := fn(ctx)
	if _, err = b.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
		discordgo.WithContext(ctx),
	); err != nil {
		logger.Error("interaction edit failed", tint.Err(err))
	}
}

// sweepRegistrationChannel deletes stray messages left in a guild's
// registration channel, e.g. ones posted while the bot was offline.
func (b *MasarykBOT) sweepRegistrationChannel(ctx context.Context, gc *GuildConfig) {
	messages, err := b.discord.session.ChannelMessages(
		gc.RegistrationChannelID, 100, "", "", "",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		b.logger.Warn(
			"unable to list registration channel messages",
			tint.Err(err),
			"channel_id", gc.RegistrationChannelID,
		)
		return
	}
	for _, message := range messages {
		if message.Pinned {
			continue
		}
		if message.Author != nil && message.Author.ID == b.config.Discord.ApplicationID {
			continue
		}
		err = b.discord.session.ChannelMessageDelete(
			message.ChannelID,
			message.ID,
			discordgo.WithContext(ctx),
		)
		if err != nil && !isPermissionDenied(err) {
			b.logger.Warn(
				"unable to sweep registration channel message",
				tint.Err(err),
				"message_id", message.ID,
			)
		}
	}
}

// handlerMessageCreate sweeps stray messages out of configured registration
// channels shortly after they appear, keeping the channel usable as a
// command surface.
func (b *MasarykBOT) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		gc := b.config.GuildConfig(m.GuildID)
		if gc == nil || gc.RegistrationChannelID == "" || m.ChannelID != gc.RegistrationChannelID {
			return
		}
		if m.Author != nil && m.Author.ID == b.config.Discord.ApplicationID {
			return
		}
		delay := registrationSweepDelay
		if m.Author != nil && m.Author.Bot {
			delay = registrationEmbedTTL
		}
		go func() {
			time.Sleep(delay)
			ctx, cancel := context.WithTimeout(context.Background(), discordMutationTimeout)
			defer cancel()
			err := b.discord.session.ChannelMessageDelete(
				m.ChannelID,
				m.ID,
				discordgo.WithContext(ctx),
			)
			if err != nil && !isPermissionDenied(err) {
				b.logger.Warn(
					"unable to sweep registration channel message",
					tint.Err(err),
					"channel_id", m.ChannelID,
					"message_id", m.ID,
				)
			}
		}()
	}
}
