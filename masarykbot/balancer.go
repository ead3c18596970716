package masarykbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// ErrReorderInProgress indicates a reorder for the guild is already running.
var ErrReorderInProgress = errors.New("reorder already in progress for this guild")

// ReorderResult summarizes the mutations a guild reorder performed.
type ReorderResult struct {
	MovedChannels     int `json:"moved_channels"`
	CreatedCategories int `json:"created_categories"`
	DeletedCategories int `json:"deleted_categories"`
	ResortedChannels  int `json:"resorted_channels"`
}

// Balancer files course channels into prefix-balanced categories.
//
// Each faculty gets a trie of its course codes, and categories are the
// prefixes the trie yields for the Discord category size limit. Building the
// tries from the full catalog (rather than just the live channels) keeps the
// category layout stable as channels appear.
//
// All Discord mutations go through a shared rate limiter, and at most one
// reorder runs per guild at a time.
type Balancer struct {
	store   CourseStore
	session GuildSessionHandler
	config  *Config
	logger  *slog.Logger
	limiter *rate.Limiter

	reorderLocks sync.Map
}

// NewBalancer returns a Balancer backed by the given store and session.
func NewBalancer(
	store CourseStore,
	session GuildSessionHandler,
	config *Config,
	logger *slog.Logger,
) *Balancer {
	if logger == nil {
		logger = slog.Default()
	}
	limit := config.ReorderRateLimit
	if limit <= 0 {
		limit = DefaultReorderRateLimit
	}
	return &Balancer{
		store:   store,
		session: session,
		config:  config,
		logger:  logger.With(loggerNameKey, "balancer"),
		limiter: rate.NewLimiter(rate.Limit(limit), 1),
	}
}

func (b *Balancer) pace(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// buildTries returns a per-faculty trie over the union of the catalog's
// course codes and the codes of recognized live course channels. Codes are
// uppercased before insertion so the descent is case-insensitive.
func (b *Balancer) buildTries(
	ctx context.Context,
	channels []*discordgo.Channel,
) (map[string]*Trie, error) {
	courses, err := b.store.AllCourses(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading course catalog: %w", err)
	}

	tries := map[string]*Trie{}
	insert := func(faculty, code string) {
		faculty = strings.ToUpper(faculty)
		code = strings.ToUpper(code)
		trie, ok := tries[faculty]
		if !ok {
			trie = NewTrie()
			tries[faculty] = trie
		}
		if !trie.Find(code) {
			trie.Insert(code)
		}
	}

	for _, course := range courses {
		insert(course.Faculty, course.Code)
	}
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		if faculty, code, ok := parseChannelCourse(ch.Name); ok {
			insert(faculty, code)
		}
	}
	return tries, nil
}

// categoryFor computes the category name the course's channel belongs under.
func categoryFor(tries map[string]*Trie, faculty, code string) string {
	faculty = strings.ToUpper(faculty)
	trie, ok := tries[faculty]
	if !ok {
		trie = NewTrie()
	}
	prefix := trie.FindCategoryFor(strings.ToUpper(code), DiscordCategoryLimit)
	return categoryName(faculty, prefix)
}

// parseCategoryName reports whether name is a balancer-managed course
// category, of the form FACULTY:PREFIX with the prefix padded to a fixed
// width.
func parseCategoryName(name string) (faculty string, ok bool) {
	faculty, padded, found := strings.Cut(name, ":")
	if !found || faculty == "" {
		return "", false
	}
	for _, r := range faculty {
		if !unicode.IsUpper(r) {
			return "", false
		}
	}
	if len([]rune(padded)) != categoryPrefixPadWidth {
		return "", false
	}
	return faculty, true
}

// AssignCategory returns the ID of the category the course's channel should
// live under, creating the category if the guild does not have it yet.
func (b *Balancer) AssignCategory(
	ctx context.Context,
	guildID string,
	course Course,
) (string, error) {
	channels, err := b.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("error listing guild channels: %w", err)
	}
	tries, err := b.buildTries(ctx, channels)
	if err != nil {
		return "", err
	}
	name := categoryFor(tries, course.Faculty, course.Code)

	categoryID, _, err := b.ensureCategory(ctx, guildID, name, channels)
	if err != nil {
		return "", err
	}
	if err = b.store.SetCourseCategory(ctx, guildID, course.Faculty, course.Code, categoryID); err != nil {
		b.logger.Error("unable to record course category", tint.Err(err))
	}
	return categoryID, nil
}

// ensureCategory finds the named category among the given channels, creating
// it when missing. It reports whether a category was created.
func (b *Balancer) ensureCategory(
	ctx context.Context,
	guildID string,
	name string,
	channels []*discordgo.Channel,
) (string, bool, error) {
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory && ch.Name == name {
			return ch.ID, false, nil
		}
	}
	if err := b.pace(ctx); err != nil {
		return "", false, err
	}
	category, err := b.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name: name,
			Type: discordgo.ChannelTypeGuildCategory,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return "", false, fmt.Errorf("error creating category %q: %w", name, err)
	}
	return category.ID, true, nil
}

// Reorder rebalances the guild's course channels: every recognized course
// channel is moved under its computed category, emptied course categories
// are deleted, and channels within each category are sorted alphabetically.
//
// Only one reorder runs per guild at a time; a second call while one is in
// flight returns ErrReorderInProgress. Permission errors on individual
// channels are logged and skipped so a single restricted channel cannot
// abort the pass.
func (b *Balancer) Reorder(ctx context.Context, guildID string) (ReorderResult, error) {
	lockAny, _ := b.reorderLocks.LoadOrStore(guildID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	if !lock.TryLock() {
		return ReorderResult{}, ErrReorderInProgress
	}
	defer lock.Unlock()

	logger := b.logger.With("guild_id", guildID)
	logger.Info("starting reorder")

	var result ReorderResult

	channels, err := b.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return result, fmt.Errorf("error listing guild channels: %w", err)
	}
	tries, err := b.buildTries(ctx, channels)
	if err != nil {
		return result, err
	}

	categoryIDs := map[string]string{}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory {
			categoryIDs[ch.Name] = ch.ID
		}
	}

	// move each course channel under its computed category
	parents := map[string]string{}
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		faculty, code, ok := parseChannelCourse(ch.Name)
		if !ok {
			parents[ch.ID] = ch.ParentID
			continue
		}
		name := categoryFor(tries, faculty, code)
		targetID, ok := categoryIDs[name]
		if !ok {
			var created bool
			targetID, created, err = b.ensureCategory(ctx, guildID, name, channels)
			if err != nil {
				if isPermissionDenied(err) {
					logger.Warn("permission denied creating category", "category", name)
					continue
				}
				return result, err
			}
			categoryIDs[name] = targetID
			if created {
				result.CreatedCategories++
			}
		}
		parents[ch.ID] = targetID
		if ch.ParentID == targetID {
			continue
		}
		if err = b.pace(ctx); err != nil {
			return result, err
		}
		if _, err = b.session.ChannelEdit(
			ch.ID,
			&discordgo.ChannelEdit{ParentID: targetID},
			discordgo.WithContext(ctx),
		); err != nil {
			if isPermissionDenied(err) {
				logger.Warn("permission denied moving channel", "channel_id", ch.ID)
				continue
			}
			return result, fmt.Errorf("error moving channel %q: %w", ch.Name, err)
		}
		result.MovedChannels++
		if err = b.store.SetCourseCategory(ctx, guildID, faculty, code, targetID); err != nil {
			logger.Error("unable to record course category", tint.Err(err))
		}
	}

	// drop course categories left with no channels
	occupied := map[string]bool{}
	for _, parentID := range parents {
		occupied[parentID] = true
	}
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildCategory {
			continue
		}
		if _, ok := parseCategoryName(ch.Name); !ok {
			continue
		}
		if occupied[ch.ID] {
			continue
		}
		if err = b.pace(ctx); err != nil {
			return result, err
		}
		if _, err = b.session.ChannelDelete(ch.ID, discordgo.WithContext(ctx)); err != nil {
			if isPermissionDenied(err) {
				logger.Warn("permission denied deleting category", "category", ch.Name)
				continue
			}
			return result, fmt.Errorf("error deleting category %q: %w", ch.Name, err)
		}
		result.DeletedCategories++
	}

	resorted, err := b.sortCategories(ctx, guildID, channels, parents, logger)
	result.ResortedChannels = resorted
	if err != nil {
		return result, err
	}

	logger.Info(
		"reorder finished",
		"moved", result.MovedChannels,
		"created_categories", result.CreatedCategories,
		"deleted_categories", result.DeletedCategories,
		"resorted", result.ResortedChannels,
	)
	return result, nil
}

// sortCategories sorts the text channels of each course category
// alphabetically, editing only the channels whose position actually changes.
func (b *Balancer) sortCategories(
	ctx context.Context,
	guildID string,
	channels []*discordgo.Channel,
	parents map[string]string,
	logger *slog.Logger,
) (int, error) {
	byParent := map[string][]*discordgo.Channel{}
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		parentID, ok := parents[ch.ID]
		if !ok {
			parentID = ch.ParentID
		}
		byParent[parentID] = append(byParent[parentID], ch)
	}

	categoryNames := map[string]string{}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory {
			categoryNames[ch.ID] = ch.Name
		}
	}

	resorted := 0
	for parentID, members := range byParent {
		if _, ok := parseCategoryName(categoryNames[parentID]); !ok {
			continue
		}
		ordered := make([]*discordgo.Channel, len(members))
		copy(ordered, members)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Name < ordered[j].Name
		})
		current := make([]*discordgo.Channel, len(members))
		copy(current, members)
		sort.SliceStable(current, func(i, j int) bool {
			return current[i].Position < current[j].Position
		})
		for i, ch := range ordered {
			if current[i].ID == ch.ID {
				continue
			}
			position := current[i].Position
			if err := b.pace(ctx); err != nil {
				return resorted, err
			}
			if _, err := b.session.ChannelEdit(
				ch.ID,
				&discordgo.ChannelEdit{Position: &position},
				discordgo.WithContext(ctx),
			); err != nil {
				if isPermissionDenied(err) {
					logger.Warn("permission denied sorting channel", "channel_id", ch.ID)
					continue
				}
				return resorted, fmt.Errorf("error sorting channel %q: %w", ch.Name, err)
			}
			resorted++
		}
	}
	return resorted, nil
}
