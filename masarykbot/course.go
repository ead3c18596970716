package masarykbot

import (
	"log/slog"
	"strings"

	"gorm.io/gorm"
)

// recordSeparator joins list-valued columns (course terms) into a single
// string column, ASCII record separator delimited.
const recordSeparator = string(rune(30))

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// Course is a catalog entry for a university course. Identity is
// (faculty, code), case-insensitive. Catalog rows are read-mostly; the bot
// only ever soft-deletes them.
//
//nolint:lll // struct tags can't be split
type Course struct {
	ModelUintID
	ModelUnixTime

	// Faculty is the top-level organizational unit, e.g. "FI"
	Faculty string `json:"faculty" gorm:"uniqueIndex:idx_course_identity;type:string"`

	// Code is the course identifier unique within a faculty, e.g. "IB000"
	Code string `json:"code" gorm:"uniqueIndex:idx_course_identity;type:string"`

	// Name is the human-readable course title
	Name string `json:"name" gorm:"type:string"`

	// URL points at the course's information-system page
	URL string `json:"url" gorm:"type:string"`

	// Terms holds the terms the course runs in, recordSeparator-joined
	// (e.g. "jaro 2024", "podzim 2023")
	Terms string `json:"terms" gorm:"type:string"`
}

func (c Course) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("faculty", c.Faculty),
		slog.String("code", c.Code),
		slog.String("name", c.Name),
	)
}

// Identity returns the "FACULTY:CODE" form used in user-facing messages.
func (c Course) Identity() string {
	return strings.ToUpper(c.Faculty) + ":" + strings.ToUpper(c.Code)
}

// TermList splits the joined Terms column.
func (c Course) TermList() []string {
	if c.Terms == "" {
		return nil
	}
	return strings.Split(c.Terms, recordSeparator)
}

// SetTerms joins the given terms into the Terms column.
func (c *Course) SetTerms(terms []string) {
	c.Terms = strings.Join(terms, recordSeparator)
}

// CourseRegistration records one user's interest in a course within one
// guild, independent of whether a channel currently exists. Set semantics:
// the composite unique index makes repeat registration a no-op.
//
//nolint:lll // struct tags can't be split
type CourseRegistration struct {
	ModelUintID
	ModelUnixTime

	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_registration;type:string"`
	Faculty string `json:"faculty" gorm:"uniqueIndex:idx_registration;type:string"`
	Code    string `json:"code" gorm:"uniqueIndex:idx_registration;type:string"`
	UserID  string `json:"user_id" gorm:"uniqueIndex:idx_registration;type:string"`
}

// CourseChannel maps a course to its live text channel (and category) in a
// guild. At most one mapping per course per guild; the row persists even if
// every registration is later dropped (the channel is hidden, not deleted).
//
//nolint:lll // struct tags can't be split
type CourseChannel struct {
	ModelUintID
	ModelUnixTime

	GuildID    string `json:"guild_id" gorm:"uniqueIndex:idx_course_channel;type:string"`
	Faculty    string `json:"faculty" gorm:"uniqueIndex:idx_course_channel;type:string"`
	Code       string `json:"code" gorm:"uniqueIndex:idx_course_channel;type:string"`
	ChannelID  string `json:"channel_id" gorm:"type:string"`
	CategoryID string `json:"category_id" gorm:"type:string"`
}

// ChannelMirror is a DB mirror of a live guild text channel, kept in sync
// by the guild syncer for backup/analytics.
//
//nolint:lll // struct tags can't be split
type ChannelMirror struct {
	ModelUintID
	ModelUnixTime

	ChannelID string `json:"channel_id" gorm:"uniqueIndex;type:string"`
	GuildID   string `json:"guild_id" gorm:"index;type:string"`
	Name      string `json:"name" gorm:"type:string"`
	ParentID  string `json:"parent_id" gorm:"type:string"`
	Position  int    `json:"position"`
}

// CategoryMirror is a DB mirror of a live guild category.
//
//nolint:lll // struct tags can't be split
type CategoryMirror struct {
	ModelUintID
	ModelUnixTime

	CategoryID string `json:"category_id" gorm:"uniqueIndex;type:string"`
	GuildID    string `json:"guild_id" gorm:"index;type:string"`
	Name       string `json:"name" gorm:"type:string"`
	Position   int    `json:"position"`
}
