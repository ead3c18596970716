package masarykbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ErrCourseNotFound indicates a course code pattern matched zero catalog rows.
var ErrCourseNotFound = errors.New("course not found")

// database wraps the GORM connection and implements CourseStore.
// Writes are mutex-guarded when concurrent writes are disabled
// (SQLite single-writer mode).
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance around an existing GORM
// connection. enableConcurrentWrites should be false for SQLite.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) CourseStore {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

// withTimeout applies the default operation timeout when the caller's
// context has no deadline of its own.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// FindCourse returns the single catalog row for (faculty, code),
// case-insensitive, or ErrCourseNotFound.
func (d *database) FindCourse(ctx context.Context, faculty string, code string) (*Course, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var course Course
	err := d.db.WithContext(ctx).Where(
		"lower(faculty) = lower(?) AND lower(code) = lower(?)", faculty, code,
	).First(&course).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s:%s", ErrCourseNotFound, faculty, code)
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}

// AutocompleteCourses returns up to autocompleteResultLimit catalog rows
// whose "faculty:code name" form contains pattern, case-insensitive.
func (d *database) AutocompleteCourses(ctx context.Context, pattern string) ([]Course, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var courses []Course
	err := d.db.WithContext(ctx).Where(
		"lower(faculty || ':' || code || ' ' || substr(name, 1, 50)) LIKE ?",
		"%"+strings.ToLower(pattern)+"%",
	).Limit(autocompleteResultLimit).Find(&courses).Error
	return courses, err
}

// AllCourses returns the whole catalog, for trie seeding.
func (d *database) AllCourses(ctx context.Context) ([]Course, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var courses []Course
	err := d.db.WithContext(ctx).Find(&courses).Error
	return courses, err
}

// CreateCourse inserts a catalog row, ignoring duplicates.
func (d *database) CreateCourse(ctx context.Context, course *Course) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "faculty"}, {Name: "code"}},
			DoNothing: true,
		},
	).Create(course).Error
}

// SignUser records a registration, idempotently: re-registering an already
// registered user affects zero rows and is not an error.
func (d *database) SignUser(
	ctx context.Context,
	guildID string,
	faculty string,
	code string,
	userID string,
) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	reg := CourseRegistration{
		GuildID: guildID,
		Faculty: strings.ToUpper(faculty),
		Code:    strings.ToUpper(code),
		UserID:  userID,
	}
	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "guild_id"}, {Name: "faculty"}, {Name: "code"}, {Name: "user_id"},
			},
			DoNothing: true,
		},
	).Create(&reg).Error
}

// UnsignUser removes a registration. Removing a registration that does not
// exist is a no-op.
func (d *database) UnsignUser(
	ctx context.Context,
	guildID string,
	faculty string,
	code string,
	userID string,
) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Unscoped().Where(
		"guild_id = ? AND faculty = ? AND code = ? AND user_id = ?",
		guildID, strings.ToUpper(faculty), strings.ToUpper(code), userID,
	).Delete(&CourseRegistration{}).Error
}

// UnsignUserAll removes every registration a user holds in a guild.
func (d *database) UnsignUserAll(ctx context.Context, guildID string, userID string) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Unscoped().Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).Delete(&CourseRegistration{}).Error
}

// RegisteredUserIDs lists the members registered for a course in a guild.
func (d *database) RegisteredUserIDs(
	ctx context.Context,
	guildID string,
	faculty string,
	code string,
) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var userIDs []string
	err := d.db.WithContext(ctx).Model(&CourseRegistration{}).Where(
		"guild_id = ? AND faculty = ? AND code = ?",
		guildID, strings.ToUpper(faculty), strings.ToUpper(code),
	).Pluck("user_id", &userIDs).Error
	return userIDs, err
}

// UserCourses returns the catalog rows for every course a user is
// registered to in a guild.
func (d *database) UserCourses(ctx context.Context, guildID string, userID string) ([]Course, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var courses []Course
	err := d.db.WithContext(ctx).Model(&Course{}).
		Joins(
			"JOIN course_registrations r ON r.faculty = courses.faculty AND r.code = courses.code",
		).
		Where("r.guild_id = ? AND r.user_id = ? AND r.deleted_at IS NULL", guildID, userID).
		Find(&courses).Error
	return courses, err
}

// ClaimCourseChannel inserts the course→channel mapping if no mapping exists
// yet. Returns the current mapping and whether this caller's row won the
// insert. First writer wins; losers must reuse the winner's channel.
func (d *database) ClaimCourseChannel(
	ctx context.Context,
	mapping *CourseChannel,
) (*CourseChannel, bool, error) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	mapping.Faculty = strings.ToUpper(mapping.Faculty)
	mapping.Code = strings.ToUpper(mapping.Code)
	rv := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "guild_id"}, {Name: "faculty"}, {Name: "code"},
			},
			DoNothing: true,
		},
	).Create(mapping)
	if rv.Error != nil {
		return nil, false, rv.Error
	}
	if rv.RowsAffected > 0 {
		return mapping, true, nil
	}

	var existing CourseChannel
	err := d.db.WithContext(ctx).Where(
		"guild_id = ? AND faculty = ? AND code = ?",
		mapping.GuildID, mapping.Faculty, mapping.Code,
	).First(&existing).Error
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// CourseChannelFor returns the stored channel mapping for a course, or nil
// if none exists.
func (d *database) CourseChannelFor(
	ctx context.Context,
	guildID string,
	faculty string,
	code string,
) (*CourseChannel, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var mapping CourseChannel
	err := d.db.WithContext(ctx).Where(
		"guild_id = ? AND faculty = ? AND code = ?",
		guildID, strings.ToUpper(faculty), strings.ToUpper(code),
	).First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// SetCourseChannel upserts the channel ID for a course mapping.
func (d *database) SetCourseChannel(
	ctx context.Context,
	guildID string,
	faculty string,
	code string,
	channelID string,
) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	mapping := CourseChannel{
		GuildID:   guildID,
		Faculty:   strings.ToUpper(faculty),
		Code:      strings.ToUpper(code),
		ChannelID: channelID,
	}
	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "guild_id"}, {Name: "faculty"}, {Name: "code"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"channel_id", "updated_at"}),
		},
	).Create(&mapping).Error
}

// SetCourseCategory updates the category ID on an existing course mapping.
func (d *database) SetCourseCategory(
	ctx context.Context,
	guildID string,
	faculty string,
	code string,
	categoryID string,
) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Model(&CourseChannel{}).Where(
		"guild_id = ? AND faculty = ? AND code = ?",
		guildID, strings.ToUpper(faculty), strings.ToUpper(code),
	).Update("category_id", categoryID).Error
}

// ChannelMirrors returns the mirrored channel rows for a guild, keyed by
// channel ID.
func (d *database) ChannelMirrors(ctx context.Context, guildID string) (map[string]ChannelMirror, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var rows []ChannelMirror
	if err := d.db.WithContext(ctx).Where("guild_id = ?", guildID).Find(&rows).Error; err != nil {
		return nil, err
	}
	mirrors := make(map[string]ChannelMirror, len(rows))
	for _, row := range rows {
		mirrors[row.ChannelID] = row
	}
	return mirrors, nil
}

// CategoryMirrors returns the mirrored category rows for a guild, keyed by
// category ID.
func (d *database) CategoryMirrors(ctx context.Context, guildID string) (map[string]CategoryMirror, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var rows []CategoryMirror
	if err := d.db.WithContext(ctx).Where("guild_id = ?", guildID).Find(&rows).Error; err != nil {
		return nil, err
	}
	mirrors := make(map[string]CategoryMirror, len(rows))
	for _, row := range rows {
		mirrors[row.CategoryID] = row
	}
	return mirrors, nil
}

// SaveChannelMirror upserts a mirrored channel row.
func (d *database) SaveChannelMirror(ctx context.Context, mirror *ChannelMirror) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "channel_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"name", "parent_id", "position", "updated_at"},
			),
		},
	).Create(mirror).Error
}

// SaveCategoryMirror upserts a mirrored category row.
func (d *database) SaveCategoryMirror(ctx context.Context, mirror *CategoryMirror) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "category_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"name", "position", "updated_at"},
			),
		},
	).Create(mirror).Error
}

// DeleteChannelMirror removes a mirrored channel row by channel ID.
func (d *database) DeleteChannelMirror(ctx context.Context, channelID string) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Unscoped().Where(
		"channel_id = ?", channelID,
	).Delete(&ChannelMirror{}).Error
}

// DeleteCategoryMirror removes a mirrored category row by category ID.
func (d *database) DeleteCategoryMirror(ctx context.Context, categoryID string) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Unscoped().Where(
		"category_id = ?", categoryID,
	).Delete(&CategoryMirror{}).Error
}

// CourseStore defines the persistence boundary for the course registration
// subsystem. This is here primarily to enable mocking of the database
// operations for testing; [database] implements it for 'real' DB operations.
type CourseStore interface {
	DB() *gorm.DB

	FindCourse(ctx context.Context, faculty string, code string) (*Course, error)
	AutocompleteCourses(ctx context.Context, pattern string) ([]Course, error)
	AllCourses(ctx context.Context) ([]Course, error)
	CreateCourse(ctx context.Context, course *Course) error

	SignUser(ctx context.Context, guildID, faculty, code, userID string) error
	UnsignUser(ctx context.Context, guildID, faculty, code, userID string) error
	UnsignUserAll(ctx context.Context, guildID, userID string) error
	RegisteredUserIDs(ctx context.Context, guildID, faculty, code string) ([]string, error)
	UserCourses(ctx context.Context, guildID, userID string) ([]Course, error)

	ClaimCourseChannel(ctx context.Context, mapping *CourseChannel) (*CourseChannel, bool, error)
	CourseChannelFor(ctx context.Context, guildID, faculty, code string) (*CourseChannel, error)
	SetCourseChannel(ctx context.Context, guildID, faculty, code, channelID string) error
	SetCourseCategory(ctx context.Context, guildID, faculty, code, categoryID string) error

	ChannelMirrors(ctx context.Context, guildID string) (map[string]ChannelMirror, error)
	CategoryMirrors(ctx context.Context, guildID string) (map[string]CategoryMirror, error)
	SaveChannelMirror(ctx context.Context, mirror *ChannelMirror) error
	SaveCategoryMirror(ctx context.Context, mirror *CategoryMirror) error
	DeleteChannelMirror(ctx context.Context, channelID string) error
	DeleteCategoryMirror(ctx context.Context, categoryID string) error
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, and auto-migrates the model set.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, sqlErr := db.DB()
		if sqlErr != nil {
			return db, sqlErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if execErr := db.Exec(pragma).Error; execErr != nil {
				return db, execErr
			}
		}
	}

	txn := db.WithContext(ctx).Begin()
	err = txn.Migrator().AutoMigrate(
		&Course{},
		&CourseRegistration{},
		&CourseChannel{},
		&ChannelMirror{},
		&CategoryMirror{},
	)
	if err != nil {
		return db, err
	}
	if commitErr := txn.Commit().Error; commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf("unknown database type: %s", databaseType)
	}
}
