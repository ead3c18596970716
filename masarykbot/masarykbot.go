// Package masarykbot implements a Discord bot for university communities:
// members sign up for courses via slash commands, course channels are
// created once enough members register, and channels are filed into
// prefix-balanced categories that respect the Discord category size limit.
package masarykbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/solumath/MasarykBOT/masarykbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var structValidator = validator.New()

//nolint:gochecknoinits // validator tag registration
func init() {
	structValidator.SetTagName("binding")
}

// MasarykBOT is the top-level bot: it owns the database, the Discord
// integration, the course registration service, the category balancer, the
// guild syncer and the operational HTTP API.
type MasarykBOT struct {
	config   *Config
	logger   *slog.Logger
	db       CourseStore
	discord  *Discord
	service  *CourseService
	balancer *Balancer
	syncer   *Syncer
	api      *http.Server
}

// New validates the given configuration and returns a MasarykBOT ready to
// Run. Pass nil to use the default configuration.
func New(config *Config) (*MasarykBOT, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{Level: config.LogLevel, AddSource: true},
	)
	logger := slog.New(handler).With(loggerNameKey, "masarykbot")
	slog.SetDefault(logger)

	bot := &MasarykBOT{config: config, logger: logger}

	bot.discord = newDiscord(config.Discord)
	bot.discord.logger = slog.New(
		tint.NewHandler(
			os.Stdout,
			&tint.Options{Level: config.Discord.LogLevel, AddSource: true},
		),
	).With(loggerNameKey, "discord")
	if config.HTTPClient != nil {
		config.Discord.httpClient = config.HTTPClient
	}
	session, err := bot.discord.newSession()
	if err != nil {
		return nil, err
	}
	bot.discord.session = session

	return bot, nil
}

// Run starts the bot and blocks until ctx is canceled, then shuts down
// within the configured shutdown timeout.
func (b *MasarykBOT) Run(ctx context.Context) error {
	startupCtx, cancelStartup := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer cancelStartup()

	gormDB, err := CreateDB(startupCtx, b.config.DatabaseType, b.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = NewDatabase(gormDB, b.logger, b.config.DatabaseType == dbTypePostgres)

	b.balancer = NewBalancer(b.db, b.discord.session, b.config, b.logger)
	b.service = NewCourseService(b.db, b.discord.session, b.balancer, b.config, b.logger)
	b.syncer = NewSyncer(b.db, b.discord.session, b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		tint.NewHandler(
			os.Stdout,
			&tint.Options{Level: b.config.Discord.DiscordGoLogLevel, AddSource: true},
		),
	)

	discord := b.discord
	discord.discordgoRemoveHandlerFuncs = append(
		discord.discordgoRemoveHandlerFuncs,
		discord.session.AddHandler(discord.handlerReady(b)),
		discord.session.AddHandler(discord.handlerConnect()),
		discord.session.AddHandler(discord.handlerDisconnect()),
		discord.session.AddHandler(b.handlerInteractionCreate()),
		discord.session.AddHandler(b.handlerMessageCreate()),
	)

	if err = discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err = discord.registerCommands(
		botCommands(),
		discordgo.WithContext(startupCtx),
	); err != nil {
		_ = discord.session.Close()
		return fmt.Errorf("error registering commands: %w", err)
	}

	apiErr := make(chan error, 1)
	if b.config.API != nil {
		b.api = b.apiServer()
		go func() {
			b.logger.Info("starting API server", "listen", b.config.API.Listen)
			if serveErr := b.api.ListenAndServe(); serveErr != nil &&
				!errors.Is(serveErr, http.ErrServerClosed) {
				apiErr <- serveErr
			}
		}()
	}

	b.logger.Info("bot running")
	select {
	case <-ctx.Done():
	case err = <-apiErr:
		b.logger.Error("API server failed", tint.Err(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer cancelShutdown()

	for _, remove := range discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	if closeErr := discord.session.Close(); closeErr != nil {
		b.logger.Error("error closing discord session", tint.Err(closeErr))
	}
	if b.api != nil {
		if apiShutdownErr := b.api.Shutdown(shutdownCtx); apiShutdownErr != nil {
			b.logger.Error("error shutting down API server", tint.Err(apiShutdownErr))
		}
	}
	b.logger.Info("shutdown complete")
	return err
}

// handleReady kicks off a mirror sync for every configured guild once the
// gateway reports ready.
func (b *MasarykBOT) handleReady(r *discordgo.Ready) {
	for i := range b.config.Guilds {
		gc := &b.config.Guilds[i]
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := b.syncer.SyncGuild(ctx, gc.ID); err != nil {
				b.logger.Error(
					"guild sync on ready failed",
					tint.Err(err),
					"guild_id", gc.ID,
				)
			}
			if gc.RegistrationChannelID != "" {
				b.sweepRegistrationChannel(ctx, gc)
			}
		}()
	}
}
