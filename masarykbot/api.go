package masarykbot

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// apiServer builds the operational HTTP API: a health endpoint, catalog
// queries, and per-guild reorder/sync/recover triggers for operators who
// would rather curl than open Discord.
func (b *MasarykBOT) apiServer() *http.Server {
	cfg := b.config.API
	logger := slog.New(
		tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel, AddSource: true}),
	).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginLogger(logger), gin.Recovery())
	if len(cfg.CORS.AllowOrigins) > 0 {
		engine.Use(cors.New(cfg.CORS.GINConfig()))
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"connected": b.discord.connected.Load(),
			"guilds":    len(b.config.Guilds),
		})
	})

	api := engine.Group("/api")
	api.GET("/courses", func(c *gin.Context) {
		pattern := c.Query("pattern")
		var (
			courses []Course
			err     error
		)
		if pattern == "" {
			courses, err = b.db.AllCourses(c.Request.Context())
		} else {
			courses, err = b.db.AutocompleteCourses(c.Request.Context(), pattern)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, courses)
	})
	api.POST("/guilds/:guild_id/reorder", func(c *gin.Context) {
		result, err := b.balancer.Reorder(c.Request.Context(), c.Param("guild_id"))
		if errors.Is(err, ErrReorderInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.POST("/guilds/:guild_id/sync", func(c *gin.Context) {
		result, err := b.syncer.SyncGuild(c.Request.Context(), c.Param("guild_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.POST("/guilds/:guild_id/recover", func(c *gin.Context) {
		result, err := b.syncer.RecoverDatabase(c.Request.Context(), c.Param("guild_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// ginLogger logs each request through slog instead of gin's own writer.
func ginLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

