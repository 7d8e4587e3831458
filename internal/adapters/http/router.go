package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Voicelink/internal/adapters/signal"
	"github.com/dkeye/Voicelink/internal/app/broker"
	"github.com/dkeye/Voicelink/internal/config"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const sessionUserKey = "user"

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// UserMiddleware resolves the user id from ?user=, then the session, then
// the client token, and remembers it in the session.
func UserMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		raw := c.Query("user")
		if raw == "" {
			if v, ok := sess.Get(sessionUserKey).(string); ok {
				raw = v
			}
		}
		if raw == "" {
			raw = c.GetString("client_token")
		}
		uid, err := domain.ParseUserID(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if sess.Get(sessionUserKey) != uid.String() {
			sess.Set(sessionUserKey, uid.String())
			if err := sess.Save(); err != nil {
				log.Warn().Str("module", "adapters.http").Err(err).Msg("save session")
			}
		}
		c.Set("user_id", uid.String())
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, hub *broker.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoicelinkSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}

	ctrl := signal.NewSignalWSController(
		hub,
		signal.NewRateLimiter(cfg.RateLimit.Count, cfg.RateLimit.Interval),
		signal.Options{ReadLimit: cfg.ReadLimit, PingPeriod: cfg.PingPeriod},
	)

	api := r.Group("/api")
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.Stats())
	})
	if cfg.Mode != "release" {
		api.DELETE("/sessions/:user", func(c *gin.Context) {
			uid, err := domain.ParseUserID(c.Param("user"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"kicked": hub.Kick(uid)})
		})
	}
	api.GET("/ws", UserMiddleware(), func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", c.GetString("user_id")).Msg("ws endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
