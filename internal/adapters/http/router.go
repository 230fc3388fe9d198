package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Panel/internal/adapters/signal"
	"github.com/dkeye/Panel/internal/app"
	"github.com/dkeye/Panel/internal/app/orch"
	"github.com/dkeye/Panel/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	sessionName    = "PanelSessions"
	clientTokenKey = "ct"
)

type Deps struct {
	Orch        *orch.Orchestrator
	Signal      *signal.SignalWSController
	Transcripts *app.TranscriptStore
}

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a stable client token in the session cookie so
// reconnects map to the same user.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", c.GetString("client_token")).Msg("ws signal endpoint hit")
		deps.Signal.HandleSignal(ctx, c)
	})

	th := transcriptHandlers{store: deps.Transcripts}
	api.POST("/transcription", th.post)
	api.GET("/transcriptions", th.all)
	api.GET("/transcriptions/:role", th.byRole)
	api.POST("/transcriptions/clear", th.clear)

	rh := roomHandlers{orch: deps.Orch}
	api.GET("/rooms", rh.list)
	api.GET("/rooms/:name", rh.get)
	api.DELETE("/rooms/:name", rh.evict)

	return r
}
