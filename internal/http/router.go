package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/deskrelay/backend/internal/config"
	"github.com/deskrelay/backend/internal/http/handlers"
	"github.com/deskrelay/backend/internal/http/middleware"
	"github.com/deskrelay/backend/internal/presence"
	"github.com/deskrelay/backend/internal/service"

	_ "github.com/deskrelay/backend/docs"
)

type Deps struct {
	Store    handlers.Pinger
	Resolver middleware.ScopeResolver
	Router   *service.Router
	Sweeper  *service.Sweeper
	Presence *presence.Manager
}

func Router(cfg config.Config, deps Deps, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = config.SplitList(cfg.CORSAllowed)
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:      deps.Store,
		Router:     deps.Router,
		Sweeper:    deps.Sweeper,
		Presence:   deps.Presence,
		Validator:  validator.New(),
		Logger:     logger,
		SendBuffer: cfg.WSSendBuffer,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.CORSAllowed),
		},
	}

	tenantScope := middleware.Tenant(deps.Resolver, logger)

	r.GET("/healthz", h.Healthz)
	r.GET("/ws", tenantScope, h.ServeWS)

	api := r.Group("/api")
	api.Use(tenantScope)
	{
		api.POST("/messages", h.IngestMessage)
		api.GET("/departments", h.ListDepartments)
		api.POST("/tickets/:id/department", h.SelectDepartment)
		api.POST("/tickets/:id/messages", h.SendAgentMessage)
		api.GET("/tickets/:id/messages", h.ListMessages)
		api.POST("/tickets/:id/status", h.SetStatus)
		api.POST("/tickets/:id/assign", h.AssignAgent)
		api.POST("/tickets/:id/ai", h.SetAIMode)
	}

	admin := r.Group("/api/admin")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/sweeps/:name", h.RunSweep)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}

func originChecker(allowed string) func(*http.Request) bool {
	if allowed == "*" {
		return func(*http.Request) bool { return true }
	}
	set := map[string]struct{}{}
	for _, o := range config.SplitList(allowed) {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
