package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/veridoc/prospectus-backend/internal/handlers"
	"github.com/veridoc/prospectus-backend/internal/utils"
)

type RouterConfig struct {
	CompanyHandler    *handlers.CompanyHandler
	ProspectusHandler *handlers.ProspectusHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	allowOrigins := strings.Split(utils.GetEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000", nil), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-Requested-With"},
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/companies", cfg.CompanyHandler.Create)
		api.GET("/companies/:id", cfg.CompanyHandler.Get)
		api.DELETE("/companies/:id", cfg.CompanyHandler.Delete)

		api.POST("/companies/:id/ingest", cfg.ProspectusHandler.Ingest)
		api.POST("/companies/:id/checklists/:type/run", cfg.ProspectusHandler.RunChecklist)
		api.GET("/companies/:id/checklists/:type", cfg.ProspectusHandler.GetChecklist)
		api.GET("/companies/:id/search", cfg.ProspectusHandler.Search)
	}

	return router
}
