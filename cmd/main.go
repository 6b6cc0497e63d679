package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/veridoc/prospectus-backend/internal/clients/openai"
	"github.com/veridoc/prospectus-backend/internal/clients/sparseembed"
	"github.com/veridoc/prospectus-backend/internal/db"
	"github.com/veridoc/prospectus-backend/internal/handlers"
	"github.com/veridoc/prospectus-backend/internal/ingestion/extractor"
	"github.com/veridoc/prospectus-backend/internal/modules/checklist"
	"github.com/veridoc/prospectus-backend/internal/modules/ingest"
	"github.com/veridoc/prospectus-backend/internal/modules/retrieval"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/platform/qdrant"
	"github.com/veridoc/prospectus-backend/internal/repos"
	"github.com/veridoc/prospectus-backend/internal/server"
	"github.com/veridoc/prospectus-backend/internal/utils"
)

func main() {
	_ = godotenv.Load()

	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	companyRepo := repos.NewCompanyRepo(thePG, log)
	pageRepo := repos.NewPageRepo(thePG, log)
	checklistItemRepo := repos.NewChecklistItemRepo(thePG, log)
	modelCallLogRepo := repos.NewModelCallLogRepo(thePG, log)

	// Vector store
	qdrantCfg, err := qdrant.ResolveConfigFromEnv()
	if err != nil {
		log.Error("Could not resolve Qdrant config", "error", err)
		os.Exit(1)
	}
	vectorStore, err := qdrant.NewVectorStore(log, qdrantCfg)
	if err != nil {
		log.Error("Could not init VectorStore", "error", err)
		os.Exit(1)
	}
	if err := vectorStore.EnsureCollection(context.Background()); err != nil {
		log.Error("Could not ensure Qdrant collection", "error", err)
		os.Exit(1)
	}

	// Model clients
	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAIClient", "error", err)
		os.Exit(1)
	}
	sparseClient, err := sparseembed.NewClient(log)
	if err != nil {
		log.Error("Could not init SparseEmbedClient", "error", err)
		os.Exit(1)
	}

	// Extraction + modules
	pdfExtractor, err := extractor.New(log, openaiClient)
	if err != nil {
		log.Error("Could not init PDFExtractor", "error", err)
		os.Exit(1)
	}
	retrievalService, err := retrieval.NewService(log, openaiClient, sparseClient, vectorStore)
	if err != nil {
		log.Error("Could not init RetrievalService", "error", err)
		os.Exit(1)
	}

	ingestDeps := ingest.IngestDocumentDeps{
		Log:         log,
		Extractor:   pdfExtractor,
		LLM:         openaiClient,
		Sparse:      sparseClient,
		VectorStore: vectorStore,
		PageRepo:    pageRepo,
	}
	checklistDeps := checklist.ScoreChecklistDeps{
		Log:               log,
		Retrieval:         retrievalService,
		LLM:               openaiClient,
		Extractor:         pdfExtractor,
		PageRepo:          pageRepo,
		ChecklistItemRepo: checklistItemRepo,
		ModelCallLogRepo:  modelCallLogRepo,
	}

	// Handlers + router
	companyHandler := handlers.NewCompanyHandler(log, companyRepo, vectorStore)
	prospectusHandler := handlers.NewProspectusHandler(log, companyRepo, retrievalService, ingestDeps, checklistDeps)

	router := server.NewRouter(server.RouterConfig{
		CompanyHandler:    companyHandler,
		ProspectusHandler: prospectusHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	log.Info("Starting server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server exited", "error", err)
		os.Exit(1)
	}
}
