package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/veridoc/prospectus-backend/internal/modules/checklist"
	"github.com/veridoc/prospectus-backend/internal/modules/ingest"
	"github.com/veridoc/prospectus-backend/internal/modules/retrieval"
	"github.com/veridoc/prospectus-backend/internal/pkg/errs"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/repos"
	"github.com/veridoc/prospectus-backend/internal/types"
)

const maxSearchLimit = 50

type ProspectusHandler struct {
	log           *logger.Logger
	companyRepo   repos.CompanyRepo
	retrieval     retrieval.Service
	ingestDeps    ingest.IngestDocumentDeps
	checklistDeps checklist.ScoreChecklistDeps
}

func NewProspectusHandler(
	log *logger.Logger,
	companyRepo repos.CompanyRepo,
	retrievalSvc retrieval.Service,
	ingestDeps ingest.IngestDocumentDeps,
	checklistDeps checklist.ScoreChecklistDeps,
) *ProspectusHandler {
	return &ProspectusHandler{
		log:           log.With("handler", "ProspectusHandler"),
		companyRepo:   companyRepo,
		retrieval:     retrievalSvc,
		ingestDeps:    ingestDeps,
		checklistDeps: checklistDeps,
	}
}

func (h *ProspectusHandler) loadCompany(c *gin.Context) (*types.Company, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_company_id", err)
		return nil, false
	}
	company, err := h.companyRepo.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			RespondError(c, http.StatusNotFound, "company_not_found", err)
			return nil, false
		}
		RespondError(c, http.StatusInternalServerError, "lookup_failed", err)
		return nil, false
	}
	return company, true
}

type ingestRequest struct {
	// PdfPath overrides the company's stored source file path.
	PdfPath string `json:"pdf_path"`
}

type ingestResponse struct {
	PagesExtracted int `json:"pages_extracted"`
	PagesIndexed   int `json:"pages_indexed"`
	TokensIn       int `json:"tokens_in"`
	TokensOut      int `json:"tokens_out"`
}

// POST /api/companies/:id/ingest
func (h *ProspectusHandler) Ingest(c *gin.Context) {
	company, ok := h.loadCompany(c)
	if !ok {
		return
	}

	var req ingestRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_body", err)
			return
		}
	}
	pdfPath := strings.TrimSpace(req.PdfPath)
	if pdfPath == "" {
		pdfPath = company.SourceFilePath
	}
	if pdfPath == "" {
		RespondError(c, http.StatusBadRequest, "missing_pdf_path", errors.New("no pdf path provided and company has no source file"))
		return
	}

	out, err := ingest.IngestDocument(c.Request.Context(), h.ingestDeps, ingest.IngestDocumentInput{
		CompanyID: company.ID,
		PdfPath:   pdfPath,
	})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "ingest_failed", err)
		return
	}

	RespondOK(c, ingestResponse{
		PagesExtracted: out.PagesExtracted,
		PagesIndexed:   out.PagesIndexed,
		TokensIn:       out.Usage.Input,
		TokensOut:      out.Usage.Output,
	})
}

type runChecklistRequest struct {
	Rows []checklist.Row `json:"rows"`
}

type runChecklistResponse struct {
	RowsScored  int `json:"rows_scored"`
	RowsSkipped int `json:"rows_skipped"`
	RowsFailed  int `json:"rows_failed"`
	TokensIn    int `json:"tokens_in"`
	TokensOut   int `json:"tokens_out"`
}

// POST /api/companies/:id/checklists/:type/run
func (h *ProspectusHandler) RunChecklist(c *gin.Context) {
	company, ok := h.loadCompany(c)
	if !ok {
		return
	}

	checklistType, err := types.ParseChecklistType(c.Param("type"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_checklist_type", err)
		return
	}

	var req runChecklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if len(req.Rows) == 0 {
		RespondError(c, http.StatusBadRequest, "missing_rows", errors.New("rows are required"))
		return
	}

	out, err := checklist.ScoreChecklist(c.Request.Context(), h.checklistDeps, checklist.ScoreChecklistInput{
		CompanyID:     company.ID,
		ChecklistType: checklistType,
		Rows:          req.Rows,
		PdfPath:       company.SourceFilePath,
	})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "checklist_run_failed", err)
		return
	}

	RespondOK(c, runChecklistResponse{
		RowsScored:  out.RowsScored,
		RowsSkipped: out.RowsSkipped,
		RowsFailed:  out.RowsFailed,
		TokensIn:    out.Usage.Input,
		TokensOut:   out.Usage.Output,
	})
}

// GET /api/companies/:id/checklists/:type
func (h *ProspectusHandler) GetChecklist(c *gin.Context) {
	company, ok := h.loadCompany(c)
	if !ok {
		return
	}
	checklistType, err := types.ParseChecklistType(c.Param("type"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_checklist_type", err)
		return
	}

	items, err := h.checklistDeps.ChecklistItemRepo.GetByCompanyAndType(c.Request.Context(), nil, company.ID, checklistType)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "lookup_failed", err)
		return
	}
	RespondOK(c, gin.H{"items": items})
}

type searchHit struct {
	PdfOrdinal    int     `json:"pdf_ordinal"`
	DocumentLabel string  `json:"document_label"`
	Snippet       string  `json:"snippet"`
	Score         float64 `json:"score"`
}

// GET /api/companies/:id/search?q=&k=
func (h *ProspectusHandler) Search(c *gin.Context) {
	company, ok := h.loadCompany(c)
	if !ok {
		return
	}

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		RespondError(c, http.StatusBadRequest, "missing_query", errors.New("q is required"))
		return
	}

	limit := 10
	if raw := c.Query("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			RespondError(c, http.StatusBadRequest, "invalid_limit", errors.New("k must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	hits, err := h.retrieval.Search(c.Request.Context(), company.ID, query, limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "search_failed", err)
		return
	}

	out := make([]searchHit, 0, len(hits))
	for _, hit := range hits {
		out = append(out, searchHit{
			PdfOrdinal:    hit.PdfOrdinal,
			DocumentLabel: hit.DocumentLabel,
			Snippet:       snippet(hit.Content, 400),
			Score:         hit.Score,
		})
	}
	RespondOK(c, gin.H{"hits": out})
}

func snippet(content string, max int) string {
	content = strings.TrimSpace(content)
	if len(content) <= max {
		return content
	}
	cut := content[:max]
	if idx := strings.LastIndex(cut, " "); idx > max/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}
