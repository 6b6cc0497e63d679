package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/veridoc/prospectus-backend/internal/pkg/errs"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/platform/qdrant"
	"github.com/veridoc/prospectus-backend/internal/repos"
	"github.com/veridoc/prospectus-backend/internal/types"
)

type CompanyHandler struct {
	log         *logger.Logger
	companyRepo repos.CompanyRepo
	vectorStore qdrant.VectorStore
}

func NewCompanyHandler(log *logger.Logger, companyRepo repos.CompanyRepo, vectorStore qdrant.VectorStore) *CompanyHandler {
	return &CompanyHandler{
		log:         log.With("handler", "CompanyHandler"),
		companyRepo: companyRepo,
		vectorStore: vectorStore,
	}
}

type createCompanyRequest struct {
	RegistrationNumber string `json:"registration_number"`
	Name               string `json:"name"`
	SourceFilePath     string `json:"source_file_path"`
}

// POST /api/companies
func (h *CompanyHandler) Create(c *gin.Context) {
	var req createCompanyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if strings.TrimSpace(req.RegistrationNumber) == "" {
		RespondError(c, http.StatusBadRequest, "missing_registration_number", errors.New("registration_number is required"))
		return
	}

	company, err := h.companyRepo.Create(c.Request.Context(), nil, &types.Company{
		RegistrationNumber: strings.TrimSpace(req.RegistrationNumber),
		Name:               strings.TrimSpace(req.Name),
		SourceFilePath:     strings.TrimSpace(req.SourceFilePath),
	})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "create_failed", err)
		return
	}
	c.JSON(http.StatusCreated, company)
}

// GET /api/companies/:id
func (h *CompanyHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_company_id", err)
		return
	}

	company, err := h.companyRepo.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			RespondError(c, http.StatusNotFound, "company_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "lookup_failed", err)
		return
	}
	RespondOK(c, company)
}

// DELETE /api/companies/:id
// Relational rows cascade via FK; vector points are deleted explicitly so the
// index never serves pages of a removed owner.
func (h *CompanyHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_company_id", err)
		return
	}

	if _, err := h.companyRepo.GetByID(c.Request.Context(), nil, id); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			RespondError(c, http.StatusNotFound, "company_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "lookup_failed", err)
		return
	}

	if err := h.vectorStore.DeleteCompany(c.Request.Context(), id); err != nil {
		RespondError(c, http.StatusInternalServerError, "vector_delete_failed", err)
		return
	}
	if err := h.companyRepo.Delete(c.Request.Context(), nil, id); err != nil {
		RespondError(c, http.StatusInternalServerError, "delete_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}
