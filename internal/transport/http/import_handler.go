package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caseharbor/caseharbor-api/internal/domain"
	"github.com/caseharbor/caseharbor-api/internal/repository/ports"
	"github.com/caseharbor/caseharbor-api/internal/service"
	"github.com/caseharbor/caseharbor-api/internal/tabular"
	"github.com/caseharbor/caseharbor-api/internal/util"
)

type ImportHandler struct {
	service       *service.ImportService
	maxUploadSize int64
}

func RegisterImports(e *echo.Echo, jwtManager *util.JWTManager, svc *service.ImportService, maxUpload int64) {
	handler := &ImportHandler{
		service:       svc,
		maxUploadSize: maxUpload,
	}

	group := e.Group("/api/v1/imports", RequireAuth(jwtManager))
	group.POST("", handler.upload)
	group.GET("", handler.list)
	group.GET("/template", handler.template)
	group.GET("/jobs/:jobId", handler.getJob)
	group.GET("/:id", handler.getBatch)
	group.POST("/:id/preview", handler.preview)
	group.POST("/:id/execute", handler.execute)
	group.POST("/:id/rollback", handler.rollback)
}

type previewRequest struct {
	Mappings domain.FieldMappings     `json:"mappings"`
	Settings domain.DuplicateSettings `json:"settings"`
}

type executeRequest struct {
	Mappings    domain.FieldMappings                  `json:"mappings"`
	Settings    domain.DuplicateSettings              `json:"settings"`
	Resolutions map[string]domain.DuplicateResolution `json:"resolutions"`
}

func (h *ImportHandler) upload(c echo.Context) error {
	actor, ok := CurrentActor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, util.Error("unauthorized", "authentication required"))
	}

	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("parse_error", "file is required"))
	}

	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("parse_error", "unable to read upload"))
	}
	defer src.Close()

	limit := h.maxUploadSize
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("parse_error", "failed reading upload"))
	}
	if int64(len(data)) > limit {
		return c.JSON(http.StatusRequestEntityTooLarge, util.Error("parse_error", "upload exceeds size limit"))
	}

	result, err := h.service.Upload(c.Request().Context(), actor, file.Filename, data)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, util.Envelope{
		"batch":       result.Batch,
		"sample_rows": result.SampleRows,
		"suggestions": result.Suggestions,
		"warnings":    result.Warnings,
	})
}

func (h *ImportHandler) list(c echo.Context) error {
	actor, ok := CurrentActor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, util.Error("unauthorized", "authentication required"))
	}

	filter := ports.BatchFilter{Limit: 20}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := strings.TrimSpace(c.QueryParam("status")); v != "" {
		status := domain.ImportBatchStatus(strings.ToUpper(v))
		filter.Status = &status
	}

	batches, total, err := h.service.ListBatches(c.Request().Context(), actor, filter)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, util.Envelope{
		"batches": batches,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func (h *ImportHandler) template(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="client-import-template.csv"`)
	return c.Blob(http.StatusOK, "text/csv", service.Template())
}

func (h *ImportHandler) getBatch(c echo.Context) error {
	actor, ok := CurrentActor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, util.Error("unauthorized", "authentication required"))
	}
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("parse_error", "invalid batch id"))
	}

	batch, records, rollbackAvailable, err := h.service.GetBatch(c.Request().Context(), actor, batchID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, util.Envelope{
		"batch":              batch,
		"records":            records,
		"rollback_available": rollbackAvailable,
	})
}

func (h *ImportHandler) preview(c echo.Context) error {
	actor, ok := CurrentActor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, util.Error("unauthorized", "authentication required"))
	}
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("parse_error", "invalid batch id"))
	}

	var req previewRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("parse_error", "invalid request payload"))
	}

	result, err := h.service.Preview(c.Request().Context(), actor, batchID, req.Mappings, req.Settings)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, util.Envelope{"preview": result})
}

func (h *ImportHandler) execute(c echo.Context) error {
	actor, ok := CurrentActor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, util.Error("unauthorized", "authentication required"))
	}
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("parse_error", "invalid batch id"))
	}

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("parse_error", "invalid request payload"))
	}
	resolutions, err := parseResolutions(req.Resolutions)
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("parse_error", err.Error()))
	}

	job, err := h.service.Execute(c.Request().Context(), actor, batchID, service.ExecuteInput{
		Mappings:    req.Mappings,
		Settings:    req.Settings,
		Resolutions: resolutions,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, util.Envelope{"job_id": job.ID, "job": job})
}

func (h *ImportHandler) getJob(c echo.Context) error {
	actor, ok := CurrentActor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, util.Error("unauthorized", "authentication required"))
	}
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("parse_error", "invalid job id"))
	}

	job, err := h.service.GetJob(c.Request().Context(), actor, jobID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, util.Envelope{"job": job})
}

func (h *ImportHandler) rollback(c echo.Context) error {
	actor, ok := CurrentActor(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, util.Error("unauthorized", "authentication required"))
	}
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("parse_error", "invalid batch id"))
	}

	result, err := h.service.Rollback(c.Request().Context(), actor, batchID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, util.Envelope{"rollback": result})
}

// parseResolutions converts the JSON map keyed by row-number strings into
// the executor's integer-keyed form.
func parseResolutions(raw map[string]domain.DuplicateResolution) (map[int]domain.DuplicateResolution, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[int]domain.DuplicateResolution, len(raw))
	for key, res := range raw {
		rowNumber, err := strconv.Atoi(key)
		if err != nil || rowNumber < 1 {
			return nil, errors.New("resolution keys must be positive row numbers")
		}
		out[rowNumber] = res
	}
	return out, nil
}

func (h *ImportHandler) writeError(c echo.Context, err error) error {
	var parseErr *tabular.ParseError
	switch {
	case errors.As(err, &parseErr):
		if parseErr.Code == tabular.ParseCodeTooLarge || parseErr.Code == tabular.ParseCodeRowLimit {
			return c.JSON(http.StatusRequestEntityTooLarge, util.Error("parse_error", parseErr.Message))
		}
		return c.JSON(http.StatusBadRequest, util.Error("parse_error", parseErr.Message))
	case errors.Is(err, service.ErrMappingIncomplete), errors.Is(err, service.ErrUnknownTargetField):
		return c.JSON(http.StatusUnprocessableEntity, util.Error("mapping_incomplete", err.Error()))
	case errors.Is(err, service.ErrBatchNotExecutable):
		return c.JSON(http.StatusConflict, util.Error("batch_not_executable", err.Error()))
	case errors.Is(err, service.ErrRollbackUnavailable):
		return c.JSON(http.StatusConflict, util.Error("rollback_unavailable", err.Error()))
	case errors.Is(err, domain.ErrImportBatchNotFound),
		errors.Is(err, domain.ErrImportJobNotFound),
		errors.Is(err, domain.ErrClientNotFound):
		return c.JSON(http.StatusNotFound, util.Error("not_found", "resource not found"))
	default:
		c.Logger().Errorf("import request failed: %v", err)
		return c.JSON(http.StatusInternalServerError, util.Error("internal_error", "internal error"))
	}
}
