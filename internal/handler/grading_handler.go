package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading/internal/dto"
	"github.com/noah-isme/gema-grading/internal/service"
	"github.com/noah-isme/gema-grading/internal/utils"
)

// GradingHandler exposes the grading engine to instructors and admins.
type GradingHandler struct {
	orchestrator service.GradingOrchestrator
	configs      service.GradingConfigService
	logger       zerolog.Logger
	bulkLimiter  fiber.Handler
}

// NewGradingHandler constructs the handler. bulkLimiter may be nil.
func NewGradingHandler(orchestrator service.GradingOrchestrator, configs service.GradingConfigService, bulkLimiter fiber.Handler, logger zerolog.Logger) *GradingHandler {
	if bulkLimiter == nil {
		bulkLimiter = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &GradingHandler{
		orchestrator: orchestrator,
		configs:      configs,
		logger:       logger.With().Str("component", "grading_handler").Logger(),
		bulkLimiter:  bulkLimiter,
	}
}

// Register attaches grading endpoints to the router group.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Post("/answers/:id/grade", h.gradeAnswer)
	router.Post("/answers/:id/manual-grade", h.manualGrade)
	router.Post("/submissions/:id/grade", h.gradeSubmission)
	router.Post("/submissions/:id/regrade", h.regradeSubmission)
	router.Post("/bulk", h.bulkLimiter, h.bulkGrade)

	router.Get("/tasks/statistics", h.statistics)
	router.Get("/tasks/:id", h.getTask)
	router.Post("/tasks/:id/retry", h.retryTask)

	router.Get("/configurations", h.listConfigurations)
	router.Post("/configurations", h.createConfiguration)
	router.Get("/configurations/:id", h.getConfiguration)
	router.Put("/configurations/:id", h.updateConfiguration)
	router.Delete("/configurations/:id", h.deleteConfiguration)

	router.Get("/providers", h.providers)
}

func (h *GradingHandler) gradeAnswer(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid answer id")
	}

	var query dto.GradeRequest
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	handle, err := h.orchestrator.GradeAnswer(requestContext(c), id, query.ForceRegrade)
	if err != nil {
		return h.fail(c, err, "failed to grade answer")
	}

	status := fiber.StatusOK
	if handle.Created {
		status = fiber.StatusAccepted
	}
	return utils.SendSuccessWithStatus(c, status, "grading task dispatched", handle)
}

func (h *GradingHandler) gradeSubmission(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid submission id")
	}

	var query dto.GradeRequest
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	handles, err := h.orchestrator.GradeSubmission(requestContext(c), id, query.ForceRegrade)
	if err != nil && len(handles) == 0 {
		return h.fail(c, err, "failed to grade submission")
	}
	if err != nil {
		requestLogger(h.logger, c).Warn().Err(err).Uint("submission_id", id).Msg("submission graded with errors")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "grading tasks dispatched", handles)
}

func (h *GradingHandler) regradeSubmission(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid submission id")
	}

	handles, err := h.orchestrator.RegradeSubmission(requestContext(c), id, c.QueryBool("all", false))
	if err != nil && len(handles) == 0 {
		return h.fail(c, err, "failed to regrade submission")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "regrade dispatched", handles)
}

func (h *GradingHandler) bulkGrade(c *fiber.Ctx) error {
	var payload dto.BulkGradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	response, err := h.orchestrator.BulkGrade(requestContext(c), payload)
	if err != nil {
		return h.fail(c, err, "failed to dispatch bulk grading")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "bulk grading dispatched", response)
}

func (h *GradingHandler) manualGrade(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid answer id")
	}

	var payload dto.ManualGradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	answer, err := h.orchestrator.RecordManualGrade(requestContext(c), id, reviewerFromContext(c), payload)
	if err != nil {
		return h.fail(c, err, "failed to record manual grade")
	}
	return utils.SendSuccess(c, "manual grade recorded", answer)
}

func (h *GradingHandler) getTask(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid task id")
	}

	task, err := h.orchestrator.GetTask(requestContext(c), id)
	if err != nil {
		return h.fail(c, err, "failed to load task")
	}
	return utils.SendSuccess(c, "grading task", task)
}

func (h *GradingHandler) retryTask(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid task id")
	}

	handle, err := h.orchestrator.RetryTask(requestContext(c), id)
	if err != nil {
		return h.fail(c, err, "failed to retry task")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "grading task retried", handle)
}

func (h *GradingHandler) statistics(c *fiber.Ctx) error {
	stats, err := h.orchestrator.GetTaskStatistics(requestContext(c))
	if err != nil {
		return h.fail(c, err, "failed to load task statistics")
	}
	return utils.SendSuccess(c, "grading task statistics", stats)
}

func (h *GradingHandler) listConfigurations(c *fiber.Ctx) error {
	var filter dto.GradingConfigurationFilter
	if err := c.QueryParser(&filter); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	items, err := h.configs.List(requestContext(c), filter)
	if err != nil {
		return h.fail(c, err, "failed to list configurations")
	}
	return utils.SendSuccess(c, "grading configurations", items)
}

func (h *GradingHandler) getConfiguration(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid configuration id")
	}

	item, err := h.configs.Get(requestContext(c), id)
	if err != nil {
		return h.fail(c, err, "failed to load configuration")
	}
	return utils.SendSuccess(c, "grading configuration", item)
}

func (h *GradingHandler) createConfiguration(c *fiber.Ctx) error {
	var payload dto.GradingConfigurationRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	item, err := h.configs.Create(requestContext(c), payload)
	if err != nil {
		return h.fail(c, err, "failed to create configuration")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "grading configuration created", item)
}

func (h *GradingHandler) updateConfiguration(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid configuration id")
	}

	var payload dto.GradingConfigurationUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	item, err := h.configs.Update(requestContext(c), id, payload)
	if err != nil {
		return h.fail(c, err, "failed to update configuration")
	}
	return utils.SendSuccess(c, "grading configuration updated", item)
}

func (h *GradingHandler) deleteConfiguration(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid configuration id")
	}

	if err := h.configs.Delete(requestContext(c), id); err != nil {
		return h.fail(c, err, "failed to delete configuration")
	}
	return utils.SendSuccess(c, "grading configuration deleted", nil)
}

func (h *GradingHandler) providers(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "grading providers", h.configs.ListProviders())
}

func (h *GradingHandler) fail(c *fiber.Ctx, err error, message string) error {
	switch {
	case isValidationError(err):
		return sendValidationError(c, err)
	case errors.Is(err, service.ErrAnswerNotFound),
		errors.Is(err, service.ErrSubmissionNotFound),
		errors.Is(err, service.ErrTaskNotFound),
		errors.Is(err, service.ErrQuestionNotFound),
		errors.Is(err, service.ErrConfigurationNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrConcurrentGradingConflict),
		errors.Is(err, service.ErrTaskNotRetryable):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrNoGradingConfiguration):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrManualScoreOutOfRange),
		errors.Is(err, service.ErrConfigurationScope):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Str("path", c.Path()).Msg(message)
		return utils.SendError(c, fiber.StatusInternalServerError, message)
	}
}
