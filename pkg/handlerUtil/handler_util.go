package handlerUtil

import (
	"DetectionAPI/pkg/log"
	"DetectionAPI/pkg/response"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sirupsen/logrus"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	ModelType string `json:"model_type,omitempty"`
	Details   string `json:"details,omitempty"`
}

type ErrorHandler struct {
	logger        *logrus.Logger
	exposeDetails bool
}

// New returns a handler that includes raw error text in the details field
// of server errors only when exposeDetails is set.
func New(logger *logrus.Logger, exposeDetails bool) *ErrorHandler {
	return &ErrorHandler{
		logger:        logger,
		exposeDetails: exposeDetails,
	}
}

// Body maps err to a status and a client-safe body. Client errors carry
// their full message; server errors carry only the sentinel message.
func (h *ErrorHandler) Body(err error, modelType string) (int, ErrorResponse) {
	status := http.StatusInternalServerError
	body := ErrorResponse{ModelType: modelType}

	var respErr *response.Error
	if !errors.As(err, &respErr) {
		body.Error = "internal server error"
		if h.exposeDetails {
			body.Details = err.Error()
		}
		return status, body
	}

	status = respErr.Code
	if status < http.StatusInternalServerError {
		body.Error = err.Error()
		return status, body
	}

	body.Error = respErr.Err.Error()
	if h.exposeDetails {
		body.Details = err.Error()
	}
	return status, body
}

func (h *ErrorHandler) Handle(c *fiber.Ctx, requestID string, err error, path string, operation string, modelType string) error {
	status, body := h.Body(err, modelType)

	entry := h.logger.WithFields(log.Fields{
		"request_id": requestID,
		"model_key":  modelType,
		"error":      err.Error(),
		"code":       status,
		"path":       path,
		"operation":  operation,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Operation failed with server error")
	} else {
		entry.Warn("Operation failed with error response")
	}

	return c.Status(status).JSON(body)
}

func (h *ErrorHandler) HandleValidationError(c *fiber.Ctx, requestID string, err error, path string, modelType string) error {
	h.logger.WithFields(log.Fields{
		"request_id": requestID,
		"error":      err.Error(),
		"path":       path,
	}).Warn("Validation failed")

	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:     "Validation failed: " + err.Error(),
		ModelType: modelType,
	})
}

func (h *ErrorHandler) HandleRequestTimeout(c *fiber.Ctx) error {
	return c.Status(fiber.StatusRequestTimeout).JSON(ErrorResponse{
		Error: utils.StatusMessage(fiber.StatusRequestTimeout),
	})
}

func (h *ErrorHandler) HandleSuccess(c *fiber.Ctx, statusCode int, data interface{}) error {
	if data == nil {
		return c.SendStatus(statusCode)
	}
	return c.Status(statusCode).JSON(data)
}
