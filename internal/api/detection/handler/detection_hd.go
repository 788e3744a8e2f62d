package detectionHandler

import (
	"DetectionAPI/internal/api/detection"
	contextPkg "DetectionAPI/pkg/context"
	"DetectionAPI/pkg/log"
	"DetectionAPI/pkg/registry"
	"DetectionAPI/pkg/response"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// uploadFields are tried in order.
var uploadFields = []string{"file", "image"}

func modelKey(raw string) registry.ModelKey {
	return registry.ModelKey(strings.ToLower(strings.TrimSpace(raw)))
}

func (h *DetectionHandler) Detect(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	key := modelKey(ctx.Params("model"))
	c := contextPkg.WithModelKey(contextPkg.FromFiberCtx(ctx), string(key))

	h.log.WithFields(log.Fields{
		"request_id": requestID,
		"model_key":  key,
		"path":       ctx.Path(),
	}).Debug("Processing detection request")

	var upload detection.Upload
	found := false
	for _, field := range uploadFields {
		file, err := ctx.FormFile(field)
		if err != nil {
			continue
		}
		found = true

		h.log.WithFields(log.Fields{
			"request_id": requestID,
			"path":       ctx.Path(),
			"file_name":  file.Filename,
			"file_size":  file.Size,
		}).Debug("Processing file upload")

		upload = detection.Upload{
			Filename:    file.Filename,
			ContentType: file.Header.Get(fiber.HeaderContentType),
			Size:        file.Size,
		}
		if err := h.validator.Struct(upload); err != nil {
			return h.errHandler.HandleValidationError(ctx, requestID, err, ctx.Path(), string(key))
		}
		if err := h.utils.ValidateImageFile(upload.Filename, upload.ContentType, upload.Size); err != nil {
			return h.errHandler.Handle(ctx, requestID, response.Wrap(detection.ErrInvalidInput, "%s", err.Error()), ctx.Path(), "validate_image_file", string(key))
		}

		upload.Data, err = h.utils.ReadFile(file)
		if err != nil {
			return h.errHandler.Handle(ctx, requestID, response.Wrap(detection.ErrInvalidInput, "unable to read upload: %s", err.Error()), ctx.Path(), "open_file", string(key))
		}
		break
	}
	if !found {
		return h.errHandler.Handle(ctx, requestID, response.Wrap(detection.ErrInvalidInput, "multipart field %q is required", uploadFields[0]), ctx.Path(), "read_form_file", string(key))
	}

	result, err := h.detectionService.Run(c, key, upload)
	if err != nil {
		return h.errHandler.Handle(ctx, requestID, err, ctx.Path(), "detect", string(key))
	}

	h.log.WithFields(log.Fields{
		"request_id": requestID,
		"model_key":  key,
		"path":       ctx.Path(),
		"detections": result.TotalDetections,
	}).Info("Detection successful")

	return h.errHandler.HandleSuccess(ctx, fiber.StatusOK, detection.NewDetectionResponse(result))
}

func (h *DetectionHandler) Models(ctx *fiber.Ctx) error {
	return h.errHandler.HandleSuccess(ctx, fiber.StatusOK, h.detectionService.Models())
}

func (h *DetectionHandler) History(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	key := modelKey(ctx.Params("model"))
	c := contextPkg.WithModelKey(contextPkg.FromFiberCtx(ctx), string(key))

	records, err := h.detectionService.History(c, key, ctx.QueryInt("limit", 20))
	if err != nil {
		return h.errHandler.Handle(ctx, requestID, err, ctx.Path(), "history", string(key))
	}

	return h.errHandler.HandleSuccess(ctx, fiber.StatusOK, detection.NewHistoryResponse(string(key), records))
}
