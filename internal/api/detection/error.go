package detection

import (
	"DetectionAPI/pkg/response"
	"net/http"
)

var (
	ErrInvalidInput      = response.NewError(http.StatusBadRequest, "invalid input")
	ErrUnknownModel      = response.NewError(http.StatusNotFound, "model not found")
	ErrUpstreamFailure   = response.NewError(http.StatusBadGateway, "model resources unavailable")
	ErrUnsupportedLayout = response.NewError(http.StatusInternalServerError, "unsupported model output layout")
	ErrInternalFailure   = response.NewError(http.StatusInternalServerError, "internal server error")
	ErrHistoryDisabled   = response.NewError(http.StatusNotFound, "detection history is not enabled")
)
