package detectionHandler

import (
	detectionService "DetectionAPI/internal/api/detection/service"
	"DetectionAPI/internal/middleware"
	"DetectionAPI/pkg/handlerUtil"
	"DetectionAPI/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

type DetectionHandler struct {
	log              *logrus.Logger
	validator        *validator.Validate
	middleware       middleware.Middleware
	detectionService detectionService.IDetectionService
	utils            utils.IUtils
	maxFrameSize     int64
	errHandler       *handlerUtil.ErrorHandler
}

func New(
	log *logrus.Logger,
	validator *validator.Validate,
	middleware middleware.Middleware,
	ds detectionService.IDetectionService,
	utils utils.IUtils,
	maxFrameSize int64,
	exposeDetails bool,
) *DetectionHandler {
	return &DetectionHandler{
		detectionService: ds,
		log:              log,
		validator:        validator,
		middleware:       middleware,
		utils:            utils,
		maxFrameSize:     maxFrameSize,
		errHandler:       handlerUtil.New(log, exposeDetails),
	}
}

func (h *DetectionHandler) Start(srv fiber.Router) {
	wsMiddleware := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}

	srv.Get("/models", h.Models)

	detect := srv.Group("/detect")
	detect.Use("/:model/ws", h.middleware.NewRateLimiter, wsMiddleware)
	detect.Get("/:model/ws", websocket.New(h.handleWebSocket))
	detect.Get("/:model/history", h.History)
	detect.Post("/:model", h.middleware.NewRateLimiter, h.Detect)
}
