package config

import (
	"DetectionAPI/internal/api/detection"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

// multipart framing on top of the largest accepted upload
const bodyLimitSlack = 1024 * 1024

func NewFiber(logger *logrus.Logger, maxFileSize int64) *fiber.App {
	app := fiber.New(
		fiber.Config{
			AppName:               "Detection API",
			BodyLimit:             int(maxFileSize) + bodyLimitSlack,
			DisableKeepalive:      false,
			StrictRouting:         true,
			CaseSensitive:         true,
			DisableStartupMessage: true,
			JSONEncoder:           jsoniter.Marshal,
			JSONDecoder:           jsoniter.Unmarshal,
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				code := fiber.StatusInternalServerError
				if e, ok := err.(*fiber.Error); ok {
					code = e.Code
				}
				if code >= fiber.StatusInternalServerError {
					logger.WithFields(logrus.Fields{
						"path":  c.Path(),
						"error": err.Error(),
					}).Error("Unhandled error")
					return c.Status(code).JSON(fiber.Map{"error": detection.ErrInternalFailure.Error()})
				}
				return c.Status(code).JSON(fiber.Map{"error": err.Error()})
			},
		})

	// Panics become errors for ErrorHandler instead of killing the process.
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	return app
}
