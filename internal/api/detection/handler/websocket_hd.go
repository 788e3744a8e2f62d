package detectionHandler

import (
	"DetectionAPI/internal/api/detection"
	contextPkg "DetectionAPI/pkg/context"
	"DetectionAPI/pkg/log"
	"context"
	"fmt"
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handleWebSocket treats every binary frame as one image and answers with
// a detection result or an error body. Errors never close the connection.
func (h *DetectionHandler) handleWebSocket(c *websocket.Conn) {
	key := modelKey(c.Params("model"))
	connID, _ := c.Locals("X-Request-ID").(string)

	logger := h.log.WithFields(log.Fields{
		"request_id": connID,
		"model_key":  key,
	})
	logger.Info("Detection WebSocket client connected")
	defer logger.Info("Detection WebSocket client disconnected")

	// Frames over the limit fail ReadMessage and close the connection
	// with 1009 before the payload is buffered.
	c.SetReadLimit(h.maxFrameSize)

	c.SetPingHandler(func(data string) error {
		if err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second)); err != nil {
			logger.Errorf("Error sending pong: %v", err)
		}
		return nil
	})

	for frame := 1; ; frame++ {
		if err := c.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			logger.Errorf("Error setting read deadline: %v", err)
			return
		}

		messageType, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Errorf("WebSocket error: %v", err)
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			logger.Warnf("Received unexpected message type: %d", messageType)
			continue
		}

		requestID := fmt.Sprintf("%s-%d", connID, frame)
		ctx := contextPkg.WithModelKey(contextPkg.WithRequestID(context.Background(), requestID), string(key))

		contentType, ext := h.utils.SniffImage(message)
		upload := detection.Upload{
			Filename:    fmt.Sprintf("frame-%d%s", frame, ext),
			ContentType: contentType,
			Size:        int64(len(message)),
			Data:        message,
		}

		var reply interface{}
		result, err := h.detectionService.Run(ctx, key, upload)
		if err != nil {
			_, body := h.errHandler.Body(err, string(key))
			logger.WithField("frame", frame).Warnf("Frame failed: %v", err)
			reply = body
		} else {
			reply = detection.NewDetectionResponse(result)
		}

		if err := c.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			logger.Errorf("Error setting write deadline: %v", err)
			return
		}
		if err := c.WriteJSON(reply); err != nil {
			logger.Errorf("Error writing JSON response: %v", err)
			return
		}
	}
}
