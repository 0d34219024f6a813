package handlers

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/san-kum/traffic-cv/server/models"
	"github.com/san-kum/traffic-cv/server/processor"
	"github.com/san-kum/traffic-cv/server/tracker"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

type WebSocketHandler struct {
	processor *processor.FrameProcessor
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// ClientMessage is one message from a streaming client. "detections"
// messages carry Detections, "frame" messages carry an encoded image in
// Data.
type ClientMessage struct {
	Type       string              `json:"type"`
	FrameIndex int                 `json:"frame_index"`
	Timestamp  int64               `json:"timestamp"`
	Data       string              `json:"data,omitempty"`
	Detections []tracker.Detection `json:"detections,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) write(fn func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.SetWriteDeadline(time.Now().Add(writeWait))
	return fn()
}

func NewWebSocketHandler(processor *processor.FrameProcessor, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		processor: processor,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// HandleWebSocket serves one stream over a websocket. Messages are handled
// one at a time in arrival order, so frames reach the tracker in the order
// the client sent them.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	streamID := c.Param("stream_id")

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	conn := &wsConn{Conn: raw}
	defer conn.Close()

	logger := h.logger.With(zap.String("stream_id", streamID), zap.String("client_ip", c.ClientIP()))
	logger.Info("WebSocket client connected")

	conn.SetReadLimit(10 * 1024 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingRoutine(conn, done)

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket closed unexpectedly", zap.Error(err))
			}
			logger.Info("WebSocket client disconnected")
			return
		}
		h.handleMessage(c, conn, streamID, &message)
	}
}

func (h *WebSocketHandler) handleMessage(c *gin.Context, conn *wsConn, streamID string, message *ClientMessage) {
	ctx := c.Request.Context()

	switch message.Type {
	case "detections":
		result, err := h.processor.ProcessDetections(ctx, streamID, models.FrameRequest{
			FrameIndex: message.FrameIndex,
			Timestamp:  message.Timestamp,
			Detections: message.Detections,
		})
		h.reply(conn, "tracks", result, err)

	case "frame":
		imageData, err := extractImageData(message.Data)
		if err != nil {
			h.sendError(conn, "invalid image data format", http.StatusBadRequest)
			return
		}
		result, err := h.processor.ProcessImage(ctx, streamID, imageData, message.FrameIndex, message.Timestamp)
		h.reply(conn, "tracks", result, err)

	case "reset":
		err := h.processor.Reset(ctx, streamID)
		h.reply(conn, "reset", map[string]any{"stream_id": streamID}, err)

	case "ping":
		h.sendMessage(conn, "pong", map[string]any{"timestamp": time.Now().UnixMilli()})

	default:
		h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		h.sendError(conn, "Unknown message type: "+message.Type, http.StatusBadRequest)
	}
}

func (h *WebSocketHandler) reply(conn *wsConn, messageType string, data any, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("WebSocket frame failed", zap.Error(err))
		}
		h.sendError(conn, err.Error(), status)
		return
	}
	h.sendMessage(conn, messageType, data)
}

func (h *WebSocketHandler) sendMessage(conn *wsConn, messageType string, data any) {
	message := ServerMessage{
		Type: messageType,
		Data: data,
	}

	if err := conn.write(func() error { return conn.WriteJSON(message) }); err != nil {
		h.logger.Error("Failed to send WebSocket message", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(conn *wsConn, errorMsg string, status int) {
	h.sendMessage(conn, "error", map[string]any{
		"message":   errorMsg,
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (h *WebSocketHandler) pingRoutine(conn *wsConn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := conn.write(func() error { return conn.WriteMessage(websocket.PingMessage, nil) })
			if err != nil {
				h.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}
