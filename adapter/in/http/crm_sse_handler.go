package http

import (
	"bufio"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"crm_server/adapter/out/realtime"
)

// =============================================================================
// SSE Handler - RealtimePort 기반
// =============================================================================

type SSEHandler struct {
	adapter   *realtime.SSEAdapter
	heartbeat time.Duration
	log       zerolog.Logger
}

func NewSSEHandler(adapter *realtime.SSEAdapter, heartbeat time.Duration, log zerolog.Logger) *SSEHandler {
	return &SSEHandler{
		adapter:   adapter,
		heartbeat: heartbeat,
		log:       log.With().Str("handler", "sse").Logger(),
	}
}

func (h *SSEHandler) Register(router fiber.Router) {
	router.Get("/events", h.Stream)
	router.Get("/events/status", h.Status)
}

// Stream keeps the connection open and writes one SSE frame per event.
func (h *SSEHandler) Stream(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	client := h.adapter.NewClient(userID, h.heartbeat)
	h.log.Info().Str("user_id", userID).Msg("SSE client connected")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // Nginx buffering 비활성화

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(client.Heartbeat)
		defer ticker.Stop()
		defer func() {
			client.Close()
			h.log.Info().Str("user_id", userID).Msg("SSE client disconnected")
		}()

		w.WriteString("event: connected\ndata: {\"status\":\"connected\"}\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case event, ok := <-client.Events:
				if !ok {
					return
				}
				data, err := realtime.SerializeEvent(event)
				if err != nil {
					h.log.Error().Err(err).Msg("failed to serialize event")
					continue
				}
				writeFrame(w, string(event.Type), event.Seq, data)
				if err := w.Flush(); err != nil {
					h.log.Debug().Err(err).Msg("client disconnected during write")
					return
				}

			case <-ticker.C:
				w.WriteString(": heartbeat\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
	return nil
}

func writeFrame(w *bufio.Writer, event string, seq int64, data []byte) {
	w.WriteString("id: ")
	w.WriteString(strconv.FormatInt(seq, 10))
	w.WriteString("\nevent: ")
	w.WriteString(event)
	w.WriteString("\ndata: ")
	w.Write(data)
	w.WriteString("\n\n")
}

func (h *SSEHandler) Status(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"user_id":   userID,
		"connected": h.adapter.IsConnected(userID),
	})
}
