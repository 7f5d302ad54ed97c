package httpapi

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"ankibot/internal/transport/messenger"
	logx "ankibot/pkg/logx"
)

func (s *Server) verifyWebhook(c echo.Context) error {
	challenge, ok := s.opts.Webhook.Verify(
		c.QueryParam("hub.mode"),
		c.QueryParam("hub.verify_token"),
		c.QueryParam("hub.challenge"),
	)
	if !ok {
		return errForbidden
	}
	return c.String(http.StatusOK, challenge)
}

// receiveWebhook acknowledges quickly; updates are handled by the chat bot
// from its own goroutine. A full queue drops the update.
func (s *Server) receiveWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body").WithInternal(err)
	}
	if err := s.opts.Webhook.CheckSignature(c.Request().Header.Get("X-Hub-Signature-256"), body); err != nil {
		return errForbidden.WithInternal(err)
	}
	updates, err := messenger.ParseWebhook(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed webhook body").WithInternal(err)
	}
	for _, up := range updates {
		if s.opts.Updates == nil {
			break
		}
		select {
		case s.opts.Updates <- up:
		default:
			s.log.Warn("update queue full; dropping messenger update", logx.String("from", up.From.String()))
		}
	}
	return c.String(http.StatusOK, "EVENT_RECEIVED")
}
