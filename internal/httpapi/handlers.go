package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"ankibot/internal/reminder"
	"ankibot/internal/schedule"
	"ankibot/internal/storage"
	kit "ankibot/internal/transport"
	logx "ankibot/pkg/logx"
)

type scheduleResponse struct {
	Timezone string              `json:"timezone"`
	Slots    []schedule.SlotInfo `json:"slots"`
}

type putScheduleRequest struct {
	Slots []slotBody `json:"slots" validate:"dive"`
}

type slotBody struct {
	Label    string `json:"label" validate:"required,max=64"`
	Schedule string `json:"schedule" validate:"required"`
	Enabled  *bool  `json:"enabled"`
}

type toggleRequest struct {
	Label   string `json:"label" validate:"required"`
	Enabled *bool  `json:"enabled" validate:"required"`
}

type broadcastRequest struct {
	Type    string   `json:"type" validate:"omitempty,oneof=card text"`
	Message string   `json:"message" validate:"required_if=Type text,max=4000"`
	ChatIDs []string `json:"chat_ids" validate:"omitempty,dive,required"`
	Channel string   `json:"channel" validate:"omitempty,oneof=telegram messenger"`
}

type addCardsRequest struct {
	Cards []cardBody `json:"cards" validate:"required,min=1,max=500,dive"`
}

type cardBody struct {
	Deck          string `json:"deck" validate:"max=128"`
	Front         string `json:"front" validate:"required,max=1000"`
	Back          string `json:"back" validate:"max=4000"`
	Pronunciation string `json:"pronunciation" validate:"max=256"`
	Image         string `json:"image" validate:"omitempty,http_url"`
}

type addCardsResponse struct {
	Added int            `json:"added"`
	Cards []storage.Card `json:"cards"`
}

func (s *Server) scheduleView(c echo.Context, code int) error {
	slots, err := s.opts.Scheduler.Config()
	if err != nil {
		return err
	}
	if slots == nil {
		slots = []schedule.SlotInfo{}
	}
	return c.JSON(code, scheduleResponse{Timezone: s.opts.Scheduler.Location().String(), Slots: slots})
}

func (s *Server) getSchedule(c echo.Context) error {
	return s.scheduleView(c, http.StatusOK)
}

func (s *Server) putSchedule(c echo.Context) error {
	var req putScheduleRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	specs := make([]schedule.SlotSpec, 0, len(req.Slots))
	for _, sl := range req.Slots {
		// Omitted "enabled" means enabled.
		specs = append(specs, schedule.SlotSpec{Label: sl.Label, Schedule: sl.Schedule, Enabled: sl.Enabled == nil || *sl.Enabled})
	}
	if err := s.opts.Scheduler.UpdateConfig(c.Request().Context(), specs); err != nil {
		return err
	}
	return s.scheduleView(c, http.StatusOK)
}

func (s *Server) toggleSlot(c echo.Context) error {
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if err := s.opts.Scheduler.ToggleSlot(c.Request().Context(), req.Label, *req.Enabled); err != nil {
		return err
	}
	return s.scheduleView(c, http.StatusOK)
}

func (s *Server) addSlot(c echo.Context) error {
	var req slotBody
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	add := s.opts.Scheduler.AddSlot
	if req.Enabled != nil && !*req.Enabled {
		add = s.opts.Scheduler.AddPausedSlot
	}
	if err := add(c.Request().Context(), req.Label, req.Schedule); err != nil {
		return err
	}
	return s.scheduleView(c, http.StatusCreated)
}

func (s *Server) removeSlot(c echo.Context) error {
	label := pathParam(c, "label")
	if err := s.opts.Scheduler.RemoveSlot(c.Request().Context(), label); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) trigger(c echo.Context) error {
	res, err := s.opts.Scheduler.TriggerNow(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) broadcast(c echo.Context) error {
	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	r := reminder.Request{ChatIDs: req.ChatIDs, Channel: req.Channel, Actor: actor(c)}
	// An omitted type means text when a message is given.
	if req.Type == "text" || (req.Type == "" && strings.TrimSpace(req.Message) != "") {
		r.Text = req.Message
	}
	res, err := s.opts.Scheduler.Broadcast(c.Request().Context(), r)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) sendCard(c echo.Context) error {
	ch, err := channelParam(c)
	if err != nil {
		return err
	}
	to := kit.Recipient{Channel: string(ch), ChatID: pathParam(c, "chatId")}
	if err := s.opts.Cards.SendCard(c.Request().Context(), to); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"sent": true, "to": to.String()})
}

// addCards imports flashcards for the reminder picker. The whole batch is
// validated before the first insert.
func (s *Server) addCards(c echo.Context) error {
	var req addCardsRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	out := make([]storage.Card, 0, len(req.Cards))
	for _, cb := range req.Cards {
		card, err := s.opts.Library.AddCard(ctx, storage.Card{
			Deck:          strings.TrimSpace(cb.Deck),
			Front:         strings.TrimSpace(cb.Front),
			Back:          strings.TrimSpace(cb.Back),
			Pronunciation: strings.TrimSpace(cb.Pronunciation),
			Image:         strings.TrimSpace(cb.Image),
		})
		if err != nil {
			return err
		}
		out = append(out, card)
	}
	s.log.Info("cards imported", logx.Int("count", len(out)), logx.String("actor", actor(c)))
	return c.JSON(http.StatusCreated, addCardsResponse{Added: len(out), Cards: out})
}

func (s *Server) listTargets(c echo.Context) error {
	f := storage.TargetFilter{Channel: storage.Channel(c.QueryParam("channel"))}
	if v := c.QueryParam("enabled"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "enabled must be a boolean")
		}
		f.EnabledOnly = on
	}
	if v := c.QueryParam("daily"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "daily must be a boolean")
		}
		f.DailyOnly = on
	}
	list, err := s.opts.Targets.ListTargets(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if list == nil {
		list = []storage.Target{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) targetStats(c echo.Context) error {
	st, err := s.opts.Targets.TargetStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) updateSettings(c echo.Context) error {
	ch, err := channelParam(c)
	if err != nil {
		return err
	}
	var req storage.Settings
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.NotificationsEnabled == nil && req.DailyReminder == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no settings given")
	}
	t, err := s.opts.Targets.UpdateSettings(c.Request().Context(), ch, pathParam(c, "chatId"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

// channelParam reads ?channel=, defaulting to telegram.
func channelParam(c echo.Context) (storage.Channel, error) {
	ch := storage.Channel(strings.ToLower(strings.TrimSpace(c.QueryParam("channel"))))
	if ch == "" {
		return storage.ChannelTelegram, nil
	}
	if !ch.Valid() {
		return "", echo.NewHTTPError(http.StatusBadRequest, "unknown channel "+strconv.Quote(string(ch)))
	}
	return ch, nil
}

func pathParam(c echo.Context, name string) string {
	v := c.Param(name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}
