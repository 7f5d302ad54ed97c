// Package httpapi is the management API: schedule control, ad-hoc
// broadcasts, target settings and the Messenger webhook.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"ankibot/internal/broadcast"
	"ankibot/internal/reminder"
	"ankibot/internal/schedule"
	"ankibot/internal/storage"
	kit "ankibot/internal/transport"
	logx "ankibot/pkg/logx"
)

// Scheduler is the reminder service as seen by the API.
type Scheduler interface {
	Initialized() bool
	Location() *time.Location
	Config() ([]schedule.SlotInfo, error)
	UpdateConfig(ctx context.Context, specs []schedule.SlotSpec) error
	ToggleSlot(ctx context.Context, label string, enabled bool) error
	AddSlot(ctx context.Context, label, expr string) error
	AddPausedSlot(ctx context.Context, label, expr string) error
	RemoveSlot(ctx context.Context, label string) error
	TriggerNow(ctx context.Context) (broadcast.Result, error)
	Broadcast(ctx context.Context, req reminder.Request) (broadcast.Result, error)
}

type Targets interface {
	ListTargets(ctx context.Context, f storage.TargetFilter) ([]storage.Target, error)
	TargetStats(ctx context.Context) (storage.TargetStats, error)
	UpdateSettings(ctx context.Context, ch storage.Channel, chatID string, s storage.Settings) (storage.Target, error)
}

type CardSender interface {
	SendCard(ctx context.Context, to kit.Recipient) error
}

// CardLibrary stores the flashcards the picker draws from.
type CardLibrary interface {
	AddCard(ctx context.Context, c storage.Card) (storage.Card, error)
}

// Webhook checks Messenger webhook requests.
type Webhook interface {
	Verify(mode, token, challenge string) (string, bool)
	CheckSignature(header string, body []byte) error
}

type Options struct {
	Scheduler Scheduler
	Targets   Targets
	Cards     CardSender
	// Library enables card import; nil leaves /api/cards unrouted.
	Library CardLibrary
	Auth    AuthConfig

	// Webhook enables /webhooks/messenger; parsed updates go to Updates.
	Webhook Webhook
	Updates chan<- kit.Update

	// DisableRequestLog turns off per-request logging (tests).
	DisableRequestLog bool
	Log               logx.Logger
}

type Server struct {
	opts Options
	log  logx.Logger
	auth *authenticator
	app  *echo.Echo
}

func New(opts Options) (*Server, error) {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "httpapi"))
	auth, err := newAuthenticator(opts.Auth)
	if err != nil {
		return nil, err
	}
	s := &Server{opts: opts, log: log, auth: auth, app: echo.New()}
	s.setup()
	return s, nil
}

func (s *Server) setup() {
	e := s.app
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newValidator()
	e.HTTPErrorHandler = s.errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	if !s.opts.DisableRequestLog {
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod:  true,
			LogURIPath: true,
			LogStatus:  true,
			LogLatency: true,
			LogError:   true,
			LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
				fields := []logx.Field{
					logx.String("method", v.Method),
					logx.String("path", v.URIPath),
					logx.Int("status", v.Status),
					logx.Duration("took", v.Latency),
				}
				if v.Error != nil {
					fields = append(fields, logx.Err(v.Error))
				}
				s.log.Debug("http request", fields...)
				return nil
			},
		}))
	}

	e.GET("/healthz", s.health)

	api := e.Group("/api")
	api.POST("/auth/login", s.login)

	authed := api.Group("", s.auth.middleware())
	authed.GET("/schedule", s.getSchedule)
	authed.PUT("/schedule", s.putSchedule)
	authed.POST("/schedule/toggle", s.toggleSlot)
	authed.POST("/schedule/slots", s.addSlot)
	authed.DELETE("/schedule/slots/:label", s.removeSlot)
	authed.POST("/schedule/trigger", s.trigger)
	authed.POST("/broadcast", s.broadcast)
	authed.POST("/send-card/:chatId", s.sendCard)
	if s.opts.Library != nil {
		authed.POST("/cards", s.addCards)
	}
	authed.GET("/targets", s.listTargets)
	authed.GET("/targets/stats", s.targetStats)
	authed.POST("/targets/:chatId/settings", s.updateSettings)

	if s.opts.Webhook != nil {
		e.GET("/webhooks/messenger", s.verifyWebhook)
		e.POST("/webhooks/messenger", s.receiveWebhook)
	}
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.app.ServeHTTP(w, r)
}

// Start listens on addr and blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("http api listening", logx.String("addr", addr))
	if err := s.app.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"status":    "ok",
		"scheduler": s.opts.Scheduler != nil && s.opts.Scheduler.Initialized(),
	})
}
