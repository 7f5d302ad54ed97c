package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"ankibot/internal/broadcast"
	"ankibot/internal/reminder"
	"ankibot/internal/schedule"
	"ankibot/internal/storage"
	kit "ankibot/internal/transport"
	logx "ankibot/pkg/logx"
)

// Error kinds returned in the response body.
const (
	KindInvalid      = "invalid"
	KindValidation   = "validation"
	KindUnauthorized = "unauthorized"
	KindForbidden    = "forbidden"
	KindNotFound     = "not_found"
	KindConflict     = "conflict"
	KindNoContent    = "no_content"
	KindUnavailable  = "unavailable"
	KindInternal     = "internal"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

var (
	errUnauthorized = echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	errBadLogin     = echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	errForbidden    = echo.NewHTTPError(http.StatusForbidden, "forbidden")
)

// classify maps domain errors to a status and kind.
func classify(err error) (int, errorDetail) {
	var herr *echo.HTTPError
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			// Namespace is "<struct>.<path>"; drop the struct name.
			key := fe.Field()
			if _, rest, ok := strings.Cut(fe.Namespace(), "."); ok {
				key = rest
			}
			fields[key] = validationMessage(fe)
		}
		return http.StatusBadRequest, errorDetail{Kind: KindValidation, Message: "request validation failed", Fields: fields}
	case errors.As(err, &herr):
		msg, _ := herr.Message.(string)
		if msg == "" {
			msg = http.StatusText(herr.Code)
		}
		return herr.Code, errorDetail{Kind: kindForStatus(herr.Code), Message: msg}
	case errors.Is(err, reminder.ErrNotInitialized):
		return http.StatusServiceUnavailable, errorDetail{Kind: KindUnavailable, Message: err.Error()}
	case errors.Is(err, schedule.ErrDuplicateSlot):
		return http.StatusConflict, errorDetail{Kind: KindConflict, Message: err.Error()}
	case errors.Is(err, schedule.ErrSlotNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, errorDetail{Kind: KindNotFound, Message: err.Error()}
	case errors.Is(err, schedule.ErrInvalidSchedule), errors.Is(err, schedule.ErrInvalidLabel), errors.Is(err, kit.ErrNoDispatcher):
		return http.StatusBadRequest, errorDetail{Kind: KindInvalid, Message: err.Error()}
	case errors.Is(err, broadcast.ErrContentUnavailable):
		return http.StatusNotFound, errorDetail{Kind: KindNoContent, Message: err.Error()}
	}
	return http.StatusInternalServerError, errorDetail{Kind: KindInternal, Message: http.StatusText(http.StatusInternalServerError)}
}

func kindForStatus(code int) string {
	switch code {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return KindInvalid
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusServiceUnavailable:
		return KindUnavailable
	}
	if code >= 500 {
		return KindInternal
	}
	return KindInvalid
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "url", "http_url":
		return "must be an http(s) url"
	}
	return "failed on " + fe.Tag()
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code, detail := classify(err)
	if code >= 500 {
		s.log.Error("request failed",
			logx.String("method", c.Request().Method),
			logx.String("path", c.Path()),
			logx.Err(err),
		)
	}
	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, errorBody{Error: detail})
	}
	if err != nil {
		s.log.Warn("write error response failed", logx.Err(err))
	}
}
