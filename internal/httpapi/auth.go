package httpapi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenIssuer   = "ankibot"
	claimsContext = "claims"
)

// AuthConfig configures the single operator account.
type AuthConfig struct {
	Secret       string
	TTL          time.Duration
	Username     string
	PasswordHash string // bcrypt
}

// Claims are carried by management bearer tokens.
type Claims struct {
	jwt.RegisteredClaims
}

type authenticator struct {
	secret   []byte
	ttl      time.Duration
	username string
	hash     []byte
	now      func() time.Time
}

func newAuthenticator(cfg AuthConfig) (*authenticator, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Username == "" {
		cfg.Username = "admin"
	}
	if cfg.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
			return nil, fmt.Errorf("admin password hash: %w", err)
		}
	}
	return &authenticator{
		secret:   []byte(cfg.Secret),
		ttl:      cfg.TTL,
		username: cfg.Username,
		hash:     []byte(cfg.PasswordHash),
		now:      time.Now,
	}, nil
}

// check compares credentials; a missing hash rejects every login.
func (a *authenticator) check(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	if len(a.hash) == 0 {
		return false
	}
	pwOK := bcrypt.CompareHashAndPassword(a.hash, []byte(password)) == nil
	return userOK && pwOK
}

func (a *authenticator) issue(subject string) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.ttl)
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, exp, nil
}

func (a *authenticator) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || !claims.VerifyIssuer(tokenIssuer, true) {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// middleware requires "Authorization: Bearer <token>".
func (a *authenticator) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			scheme, raw, ok := strings.Cut(c.Request().Header.Get(echo.HeaderAuthorization), " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(raw) == "" {
				return errUnauthorized
			}
			claims, err := a.parse(strings.TrimSpace(raw))
			if err != nil {
				return errUnauthorized.WithInternal(err)
			}
			c.Set(claimsContext, claims)
			return next(c)
		}
	}
}

func actor(c echo.Context) string {
	if cl, ok := c.Get(claimsContext).(*Claims); ok {
		return cl.Subject
	}
	return ""
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if !s.auth.check(req.Username, req.Password) {
		return errBadLogin
	}
	token, exp, err := s.auth.issue(req.Username)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: exp})
}
