package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/keepsakehq/keepsake/internal/runtime"
)

// sessionTTL bounds browser sessions. Long-lived producer tokens come from
// the token command, not from login.
const sessionTTL = 24 * time.Hour

const minPasswordLen = 8

// authStore is the user persistence surface behind the auth endpoints.
type authStore interface {
	CreateUser(ctx context.Context, email, hash string) error
	GetUserByEmail(ctx context.Context, email string) (string, string, error)
}

// AuthHandler serves signup/login/logout. Issued tokens carry the full scope
// set; producers that only ingest should mint narrower tokens instead.
type AuthHandler struct {
	Store  authStore
	Secret []byte
}

func NewAuthHandler(st authStore, secret []byte) *AuthHandler {
	return &AuthHandler{Store: st, Secret: secret}
}

func (a *AuthHandler) Register(g *echo.Group) {
	g.POST("/signup", a.signup)
	g.POST("/login", a.login)
	g.POST("/logout", a.logout)
}

func (a *AuthHandler) signup(c echo.Context) error {
	var req AuthSignupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := checkCredentials(req.Email, req.Password); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := a.Store.CreateUser(c.Request().Context(), req.Email, string(hash)); err != nil {
		if isUniqueViolation(err) {
			return echo.NewHTTPError(http.StatusConflict, "email already exists")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusCreated)
}

func (a *AuthHandler) login(c echo.Context) error {
	var req AuthLoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := checkCredentials(req.Email, req.Password); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, hash, err := a.Store.GetUserByEmail(c.Request().Context(), req.Email)
	if err != nil || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	signed, err := runtime.SignJWT(id, a.Secret, sessionTTL, runtime.DefaultScopes...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.SetCookie(authCookie(signed, 0))
	// Bearer callers read the token from the body or this header.
	c.Response().Header().Set("Authorization", "Bearer "+signed)
	return c.JSON(http.StatusOK, TokenResponse{Token: signed})
}

func (a *AuthHandler) logout(c echo.Context) error {
	c.SetCookie(authCookie("", -1))
	return c.NoContent(http.StatusOK)
}

func checkCredentials(email, password string) error {
	if email == "" {
		return errors.New("email required")
	}
	if len(password) < minPasswordLen {
		return errors.New("password too short")
	}
	return nil
}

func authCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     "auth",
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   os.Getenv("KEEPSAKE_ENV") == "prod",
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pq.Error
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
