package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading/internal/middleware"
)

const testSecret = "grading-secret"

func newProtectedApp() *fiber.App {
	app := fiber.New()
	app.Use(middleware.JWTProtected(testSecret), middleware.RequireUser())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"user_id": c.Locals("user_id"), "role": c.Locals("user_role")})
	})
	return app
}

func perform(t *testing.T, app *fiber.App, token string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestJWTProtectedAcceptsSignedToken(t *testing.T) {
	token, err := middleware.SignToken(testSecret, 7, "teacher", time.Minute)
	require.NoError(t, err)

	resp := perform(t, newProtectedApp(), token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestJWTProtectedRejectsMissingOrForeignTokens(t *testing.T) {
	resp := perform(t, newProtectedApp(), "")
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	foreign, err := middleware.SignToken("another-secret", 7, "admin", time.Minute)
	require.NoError(t, err)
	resp = perform(t, newProtectedApp(), foreign)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRequireUserRejectsAnonymousSubject(t *testing.T) {
	token, err := middleware.SignToken(testSecret, 0, "admin", time.Minute)
	require.NoError(t, err)

	resp := perform(t, newProtectedApp(), token)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
