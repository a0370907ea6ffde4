package keystoreclient_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/keystore/internal/application/dto"
	"github.com/turtacn/keystore/internal/bootstrap"
	"github.com/turtacn/keystore/internal/config"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/interfaces/http/handlers"
	"github.com/turtacn/keystore/internal/interfaces/http/router"
	"github.com/turtacn/keystore/pkg/logger"
	"github.com/turtacn/keystore/sdk/go/keystoreclient"
)

func startKeystore(t *testing.T) (*bootstrap.App, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Server:  config.ServerConfig{Mode: gin.TestMode, BasicAuth: map[string]string{"gateway": "s3cret"}},
		Storage: config.StorageConfig{Driver: config.StorageMemory},
		Tokens:  config.TokensConfig{AccessTTL: 3600, RefreshTTL: 7200},
		JWT:     config.JWTConfig{Source: config.SigningKeySourceConfig, SigningKey: "sdk-secret"},
	}
	log := logger.NewNoopLogger()
	app, err := bootstrap.New(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	r := router.NewRouter(&cfg.Server, log, handlers.NewKeyHandler(app.Keys), handlers.NewHealthHandler(log),
		nil, app.Metrics, nil)
	srv := httptest.NewServer(r.Engine())
	t.Cleanup(srv.Close)
	return app, srv.URL
}

func TestClient_Introspect(t *testing.T) {
	app, baseURL := startKeystore(t)
	ctx := context.Background()
	key, err := app.Keys.Create(ctx, &dto.CreateKeyRequest{
		UserID:     "alice",
		ClientID:   "portal",
		Scope:      []models.Resource{models.NewResource("orders", "read", "write")},
		Attributes: map[string]string{"agencyCode": "A1"},
	})
	require.NoError(t, err)

	client := keystoreclient.New(baseURL, keystoreclient.WithBasicAuth("gateway", "s3cret"))
	grant, err := client.Introspect(ctx, key.AuthToken.Value)
	require.NoError(t, err)
	assert.Equal(t, "alice", grant.UserID)
	assert.Equal(t, "portal", grant.ClientID)
	assert.Equal(t, "A1", grant.Attributes["agencyCode"])
	assert.True(t, grant.Allows("orders", "write"))
	assert.False(t, grant.Allows("orders", "delete"))
	assert.False(t, grant.Allows("invoices", "read"))
	assert.Equal(t, key.AuthToken.Expiration, grant.ExpiresAt.Unix())

	// Revocation is observed once the cached grant is dropped.
	require.NoError(t, app.Keys.Revoke(ctx, key.Identity()))
	_, err = client.Introspect(ctx, key.AuthToken.Value)
	require.NoError(t, err)

	client.Invalidate(key.AuthToken.Value)
	_, err = client.Introspect(ctx, key.AuthToken.Value)
	assert.ErrorIs(t, err, keystoreclient.ErrTokenNotFound)

	var apiErr *keystoreclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestClient_Unauthorized(t *testing.T) {
	_, baseURL := startKeystore(t)
	client := keystoreclient.New(baseURL, keystoreclient.WithBasicAuth("gateway", "wrong"))

	_, err := client.Introspect(context.Background(), "whatever")
	var apiErr *keystoreclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "unauthorized", apiErr.Code)

	_, err = client.Introspect(context.Background(), "")
	assert.ErrorIs(t, err, keystoreclient.ErrEmptyToken)
}

func TestClient_ExpiredAndUncached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/keys/token/live":
			exp := time.Now().Add(time.Hour).Unix()
			_, _ = w.Write([]byte(`{"success":true,"data":{"userId":"u","clientId":"c","authToken":{"expiration":` +
				strconv.FormatInt(exp, 10) + `,"expired":false,"scope":[]}},"timestamp":0}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error":{"code":"access_token_expired","message":"refresh required"},"timestamp":0}`))
		}
	}))
	defer srv.Close()

	client := keystoreclient.New(srv.URL, keystoreclient.WithCacheTTL(0))
	ctx := context.Background()

	_, err := client.Introspect(ctx, "stale")
	assert.True(t, errors.Is(err, keystoreclient.ErrTokenExpired))

	for i := 0; i < 2; i++ {
		_, err = client.Introspect(ctx, "live")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
}

