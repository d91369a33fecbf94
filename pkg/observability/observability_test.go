package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "marketd", config.ServiceName)
	assert.Equal(t, "development", config.Environment)
	assert.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// A disabled provider's instruments are all nil; TrackOperation and
	// RecordCanaryRate must still be safe to call.
	ctx, done := p.TrackOperation(context.Background(), "test.op")
	done(nil)
	_ = ctx
	p.RecordCanaryRate(context.Background(), "error", 100)
}

func TestTrackOperation_ErrorCompletionSafeWhenDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, done := p.TrackOperation(context.Background(), "test.op")
	done(errors.New("boom"))
}

func TestMiddleware_WrapsHandlerWithoutAlteringResponse(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	handler := p.Middleware("/v1/intents")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/intents", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMiddleware_ServerErrorsAreRecordedNotSuppressed(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	handler := p.Middleware("/v1/intents")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/intents", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
