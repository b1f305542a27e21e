package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"diagnostics_backend/internal/diagnosis/repository"
	"diagnostics_backend/internal/diagnosis/service"
	"diagnostics_backend/internal/entitlement"
	"diagnostics_backend/internal/events"
	"diagnostics_backend/platform/httpkit"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type passthroughTx struct{}

func (passthroughTx) RunInTx(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

type nopQueue struct{}

func (nopQueue) EnqueueDiagnosis(context.Context, uuid.UUID, int, time.Duration) error { return nil }

type nopPublisher struct{}

func (nopPublisher) PublishMany(context.Context, []string, string, any) {}

func newRouter(t *testing.T, user uuid.UUID, credits int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledger := entitlement.NewLedger(entitlement.NewMemoryStore(), logger.Discard())
	if credits > 0 {
		_, err := ledger.Credit(context.Background(), user, entitlement.KindDiagnosis, entitlement.SourceFree, credits)
		require.NoError(t, err)
	}
	svc := service.New(repository.NewMemory(), ledger, passthroughTx{}, nopQueue{}, nopPublisher{},
		events.NewInMemoryBus(logger.Discard()), logger.Discard())
	h := New(svc, validator.New())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(httpkit.ContextUserIDKey, user)
		c.Next()
	})
	r.POST("/diagnoses", h.Submit)
	r.GET("/diagnoses/:id", h.Get)
	return r
}

func post(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/diagnoses", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestSubmitAccepted(t *testing.T) {
	user := uuid.New()
	r := newRouter(t, user, 1)

	w := post(r, `{"symptoms":"Grinding noise from the front wheels","vehicle":{"make":"VW","model":"Golf","year":2017}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var sub service.Submission
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, "queued", string(sub.Status))
	assert.True(t, sub.IsFree)

	get := httptest.NewRecorder()
	r.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/diagnoses/"+sub.ID.String(), nil))
	assert.Equal(t, http.StatusOK, get.Code)
}

func TestSubmitWithoutCreditsIsPaymentRequired(t *testing.T) {
	r := newRouter(t, uuid.New(), 0)
	w := post(r, `{"symptoms":"Engine light is on and the car shakes"}`)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "no diagnosis credits remaining")
}

func TestSubmitValidation(t *testing.T) {
	r := newRouter(t, uuid.New(), 1)

	cases := map[string]string{
		"missing symptoms": `{}`,
		"too short":        `{"symptoms":"noise"}`,
		"bad year":         `{"symptoms":"Grinding noise from the front","vehicle":{"year":1700}}`,
		"bad fuel":         `{"symptoms":"Grinding noise from the front","vehicle":{"fuelType":"coal"}}`,
		"bad latitude":     `{"symptoms":"Grinding noise from the front","location":{"latitude":123}}`,
		"malformed":        `{"symptoms":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, post(r, body).Code)
		})
	}
}
