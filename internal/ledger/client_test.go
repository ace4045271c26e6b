package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/mpalomar/dosewatch/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", 5*time.Second, zap.NewNop())
}

func TestConfirmDoseSuccess(t *testing.T) {
	var got confirmRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/doses/confirm", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(confirmResponse{PointsAwarded: 50})
	})

	takenAt := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	points, err := client.ConfirmDose(context.Background(), "item-1", takenAt)
	require.NoError(t, err)
	assert.Equal(t, 50, points)
	assert.Equal(t, "item-1", got.MedicineItemID)
	assert.Equal(t, "2026-03-02T09:30:00Z", got.TakenAt)
}

func TestConfirmDoseExpired(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(confirmResponse{Error: "window expired"})
	})

	_, err := client.ConfirmDose(context.Background(), "item-1", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfirmExpired))
}

func TestConfirmDoseAlreadyConfirmed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(confirmResponse{Error: "already confirmed"})
	})

	_, err := client.ConfirmDose(context.Background(), "item-1", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyConfirmed))
}

func TestConfirmDoseTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.ConfirmDose(context.Background(), "item-1", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfirmTransient))
}

func TestConfirmDoseNetworkErrorIsTransient(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "", 200*time.Millisecond, zap.NewNop())

	_, err := client.ConfirmDose(context.Background(), "item-1", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfirmTransient))
}

func TestTerminalRejectionsDoNotTripBreaker(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	// at the consecutive-failure threshold
	for i := 0; i < 3; i++ {
		_, err := client.ConfirmDose(context.Background(), "item-1", time.Now())
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrConfirmExpired),
			"call %d should still reach the ledger and report expired", i)
	}
}
