package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPDeliverer_Success(t *testing.T) {
	var got deliveryRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(srv.URL, "s3cret", zap.NewNop())
	err := d.Deliver(context.Background(), "gm", []string{"m1"})

	require.NoError(t, err)
	assert.Equal(t, "gm", got.Content)
	assert.Equal(t, []string{"m1"}, got.MediaIDs)
	assert.Equal(t, "Bearer s3cret", auth)
}

func TestHTTPDeliverer_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantPermanent bool
	}{
		{"bad request is permanent", http.StatusBadRequest, true},
		{"unprocessable is permanent", http.StatusUnprocessableEntity, true},
		{"rate limited is transient", http.StatusTooManyRequests, false},
		{"request timeout is transient", http.StatusRequestTimeout, false},
		{"server error is transient", http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			d := NewHTTPDeliverer(srv.URL, "", zap.NewNop())
			err := d.Deliver(context.Background(), "gm", nil)
			require.Error(t, err)

			var derr *DeliveryError
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, tt.wantPermanent, derr.Permanent)
		})
	}
}

func TestHTTPDeliverer_ConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	d := NewHTTPDeliverer(srv.URL, "", zap.NewNop())
	err := d.Deliver(context.Background(), "gm", nil)
	require.Error(t, err)

	var derr *DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.False(t, derr.Permanent)
}
