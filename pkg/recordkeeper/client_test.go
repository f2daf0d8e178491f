package recordkeeper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

func TestClient_CreateMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/matches", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "p-1:match", r.Header.Get("Idempotency-Key"))

		var in contracts.NewMatch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "o1", in.OfferID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(contracts.Match{ID: "m-1", NewMatch: in})
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("s3cret"))
	m, err := c.CreateMatch(context.Background(), contracts.NewMatch{
		ProposalID: "p-1", OfferID: "o1", NeedID: "n1", ProviderID: "alice", ReceiverID: "bob", Quantity: 3, Unit: "kg",
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", m.ID)
	assert.Equal(t, "n1", m.NeedID)
}

func TestClient_GetListingNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such listing", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetListing(context.Background(), "gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrExternalService)
	assert.ErrorIs(t, err, ErrListingNotFound)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestClient_ServerErrorIsExternalServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database on fire", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).CreateExchange(context.Background(), contracts.NewExchange{MatchID: "m-1"})
	assert.ErrorIs(t, err, contracts.ErrExternalService)
	assert.Contains(t, err.Error(), "create_exchange")
	assert.Contains(t, err.Error(), "database on fire")
}

func TestClient_DeleteMatchIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/matches/m-1", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.DeleteMatch(context.Background(), "m-1"))
	require.NoError(t, c.DeleteMatch(context.Background(), "m-1"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Listings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/listings", r.URL.Path)
		assert.Equal(t, "offer", r.URL.Query().Get("type"))
		_ = json.NewEncoder(w).Encode([]contracts.Listing{
			{ID: "o1", Type: contracts.ListingOffer, OwnerID: "alice", Category: "food/produce/tomatoes"},
		})
	}))
	defer srv.Close()

	got, err := New(srv.URL).Listings(context.Background(), contracts.ListingOffer)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].OwnerID)
}

func TestClient_TimeoutBoundsSlowCalls(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := New(srv.URL, WithTimeout(50*time.Millisecond)).GetListing(context.Background(), "o1")
	assert.ErrorIs(t, err, contracts.ErrExternalService)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(contracts.Listing{ID: "o1"})
	}))
	defer srv.Close()

	c := New(srv.URL, WithRateLimit(rate.Every(time.Hour), 1), WithTimeout(100*time.Millisecond))
	_, err := c.GetListing(context.Background(), "o1")
	require.NoError(t, err)

	// The bucket is empty and refills hourly; the second call cannot get a token in time.
	_, err = c.GetListing(context.Background(), "o1")
	assert.ErrorIs(t, err, contracts.ErrExternalService)
	assert.Contains(t, err.Error(), "rate limit")
}
