package directory_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/directory"
)

func TestGetProjectDecodesRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/proj-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"proj-1","name":"Alpha","status":"active"}`))
	}))
	defer srv.Close()

	c := directory.NewProjectClient(srv.URL, time.Second)
	p, err := c.GetProject(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", p.ID)
	assert.Equal(t, "Alpha", p.Name)
}

func TestMissingEntityIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := directory.NewUserClient(srv.URL, time.Second)
	_, err := c.GetMember(context.Background(), "ghost")
	require.ErrorIs(t, err, directory.ErrNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestServerErrorRetriesThenSurfacesUnavailable(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := directory.NewProjectClient(srv.URL, time.Second)
	_, err := c.GetProject(context.Background(), "proj-1")
	require.ErrorIs(t, err, directory.ErrUnavailable)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestServerErrorRecoversWithinRetryBudget(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"u-1","name":"Sam"}`))
	}))
	defer srv.Close()

	c := directory.NewUserClient(srv.URL, time.Second)
	m, err := c.GetMember(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "Sam", m.Name)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestUnreachableUpstreamIsUnavailable(t *testing.T) {
	// a closed server refuses connections
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := directory.NewProjectClient(url, 500*time.Millisecond)
	err := c.RegisterEpic(context.Background(), "proj-1", "e-1")
	require.ErrorIs(t, err, directory.ErrUnavailable)
}

func TestCancelledContextSurfacesContextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := directory.NewProjectClient(srv.URL, time.Second)
	_, err := c.GetProject(ctx, "proj-1")
	require.ErrorIs(t, err, context.Canceled)
}
