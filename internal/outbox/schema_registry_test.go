package outbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureSchemaRegistersMissingSubject(t *testing.T) {
	var registered bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/subjects/workout_merges-value/versions/latest":
			if !registered {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(`{"id": 17}`))
		case r.Method == http.MethodPost && r.URL.Path == "/subjects/workout_merges-value/versions":
			require.Equal(t, registryContentType, r.Header.Get("Content-Type"))
			registered = true
			w.Write([]byte(`{"id": 17}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	client := NewSchemaRegistryClient(srv.URL + "/")

	id, err := client.EnsureSchema(context.Background(), "workout_merges-value", workoutMergedSchema)
	require.NoError(t, err)
	require.Equal(t, 17, id)
	require.True(t, registered)

	// Second call resolves through the latest-version lookup.
	id, err = client.EnsureSchema(context.Background(), "workout_merges-value", workoutMergedSchema)
	require.NoError(t, err)
	require.Equal(t, 17, id)
}

func TestEnsureSchemaSurfacesRegistryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewSchemaRegistryClient(srv.URL)

	_, err := client.EnsureSchema(context.Background(), "workout_conflicts-value", conflictRecordedSchema)
	require.Error(t, err)
	require.Contains(t, err.Error(), "workout_conflicts-value")
}
