package gmcregistry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radhub-qip/radhub/internal/resilience"
)

func TestResolveNameFromHeading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1234567", r.URL.Path)
		fmt.Fprint(w, `<html><head><title>Register</title></head>
			<body><h1 class="doctor-name"> Dr Jane O'Neill-Smith </h1></body></html>`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, nil)
	name, err := client.ResolveName(context.Background(), "1234567")
	require.NoError(t, err)
	assert.Equal(t, "Dr Jane O'Neill-Smith", name)
}

func TestResolveNameFallsBackToTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Jane Smith | The medical register</title></head>
			<body><h1>Search &raquo; results</h1></body></html>`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, nil)
	name, err := client.ResolveName(context.Background(), "1234567")
	require.NoError(t, err)
	assert.Equal(t, "Jane Smith", name)
}

func TestResolveNameRejectsNonNameContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>404 &ndash; not found</h1></body></html>`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, nil)
	name, err := client.ResolveName(context.Background(), "1234567")
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestResolveNameErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, nil)
	_, err := client.ResolveName(context.Background(), "1234567")
	assert.Error(t, err)
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, nil)
	for i := 0; i < 5; i++ {
		_, err := client.ResolveName(context.Background(), "1234567")
		require.Error(t, err)
	}

	assert.Equal(t, resilience.StateOpen, client.breaker.State())

	// Open circuit fails fast without touching the upstream.
	_, err := client.ResolveName(context.Background(), "1234567")
	var cbErr *resilience.CircuitBreakerError
	assert.ErrorAs(t, err, &cbErr)
}

func TestResetBreakerRestoresLookups(t *testing.T) {
	healthy := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `<html><body><h1>Jane Smith</h1></body></html>`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, nil)
	for i := 0; i < 5; i++ {
		_, err := client.ResolveName(context.Background(), "1234567")
		require.Error(t, err)
	}
	require.Equal(t, resilience.StateOpen, client.breaker.State())

	// An operator reset short-circuits the recovery timeout.
	healthy = true
	client.ResetBreaker()
	assert.Equal(t, resilience.StateClosed, client.breaker.State())

	name, err := client.ResolveName(context.Background(), "1234567")
	require.NoError(t, err)
	assert.Equal(t, "Jane Smith", name)
}

func TestExtractName(t *testing.T) {
	tests := []struct {
		name     string
		page     string
		expected string
	}{
		{"plain heading", `<h1>John Smith</h1>`, "John Smith"},
		{"entities unescaped", `<h1>Se&aacute;n Murphy</h1>`, "Seán Murphy"},
		{"empty page", `<html></html>`, ""},
		{"numeric heading rejected", `<h1>1234567</h1>`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractName(tt.page))
		})
	}
}
