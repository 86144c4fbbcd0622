package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart_PostsCodeAndEmail(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"user_email":"a@x.com"}`))
	}))
	defer srv.Close()

	trig := NewTriggerWithClient(srv.URL, srv.Client())
	res, err := trig.Start(context.Background(), Request{Code: "code-1", Email: "a@x.com"})
	require.NoError(t, err)

	assert.Equal(t, Request{Code: "code-1", Email: "a@x.com"}, got)
	assert.Equal(t, "a@x.com", res.Email)
}

func TestStart_OmitsEmptyEmail(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res, err := NewTriggerWithClient(srv.URL, srv.Client()).Start(context.Background(), Request{Code: "c"})
	require.NoError(t, err)

	assert.NotContains(t, raw, "email")
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Empty(t, res.Email)
}

func TestStart_NonSuccessIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow inactive", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewTriggerWithClient(srv.URL, srv.Client()).Start(context.Background(), Request{Code: "c"})

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusNotFound, upstream.StatusCode)
	assert.Equal(t, "workflow inactive", upstream.Body)
}

func TestEmailFromBody(t *testing.T) {
	tests := map[string]string{
		`{"user_email":"a@x.com"}`:            "a@x.com",
		`{"email":"b@x.com"}`:                 "b@x.com",
		`[{"user_email":"c@x.com"}]`:          "c@x.com",
		`{"data":{"user_email":"d@x.com"}}`:   "d@x.com",
		`{"message":"Workflow was started"}`: "",
		`{"user_email":null}`:                 "",
		`Workflow was started`:                "",
		``:                                    "",
	}
	for body, want := range tests {
		assert.Equal(t, want, emailFromBody([]byte(body)), body)
	}
}
