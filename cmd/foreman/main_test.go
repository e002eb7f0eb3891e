package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/foreman/task"
)

func TestLabel(t *testing.T) {
	assert.Equal(t, "In Progress", label(task.StatusInProgress))
	assert.Equal(t, "Pending", label(task.StatusPending))
}

func TestClient_SurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"resource a.go is locked (exclusive) by a1"}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Token: "tok", HTTPClient: srv.Client()}
	err := c.post("/api/locks", map[string]string{"resource_path": "a.go"}, nil)
	require.Error(t, err)
	assert.Equal(t, "server returned 409: resource a.go is locked (exclusive) by a1", err.Error())
}

func TestClient_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTPClient: srv.Client()}
	var v map[string]any
	require.NoError(t, c.get("/api/agents/a1/next", &v))
	assert.Nil(t, v)
}

func TestHashPasswordCommand(t *testing.T) {
	var out bytes.Buffer
	hashPasswordCmd.SetOut(&out)
	hashPasswordCmd.SetIn(strings.NewReader("hunter2\n"))
	require.NoError(t, hashPasswordCmd.RunE(hashPasswordCmd, nil))

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))
}
