package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd(t *testing.T) {
	var gotName, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/add", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		gotName, gotBody = hdr.Filename, string(b)
		_ = json.NewEncoder(w).Encode(map[string]string{"Name": hdr.Filename, "Hash": "QmTest", "Size": "5"})
	}))
	defer server.Close()

	path, err := NewGateway(server.URL).Add(context.Background(), "hello.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "/ipfs/QmTest", path)
	assert.Equal(t, "hello.txt", gotName)
	assert.Equal(t, "hello", gotBody)
}

func TestAdd_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("pin"))
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "disk full", http.StatusInternalServerError)
	}))
	defer server.Close()

	g := NewGateway(server.URL)
	_, err := g.Add(context.Background(), "", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = g.Add(context.Background(), "a.txt", strings.NewReader("x"))
	assert.ErrorContains(t, err, "disk full")
}

func TestAdd_NoHash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(`{"Name":"a.txt"}`))
	}))
	defer server.Close()

	_, err := NewGateway(server.URL).Add(context.Background(), "a.txt", strings.NewReader("x"))
	assert.ErrorContains(t, err, "no hash")
}
