package apiclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/cmd/internal/storage"
)

func TestJar_PersistsAndRestoresOriginCookies(t *testing.T) {
	t.Parallel()

	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/set":
			http.SetCookie(w, &http.Cookie{
				Name:     "refresh_token",
				Value:    "R1",
				Path:     "/",
				HttpOnly: true,
				Expires:  time.Now().Add(time.Hour),
			})
		case "/echo":
			if c, err := r.Cookie("refresh_token"); err == nil {
				seen = c.Value
			}
		case "/expire":
			http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "", Path: "/", MaxAge: -1})
		}
	}))
	defer srv.Close()

	backend := storage.NewMemory()

	jar, err := NewJar(discardLogger(), backend, srv.URL)
	require.NoError(t, err)
	client := srv.Client()
	client.Jar = jar

	resp, err := client.Get(srv.URL + "/set")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, 1, jar.Len())

	raw, ok, _ := backend.Get(storage.KeyCookies)
	require.True(t, ok)
	assert.Contains(t, raw, "refresh_token")

	// A new process over the same storage sends the cookie back.
	jar2, err := NewJar(discardLogger(), backend, srv.URL)
	require.NoError(t, err)
	client2 := srv.Client()
	client2.Jar = jar2

	resp, err = client2.Get(srv.URL + "/echo")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "R1", seen)

	resp, err = client2.Get(srv.URL + "/expire")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Zero(t, jar2.Len())
	_, ok, _ = backend.Get(storage.KeyCookies)
	assert.False(t, ok)
}

func TestJar_CorruptEntryIsDropped(t *testing.T) {
	t.Parallel()

	backend := storage.NewMemory()
	require.NoError(t, backend.Set(storage.KeyCookies, "{nope"))

	jar, err := NewJar(discardLogger(), backend, "http://127.0.0.1:1")
	require.NoError(t, err)
	assert.Zero(t, jar.Len())
	_, ok, _ := backend.Get(storage.KeyCookies)
	assert.False(t, ok)
}

func TestJar_RejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	_, err := NewJar(discardLogger(), nil, "::not a url")
	assert.Error(t, err)
}
