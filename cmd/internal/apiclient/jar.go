package apiclient

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"sync"
	"time"

	"sentinel/cmd/internal/storage"
)

// Jar is an http.CookieJar that mirrors the API origin's cookies into storage
// under storage.KeyCookies, so a later process picks the refresh cookie back up.
// Cookie values are never logged.
type Jar struct {
	log     *slog.Logger
	inner   *cookiejar.Jar
	origin  *url.URL
	backend storage.Storage

	mu    sync.Mutex
	saved map[string]storedCookie
}

type storedCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitzero"`
	HttpOnly bool      `json:"http_only,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
}

// NewJar builds a jar for baseURL, restoring persisted cookies from backend.
func NewJar(log *slog.Logger, backend storage.Storage, baseURL string) (*Jar, error) {
	if log == nil {
		log = slog.Default()
	}
	if backend == nil {
		backend = storage.NewMemory()
	}

	origin, err := url.Parse(baseURL)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("apiclient: invalid base url %q", baseURL)
	}

	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	j := &Jar{
		log:     log,
		inner:   inner,
		origin:  origin,
		backend: backend,
		saved:   make(map[string]storedCookie),
	}
	j.restore()
	return j, nil
}

func (j *Jar) restore() {
	raw, ok, err := j.backend.Get(storage.KeyCookies)
	if err != nil {
		j.log.Warn("cookies.load.fail", "err", err)
		return
	}
	if !ok || raw == "" {
		return
	}

	var list []storedCookie
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		j.log.Warn("cookies.load.corrupt", "err", err)
		_ = j.backend.Delete(storage.KeyCookies)
		return
	}

	now := time.Now()
	cookies := make([]*http.Cookie, 0, len(list))
	for _, sc := range list {
		if !sc.Expires.IsZero() && !sc.Expires.After(now) {
			continue
		}
		j.saved[sc.Name] = sc
		cookies = append(cookies, &http.Cookie{
			Name:     sc.Name,
			Value:    sc.Value,
			Path:     sc.Path,
			Expires:  sc.Expires,
			HttpOnly: sc.HttpOnly,
			Secure:   sc.Secure,
		})
	}
	j.inner.SetCookies(j.origin, cookies)
	j.log.Debug("cookies.load", "count", len(cookies))
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)
	if u == nil || u.Hostname() != j.origin.Hostname() {
		return
	}

	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, c := range cookies {
		// Max-Age takes precedence over Expires.
		exp := c.Expires
		if c.MaxAge > 0 {
			exp = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		if c.MaxAge < 0 || (!exp.IsZero() && !exp.After(now)) {
			delete(j.saved, c.Name)
			continue
		}
		j.saved[c.Name] = storedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Expires:  exp,
			HttpOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
	}
	j.persistLocked()
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

// Len returns the number of persisted cookies for the API origin.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.saved)
}

func (j *Jar) persistLocked() {
	if len(j.saved) == 0 {
		if err := j.backend.Delete(storage.KeyCookies); err != nil {
			j.log.Warn("cookies.persist.fail", "err", err)
		}
		return
	}

	list := make([]storedCookie, 0, len(j.saved))
	for _, sc := range j.saved {
		list = append(list, sc)
	}
	sort.Slice(list, func(a, b int) bool { return list[a].Name < list[b].Name })

	raw, err := json.Marshal(list)
	if err != nil {
		j.log.Warn("cookies.persist.fail", "err", err)
		return
	}
	if err := j.backend.Set(storage.KeyCookies, string(raw)); err != nil {
		j.log.Warn("cookies.persist.fail", "err", err)
	}
}
