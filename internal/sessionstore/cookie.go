package sessionstore

import (
	"context"
	"net/http"
	"time"
)

// CookieBackend reads handles from an incoming request and writes them back
// as Set-Cookie headers on the response. It is scoped to one request.
type CookieBackend struct {
	r      *http.Request
	w      http.ResponseWriter
	secure bool
	now    func() time.Time
}

// NewCookieBackend binds a backend to one request/response pair.
func NewCookieBackend(w http.ResponseWriter, r *http.Request, secure bool) *CookieBackend {
	return &CookieBackend{r: r, w: w, secure: secure, now: time.Now}
}

func (c *CookieBackend) Get(_ context.Context, key string) (string, time.Time, error) {
	cookie, err := c.r.Cookie(key)
	if err != nil {
		return "", time.Time{}, ErrNotFound
	}
	return cookie.Value, time.Time{}, nil
}

func (c *CookieBackend) Set(_ context.Context, key, value string, expiresAt time.Time) error {
	maxAge := int(expiresAt.Sub(c.now()).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(c.w, &http.Cookie{
		Name:     key,
		Value:    value,
		Path:     "/",
		Expires:  expiresAt.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (c *CookieBackend) Delete(_ context.Context, key string) error {
	http.SetCookie(c.w, &http.Cookie{
		Name:     key,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
