package docfetch

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
)

// sessionState is the on-disk form of an authenticated session. CreatedAt
// drives expiry; the cookie material is whatever the source handed out at
// login time.
type sessionState struct {
	CreatedAt time.Time       `json:"created_at"`
	Cookies   []sessionCookie `json:"cookies"`
}

type sessionCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain,omitempty"`
	Path    string    `json:"path,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
	Secure  bool      `json:"secure,omitempty"`
}

// expired reports whether the state is older than ttl.
func (s *sessionState) expired(ttl time.Duration, now time.Time) bool {
	return s.CreatedAt.IsZero() || now.Sub(s.CreatedAt) >= ttl
}

func (s *sessionState) httpCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		out = append(out, &http.Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  c.Domain,
			Path:    c.Path,
			Expires: c.Expires,
			Secure:  c.Secure,
		})
	}
	return out
}

func stateFromCookies(cookies []*http.Cookie, now time.Time) *sessionState {
	s := &sessionState{CreatedAt: now}
	for _, c := range cookies {
		s.Cookies = append(s.Cookies, sessionCookie{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  c.Domain,
			Path:    c.Path,
			Expires: c.Expires,
			Secure:  c.Secure,
		})
	}
	return s
}

// loadSessionState reads persisted session state. A missing file is not an
// error; it returns nil state, meaning a fresh login is needed.
func loadSessionState(path string) (*sessionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "read session state %s", path)
	}
	var s sessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrapf(err, "decode session state %s", path)
	}
	return &s, nil
}

// saveSessionState writes the state with owner-only permissions; the file
// holds live credentials.
func saveSessionState(path string, s *sessionState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "encode session state")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "create state dir %s", dir)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return eris.Wrapf(err, "write session state %s", path)
	}
	return nil
}

// cookieURL is the URL cookies are scoped to when restoring into the jar.
func cookieURL(base string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, eris.Wrapf(err, "parse base url %s", base)
	}
	return u, nil
}
