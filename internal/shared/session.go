package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultSessionCookie = "buildtrack_session"
	defaultSessionTTL    = 24 * time.Hour
	sessionKeyPrefix     = "session:"
)

// SessionOptions configures the session cookie and its Redis lifetime.
type SessionOptions struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// SessionManager stores cookie sessions in Redis.
type SessionManager struct {
	client *redis.Client
	opts   SessionOptions
}

// Session is the per-request view of a stored session. Mutations are
// persisted by SessionManager.Commit.
type Session struct {
	ID        string
	userID    int64
	values    map[string]string
	renewedOf string
	dirty     bool
	destroyed bool
}

type sessionPayload struct {
	UserID int64             `json:"user_id"`
	Values map[string]string `json:"values"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, opts SessionOptions) *SessionManager {
	if opts.CookieName == "" {
		opts.CookieName = defaultSessionCookie
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultSessionTTL
	}
	return &SessionManager{client: client, opts: opts}
}

// CookieName returns the name of the session cookie.
func (sm *SessionManager) CookieName() string {
	return sm.opts.CookieName
}

// Load returns the session named by the request cookie. Missing or expired
// sessions yield a fresh anonymous one.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.opts.CookieName)
	if errors.Is(err, http.ErrNoCookie) || (err == nil && cookie.Value == "") {
		return newSession(), nil
	}
	if err != nil {
		return nil, err
	}

	raw, err := sm.client.Get(ctx, sessionKeyPrefix+cookie.Value).Bytes()
	if errors.Is(err, redis.Nil) {
		return newSession(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("shared: load session: %w", err)
	}
	var stored sessionPayload
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("shared: decode session: %w", err)
	}
	if stored.Values == nil {
		stored.Values = make(map[string]string)
	}
	return &Session{ID: cookie.Value, userID: stored.UserID, values: stored.Values}, nil
}

// Commit writes a changed session back to Redis and refreshes the cookie.
// Destroyed sessions are deleted and their cookie cleared; a renewed session
// drops the key it was renewed from.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess == nil {
		return nil
	}
	if sess.destroyed {
		if err := sm.client.Del(ctx, sessionKeyPrefix+sess.ID).Err(); err != nil {
			return fmt.Errorf("shared: delete session: %w", err)
		}
		http.SetCookie(w, sm.cookie("", -1))
		return nil
	}
	if !sess.dirty {
		return nil
	}
	data, err := json.Marshal(sessionPayload{UserID: sess.userID, Values: sess.values})
	if err != nil {
		return err
	}
	_, err = sm.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKeyPrefix+sess.ID, data, sm.opts.TTL)
		if sess.renewedOf != "" {
			pipe.Del(ctx, sessionKeyPrefix+sess.renewedOf)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("shared: store session: %w", err)
	}
	sess.dirty = false
	sess.renewedOf = ""
	http.SetCookie(w, sm.cookie(sess.ID, int(sm.opts.TTL/time.Second)))
	return nil
}

func (sm *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sm.opts.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   sm.opts.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// Destroy marks the session for deletion.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess != nil {
		sess.destroyed = true
	}
}

// Renew gives sess a new identifier while keeping its contents. Call it when
// the session's privileges change, such as on login.
func (sm *SessionManager) Renew(sess *Session) {
	if sess == nil {
		return
	}
	if sess.renewedOf == "" {
		sess.renewedOf = sess.ID
	}
	sess.ID = uuid.NewString()
	sess.dirty = true
}

// SetUser associates the session with a user ID.
func (s *Session) SetUser(id int64) {
	s.userID = id
	s.dirty = true
}

// User returns the current user ID, zero when anonymous.
func (s *Session) User() int64 {
	if s == nil {
		return 0
	}
	return s.userID
}

// Set stores a key-value pair.
func (s *Session) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.dirty = true
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	if s == nil {
		return ""
	}
	return s.values[key]
}

const companyKey = "company_id"

// SetCompany records the tenant the user switched to.
func (s *Session) SetCompany(companyID int64) {
	s.Set(companyKey, strconv.FormatInt(companyID, 10))
}

// Company returns the tenant stored in the session, zero when unset.
func (s *Session) Company() int64 {
	id, _ := strconv.ParseInt(s.Get(companyKey), 10, 64)
	return id
}

func newSession() *Session {
	return &Session{ID: uuid.NewString(), values: make(map[string]string)}
}
