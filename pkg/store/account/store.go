// Package account manages user accounts and auth sessions through WorkOS
// user management, with local session state and change notifications.
package account

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/workos/workos-go/v6/pkg/usermanagement"

	"github.com/vango-go/parley/pkg/core"
)

// Event labels an auth state transition delivered to subscribers.
type Event string

const (
	EventSignedIn  Event = "signed_in"
	EventSignedOut Event = "signed_out"
	EventRefreshed Event = "refreshed"
)

// User is the account identity attached to a session.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
}

// Session is one authenticated session. Copies are handed to callers;
// the store keeps the canonical state.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         User
	ExpiresAt    time.Time
}

// Expired reports whether the access token is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// userManagementAPI is the slice of the WorkOS client the store uses.
type userManagementAPI interface {
	CreateUser(ctx context.Context, opts usermanagement.CreateUserOpts) (usermanagement.User, error)
	AuthenticateWithPassword(ctx context.Context, opts usermanagement.AuthenticateWithPasswordOpts) (usermanagement.AuthenticateResponse, error)
	AuthenticateWithRefreshToken(ctx context.Context, opts usermanagement.AuthenticateWithRefreshTokenOpts) (usermanagement.RefreshAuthenticationResponse, error)
	RevokeSession(ctx context.Context, opts usermanagement.RevokeSessionOpts) error
}

// Config configures a Store.
type Config struct {
	APIKey   string
	ClientID string
	Logger   *slog.Logger
}

// Store wraps WorkOS user management and holds the current session.
type Store struct {
	api      userManagementAPI
	clientID string
	logger   *slog.Logger

	mu      sync.Mutex
	session *Session

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Event, *Session)
}

// New constructs a Store backed by the WorkOS API.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewInvalidRequestError("WorkOS API key must not be empty")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, core.NewInvalidRequestError("WorkOS client ID must not be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		api:      usermanagement.NewClient(cfg.APIKey),
		clientID: cfg.ClientID,
		logger:   cfg.Logger,
		subs:     make(map[int]func(Event, *Session)),
	}, nil
}

// SignUp creates a new account. It does not sign the user in.
func (s *Store) SignUp(ctx context.Context, email, password string) (User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return User{}, core.NewInvalidRequestError("email and password must not be empty")
	}
	created, err := s.api.CreateUser(ctx, usermanagement.CreateUserOpts{
		Email:    email,
		Password: password,
	})
	if err != nil {
		return User{}, core.NewAuthenticationError("sign up failed: " + err.Error())
	}
	return userFrom(created), nil
}

// SignIn authenticates with email and password, stores the session, and
// notifies subscribers.
func (s *Store) SignIn(ctx context.Context, email, password string) (*Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, core.NewInvalidRequestError("email and password must not be empty")
	}
	resp, err := s.api.AuthenticateWithPassword(ctx, usermanagement.AuthenticateWithPasswordOpts{
		ClientID: s.clientID,
		Email:    email,
		Password: password,
	})
	if err != nil {
		return nil, core.NewAuthenticationError("sign in failed: " + err.Error())
	}

	session := sessionFrom(resp)
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	s.notify(EventSignedIn, session)
	return copySession(session), nil
}

// SignOut revokes the current session and clears local state. A missing
// session is the expected idle state, not an error.
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.mu.Unlock()

	if session == nil {
		return nil
	}

	if sid := sessionIDFromToken(session.AccessToken); sid != "" {
		if err := s.api.RevokeSession(ctx, usermanagement.RevokeSessionOpts{SessionID: sid}); err != nil {
			// Local state is already cleared; revocation failure only
			// means the remote session outlives us until expiry.
			s.logger.Warn("session revocation failed", "error", err)
		}
	}

	s.notify(EventSignedOut, nil)
	return nil
}

// Session returns the current session, refreshing it first when the
// access token has expired. No session returns (nil, nil).
func (s *Store) Session(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()

	if session == nil {
		return nil, nil
	}
	if !session.Expired(time.Now()) {
		return copySession(session), nil
	}
	if session.RefreshToken == "" {
		return nil, core.NewAuthenticationError("session expired and no refresh token is available")
	}

	resp, err := s.api.AuthenticateWithRefreshToken(ctx, usermanagement.AuthenticateWithRefreshTokenOpts{
		ClientID:     s.clientID,
		RefreshToken: session.RefreshToken,
	})
	if err != nil {
		s.mu.Lock()
		s.session = nil
		s.mu.Unlock()
		s.notify(EventSignedOut, nil)
		return nil, core.NewAuthenticationError("session refresh failed: " + err.Error())
	}

	refreshed := sessionFrom(usermanagement.AuthenticateResponse{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	})
	if refreshed.User.ID == "" {
		refreshed.User = session.User
	}
	s.mu.Lock()
	s.session = refreshed
	s.mu.Unlock()

	s.notify(EventRefreshed, refreshed)
	return copySession(refreshed), nil
}

// User returns the currently signed-in user, or nil when signed out.
func (s *Store) User(ctx context.Context) (*User, error) {
	session, err := s.Session(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	user := session.User
	return &user, nil
}

// OnAuthStateChange registers a subscriber for auth transitions and
// returns its unsubscribe function.
func (s *Store) OnAuthStateChange(fn func(Event, *Session)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Close drops every subscriber. The session itself is left for SignOut.
func (s *Store) Close() {
	s.subMu.Lock()
	s.subs = make(map[int]func(Event, *Session))
	s.subMu.Unlock()
}

func (s *Store) notify(event Event, session *Session) {
	s.subMu.Lock()
	subs := make([]func(Event, *Session), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(event, copySession(session))
	}
}

func copySession(session *Session) *Session {
	if session == nil {
		return nil
	}
	out := *session
	return &out
}

func sessionFrom(resp usermanagement.AuthenticateResponse) *Session {
	session := &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		User:         userFrom(resp.User),
	}
	session.ExpiresAt = tokenExpiry(resp.AccessToken)
	return session
}

func userFrom(u usermanagement.User) User {
	return User{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// tokenExpiry reads the exp claim without verifying the signature; the
// token is only inspected locally to decide when to refresh.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// sessionIDFromToken reads the WorkOS session ID claim used for
// revocation.
func sessionIDFromToken(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sid, _ := claims["sid"].(string)
	return sid
}
