// Package refresh keeps one client context's access token usable.
//
// A Coordinator decides when the stored access token needs refreshing and
// makes sure at most one refresh call is in flight at a time. Callers that
// arrive while a refresh runs wait for it and share its outcome.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/promptvault/internal/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultThreshold is how close to expiry a token may get before it is refreshed.
	DefaultThreshold = 5 * time.Minute
	// DefaultTimeout bounds one refresh call.
	DefaultTimeout = 15 * time.Second

	flightKey = "session"
)

var (
	// ErrRefreshRejected means the server refused the refresh token. The session
	// has been cleared and the user must sign in again.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrRefreshUnavailable means the refresh could not complete for a transient
	// reason. The session is kept; a later call may succeed.
	ErrRefreshUnavailable = errors.New("token refresh unavailable")
)

// Refresher exchanges a refresh token for a new session. Implementations wrap
// ErrRefreshRejected when the server definitively refused the token. Any other
// error is treated as transient.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*session.Session, error)
}

type RefresherFunc func(ctx context.Context, refreshToken string) (*session.Session, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*session.Session, error) {
	return f(ctx, refreshToken)
}

type Option func(*Coordinator)

func WithThreshold(d time.Duration) Option {
	return func(c *Coordinator) { c.threshold = d }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

type Coordinator struct {
	store     *session.Store
	refresher Refresher
	group     singleflight.Group

	// mu orders session writes against Invalidate and Establish. epoch changes
	// whenever the session is replaced from outside a flight.
	mu    sync.Mutex
	epoch uint64
	// pending is a rotated session the store failed to persist. It shadows the
	// store until a write succeeds.
	pending *session.Session

	threshold time.Duration
	timeout   time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

func New(store *session.Store, refresher Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		refresher: refresher,
		threshold: DefaultThreshold,
		timeout:   DefaultTimeout,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AccessToken returns a token that is valid for longer than the threshold,
// refreshing first if needed. Without a session it returns session.ErrNoSession.
//
// On a transient refresh failure it returns the current token if that token has
// not expired yet.
func (c *Coordinator) AccessToken(ctx context.Context) (string, error) {
	sess, err := c.read(ctx)
	if err != nil {
		return "", err
	}
	if sess.Remaining(c.now()) > c.threshold {
		return sess.AccessToken, nil
	}
	return c.join(ctx, flight{})
}

// ForceRefresh is called after the server rejected rejectedToken. It skips the
// threshold check but returns the stored token without a network call if a
// concurrent caller already replaced rejectedToken. It never returns
// rejectedToken.
func (c *Coordinator) ForceRefresh(ctx context.Context, rejectedToken string) (string, error) {
	f := flight{forced: true, rejected: rejectedToken}
	// A forced caller can land on a proactive flight whose transient fallback is
	// the very token that was rejected. Try once more under its own terms.
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.join(ctx, f)
		if err != nil {
			return "", err
		}
		if rejectedToken == "" || tok != rejectedToken {
			return tok, nil
		}
	}
	return "", fmt.Errorf("%w: access token was rejected and could not be replaced", ErrRefreshUnavailable)
}

// Establish stores a freshly signed-in session. A refresh still in flight from
// an earlier session will not overwrite it.
func (c *Coordinator) Establish(ctx context.Context, sess *session.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.pending = nil
	return c.store.Write(ctx, sess)
}

// Invalidate clears the session. A refresh still in flight will not bring it back.
func (c *Coordinator) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.pending = nil
	return c.store.Clear(ctx)
}

// Session returns the current session.
func (c *Coordinator) Session(ctx context.Context) (*session.Session, error) {
	return c.read(ctx)
}

// read returns the stored session, or the pending one after another attempt
// to persist it fails.
func (c *Coordinator) read(ctx context.Context) (*session.Session, error) {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return c.store.Read(ctx)
	}
	defer c.mu.Unlock()
	if err := c.store.Write(ctx, c.pending); err != nil {
		c.log.Warn().Err(err).Msg("refreshed session still not persisted")
		sess := *c.pending
		return &sess, nil
	}
	c.pending = nil
	return c.store.Read(ctx)
}

type flight struct {
	forced   bool
	rejected string
}

// join starts a refresh or waits for the one in flight. The refresh itself is
// detached from ctx; ctx only bounds how long this caller waits.
func (c *Coordinator) join(ctx context.Context, f flight) (string, error) {
	ch := c.group.DoChan(flightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.run(fctx, f)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Coordinator) run(ctx context.Context, f flight) (tok string, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("token refresh panicked")
			tok, err = "", fmt.Errorf("%w: refresh panicked: %v", ErrRefreshUnavailable, r)
		}
	}()

	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	// Re-read inside the flight: an earlier flight, or another context sharing
	// the store, may have rotated the tokens.
	if err := c.store.Sync(ctx); err != nil {
		c.log.Warn().Err(err).Msg("reload shared session")
	}
	sess, err := c.read(ctx)
	if err != nil {
		return "", err
	}
	now := c.now()
	switch {
	case !f.forced && sess.Remaining(now) > c.threshold:
		return sess.AccessToken, nil
	case f.forced && f.rejected != "" && sess.AccessToken != f.rejected && !sess.Expired(now):
		return sess.AccessToken, nil
	}

	started := time.Now()
	next, err := c.refresher.Refresh(ctx, sess.RefreshToken)
	if err == nil && next == nil {
		err = errors.New("refresher returned no session")
	}
	if err == nil && next.Expired(c.now()) {
		err = fmt.Errorf("refreshed access token expired at %s", next.ExpiresAt.Format(time.RFC3339))
	}
	if err != nil {
		return c.fail(ctx, f, sess, epoch, err)
	}

	if next.User == (session.User{}) {
		next.User = sess.User
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		c.log.Debug().Msg("session replaced during refresh; discarding refreshed tokens")
		return "", session.ErrNoSession
	}
	c.pending = nil
	if werr := c.store.Write(ctx, next); werr != nil {
		// The server already retired the old refresh token, so the store must
		// not be trusted until the new one lands there.
		c.log.Error().Err(werr).Msg("persist refreshed session; keeping it in memory")
		c.pending = next
	}
	c.log.Debug().Dur("took", time.Since(started)).Time("expires_at", next.ExpiresAt).Msg("access token refreshed")
	return next.AccessToken, nil
}

func (c *Coordinator) fail(ctx context.Context, f flight, sess *session.Session, epoch uint64, err error) (string, error) {
	if errors.Is(err, ErrRefreshRejected) {
		c.log.Info().Err(err).Msg("refresh token rejected; signing out")
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch == epoch {
			c.pending = nil
			if cerr := c.store.Clear(ctx); cerr != nil {
				c.log.Error().Err(cerr).Msg("clear rejected session")
			}
			c.epoch++
		}
		return "", err
	}

	c.log.Warn().Err(err).Msg("token refresh failed; keeping session")
	if !f.forced && !sess.Expired(c.now()) {
		return sess.AccessToken, nil
	}
	return "", fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
}
