// azstore/token.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package azstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sync/singleflight"
)

// Tokens are replaced this long before they expire so that a request
// that starts with a token doesn't have it expire in flight. Credentials
// that live for less than twice this are replaced halfway through their
// life instead.
const refreshSkew = 2 * time.Minute

func skewFor(lifetime time.Duration) time.Duration {
	if lifetime <= 0 {
		return 0
	}
	if lifetime < 2*refreshSkew {
		return lifetime / 2
	}
	return refreshSkew
}

// TokenSource hands out the current credential for one collection,
// getting a new one from the issuer when the current one is missing or
// about to expire. It's safe for concurrent use: callers that need a
// refresh at the same time share a single request to the issuer, and if
// that request fails, all of them get the error.
type TokenSource struct {
	issuer  CredentialIssuer
	account string
	kind    Kind
	name    string
	level   Level

	// Overridden in tests.
	now func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cur   Credential
	skew  time.Duration
}

func NewTokenSource(issuer CredentialIssuer, account string, kind Kind, name string,
	level Level) *TokenSource {
	return &TokenSource{
		issuer:  issuer,
		account: account,
		kind:    kind,
		name:    name,
		level:   level,
		now:     time.Now,
	}
}

func (ts *TokenSource) String() string {
	return fmt.Sprintf("%s/%s/%s (%s)", ts.account, ts.kind, ts.name, ts.level)
}

func (ts *TokenSource) Level() Level {
	return ts.level
}

// current returns the cached token if it isn't due for replacement.
func (ts *TokenSource) current() (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.cur.Token == "" || !ts.now().Add(ts.skew).Before(ts.cur.Expires) {
		return "", false
	}
	return ts.cur.Token, true
}

// Token returns a credential token that's good for at least refreshSkew
// longer, or half of its lifetime for short-lived credentials.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := ts.current(); ok {
		return tok, nil
	}

	v, err, _ := ts.group.Do("refresh", func() (interface{}, error) {
		// Another caller may have finished a refresh after we checked.
		if tok, ok := ts.current(); ok {
			return tok, nil
		}

		issued := ts.now()
		nc, err := ts.issuer.IssueCredential(ctx, ts.account, ts.kind, ts.name, ts.level)
		if err != nil {
			return nil, errors.Annotatef(err, "%s: credential refresh", ts)
		}
		log.Debug("%s: new credential expires %s", ts, nc.Expires.Format(time.RFC3339))

		ts.mu.Lock()
		ts.cur = nc
		ts.skew = skewFor(nc.Expires.Sub(issued))
		ts.mu.Unlock()
		return nc.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
