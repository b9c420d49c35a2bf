// Package credentials defines the token provider contract the remote store consumes and a
// few simple providers.
package credentials

import (
	"context"
	"sync"

	"github.com/docsync/docsync.go/internal/async"
)

// User is the identity the local cache is partitioned by. The zero User is
// unauthenticated.
type User struct {
	UID string
}

// Unauthenticated is the user of clients without credentials.
var Unauthenticated = User{}

func (u User) IsAuthenticated() bool {
	return u.UID != ""
}

func (u User) String() string {
	if u.UID == "" {
		return "anonymous"
	}
	return u.UID
}

// Token is a bearer token for the current user.
type Token struct {
	Value string
	User  User
}

// UserListener is called on the async queue with the initial user and every change.
type UserListener func(User)

// Provider supplies tokens for stream requests. GetToken may return a nil token when no
// credentials are available.
type Provider interface {
	GetToken(ctx context.Context) (*Token, error)
	InvalidateToken()
	Start(q *async.Queue, listener UserListener)
	Shutdown()
}

// EmptyProvider never has a token and never changes user. It serves both as the auth
// provider of anonymous clients and as a disabled app-check provider.
type EmptyProvider struct{}

var _ Provider = EmptyProvider{}

func (EmptyProvider) GetToken(context.Context) (*Token, error) { return nil, nil }
func (EmptyProvider) InvalidateToken()                         {}
func (EmptyProvider) Shutdown()                                {}

func (EmptyProvider) Start(q *async.Queue, listener UserListener) {
	if listener != nil {
		q.EnqueueAndForget(func() { listener(Unauthenticated) })
	}
}

// StaticProvider hands out a fixed token. ChangeUser switches identity the way a sign-in
// would, which makes it useful in tests and for service tokens.
type StaticProvider struct {
	mu           sync.Mutex
	token        Token
	queue        *async.Queue
	listener     UserListener
	invalidated  int
	fetchCounter int
}

var _ Provider = (*StaticProvider)(nil)

func NewStaticProvider(value string, user User) *StaticProvider {
	return &StaticProvider{token: Token{Value: value, User: user}}
}

func (p *StaticProvider) GetToken(ctx context.Context) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCounter++
	t := p.token
	return &t, nil
}

func (p *StaticProvider) InvalidateToken() {
	p.mu.Lock()
	p.invalidated++
	p.mu.Unlock()
}

func (p *StaticProvider) Start(q *async.Queue, listener UserListener) {
	p.mu.Lock()
	p.queue, p.listener = q, listener
	user := p.token.User
	p.mu.Unlock()
	if listener != nil {
		q.EnqueueAndForget(func() { listener(user) })
	}
}

func (p *StaticProvider) Shutdown() {
	p.mu.Lock()
	p.listener = nil
	p.mu.Unlock()
}

// ChangeUser swaps the token and notifies the listener on the queue.
func (p *StaticProvider) ChangeUser(value string, user User) {
	p.mu.Lock()
	p.token = Token{Value: value, User: user}
	q, listener := p.queue, p.listener
	p.mu.Unlock()
	if q != nil && listener != nil {
		q.EnqueueAndForget(func() { listener(user) })
	}
}

// Invalidations counts InvalidateToken calls.
func (p *StaticProvider) Invalidations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invalidated
}

// Fetches counts GetToken calls.
func (p *StaticProvider) Fetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCounter
}
