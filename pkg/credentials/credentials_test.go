package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync.go/internal/async"
)

func TestEmptyProvider(t *testing.T) {
	q := async.NewQueue(nil)
	defer q.Shutdown(nil)

	var got []User
	EmptyProvider{}.Start(q, func(u User) { got = append(got, u) })
	q.Drain()
	assert.Equal(t, []User{Unauthenticated}, got)

	tok, err := EmptyProvider{}.GetToken(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestStaticProvider(t *testing.T) {
	q := async.NewQueue(nil)
	defer q.Shutdown(nil)

	p := NewStaticProvider("t1", User{UID: "alice"})
	var got []User
	p.Start(q, func(u User) { got = append(got, u) })

	tok, err := p.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", tok.Value)

	p.ChangeUser("t2", User{UID: "bob"})
	q.Drain()
	assert.Equal(t, []User{{UID: "alice"}, {UID: "bob"}}, got)

	tok, err = p.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t2", tok.Value)
	assert.Equal(t, 2, p.Fetches())

	p.InvalidateToken()
	assert.Equal(t, 1, p.Invalidations())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.GetToken(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
