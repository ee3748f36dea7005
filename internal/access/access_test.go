package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trellocore/internal/domain"
)

func TestTenantChecker(t *testing.T) {
	ctx := context.Background()
	card := domain.Card{Meta: domain.Meta{ID: "c1", TenantID: "t1", Version: 1}}
	var c TenantChecker

	assert.NoError(t, c.Check(ctx, Principal{UserID: "u1", TenantID: "t1"}, ActionWrite, card))
	assert.ErrorIs(t, c.Check(ctx, Principal{UserID: "u1", TenantID: "t2"}, ActionRead, card), domain.ErrUnauthorized)
	assert.ErrorIs(t, c.Check(ctx, Principal{}, ActionRead, card), domain.ErrUnauthorized)

	viewer := Principal{UserID: "u2", TenantID: "t1", Roles: []string{RoleViewer}}
	assert.NoError(t, c.Check(ctx, viewer, ActionRead, card))
	assert.ErrorIs(t, c.Check(ctx, viewer, ActionDelete, card), domain.ErrUnauthorized)
}

func TestVerifierRoundTrip(t *testing.T) {
	v, err := NewVerifier("s3cret", "HS256", 30*time.Minute)
	require.NoError(t, err)

	p := Principal{UserID: "u1", TenantID: "t1", Roles: []string{"member"}}
	token, err := v.Issue(p)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestVerifierRejects(t *testing.T) {
	v, err := NewVerifier("s3cret", "HS256", time.Minute)
	require.NoError(t, err)
	other, err := NewVerifier("different", "HS256", time.Minute)
	require.NoError(t, err)

	token, err := other.Issue(Principal{UserID: "u1", TenantID: "t1"})
	require.NoError(t, err)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	token, err = v.Issue(Principal{UserID: "u1", TenantID: "t1"})
	require.NoError(t, err)
	v.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "expired")

	_, err = v.Verify("not-a-token")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = NewVerifier("s3cret", "RS256", time.Minute)
	assert.Error(t, err)
	_, err = NewVerifier("", "HS256", time.Minute)
	assert.Error(t, err)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{UserID: "u1", TenantID: "t1"})
	p, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", p.UserID)
}
