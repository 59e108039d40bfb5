package projects

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/repo"
	"github.com/applaude-labs/applaude-go/internal/repo/memory"
)

func TestLinkAndToggle(t *testing.T) {
	store := memory.New()
	svc, err := New(store)
	require.NoError(t, err)
	ctx := context.Background()
	info := domain.AuditInfo{Actor: "acct-1"}

	p, err := svc.Link(ctx, info, "acct-1", "", "https://github.com/acme/app.git")
	require.NoError(t, err)
	assert.Equal(t, "acme/app", p.Name)
	assert.True(t, p.IsConnected)

	p, err = svc.SetConnected(ctx, info, "acct-1", p.ID, false)
	require.NoError(t, err)
	assert.False(t, p.IsConnected)

	_, err = svc.SetConnected(ctx, info, "acct-1", p.ID, false)
	require.NoError(t, err)

	_, err = svc.SetConnected(ctx, info, "acct-2", p.ID, true)
	require.ErrorIs(t, err, domain.ErrNotFound)

	connected := false
	list, err := svc.List(ctx, repo.ProjectFilter{AccountID: "acct-1", Connected: &connected})
	require.NoError(t, err)
	require.Len(t, list, 1)

	var actions []string
	for _, e := range store.AuditEvents() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{domain.AuditActionProjectLinked, domain.AuditActionProjectDisconnected}, actions)
}

func TestLinkRejectsBadURL(t *testing.T) {
	svc, err := New(memory.New())
	require.NoError(t, err)
	_, err = svc.Link(context.Background(), domain.AuditInfo{}, "acct-1", "x", "git@github.com:acme/app.git")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
