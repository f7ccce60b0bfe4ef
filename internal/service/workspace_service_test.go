package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
)

func TestWorkspaceServiceLifecycle(t *testing.T) {
	ws := NewWorkspaceService(NewAssessmentClient(AssessmentClientConfig{}, nil, nil), nil, WorkspaceConfig{}, nil)

	first := ws.Create()
	second := ws.Create()
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Len(t, ws.IDs(), 2)

	got, err := ws.Get(first.ID())
	require.NoError(t, err)
	assert.Same(t, first, got)

	require.NoError(t, ws.Delete(first.ID()))
	_, err = ws.Get(first.ID())
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
	assert.True(t, errors.Is(ws.Delete(first.ID()), appErrors.ErrNotFound))

	ws.CloseAll()
	assert.Empty(t, ws.IDs())
	_, err = second.Refresh(context.Background())
	assert.True(t, errors.Is(err, appErrors.ErrConflict))
}

func TestWorkspaceServiceEvictsIdleConsoles(t *testing.T) {
	ws := NewWorkspaceService(NewAssessmentClient(AssessmentClientConfig{}, nil, nil), nil, WorkspaceConfig{IdleTTL: time.Minute}, nil)
	stale := ws.Create()
	fresh := ws.Create()

	evicted := ws.evictIdle(time.Now().UTC().Add(30 * time.Second))
	assert.Zero(t, evicted)

	evicted = ws.evictIdle(time.Now().UTC().Add(2 * time.Minute))
	assert.Equal(t, 2, evicted)
	assert.Empty(t, ws.IDs())

	_, err := stale.UpdateForm(fresh.State().Form)
	assert.True(t, errors.Is(err, appErrors.ErrConflict))
}

func TestWorkspaceServiceGetKeepsReadersAlive(t *testing.T) {
	ws := NewWorkspaceService(NewAssessmentClient(AssessmentClientConfig{}, nil, nil), nil, WorkspaceConfig{IdleTTL: time.Minute}, nil)
	console := ws.Create()
	created := console.LastActive()

	time.Sleep(5 * time.Millisecond)
	got, err := ws.Get(console.ID())
	require.NoError(t, err)
	assert.True(t, got.LastActive().After(created))
}
