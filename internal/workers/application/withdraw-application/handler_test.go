package withdrawapplication

import (
	"context"
	"testing"

	"rental-queue/internal/common/auth"
	"rental-queue/internal/common/config"
	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"
	"rental-queue/internal/models"
	"rental-queue/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_Execute_CompactsQueue(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger(t)
	store := queue.NewMemStore()
	gate := &auth.StaticGate{Owners: map[string]string{"listing-1": "owner-1"}}
	mgr := queue.NewManager(queue.Config{}, store, gate, log)
	h := NewHandler(LoadConfig(config.WorkerConfig{}), mgr, log)

	var apps []*models.Application
	for _, who := range []string{"tenant-1", "tenant-2", "tenant-3", "tenant-4"} {
		app, err := mgr.Submit(ctx, queue.SubmitRequest{ListingID: "listing-1", ApplicantID: who})
		require.NoError(t, err)
		apps = append(apps, app)
	}

	out, err := h.Execute(ctx, &Input{ApplicationID: apps[1].ID, CallerID: "tenant-2"})
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusWithdrawn), out.ApplicationStatus)
	assert.Equal(t, 2, out.Compacted)

	for i, want := range map[int]int{0: 1, 2: 2, 3: 3} {
		got, err := store.Get(ctx, apps[i].ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.Position, "applicant %s", got.ApplicantID)
	}

	_, err = h.Execute(ctx, &Input{ApplicationID: apps[0].ID, CallerID: "owner-1"})
	require.Error(t, err)
	assert.True(t, errors.IsAuthorization(err))

	_, err = h.Execute(ctx, &Input{ApplicationID: apps[1].ID, CallerID: "tenant-2"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotPending, errors.AsStandard(err).Code)

	_, err = h.Execute(ctx, &Input{ApplicationID: "missing", CallerID: "tenant-2"})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
