package provisionchatroom

import (
	"context"
	"testing"

	"rental-queue/internal/common/auth"
	"rental-queue/internal/common/config"
	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"
	"rental-queue/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_Execute(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger(t)
	gate := &auth.StaticGate{Owners: map[string]string{"listing-1": "owner-1"}}
	mgr := queue.NewManager(queue.Config{}, queue.NewMemStore(), gate, log)
	h := NewHandler(LoadConfig(config.WorkerConfig{}), mgr, log)

	app, err := mgr.Submit(ctx, queue.SubmitRequest{ListingID: "listing-1", ApplicantID: "tenant-1"})
	require.NoError(t, err)

	_, err = h.Execute(ctx, &Input{ApplicationID: app.ID, CallerID: "owner-1"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotAccepted, errors.AsStandard(err).Code)

	res, err := mgr.Accept(ctx, app.ID, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, res.ChatRoom)

	out, err := h.Execute(ctx, &Input{ApplicationID: app.ID, CallerID: "tenant-1"})
	require.NoError(t, err)
	assert.Equal(t, res.ChatRoom.ID, out.ChatRoomID)
	assert.Equal(t, app.ID, out.ApplicationID)
	assert.Equal(t, "listing-1", out.ListingID)

	again, err := h.Execute(ctx, &Input{ApplicationID: app.ID, CallerID: "owner-1"})
	require.NoError(t, err)
	assert.Equal(t, out.ChatRoomID, again.ChatRoomID)

	_, err = h.Execute(ctx, &Input{ApplicationID: app.ID, CallerID: "stranger"})
	require.Error(t, err)
	assert.True(t, errors.IsAuthorization(err))
}
