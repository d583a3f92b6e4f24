package station

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/mocks"
	"github.com/voltgrid/csms/internal/observability/events"
)

func newService(t *testing.T) (*Service, *mocks.MockChargePointRepository, *mocks.MockConnectorRepository, *mocks.MockCache) {
	t.Helper()
	log := zap.NewNop()
	cps := mocks.NewMockChargePointRepository()
	conns := mocks.NewMockConnectorRepository()
	cache := mocks.NewMockCache()
	return NewService(cps, conns, cache, events.NewBus(log), log), cps, conns, cache
}

func TestEnsureExistsCreatesLazily(t *testing.T) {
	svc, cps, _, _ := newService(t)

	require.NoError(t, svc.EnsureExists(context.Background(), "CP-1"))

	cp := cps.ChargePoints["CP-1"]
	require.NotNil(t, cp)
	assert.Equal(t, domain.ChargePointStatusUnknown, cp.Status)
	assert.True(t, cp.IsConnected)
}

func TestConnectedDisconnectedUpdatesCache(t *testing.T) {
	svc, cps, _, cache := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Connected(ctx, "CP-1", time.Now()))
	val, _ := cache.Get(ctx, "cp:CP-1:connected")
	assert.Equal(t, "1", val)
	assert.True(t, cps.ChargePoints["CP-1"].IsConnected)
	assert.NotNil(t, cps.ChargePoints["CP-1"].LastConnectAt)

	require.NoError(t, svc.Disconnected(ctx, "CP-1", time.Now()))
	val, _ = cache.Get(ctx, "cp:CP-1:connected")
	assert.Equal(t, "0", val)
	assert.False(t, cps.ChargePoints["CP-1"].IsConnected)
}

func TestRecordBootKeepsExistingFieldsWhenOmitted(t *testing.T) {
	svc, cps, _, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordBoot(ctx, "CP-1", "VendorX", "ModelY", "SN1", "1.0", "", "", time.Now()))
	require.NoError(t, svc.RecordBoot(ctx, "CP-1", "", "", "", "2.0", "", "", time.Now()))

	cp := cps.ChargePoints["CP-1"]
	assert.Equal(t, "VendorX", cp.Vendor)
	assert.Equal(t, "ModelY", cp.Model)
	assert.Equal(t, "2.0", cp.FirmwareVersion)
}

func TestRecordStatusStationVersusConnector(t *testing.T) {
	svc, cps, conns, cache := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordStatus(ctx, "CP-1", 0, domain.ChargePointStatusUnavailable, "NoError", "maintenance", "vx", ""))
	assert.Equal(t, domain.ChargePointStatusUnavailable, cps.ChargePoints["CP-1"].Status)
	assert.Equal(t, "maintenance", cps.ChargePoints["CP-1"].VendorStatusInfo)
	val, _ := cache.Get(ctx, "cp:CP-1:status")
	assert.Equal(t, "Unavailable", val)

	require.NoError(t, svc.RecordStatus(ctx, "CP-1", 1, domain.ChargePointStatusCharging, "NoError", "", "", ""))
	conn := conns.Connectors["CP-1"][1]
	require.NotNil(t, conn)
	assert.Equal(t, domain.ChargePointStatusCharging, conn.Status)
	// Connector status never overwrites the station status.
	assert.Equal(t, domain.ChargePointStatusUnavailable, cps.ChargePoints["CP-1"].Status)
}

func TestCacheFailuresDoNotFailTheOperation(t *testing.T) {
	svc, _, _, cache := newService(t)
	cache.SetFunc = func(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
		return errors.New("redis down")
	}

	assert.NoError(t, svc.Connected(context.Background(), "CP-1", time.Now()))
	assert.NoError(t, svc.RecordStatus(context.Background(), "CP-1", 0, domain.ChargePointStatusAvailable, "NoError", "", "", ""))
}

func TestRecordHeartbeat(t *testing.T) {
	svc, cps, _, _ := newService(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, svc.RecordHeartbeat(context.Background(), "CP-1", at))

	cp := cps.ChargePoints["CP-1"]
	require.NotNil(t, cp)
	require.NotNil(t, cp.LastHeartbeatAt)
	assert.Equal(t, at, *cp.LastHeartbeatAt)
}
