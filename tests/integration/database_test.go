package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/csms/internal/adapter/storage/postgres"
	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

// TestDatabase_ChargePointUpsert exercises lazy station creation and partial updates
func TestDatabase_ChargePointUpsert(t *testing.T) {
	env := SetupTestEnvironment(t)
	if env == nil || env.DB == nil {
		t.Skip("Database not available")
	}
	CleanDatabase(t, env.SQLDB)

	ctx := context.Background()
	repo := postgres.NewChargePointRepository(env.DB, env.Logger)

	t.Run("CreateOnFirstContact", func(t *testing.T) {
		cp, err := repo.Upsert(ctx, "CP-INT-1", nil)
		require.NoError(t, err)
		assert.Equal(t, "CP-INT-1", cp.ID)
		assert.Equal(t, domain.ChargePointStatusUnknown, cp.Status)
	})

	t.Run("PartialUpdateKeepsOtherFields", func(t *testing.T) {
		_, err := repo.Upsert(ctx, "CP-INT-1", map[string]interface{}{
			"vendor": "VoltGrid",
			"model":  "VG-100",
		})
		require.NoError(t, err)

		_, err = repo.Upsert(ctx, "CP-INT-1", map[string]interface{}{
			"firmware_version": "2.1.0",
		})
		require.NoError(t, err)

		cp, err := repo.FindByID(ctx, "CP-INT-1")
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, "VoltGrid", cp.Vendor)
		assert.Equal(t, "VG-100", cp.Model)
		assert.Equal(t, "2.1.0", cp.FirmwareVersion)
	})

	t.Run("ConcurrentUpsertSingleRow", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, errs[n] = repo.Upsert(ctx, "CP-RACE", map[string]interface{}{"is_connected": true})
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			assert.NoError(t, err)
		}

		var count int
		err := env.SQLDB.QueryRow("SELECT COUNT(*) FROM charge_points WHERE id = 'CP-RACE'").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("FindUnknownReturnsNil", func(t *testing.T) {
		cp, err := repo.FindByID(ctx, "CP-MISSING")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})
}

// TestDatabase_ConnectorUpsert exercises the ON CONFLICT status replacement
func TestDatabase_ConnectorUpsert(t *testing.T) {
	env := SetupTestEnvironment(t)
	if env == nil || env.DB == nil {
		t.Skip("Database not available")
	}
	CleanDatabase(t, env.SQLDB)

	ctx := context.Background()
	cps := postgres.NewChargePointRepository(env.DB, env.Logger)
	repo := postgres.NewConnectorRepository(env.DB, env.Logger)

	_, err := cps.Upsert(ctx, "CP-INT-2", nil)
	require.NoError(t, err)

	first, err := repo.Upsert(ctx, "CP-INT-2", 1, domain.ChargePointStatusAvailable, "NoError", "")
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	second, err := repo.Upsert(ctx, "CP-INT-2", 1, domain.ChargePointStatusCharging, "NoError", "E42")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.ChargePointStatusCharging, second.Status)
	assert.Equal(t, "E42", second.VendorErrorCode)

	conns, err := repo.FindByChargePoint(ctx, "CP-INT-2")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, domain.ChargePointStatusCharging, conns[0].Status)
}

// TestDatabase_TransactionLifecycle exercises create, stop and energy derivation
func TestDatabase_TransactionLifecycle(t *testing.T) {
	env := SetupTestEnvironment(t)
	if env == nil || env.DB == nil {
		t.Skip("Database not available")
	}
	CleanDatabase(t, env.SQLDB)

	ctx := context.Background()
	cps := postgres.NewChargePointRepository(env.DB, env.Logger)
	repo := postgres.NewTransactionRepository(env.DB, env.Logger)

	_, err := cps.Upsert(ctx, "CP-INT-3", nil)
	require.NoError(t, err)

	tx := &domain.Transaction{
		ChargePointID: "CP-INT-3",
		ConnectorID:   1,
		IDTag:         "TAG-1",
		StartTime:     time.Now().UTC(),
		MeterStart:    1000,
	}
	require.NoError(t, repo.Create(ctx, tx))
	require.NotZero(t, tx.ID, "the database assigns the transaction id")
	assert.Equal(t, domain.TransactionStatusActive, tx.Status)

	active, err := repo.FindActiveByChargePoint(ctx, "CP-INT-3")
	require.NoError(t, err)
	require.Len(t, active, 1)

	stopTime := time.Now().UTC()
	require.NoError(t, repo.Stop(ctx, tx.ID, stopTime, 4500, domain.StopReasonLocal))

	stopped, err := repo.FindByID(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, stopped)
	assert.Equal(t, domain.TransactionStatusCompleted, stopped.Status)
	assert.Equal(t, 4500, *stopped.MeterStop)
	assert.Equal(t, 3500, *stopped.EnergyDelivered)
	assert.Equal(t, domain.StopReasonLocal, *stopped.StopReason)

	active, err = repo.FindActiveByChargePoint(ctx, "CP-INT-3")
	require.NoError(t, err)
	assert.Empty(t, active)
}

// TestDatabase_MeterValues exercises batch insert and latest-by-timestamp lookup
func TestDatabase_MeterValues(t *testing.T) {
	env := SetupTestEnvironment(t)
	if env == nil || env.DB == nil {
		t.Skip("Database not available")
	}
	CleanDatabase(t, env.SQLDB)

	ctx := context.Background()
	cps := postgres.NewChargePointRepository(env.DB, env.Logger)
	txRepo := postgres.NewTransactionRepository(env.DB, env.Logger)
	repo := postgres.NewMeterValueRepository(env.DB, env.Logger)

	_, err := cps.Upsert(ctx, "CP-INT-4", nil)
	require.NoError(t, err)

	tx := &domain.Transaction{ChargePointID: "CP-INT-4", ConnectorID: 1, StartTime: time.Now().UTC()}
	require.NoError(t, txRepo.Create(ctx, tx))

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	batch := []domain.MeterValue{
		{TransactionID: &tx.ID, ChargePointID: "CP-INT-4", ConnectorID: 1, Timestamp: base, Measurand: domain.MeasurandEnergyActiveImport, Value: 1000, Unit: "Wh"},
		{TransactionID: &tx.ID, ChargePointID: "CP-INT-4", ConnectorID: 1, Timestamp: base.Add(time.Minute), Measurand: domain.MeasurandEnergyActiveImport, Value: 1120, Unit: "Wh"},
		{TransactionID: &tx.ID, ChargePointID: "CP-INT-4", ConnectorID: 1, Timestamp: base.Add(time.Minute), Measurand: "Power.Active.Import", Value: 7200, Unit: "W"},
	}
	require.NoError(t, repo.CreateBatch(ctx, batch))

	last, err := repo.LastForTransaction(ctx, tx.ID, domain.MeasurandEnergyActiveImport)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1120.0, last.Value)

	none, err := repo.LastForTransaction(ctx, tx.ID, "Current.Import")
	require.NoError(t, err)
	assert.Nil(t, none)
}

// TestDatabase_MessageJournal exercises the duplicate guard and reply correlation
func TestDatabase_MessageJournal(t *testing.T) {
	env := SetupTestEnvironment(t)
	if env == nil || env.DB == nil {
		t.Skip("Database not available")
	}
	CleanDatabase(t, env.SQLDB)

	ctx := context.Background()
	cps := postgres.NewChargePointRepository(env.DB, env.Logger)
	repo := postgres.NewMessageRepository(env.DB, env.Logger)

	_, err := cps.Upsert(ctx, "CP-INT-5", nil)
	require.NoError(t, err)

	call := &domain.Message{
		ChargePointID: "CP-INT-5",
		Actor:         domain.ActorCentralSystem,
		UniqueID:      "uid-1",
		MessageType:   domain.MessageTypeCall,
		Action:        "RemoteStartTransaction",
		Body:          []byte(`{"connectorId":1,"idTag":"TAG-1"}`),
	}
	require.NoError(t, repo.Insert(ctx, call))

	t.Run("DuplicatePerActor", func(t *testing.T) {
		dup := &domain.Message{
			ChargePointID: "CP-INT-5",
			Actor:         domain.ActorCentralSystem,
			UniqueID:      "uid-1",
			MessageType:   domain.MessageTypeCall,
			Body:          []byte(`{}`),
		}
		err := repo.Insert(ctx, dup)
		assert.True(t, errors.Is(err, ports.ErrDuplicateMessage))
	})

	t.Run("SameUniqueIDOtherActor", func(t *testing.T) {
		// A station may legitimately reuse an id the central system spent.
		other := &domain.Message{
			ChargePointID: "CP-INT-5",
			Actor:         domain.ActorChargePoint,
			UniqueID:      "uid-1",
			MessageType:   domain.MessageTypeCall,
			Action:        "Heartbeat",
			Body:          []byte(`{}`),
		}
		assert.NoError(t, repo.Insert(ctx, other))
	})

	t.Run("ReplyCorrelation", func(t *testing.T) {
		reply := &domain.Message{
			ChargePointID: "CP-INT-5",
			Actor:         domain.ActorChargePoint,
			UniqueID:      "uid-1-reply",
			MessageType:   domain.MessageTypeCallResult,
			Body:          []byte(`{"status":"Accepted"}`),
		}
		require.NoError(t, repo.Insert(ctx, reply))

		found, err := repo.FindCall(ctx, domain.ActorCentralSystem, "uid-1")
		require.NoError(t, err)
		require.NotNil(t, found)

		require.NoError(t, repo.SetAction(ctx, reply.ID, found.Action))
		require.NoError(t, repo.LinkReply(ctx, found.ID, reply.ID))

		found, err = repo.FindCall(ctx, domain.ActorCentralSystem, "uid-1")
		require.NoError(t, err)
		require.NotNil(t, found.ReplyID)
		assert.Equal(t, reply.ID, *found.ReplyID)
	})

	t.Run("FindCallIgnoresReplies", func(t *testing.T) {
		found, err := repo.FindCall(ctx, domain.ActorChargePoint, "uid-1-reply")
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}
