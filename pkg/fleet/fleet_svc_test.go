package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yowenter/fleetd/pkg/fleet/schema"
	"github.com/yowenter/fleetd/pkg/store"
	"github.com/yowenter/fleetd/pkg/store/memory"
	"github.com/yowenter/fleetd/pkg/types"
)

func driverFields() map[string]string {
	return map[string]string{
		"firstName":      "John",
		"lastName":       "Doe",
		"email":          "john.doe@example.com",
		"phone":          "+1 (555) 123-4567",
		"licenseNumber":  "DL-123456",
		"licenseType":    "class_a",
		"licenseExpiry":  "2025-06-30",
		"status":         "on_duty",
		"currentVehicle": "VEH-001",
	}
}

func newTestController(t *testing.T, st store.Store) *FleetController {
	t.Helper()
	if st == nil {
		st = memory.NewInMemoryStore()
	}
	return NewFleetController(&types.FleetServerConfiguration{}, st)
}

func createDriver(t *testing.T, fc *FleetController, id string) *types.Record {
	t.Helper()
	r, err := fc.CreateRecord(context.Background(), types.KIND_DRIVER, id, driverFields())
	require.NoError(t, err)
	return r
}

func update(fc *FleetController, id string, base int64, changes map[string]string) (*types.UpdateResult, error) {
	return fc.SubmitUpdate(context.Background(), &types.UpdateRequest{
		Kind:        types.KIND_DRIVER,
		ID:          id,
		Changes:     changes,
		BaseVersion: base,
	})
}

func TestLoadRecord(t *testing.T) {
	fc := newTestController(t, nil)
	created := createDriver(t, fc, "DRV-001")

	r, err := fc.LoadRecord(context.Background(), types.KIND_DRIVER, "DRV-001")
	require.NoError(t, err)
	assert.Equal(t, created.Revision, r.Revision)
	assert.Equal(t, driverFields(), r.Fields)

	_, err = fc.LoadRecord(context.Background(), types.KIND_DRIVER, "DRV-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStaleWriterGetsConflict(t *testing.T) {
	fc := newTestController(t, nil)
	createDriver(t, fc, "DRV-001")
	ctx := context.Background()

	a, err := fc.LoadRecord(ctx, types.KIND_DRIVER, "DRV-001")
	require.NoError(t, err)
	b, err := fc.LoadRecord(ctx, types.KIND_DRIVER, "DRV-001")
	require.NoError(t, err)
	require.Equal(t, a.Revision, b.Revision)

	res, err := update(fc, "DRV-001", a.Revision, map[string]string{"lastName": "Smith"})
	require.NoError(t, err)
	assert.Greater(t, res.Record.Revision, a.Revision)
	assert.Equal(t, "Smith", res.Record.Fields["lastName"])
	assert.NotEmpty(t, res.Changes)

	_, err = update(fc, "DRV-001", b.Revision, map[string]string{"phone": "+1 (555) 000-0000"})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict, got %v", err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, res.Record.Revision, conflict.Current.Revision)
	assert.Equal(t, "Smith", conflict.Current.Fields["lastName"])
	assert.Equal(t, "+1 (555) 123-4567", conflict.Current.Fields["phone"])
	require.Len(t, conflict.Pending, 1)
	assert.Equal(t, "/phone", conflict.Pending[0].Path)

	stored, err := fc.LoadRecord(ctx, types.KIND_DRIVER, "DRV-001")
	require.NoError(t, err)
	assert.Equal(t, res.Record.Revision, stored.Revision)
	assert.Equal(t, "+1 (555) 123-4567", stored.Fields["phone"])

	// retry on the version the conflict reported
	retried, err := update(fc, "DRV-001", conflict.Current.Revision, map[string]string{"phone": "+1 (555) 000-0000"})
	require.NoError(t, err)
	assert.Equal(t, "Smith", retried.Record.Fields["lastName"])
	assert.Equal(t, "+1 (555) 000-0000", retried.Record.Fields["phone"])
}

func TestVersionsIncreaseWithEveryWrite(t *testing.T) {
	fc := newTestController(t, nil)
	r := createDriver(t, fc, "DRV-001")

	last := r.Revision
	for i := 0; i < 5; i++ {
		res, err := update(fc, "DRV-001", last, map[string]string{"notes": fmt.Sprintf("note %d", i)})
		require.NoError(t, err)
		assert.Greater(t, res.Record.Revision, last)
		last = res.Record.Revision
	}
}

func TestNewerBaseIsNotAConflict(t *testing.T) {
	fc := newTestController(t, nil)
	r := createDriver(t, fc, "DRV-001")

	res, err := update(fc, "DRV-001", r.Revision+100, map[string]string{"status": "off_duty"})
	require.NoError(t, err)
	assert.Equal(t, "off_duty", res.Record.Fields["status"])
}

func TestConcurrentWritersOnSameVersion(t *testing.T) {
	fc := newTestController(t, nil)
	r := createDriver(t, fc, "DRV-001")

	const writers = 20
	var wg sync.WaitGroup
	var mux sync.Mutex
	succeeded, conflicted := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := update(fc, "DRV-001", r.Revision, map[string]string{"notes": fmt.Sprintf("writer %d", i)})
			mux.Lock()
			defer mux.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrConflict):
				conflicted++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicted)
}

func TestUpdateMissingRecord(t *testing.T) {
	fc := newTestController(t, nil)

	_, err := update(fc, "DRV-404", 1, map[string]string{"status": "off_duty"})
	assert.ErrorIs(t, err, ErrNotFound)

	records, err := fc.ListRecords(context.Background(), types.KIND_DRIVER)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUpdateInvalidField(t *testing.T) {
	fc := newTestController(t, nil)
	r := createDriver(t, fc, "DRV-001")

	cases := map[string]map[string]string{
		"status":  {"status": "driving"},
		"email":   {"email": "nope"},
		"unknown": {"unknown": "x"},
	}
	for field, changes := range cases {
		_, err := update(fc, "DRV-001", r.Revision, changes)
		assert.ErrorIs(t, err, ErrInvalidField)
		var fe *schema.FieldError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, field, fe.Field)
	}

	stored, err := fc.LoadRecord(context.Background(), types.KIND_DRIVER, "DRV-001")
	require.NoError(t, err)
	assert.Equal(t, r.Revision, stored.Revision)
}

func TestUpdateRequiresPrecondition(t *testing.T) {
	fc := newTestController(t, nil)
	createDriver(t, fc, "DRV-001")

	_, err := update(fc, "DRV-001", 0, map[string]string{"status": "off_duty"})
	assert.ErrorIs(t, err, ErrPreconditionRequired)
}

func unmodifiedSince(fc *FleetController, id string, ts time.Time, changes map[string]string) (*types.UpdateResult, error) {
	return fc.SubmitUpdate(context.Background(), &types.UpdateRequest{
		Kind:            types.KIND_DRIVER,
		ID:              id,
		Changes:         changes,
		UnmodifiedSince: ts,
	})
}

func TestUpdateUnmodifiedSince(t *testing.T) {
	fc := newTestController(t, nil)
	r := createDriver(t, fc, "DRV-001")

	_, err := unmodifiedSince(fc, "DRV-001", time.Now().Add(-time.Hour), map[string]string{"status": "off_duty"})
	assert.ErrorIs(t, err, ErrConflict)

	// a time the server never handed out does not match either
	_, err = unmodifiedSince(fc, "DRV-001", time.Now().Add(time.Hour), map[string]string{"status": "off_duty"})
	assert.ErrorIs(t, err, ErrConflict)

	lastModified, err := http.ParseTime(types.LastModified(r))
	require.NoError(t, err)
	res, err := unmodifiedSince(fc, "DRV-001", lastModified, map[string]string{"status": "off_duty"})
	require.NoError(t, err)
	assert.Equal(t, "off_duty", res.Record.Fields["status"])
	assert.Greater(t, res.Record.UpdateAt, r.UpdateAt)
}

func TestUnmodifiedSinceWritersInSameSecond(t *testing.T) {
	fc := newTestController(t, nil)
	createDriver(t, fc, "DRV-001")

	loaded, err := fc.LoadRecord(context.Background(), types.KIND_DRIVER, "DRV-001")
	require.NoError(t, err)
	lastModified, err := http.ParseTime(types.LastModified(loaded))
	require.NoError(t, err)

	a, errA := unmodifiedSince(fc, "DRV-001", lastModified, map[string]string{"lastName": "Smith"})
	_, errB := unmodifiedSince(fc, "DRV-001", lastModified, map[string]string{"phone": "+1 (555) 000-0000"})
	require.NoError(t, errA)

	var conflict *ConflictError
	require.True(t, errors.As(errB, &conflict), "expected conflict, got %v", errB)
	assert.Equal(t, a.Record.Revision, conflict.Current.Revision)
	assert.Equal(t, "Smith", conflict.Current.Fields["lastName"])
	assert.Equal(t, "+1 (555) 123-4567", conflict.Current.Fields["phone"])
}

func TestConcurrentUnmodifiedSinceWriters(t *testing.T) {
	fc := newTestController(t, nil)
	r := createDriver(t, fc, "DRV-001")
	lastModified, err := http.ParseTime(types.LastModified(r))
	require.NoError(t, err)

	const writers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := unmodifiedSince(fc, "DRV-001", lastModified, map[string]string{"lastName": fmt.Sprintf("Writer%d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConflict):
				conflicts++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)
}

func TestUpdateMatchAny(t *testing.T) {
	fc := newTestController(t, nil)
	r := createDriver(t, fc, "DRV-001")
	_, err := update(fc, "DRV-001", r.Revision, map[string]string{"lastName": "Smith"})
	require.NoError(t, err)

	res, err := fc.SubmitUpdate(context.Background(), &types.UpdateRequest{
		Kind:     types.KIND_DRIVER,
		ID:       "DRV-001",
		Changes:  map[string]string{"status": "off_duty"},
		MatchAny: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Smith", res.Record.Fields["lastName"])
	assert.Equal(t, "off_duty", res.Record.Fields["status"])
}

func TestNoopUpdateKeepsVersion(t *testing.T) {
	fc := newTestController(t, nil)
	r := createDriver(t, fc, "DRV-001")

	res, err := update(fc, "DRV-001", r.Revision, map[string]string{"status": "on_duty"})
	require.NoError(t, err)
	assert.Equal(t, r.Revision, res.Record.Revision)
	assert.Empty(t, res.Changes)
}

func TestLoadThenUpdateRoundTrip(t *testing.T) {
	fc := newTestController(t, nil)
	createDriver(t, fc, "DRV-001")
	ctx := context.Background()

	r, err := fc.LoadRecord(ctx, types.KIND_DRIVER, "DRV-001")
	require.NoError(t, err)
	res, err := update(fc, "DRV-001", r.Revision, map[string]string{"city": "Boston"})
	require.NoError(t, err)

	again, err := fc.LoadRecord(ctx, types.KIND_DRIVER, "DRV-001")
	require.NoError(t, err)
	assert.Equal(t, res.Record.Revision, again.Revision)

	want := driverFields()
	want["city"] = "Boston"
	assert.Equal(t, want, again.Fields)
	assert.Equal(t, want, res.Record.Fields)
}

// racingStore lets another writer in between the coordinator's read and its
// compare-and-swap.
type racingStore struct {
	*memory.InMemoryStore
	once sync.Once
}

func (s *racingStore) Update(ctx context.Context, obj *types.KVPair) (*types.KVPair, error) {
	s.once.Do(func() {
		cur, _ := s.InMemoryStore.Get(ctx, obj.Key)
		_, _ = s.InMemoryStore.Update(ctx, cur)
	})
	return s.InMemoryStore.Update(ctx, obj)
}

func (s *racingStore) Save(ctx context.Context, data types.KeyData) (*types.KVPair, error) {
	return store.Save(ctx, s, data)
}

func TestLostRaceIsConflict(t *testing.T) {
	st := &racingStore{InMemoryStore: memory.NewInMemoryStore()}
	fc := newTestController(t, st)
	r := createDriver(t, fc, "DRV-001")

	_, err := update(fc, "DRV-001", r.Revision, map[string]string{"status": "off_duty"})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict, got %v", err)
	assert.Greater(t, conflict.Current.Revision, r.Revision)
	assert.Equal(t, "on_duty", conflict.Current.Fields["status"])
	require.Len(t, conflict.Pending, 1)
	assert.Equal(t, "/status", conflict.Pending[0].Path)
}

type brokenStore struct {
	*memory.InMemoryStore
}

var errDown = errors.New("connection refused")

func (s *brokenStore) Get(ctx context.Context, key string) (*types.KVPair, error) {
	return nil, errDown
}

func (s *brokenStore) List(ctx context.Context, prefix string) (*types.KVPairList, error) {
	return nil, errDown
}

func TestStoreUnavailable(t *testing.T) {
	fc := newTestController(t, &brokenStore{InMemoryStore: memory.NewInMemoryStore()})

	_, err := fc.LoadRecord(context.Background(), types.KIND_DRIVER, "DRV-001")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = update(fc, "DRV-001", 1, map[string]string{"status": "off_duty"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrConflict)

	_, err = fc.ListRecords(context.Background(), types.KIND_DRIVER)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCreateRecord(t *testing.T) {
	fc := newTestController(t, nil)
	ctx := context.Background()

	r, err := fc.CreateRecord(ctx, types.KIND_DRIVER, "", driverFields())
	require.NoError(t, err)
	assert.Regexp(t, `^DRV-[0-9a-f-]{36}$`, r.ID)
	assert.NotZero(t, r.Revision)
	assert.NotZero(t, r.CreatedAt)

	createDriver(t, fc, "DRV-001")
	_, err = fc.CreateRecord(ctx, types.KIND_DRIVER, "DRV-001", driverFields())
	assert.ErrorIs(t, err, ErrAlreadyExists)

	fields := driverFields()
	delete(fields, "email")
	_, err = fc.CreateRecord(ctx, types.KIND_DRIVER, "DRV-002", fields)
	assert.ErrorIs(t, err, ErrInvalidField)

	_, err = fc.CreateRecord(ctx, types.KIND_DRIVER, "bad/id", driverFields())
	var fe *schema.FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "id", fe.Field)

	_, err = fc.CreateRecord(ctx, "trailer", "TRL-001", nil)
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestUpdateOutcomeMetrics(t *testing.T) {
	fc := newTestController(t, nil)
	r := createDriver(t, fc, "DRV-001")

	updated := testutil.ToFloat64(updateCounter.WithLabelValues(types.KIND_DRIVER, RESULT_UPDATED))
	conflicts := testutil.ToFloat64(updateCounter.WithLabelValues(types.KIND_DRIVER, RESULT_CONFLICT))

	_, err := update(fc, "DRV-001", r.Revision, map[string]string{"status": "off_duty"})
	require.NoError(t, err)
	_, err = update(fc, "DRV-001", r.Revision, map[string]string{"status": "on_leave"})
	require.Error(t, err)

	assert.Equal(t, updated+1, testutil.ToFloat64(updateCounter.WithLabelValues(types.KIND_DRIVER, RESULT_UPDATED)))
	assert.Equal(t, conflicts+1, testutil.ToFloat64(updateCounter.WithLabelValues(types.KIND_DRIVER, RESULT_CONFLICT)))
}

func TestCollectRecordMetrics(t *testing.T) {
	fc := newTestController(t, nil)
	createDriver(t, fc, "DRV-001")
	createDriver(t, fc, "DRV-002")
	_, err := fc.CreateRecord(context.Background(), types.KIND_COMPANY, "CMP-001",
		map[string]string{"name": "Acme", "address": "1 Road", "contact": "ops@acme.test"})
	require.NoError(t, err)

	require.NoError(t, fc.CollectRecordMetrics(context.Background()))
	assert.Equal(t, float64(2), testutil.ToFloat64(recordsGauge.WithLabelValues(types.KIND_DRIVER, "on_duty")))
	assert.Equal(t, float64(1), testutil.ToFloat64(recordsGauge.WithLabelValues(types.KIND_COMPANY, statusNone)))
}
