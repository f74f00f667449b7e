package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/wI2L/jsondiff"

	"github.com/yowenter/fleetd/pkg/fleet/dao"
	"github.com/yowenter/fleetd/pkg/fleet/schema"
	"github.com/yowenter/fleetd/pkg/store"
	"github.com/yowenter/fleetd/pkg/types"
	"github.com/yowenter/fleetd/pkg/utils"
)

const defaultStoreTimeout = 5 * time.Second

// FleetController coordinates reads and optimistic updates of fleet records.
// It holds no per-record state; the store revision is the only version marker.
type FleetController struct {
	store   store.Store
	dao     *dao.FleetDao
	schemas schema.Registry
	timeout time.Duration
}

func NewFleetController(cfg *types.FleetServerConfiguration, st store.Store) *FleetController {
	timeout := cfg.Store.Timeout
	if timeout <= 0 {
		log.Infof("store timeout not specified, using %v", defaultStoreTimeout)
		timeout = defaultStoreTimeout
	}
	return &FleetController{
		store:   st,
		dao:     dao.NewDao(st),
		schemas: schema.DefaultRegistry(),
		timeout: timeout,
	}
}

func (fc *FleetController) Schemas() schema.Registry {
	return fc.schemas
}

func (fc *FleetController) schemaFor(kind string) (*schema.Schema, error) {
	sc, ok := fc.schemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown record kind %q", ErrInvalidField, kind)
	}
	return sc, nil
}

func (fc *FleetController) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, fc.timeout)
}

// LoadRecord returns the current record and its version marker.
func (fc *FleetController) LoadRecord(ctx context.Context, kind, id string) (*types.Record, error) {
	if _, err := fc.schemaFor(kind); err != nil {
		return nil, err
	}
	ctx, cancel := fc.storeCtx(ctx)
	defer cancel()

	r, err := fc.dao.GetRecord(ctx, kind, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	case err != nil:
		log.Errorf("load %s %s err %v", kind, id, err)
		return nil, unavailable(err)
	}
	return r, nil
}

func (fc *FleetController) ListRecords(ctx context.Context, kind string) ([]*types.Record, error) {
	if _, err := fc.schemaFor(kind); err != nil {
		return nil, err
	}
	ctx, cancel := fc.storeCtx(ctx)
	defer cancel()

	records, err := fc.dao.ListRecords(ctx, kind)
	if err != nil {
		return nil, unavailable(err)
	}
	return records, nil
}

// CreateRecord stores a new record with a complete, valid field set. An empty
// id is replaced by a generated one carrying the kind's prefix.
func (fc *FleetController) CreateRecord(ctx context.Context, kind, id string, fields map[string]string) (*types.Record, error) {
	sc, err := fc.schemaFor(kind)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = fmt.Sprintf("%s-%s", sc.IDPrefix, uuid.NewString())
	}
	if !utils.IsRecordID(id) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidField, &schema.FieldError{Field: "id", Reason: fmt.Sprintf("%q is not a valid id", id)})
	}
	if err := sc.ValidateRecord(fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidField, err)
	}

	r := &types.Record{ID: id, Kind: kind, Fields: make(map[string]string, len(fields))}
	for k, v := range fields {
		r.Fields[k] = v
	}

	ctx, cancel := fc.storeCtx(ctx)
	defer cancel()
	saved, err := fc.dao.SaveRecord(ctx, r)
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return saved, fmt.Errorf("%w: %s %s", ErrAlreadyExists, kind, id)
	case err != nil:
		log.Errorf("create %s %s err %v", kind, id, err)
		return nil, unavailable(err)
	}
	log.Infof("created %s %s at version %d", kind, id, saved.Revision)
	return saved, nil
}

// SubmitUpdate applies req.Changes only if the record has not been modified
// since the caller's base version. A stale base yields a *ConflictError
// carrying the current record; nothing is written in that case.
func (fc *FleetController) SubmitUpdate(ctx context.Context, req *types.UpdateRequest) (res *types.UpdateResult, err error) {
	defer func() { observeUpdate(req.Kind, res, err) }()

	sc, err := fc.schemaFor(req.Kind)
	if err != nil {
		return nil, err
	}

	ctx, cancel := fc.storeCtx(ctx)
	defer cancel()

	current, err := fc.dao.GetRecord(ctx, req.Kind, req.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, req.Kind, req.ID)
	case err != nil:
		log.Errorf("read %s %s for update err %v", req.Kind, req.ID, err)
		return nil, unavailable(err)
	}

	if err := sc.ValidateChanges(req.Changes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidField, err)
	}
	if req.BaseVersion <= 0 && req.UnmodifiedSince.IsZero() && !req.MatchAny {
		return nil, ErrPreconditionRequired
	}

	merged := current.Clone()
	for k, v := range req.Changes {
		merged.Fields[k] = v
	}
	patch, err := jsondiff.Compare(current.Fields, merged.Fields)
	if err != nil {
		return nil, err
	}

	if modifiedSince(current, req) {
		log.Infof("update %s %s rejected: base %d, stored %d", req.Kind, req.ID, req.BaseVersion, current.Revision)
		return nil, &ConflictError{Current: current, Pending: patch}
	}

	if len(patch) == 0 {
		log.Debugf("update %s %s changes nothing", req.Kind, req.ID)
		return &types.UpdateResult{Record: current}, nil
	}

	// merged still carries the revision just read, so the write only lands
	// if nobody else wrote in between.
	saved, err := fc.dao.SaveRecord(ctx, merged)
	switch {
	case errors.Is(err, store.ErrVersionMismatch):
		if saved == nil {
			if saved, err = fc.dao.GetRecord(ctx, req.Kind, req.ID); err != nil {
				return nil, unavailable(err)
			}
		}
		pending, err := jsondiff.Compare(saved.Fields, applyChanges(saved, req.Changes))
		if err != nil {
			return nil, err
		}
		log.Infof("update %s %s lost race at version %d", req.Kind, req.ID, saved.Revision)
		return nil, &ConflictError{Current: saved, Pending: pending}
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, req.Kind, req.ID)
	case err != nil:
		log.Errorf("write %s %s err %v", req.Kind, req.ID, err)
		return nil, unavailable(err)
	}

	log.Infof("updated %s %s version %d -> %d: %v", req.Kind, req.ID, current.Revision, saved.Revision, patch)
	return &types.UpdateResult{Record: saved, Changes: patch}, nil
}

// modifiedSince reports whether the stored record moved past the caller's
// precondition. A base newer than the stored version is not a conflict.
// UpdateAt grows on every write, so a time precondition holds only up to the
// stored stamp. A time past both the stamp and the clock was never served as
// Last-Modified and does not match.
func modifiedSince(current *types.Record, req *types.UpdateRequest) bool {
	if req.BaseVersion > 0 && current.Revision > req.BaseVersion {
		return true
	}
	if !req.UnmodifiedSince.IsZero() {
		ius := req.UnmodifiedSince.Unix()
		if current.UpdateAt > ius || ius > max(time.Now().Unix(), current.UpdateAt) {
			return true
		}
	}
	return false
}

func applyChanges(r *types.Record, changes map[string]string) map[string]string {
	fields := r.Clone().Fields
	for k, v := range changes {
		fields[k] = v
	}
	return fields
}
