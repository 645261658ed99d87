package registrar

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/guimove/fleetfit/internal/model"
)

// Store persists instance records for one region. Every implementation offers
// create-if-absent and conditional update/delete keyed on an opaque version token.
//
// Records returned by Get and List carry the version they were read at in
// InstanceRecord.Version. Update and Delete fail with ErrConflict when the stored
// version differs from the one supplied, and with ErrNotFound when the record is gone.
type Store interface {
	// Create stores rec unless a record with the same address exists, in which case
	// it returns ErrDuplicateInstance. It returns the new version.
	Create(ctx context.Context, rec *model.InstanceRecord) (string, error)

	Get(ctx context.Context, address string) (*model.InstanceRecord, error)

	List(ctx context.Context) ([]*model.InstanceRecord, error)

	// Update replaces the record if its stored version equals rec.Version and
	// returns the new version.
	Update(ctx context.Context, rec *model.InstanceRecord) (string, error)

	// Delete removes the record if its stored version equals version.
	Delete(ctx context.Context, address, version string) error

	Close() error
}

// encodeRecord and decodeRecord are shared by the stores that persist records
// as opaque blobs. The version token never goes into the body.
func encodeRecord(rec *model.InstanceRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", rec.Address, err)
	}
	return data, nil
}

func decodeRecord(data []byte, version string) (*model.InstanceRecord, error) {
	var rec model.InstanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if rec.Workers == nil {
		rec.Workers = make(map[string]model.Resources)
	}
	rec.Version = version
	return &rec, nil
}
