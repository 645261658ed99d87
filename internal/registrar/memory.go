package registrar

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-memdb"

	"github.com/guimove/fleetfit/internal/model"
)

const (
	instancesTable = "instances"
	addressIndex   = "id"
)

// memoryEntry is what the in-memory database holds. Entries are immutable once
// inserted; every write inserts a fresh one.
type memoryEntry struct {
	Address string
	Version uint64
	Record  *model.InstanceRecord
}

// MemoryStore keeps records in process memory on top of go-memdb. Versions are a
// store-wide counter bumped on every write.
type MemoryStore struct {
	db      *memdb.MemDB
	counter uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, fmt.Errorf("creating memory store: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

func (s *MemoryStore) Create(_ context.Context, rec *model.InstanceRecord) (string, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(instancesTable, addressIndex, rec.Address)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", ErrDuplicateInstance
	}
	return s.put(txn, rec)
}

func (s *MemoryStore) Get(_ context.Context, address string) (*model.InstanceRecord, error) {
	txn := s.db.Txn(false)
	entry, err := lookup(txn, address)
	if err != nil {
		return nil, err
	}
	return entry.toRecord(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*model.InstanceRecord, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(instancesTable, addressIndex)
	if err != nil {
		return nil, err
	}
	var records []*model.InstanceRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		records = append(records, obj.(*memoryEntry).toRecord())
	}
	return records, nil
}

func (s *MemoryStore) Update(_ context.Context, rec *model.InstanceRecord) (string, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	entry, err := lookup(txn, rec.Address)
	if err != nil {
		return "", err
	}
	if strconv.FormatUint(entry.Version, 10) != rec.Version {
		return "", ErrConflict
	}
	return s.put(txn, rec)
}

func (s *MemoryStore) Delete(_ context.Context, address, version string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	entry, err := lookup(txn, address)
	if err != nil {
		return err
	}
	if strconv.FormatUint(entry.Version, 10) != version {
		return ErrConflict
	}
	if err := txn.Delete(instancesTable, entry); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// put inserts rec under a new version and commits. Callers hold the write txn,
// which memdb serialises, so the counter needs no further locking.
func (s *MemoryStore) put(txn *memdb.Txn, rec *model.InstanceRecord) (string, error) {
	s.counter++
	stored := rec.DeepCopy()
	stored.Version = ""
	entry := &memoryEntry{Address: rec.Address, Version: s.counter, Record: stored}
	if err := txn.Insert(instancesTable, entry); err != nil {
		return "", err
	}
	txn.Commit()
	return strconv.FormatUint(entry.Version, 10), nil
}

func lookup(txn *memdb.Txn, address string) (*memoryEntry, error) {
	obj, err := txn.First(instancesTable, addressIndex, address)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, ErrNotFound
	}
	return obj.(*memoryEntry), nil
}

func (e *memoryEntry) toRecord() *model.InstanceRecord {
	rec := e.Record.DeepCopy()
	rec.Version = strconv.FormatUint(e.Version, 10)
	return rec
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			instancesTable: {
				Name: instancesTable,
				Indexes: map[string]*memdb.IndexSchema{
					addressIndex: {
						Name:    addressIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Address"},
					},
				},
			},
		},
	}
}
