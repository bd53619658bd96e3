package leveldb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/paychannel/simnet/simnet/store"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

func runKey(id uuid.UUID) []byte {
	return []byte("run:" + id.String())
}

func transferKey(id uuid.UUID, seq int) []byte {
	key := []byte("tr:" + id.String() + ":")
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], uint64(seq))
	return append(key, num[:]...)
}

func snapshotKey(id uuid.UUID) []byte {
	return []byte("snap:" + id.String())
}

func (d *DB) CreateRun(ctx context.Context, run *store.RunRecord) error {
	key := runKey(run.ID)

	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.getExecutor(ctx)

		has, err := tx.Has(key, nil)
		if err != nil {
			return fmt.Errorf("failed to check existance: %w", err)
		}
		if has {
			return store.ErrAlreadyExists
		}

		data, err := cbor.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to encode run: %w", err)
		}

		if err = tx.Put(key, data, &opt.WriteOptions{
			Sync: true,
		}); err != nil {
			return fmt.Errorf("failed to put: %w", err)
		}
		return nil
	})
}

func (d *DB) UpdateRun(ctx context.Context, run *store.RunRecord) error {
	key := runKey(run.ID)

	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.getExecutor(ctx)

		has, err := tx.Has(key, nil)
		if err != nil {
			return fmt.Errorf("failed to check existance: %w", err)
		}
		if !has {
			return store.ErrNotFound
		}

		data, err := cbor.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to encode run: %w", err)
		}

		if err = tx.Put(key, data, &opt.WriteOptions{
			Sync: true,
		}); err != nil {
			return fmt.Errorf("failed to put: %w", err)
		}
		return nil
	})
}

func (d *DB) GetRun(ctx context.Context, id uuid.UUID) (*store.RunRecord, error) {
	data, err := d.getExecutor(ctx).Get(runKey(id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run store.RunRecord
	if err = cbor.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &run, nil
}

func (d *DB) ListRuns(ctx context.Context) ([]*store.RunRecord, error) {
	var runs []*store.RunRecord

	iter := d.getExecutor(ctx).NewIterator(util.BytesPrefix([]byte("run:")), nil)
	defer iter.Release()

	for iter.Next() {
		var run store.RunRecord
		if err := cbor.Unmarshal(iter.Value(), &run); err != nil {
			return nil, fmt.Errorf("failed to decode run %q: %w", iter.Key(), err)
		}
		runs = append(runs, &run)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator failed: %w", err)
	}
	return runs, nil
}

func (d *DB) AddTransfer(ctx context.Context, runID uuid.UUID, tr *store.TransferRecord) error {
	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.getExecutor(ctx)

		data, err := cbor.Marshal(tr)
		if err != nil {
			return fmt.Errorf("failed to encode transfer: %w", err)
		}

		if err = tx.Put(transferKey(runID, tr.Seq), data, &opt.WriteOptions{
			Sync: true,
		}); err != nil {
			return fmt.Errorf("failed to put: %w", err)
		}
		return nil
	})
}

// ListTransfers returns a run's transfers in sequence order.
func (d *DB) ListTransfers(ctx context.Context, runID uuid.UUID) ([]*store.TransferRecord, error) {
	var transfers []*store.TransferRecord

	prefix := []byte("tr:" + runID.String() + ":")
	iter := d.getExecutor(ctx).NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		var tr store.TransferRecord
		if err := cbor.Unmarshal(iter.Value(), &tr); err != nil {
			return nil, fmt.Errorf("failed to decode transfer %q: %w", iter.Key(), err)
		}
		transfers = append(transfers, &tr)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator failed: %w", err)
	}
	return transfers, nil
}

// SetSnapshot stores the final on-chain account state of a run.
func (d *DB) SetSnapshot(ctx context.Context, runID uuid.UUID, accounts []store.AccountRecord) error {
	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.getExecutor(ctx)

		data, err := cbor.Marshal(accounts)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}

		if err = tx.Put(snapshotKey(runID), data, &opt.WriteOptions{
			Sync: true,
		}); err != nil {
			return fmt.Errorf("failed to put: %w", err)
		}
		return nil
	})
}

func (d *DB) GetSnapshot(ctx context.Context, runID uuid.UUID) ([]store.AccountRecord, error) {
	data, err := d.getExecutor(ctx).Get(snapshotKey(runID), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var accounts []store.AccountRecord
	if err = cbor.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return accounts, nil
}
