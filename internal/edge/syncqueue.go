package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrUnknownSyncTag    = errors.New("unknown sync tag")
	ErrSyncQueueDisabled = errors.New("sync queue persistence is disabled")
)

// PendingAction is an offline action waiting to be replayed to the origin.
type PendingAction struct {
	ID       string          `json:"id"`
	Tag      string          `json:"tag"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt time.Time       `json:"queuedAt"`
}

// PendingActions is the source of actions a sync replays.
type PendingActions interface {
	// Pending returns the actions queued under tag, oldest first.
	Pending(ctx context.Context, tag string) ([]PendingAction, error)
	Enqueue(ctx context.Context, tag string, payload json.RawMessage) (PendingAction, error)
	Remove(ctx context.Context, tag, id string) error
}

// noPendingActions never has anything queued, so every sync is a no-op.
type noPendingActions struct{}

func (noPendingActions) Pending(context.Context, string) ([]PendingAction, error) {
	return nil, nil
}

func (noPendingActions) Enqueue(context.Context, string, json.RawMessage) (PendingAction, error) {
	return PendingAction{}, ErrSyncQueueDisabled
}

func (noPendingActions) Remove(context.Context, string, string) error { return nil }

const prefixQueue = "q:"

// levelQueue keeps actions in the cache leveldb under q:<tag>\x00<id>. Ids are
// UUIDv7, so key order is queue order.
type levelQueue struct {
	db  *leveldb.DB
	now func() time.Time
}

func newLevelQueue(db *leveldb.DB, now func() time.Time) *levelQueue {
	return &levelQueue{db: db, now: now}
}

func queueKey(tag, id string) []byte {
	return []byte(prefixQueue + tag + "\x00" + id)
}

func (q *levelQueue) Pending(ctx context.Context, tag string) ([]PendingAction, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefixQueue+tag+"\x00")), nil)
	defer it.Release()

	var out []PendingAction
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var a PendingAction
		if err := decodeGob(it.Value(), &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Key(), err)
		}
		out = append(out, a)
	}
	return out, it.Error()
}

func (q *levelQueue) Enqueue(_ context.Context, tag string, payload json.RawMessage) (PendingAction, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return PendingAction{}, err
	}
	a := PendingAction{
		ID:       id.String(),
		Tag:      tag,
		Payload:  payload,
		QueuedAt: q.now().UTC(),
	}
	b, err := encodeGob(a)
	if err != nil {
		return PendingAction{}, err
	}
	if err := q.db.Put(queueKey(tag, a.ID), b, nil); err != nil {
		return PendingAction{}, err
	}
	return a, nil
}

func (q *levelQueue) Remove(_ context.Context, tag, id string) error {
	return q.db.Delete(queueKey(tag, id), nil)
}
