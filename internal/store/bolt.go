// Package store implements the Agency's persistence contract (spec §3, §6)
// on top of BoltDB: one bucket per collection, JSON-encoded documents keyed
// by id, with an additional range-scannable FIFO index over registered
// batches keyed by zero-padded registration-time nanoseconds.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cc-agency/agency/internal/model"
)

var (
	bucketExperiments   = []byte("experiments")
	bucketBatches       = []byte("batches")
	bucketBatchFIFO     = []byte("batches_fifo") // padded-nanosecond key -> batch id, registered only
	bucketNodes         = []byte("nodes")
	bucketCallbackToken = []byte("callback_tokens")
)

// ErrOptimisticLock is returned by ConditionalUpdateBatch when the batch's
// persisted state no longer matches the caller's expectation.
var ErrOptimisticLock = fmt.Errorf("store: optimistic lock miss")

// ErrNotFound is returned when a lookup by id finds no document.
var ErrNotFound = fmt.Errorf("store: not found")

// Store wraps a BoltDB database implementing the controller's persistence
// contract over experiments, batches, nodes, and callback tokens.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures all required
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketExperiments, bucketBatches, bucketBatchFIFO, bucketNodes, bucketCallbackToken} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- experiments ---

// PutExperiment inserts or replaces an experiment document.
func (s *Store) PutExperiment(e model.Experiment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal experiment: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExperiments).Put([]byte(e.ID), data)
	})
}

// GetExperiment loads an experiment by id.
func (s *Store) GetExperiment(id model.ID) (model.Experiment, error) {
	var e model.Experiment
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketExperiments).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	return e, err
}

// --- batches ---

func fifoKey(registered time.Time, id model.ID) []byte {
	return []byte(fmt.Sprintf("%020d_%s", registered.UnixNano(), id))
}

// PutBatch inserts or replaces a batch document, maintaining the FIFO index:
// the batch is indexed iff its state is registered.
func (s *Store) PutBatch(b model.Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBatches).Put([]byte(b.ID), data); err != nil {
			return err
		}
		return s.syncFIFOIndex(tx, b)
	})
}

// syncFIFOIndex adds or removes the batch's FIFO index entry to reflect its
// current state. Must run inside an existing write transaction.
func (s *Store) syncFIFOIndex(tx *bolt.Tx, b model.Batch) error {
	fifo := tx.Bucket(bucketBatchFIFO)
	key := fifoKey(b.Registered, b.ID)
	if b.State == model.StateRegistered {
		return fifo.Put(key, []byte(b.ID))
	}
	return fifo.Delete(key)
}

// GetBatch loads a batch by id.
func (s *Store) GetBatch(id model.ID) (model.Batch, error) {
	var b model.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBatches).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &b)
	})
	return b, err
}

// ConditionalUpdateBatch applies mutate to the batch currently persisted
// under id, but only if its state equals expectedState — the optimistic
// concurrency predicate every non-terminal transition relies on (spec §4.7,
// §9). Returns ErrOptimisticLock if another writer already moved the batch.
func (s *Store) ConditionalUpdateBatch(id model.ID, expectedState model.State, mutate func(*model.Batch)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBatches)
		v := bkt.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var b model.Batch
		if err := json.Unmarshal(v, &b); err != nil {
			return fmt.Errorf("unmarshal batch %s: %w", id, err)
		}
		if b.State != expectedState {
			return ErrOptimisticLock
		}
		mutate(&b)
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal batch %s: %w", id, err)
		}
		if err := bkt.Put([]byte(id), data); err != nil {
			return err
		}
		return s.syncFIFOIndex(tx, b)
	})
}

// ListRegisteredFIFO returns all batches with state=registered, ordered by
// registration time ascending (oldest first), by walking the FIFO index in
// key order.
func (s *Store) ListRegisteredFIFO() ([]model.Batch, error) {
	var batches []model.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		fifo := tx.Bucket(bucketBatchFIFO)
		main := tx.Bucket(bucketBatches)
		c := fifo.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := main.Get(v)
			if data == nil {
				continue // stale index entry, batch was deleted
			}
			var b model.Batch
			if err := json.Unmarshal(data, &b); err != nil {
				continue
			}
			batches = append(batches, b)
		}
		return nil
	})
	return batches, err
}

// ListByState returns all batches matching any of the given states.
func (s *Store) ListByState(states ...model.State) ([]model.Batch, error) {
	want := make(map[model.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var batches []model.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatches).ForEach(func(_, v []byte) error {
			var b model.Batch
			if err := json.Unmarshal(v, &b); err != nil {
				return nil
			}
			if want[b.State] {
				batches = append(batches, b)
			}
			return nil
		})
	})
	return batches, err
}

// ListByNode returns all batches currently assigned to the given node.
func (s *Store) ListByNode(node string) ([]model.Batch, error) {
	var batches []model.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatches).ForEach(func(_, v []byte) error {
			var b model.Batch
			if err := json.Unmarshal(v, &b); err != nil {
				return nil
			}
			if b.Node == node {
				batches = append(batches, b)
			}
			return nil
		})
	})
	return batches, err
}

// ListByExperiment returns all batches belonging to the given experiment.
func (s *Store) ListByExperiment(experimentID model.ID) ([]model.Batch, error) {
	var batches []model.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatches).ForEach(func(_, v []byte) error {
			var b model.Batch
			if err := json.Unmarshal(v, &b); err != nil {
				return nil
			}
			if b.ExperimentID == experimentID {
				batches = append(batches, b)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].Registered.Before(batches[j].Registered) })
	return batches, nil
}

// --- nodes ---

// ResetNodes drops and reinitializes the nodes bucket, inserting one fresh
// mirror document per configured node name. Run once at controller startup
// per spec §3's Node lifecycle ("dropped and reinitialized on every start").
func (s *Store) ResetNodes(names []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketNodes); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bkt, err := tx.CreateBucket(bucketNodes)
		if err != nil {
			return err
		}
		for _, name := range names {
			data, err := json.Marshal(model.NodeInfo{Name: name})
			if err != nil {
				return err
			}
			if err := bkt.Put([]byte(name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutNode writes a node mirror document. Only the node's owning client proxy
// should call this (spec §9's single-writer ownership rule).
func (s *Store) PutNode(n model.NodeInfo) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Put([]byte(n.Name), data)
	})
}

// GetNode loads a node mirror by name.
func (s *Store) GetNode(name string) (model.NodeInfo, error) {
	var n model.NodeInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNodes).Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &n)
	})
	return n, err
}

// ListNodes returns all node mirrors.
func (s *Store) ListNodes() ([]model.NodeInfo, error) {
	var nodes []model.NodeInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n model.NodeInfo
			if err := json.Unmarshal(v, &n); err != nil {
				return nil
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, err
}

// --- callback tokens ---

// PutCallbackToken persists a freshly minted callback token.
func (s *Store) PutCallbackToken(t model.CallbackToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal callback token: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCallbackToken).Put([]byte(t.BatchID), data)
	})
}

// GetCallbackToken loads the callback token for a batch, if any.
func (s *Store) GetCallbackToken(batchID model.ID) (model.CallbackToken, error) {
	var t model.CallbackToken
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCallbackToken).Get([]byte(batchID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &t)
	})
	return t, err
}
