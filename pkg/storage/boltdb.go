package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/droverhq/drover/pkg/types"
)

var (
	// Bucket names
	bucketTasks      = []byte("tasks")
	bucketQueueIndex = []byte("queue_index")
	bucketDeadLetter = []byte("dead_letter")
	bucketWorkflows  = []byte("workflows")
	bucketHistory    = []byte("history")
)

// historyRingSize bounds the execution records kept per task.
const historyRingSize = 100

// queueBucket returns the bucket name of one priority queue.
func queueBucket(p types.Priority) []byte {
	return []byte(fmt.Sprintf("queue_p%d", p))
}

// queueKey orders entries by (ready-at asc, submission order asc). The
// fixed-width hex encoding makes bbolt's byte ordering the queue ordering.
func queueKey(readyAt time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%016x%016x", uint64(readyAt.UnixNano()), seq))
}

func decodeReadyAt(key []byte) time.Time {
	var nanos uint64
	fmt.Sscanf(string(key[:16]), "%016x", &nanos)
	return time.Unix(0, int64(nanos))
}

// queueIndexEntry records where a queued task lives so revocation is O(1).
type queueIndexEntry struct {
	Priority types.Priority `json:"priority"`
	Key      []byte         `json:"key"`
}

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "drover.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketQueueIndex,
			bucketDeadLetter,
			bucketWorkflows,
			bucketHistory,
		}
		for _, p := range types.Priorities {
			buckets = append(buckets, queueBucket(p))
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Task operations ---

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(task.ID)) != nil {
			return fmt.Errorf("task %s: %w", task.ID, ErrDuplicate)
		}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) PutTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	return s.listTasks(func(*types.Task) bool { return true })
}

func (s *BoltStore) ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error) {
	return s.listTasks(func(t *types.Task) bool { return t.Status == status })
}

func (s *BoltStore) ListTasksByWorkflow(workflowID string) ([]*types.Task, error) {
	return s.listTasks(func(t *types.Task) bool { return t.WorkflowID == workflowID })
}

func (s *BoltStore) listTasks(keep func(*types.Task) bool) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if keep(&task) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

// UpdateStatus is the single enforcement point of the task state machine.
// The mutation callback runs inside the transaction, after the transition is
// validated and before invariants are applied, so observers only ever see
// records that obey the machine.
func (s *BoltStore) UpdateStatus(id string, to types.TaskStatus, mut func(*types.Task)) (*types.Task, error) {
	var task types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}

		if task.Status != to {
			if !types.CanTransition(task.Status, to) {
				return fmt.Errorf("task %s: %s -> %s: %w", id, task.Status, to, ErrInvalidTransition)
			}
			task.Status = to
		}

		if mut != nil {
			mut(&task)
			task.Status = to // the callback may not override the transition
		}

		now := time.Now().UTC()
		if to.HasCompletedAt() {
			if task.CompletedAt == nil {
				task.CompletedAt = &now
			}
		} else {
			task.CompletedAt = nil
		}
		if !to.HasAssignedWorker() {
			task.AssignedWorker = ""
		}
		if to == types.TaskStatusRunning && task.StartedAt == nil {
			task.StartedAt = &now
		}

		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) PruneTerminal(retention time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-retention)
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				continue
			}
			if task.Status.IsTerminal() && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		hist := tx.Bucket(bucketHistory)
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			if hist.Bucket(k) != nil {
				if err := hist.DeleteBucket(k); err != nil {
					return err
				}
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// --- Priority queue operations ---

// Enqueue inserts a task into its priority queue ordered by ready-at, then
// submission order. A task already queued is moved, not duplicated.
func (s *BoltStore) Enqueue(taskID string, priority types.Priority, readyAt time.Time) error {
	if !priority.Valid() {
		return fmt.Errorf("invalid priority %d", priority)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := dequeueTx(tx, taskID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		qb := tx.Bucket(queueBucket(priority))
		seq, err := qb.NextSequence()
		if err != nil {
			return err
		}
		key := queueKey(readyAt, seq)
		if err := qb.Put(key, []byte(taskID)); err != nil {
			return err
		}

		entry, err := json.Marshal(queueIndexEntry{Priority: priority, Key: key})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketQueueIndex).Put([]byte(taskID), entry)
	})
}

// PeekDue returns the queue head of a priority level if its ready-at is due,
// ErrNotFound when the queue is empty or the head is in the future.
func (s *BoltStore) PeekDue(priority types.Priority, now time.Time) (*QueueEntry, error) {
	var entry *QueueEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(queueBucket(priority)).Cursor()
		k, v := c.First()
		if k == nil {
			return ErrNotFound
		}
		readyAt := decodeReadyAt(k)
		if readyAt.After(now) {
			return ErrNotFound
		}
		entry = &QueueEntry{TaskID: string(v), Priority: priority, ReadyAt: readyAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Dequeue removes a task from whatever queue it sits in.
func (s *BoltStore) Dequeue(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return dequeueTx(tx, taskID)
	})
}

func dequeueTx(tx *bolt.Tx, taskID string) error {
	ib := tx.Bucket(bucketQueueIndex)
	data := ib.Get([]byte(taskID))
	if data == nil {
		return ErrNotFound
	}
	var entry queueIndexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return err
	}
	if err := tx.Bucket(queueBucket(entry.Priority)).Delete(entry.Key); err != nil {
		return err
	}
	return ib.Delete([]byte(taskID))
}

func (s *BoltStore) QueueDepth(priority types.Priority) (int, error) {
	depth := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		depth = tx.Bucket(queueBucket(priority)).Stats().KeyN
		return nil
	})
	return depth, err
}

// Upcoming returns tasks whose ready-at falls within the horizon, ordered by
// ready-at across all priorities.
func (s *BoltStore) Upcoming(horizon time.Duration, now time.Time) ([]*types.Task, error) {
	cutoff := now.Add(horizon)
	type slot struct {
		readyAt time.Time
		taskID  string
	}
	var slots []slot

	err := s.db.View(func(tx *bolt.Tx) error {
		for _, p := range types.Priorities {
			c := tx.Bucket(queueBucket(p)).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				readyAt := decodeReadyAt(k)
				if readyAt.After(cutoff) {
					break
				}
				slots = append(slots, slot{readyAt: readyAt, taskID: string(v)})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].readyAt.Before(slots[j].readyAt) })

	tasks := make([]*types.Task, 0, len(slots))
	for _, sl := range slots {
		task, err := s.GetTask(sl.taskID)
		if err != nil {
			continue // queue entry may outlive a pruned task
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// --- Dead-letter queue ---

func (s *BoltStore) MoveToDeadLetter(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec := DeadLetter{Task: task, MovedAt: time.Now().UTC()}
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDeadLetter).Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) ListDeadLetter() ([]*DeadLetter, error) {
	var out []*DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetter).ForEach(func(k, v []byte) error {
			var rec DeadLetter
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// RequeueFromDeadLetter re-admits dead-lettered tasks created within maxAge:
// retry count resets to zero and the task re-enters its priority queue as
// Pending. Returns the re-admitted task ids.
func (s *BoltStore) RequeueFromDeadLetter(maxAge time.Duration, now time.Time) ([]string, error) {
	cutoff := now.Add(-maxAge)
	var requeued []string

	err := s.db.Update(func(tx *bolt.Tx) error {
		dlq := tx.Bucket(bucketDeadLetter)
		tasks := tx.Bucket(bucketTasks)

		var admit []*types.Task
		c := dlq.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec DeadLetter
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Task == nil || rec.Task.CreatedAt.Before(cutoff) {
				continue
			}
			admit = append(admit, rec.Task)
		}

		for _, task := range admit {
			task.RetryCount = 0
			task.Status = types.TaskStatusPending
			task.Error = ""
			task.ErrorTag = ""
			task.AssignedWorker = ""
			task.CompletedAt = nil

			data, err := json.Marshal(task)
			if err != nil {
				return err
			}
			if err := tasks.Put([]byte(task.ID), data); err != nil {
				return err
			}
			if err := dlq.Delete([]byte(task.ID)); err != nil {
				return err
			}

			qb := tx.Bucket(queueBucket(task.Priority))
			seq, err := qb.NextSequence()
			if err != nil {
				return err
			}
			key := queueKey(now, seq)
			if err := qb.Put(key, []byte(task.ID)); err != nil {
				return err
			}
			entry, err := json.Marshal(queueIndexEntry{Priority: task.Priority, Key: key})
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketQueueIndex).Put([]byte(task.ID), entry); err != nil {
				return err
			}
			requeued = append(requeued, task.ID)
		}
		return nil
	})
	return requeued, err
}

func (s *BoltStore) PruneDeadLetter(retention time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-retention)
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetter)
		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec DeadLetter
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.MovedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// --- Workflow operations ---

func (s *BoltStore) CreateWorkflow(wf *types.Workflow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		if b.Get([]byte(wf.ID)) != nil {
			return fmt.Errorf("workflow %s: %w", wf.ID, ErrDuplicate)
		}
		data, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		return b.Put([]byte(wf.ID), data)
	})
}

func (s *BoltStore) GetWorkflow(id string) (*types.Workflow, error) {
	var wf types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *BoltStore) PutWorkflow(wf *types.Workflow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkflows).Put([]byte(wf.ID), data)
	})
}

func (s *BoltStore) ListWorkflows() ([]*types.Workflow, error) {
	var out []*types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var wf types.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return err
			}
			out = append(out, &wf)
			return nil
		})
	})
	return out, err
}

// --- Execution history ---

// AppendExecution adds a run record to the task's history ring, evicting the
// oldest entries past the ring size.
func (s *BoltStore) AppendExecution(rec types.ExecutionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		hist := tx.Bucket(bucketHistory)
		b, err := hist.CreateBucketIfNotExists([]byte(rec.TaskID))
		if err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}

		// Stats are stale inside a write transaction, so count by cursor.
		count := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		var evict [][]byte
		for k, _ := c.First(); k != nil && count-len(evict) > historyRingSize; k, _ = c.Next() {
			evict = append(evict, append([]byte(nil), k...))
		}
		for _, k := range evict {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListExecutions(taskID string) ([]types.ExecutionRecord, error) {
	var out []types.ExecutionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory).Bucket([]byte(taskID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec types.ExecutionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
