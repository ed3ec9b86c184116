package coedit

import (
	"context"
	"slices"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/golang/glog"

	bolt "go.etcd.io/bbolt"
)


// the full document save lives under one key in one bucket. A peer
// that restarts loads it and re-enters its rooms with history intact
// instead of an empty document.

var checkpointDocBucket = []byte("doc")
var checkpointSaveKey = []byte("save")


type CheckpointSettings struct {
	FlushTimeout time.Duration
	OpenTimeout  time.Duration
}

func DefaultCheckpointSettings() *CheckpointSettings {
	return &CheckpointSettings{
		FlushTimeout: 5 * time.Second,
		OpenTimeout:  1 * time.Second,
	}
}


type Checkpoint struct {
	db       *bolt.DB
	settings *CheckpointSettings
}

func OpenCheckpointWithDefaults(path string) (*Checkpoint, error) {
	return OpenCheckpoint(path, DefaultCheckpointSettings())
}

func OpenCheckpoint(path string, settings *CheckpointSettings) (*Checkpoint, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: settings.OpenTimeout,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointDocBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Checkpoint{
		db:       db,
		settings: settings,
	}, nil
}

// Load returns the last stored save, or absent when nothing was stored
// yet
func (self *Checkpoint) Load() ([]byte, bool, error) {
	var save []byte
	err := self.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(checkpointDocBucket).Get(checkpointSaveKey)
		if value != nil {
			// the value is only valid inside the transaction
			save = slices.Clone(value)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return save, save != nil, nil
}

func (self *Checkpoint) Store(save []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointDocBucket).Put(checkpointSaveKey, save)
	})
}

// Run flushes the document on a timer until the context ends, then
// flushes once more on the way out. A flush whose heads match the
// previous flush is skipped.
func (self *Checkpoint) Run(ctx context.Context, docStore *DocStore) {
	var flushedHeads []automerge.ChangeHash

	flush := func() {
		heads := docStore.Heads()
		if slices.Equal(heads, flushedHeads) {
			return
		}
		save, err := docStore.Snapshot()
		if err != nil {
			glog.Infof("[c]snapshot error = %s\n", err)
			return
		}
		if err := self.Store(save); err != nil {
			glog.Infof("[c]store error = %s\n", err)
			return
		}
		flushedHeads = heads
		glog.V(1).Infof("[c]flush (%d)\n", len(save))
	}

	ticker := time.NewTicker(self.settings.FlushTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}

func (self *Checkpoint) Close() error {
	return self.db.Close()
}
