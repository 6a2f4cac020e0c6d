package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

var (
	// Bucket names
	bucketGenerations = []byte("generations") // {repo}/{branch}/{seq} -> IndexGeneration
	bucketLatest      = []byte("latest")      // {repo}/{branch} -> last generation number
)

// Catalog records completed indexing generations per repository branch. It
// is bookkeeping, not crash-critical state: losing the catalog only loses
// history queries, never queue or lock correctness.
type Catalog struct {
	db *bolt.DB
}

// Open opens (or creates) the catalog database under the workspace root.
func Open(layout workspace.Layout) (*Catalog, error) {
	db, err := bolt.Open(layout.Catalog(), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open index catalog: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketGenerations, bucketLatest} {
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

	return &Catalog{db: db}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Record appends a new generation for repository/branch and returns it. The
// generation number is monotonic per branch.
func (c *Catalog) Record(repository, branch, commit, jobID string) (*types.IndexGeneration, error) {
	var gen types.IndexGeneration

	err := c.db.Update(func(tx *bolt.Tx) error {
		latest := tx.Bucket(bucketLatest)
		key := branchKey(repository, branch)

		var n uint64
		if prev := latest.Get(key); prev != nil {
			n = binary.BigEndian.Uint64(prev)
		}
		n++

		gen = types.IndexGeneration{
			Repository: repository,
			Branch:     branch,
			Commit:     commit,
			Generation: n,
			JobID:      jobID,
			IndexedAt:  time.Now().UTC(),
		}

		data, err := json.Marshal(gen)
		if err != nil {
			return fmt.Errorf("failed to marshal generation: %w", err)
		}

		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], n)
		if err := tx.Bucket(bucketGenerations).Put(genKey(key, seq), data); err != nil {
			return err
		}
		return latest.Put(key, seq[:])
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record index generation: %w", err)
	}
	return &gen, nil
}

// Latest returns the most recent generation for repository/branch.
func (c *Catalog) Latest(repository, branch string) (*types.IndexGeneration, bool, error) {
	var gen *types.IndexGeneration

	err := c.db.View(func(tx *bolt.Tx) error {
		key := branchKey(repository, branch)
		seq := tx.Bucket(bucketLatest).Get(key)
		if seq == nil {
			return nil
		}
		var s [8]byte
		copy(s[:], seq)
		data := tx.Bucket(bucketGenerations).Get(genKey(key, s))
		if data == nil {
			return nil
		}
		var g types.IndexGeneration
		if err := json.Unmarshal(data, &g); err != nil {
			return fmt.Errorf("failed to parse generation record: %w", err)
		}
		gen = &g
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return gen, gen != nil, nil
}

// History returns all generations for repository/branch, oldest first.
func (c *Catalog) History(repository, branch string) ([]types.IndexGeneration, error) {
	var out []types.IndexGeneration

	err := c.db.View(func(tx *bolt.Tx) error {
		prefix := append(branchKey(repository, branch), '/')
		cur := tx.Bucket(bucketGenerations).Cursor()
		for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
			var g types.IndexGeneration
			if err := json.Unmarshal(v, &g); err != nil {
				continue
			}
			out = append(out, g)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read generation history: %w", err)
	}
	return out, nil
}

func branchKey(repository, branch string) []byte {
	return []byte(repository + "\x00" + branch)
}

func genKey(branch []byte, seq [8]byte) []byte {
	k := make([]byte, 0, len(branch)+9)
	k = append(k, branch...)
	k = append(k, '/')
	k = append(k, seq[:]...)
	return k
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
