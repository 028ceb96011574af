package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/parlor-games/parlor/internal/cache"
	"github.com/parlor-games/parlor/internal/database"
)

const bucket = "rooms"

var (
	ErrNotFound = errors.New("room not found")
	ErrExists   = errors.New("room code already taken")
)

// Directory is the create/find/delete surface the protocol core consumes.
// Lookups go through the cache; writes go to bolt and update the cache.
type Directory struct {
	rDB   *database.DB
	cache cache.Cache
}

func NewDirectory(db *database.DB, c cache.Cache) *Directory {
	return &Directory{rDB: db, cache: c}
}

// Create registers a room under code. An empty code gets a generated one;
// the returned Room carries whichever was used.
func (d *Directory) Create(code, name, hostID string) (Room, error) {
	if code == "" {
		code = GenerateCode()
	}

	rm := Room{Code: code, Name: name, HostID: hostID, CreatedAt: time.Now()}

	tx, err := d.rDB.DB.Begin(true)
	if err != nil {
		return Room{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() // nolint

	b, err := tx.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return Room{}, fmt.Errorf("create bucket: %w", err)
	}

	if b.Get([]byte(code)) != nil {
		return Room{}, ErrExists
	}

	bytes, err := json.Marshal(rm)
	if err != nil {
		return Room{}, fmt.Errorf("marshal: %w", err)
	}

	if err := b.Put([]byte(code), bytes); err != nil {
		return Room{}, fmt.Errorf("put to bucket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Room{}, fmt.Errorf("committing transaction: %w", err)
	}

	d.cache.Add(code, rm)
	return rm, nil
}

// Find resolves a room by code, ErrNotFound when absent.
func (d *Directory) Find(code string) (Room, error) {
	if cached, ok := d.cache.Get(code); ok {
		if rm, ok := cached.(Room); ok {
			return rm, nil
		}
	}

	var rm Room
	if err := d.rDB.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(code))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &rm); err != nil {
			return fmt.Errorf("json unmarshal: %w", err)
		}
		return nil
	}); err != nil {
		return Room{}, err
	}

	d.cache.Add(code, rm)
	return rm, nil
}

// Delete removes a room; this is the host's cleanup on leave. Reports
// whether the room existed.
func (d *Directory) Delete(code string) (bool, error) {
	existed := false

	tx, err := d.rDB.DB.Begin(true)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() // nolint

	if b := tx.Bucket([]byte(bucket)); b != nil {
		if b.Get([]byte(code)) != nil {
			existed = true
			if err := b.Delete([]byte(code)); err != nil {
				return false, fmt.Errorf("delete from bucket: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}

	d.cache.Delete(code)
	return existed, nil
}
