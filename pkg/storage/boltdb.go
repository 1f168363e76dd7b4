package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuemby/mpathd/pkg/config"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketParams       = []byte("params")
	bucketPathBindings = []byte("path_bindings")
	bucketLunMasks     = []byte("lun_masks")
	bucketControl      = []byte("control")

	keyParams = []byte("current")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "mpathd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketParams,
			bucketPathBindings,
			bucketLunMasks,
			bucketControl,
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func bindingKey(device string, hostID int, wwpn string) []byte {
	return []byte(fmt.Sprintf("%s/%d/%s", strings.ToLower(device), hostID, strings.ToLower(wwpn)))
}

func maskKey(device string, pathID int) []byte {
	return []byte(fmt.Sprintf("%s/%d", strings.ToLower(device), pathID))
}

func (s *BoltStore) put(bucket, key []byte, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put(key, data)
	})
}

// Parameter operations
func (s *BoltStore) SaveParams(params config.Params) error {
	return s.put(bucketParams, keyParams, params)
}

// LoadParams returns the persisted parameters, or nil when none were saved
func (s *BoltStore) LoadParams() (*config.Params, error) {
	var params *config.Params
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketParams).Get(keyParams)
		if data == nil {
			return nil
		}
		params = &config.Params{}
		return json.Unmarshal(data, params)
	})
	return params, err
}

// Path binding operations
func (s *BoltStore) PutPathBinding(binding *PathBinding) error {
	return s.put(bucketPathBindings, bindingKey(binding.Device, binding.HostID, binding.WWPN), binding)
}

func (s *BoltStore) GetPathBinding(device string, hostID int, wwpn string) (*PathBinding, error) {
	var binding PathBinding
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPathBindings).Get(bindingKey(device, hostID, wwpn))
		if data == nil {
			return fmt.Errorf("path binding %s/%d/%s: %w", device, hostID, wwpn, ErrNotFound)
		}
		return json.Unmarshal(data, &binding)
	})
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

func (s *BoltStore) ListPathBindings() ([]*PathBinding, error) {
	var bindings []*PathBinding
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPathBindings).ForEach(func(k, v []byte) error {
			var binding PathBinding
			if err := json.Unmarshal(v, &binding); err != nil {
				return err
			}
			bindings = append(bindings, &binding)
			return nil
		})
	})
	return bindings, err
}

func (s *BoltStore) DeletePathBinding(device string, hostID int, wwpn string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPathBindings).Delete(bindingKey(device, hostID, wwpn))
	})
}

// LUN mask operations
func (s *BoltStore) PutLunMasks(rec *LunMaskRecord) error {
	return s.put(bucketLunMasks, maskKey(rec.Device, rec.PathID), rec)
}

func (s *BoltStore) ListLunMasks() ([]*LunMaskRecord, error) {
	var recs []*LunMaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLunMasks).ForEach(func(k, v []byte) error {
			var rec LunMaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// Control byte operations
func (s *BoltStore) PutControlByte(device string, value uint8) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketControl).Put([]byte(strings.ToLower(device)), []byte{value})
	})
}

func (s *BoltStore) ListControlBytes() (map[string]uint8, error) {
	out := make(map[string]uint8)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketControl).ForEach(func(k, v []byte) error {
			if len(v) != 1 {
				return fmt.Errorf("corrupt control byte for %s", k)
			}
			out[string(k)] = v[0]
			return nil
		})
	})
	return out, err
}
