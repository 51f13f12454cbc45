package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Permission values understood by CanAccess.
const (
	PermissionPublic     = "public"
	PermissionPrivate    = "private"
	PermissionRestricted = "restricted"
)

// FileRecord is the ownership and access record kept for a stored file.
type FileRecord struct {
	FileName     string   `json:"file_name"`
	Owner        string   `json:"owner"`
	Anonymous    bool     `json:"anonymous"`
	Permission   string   `json:"permission"`
	AllowedUsers []string `json:"allowed_users"`
	Size         int64    `json:"size"`
	Type         string   `json:"type"`
	CreatedAt    int64    `json:"created_at"` // Unix timestamp
}

// NewFileRecord fills in defaults: unknown permissions become public and
// the type is guessed from the extension.
func NewFileRecord(fileName, owner string, anonymous bool, permission string, allowedUsers []string, size int64) FileRecord {
	switch permission {
	case PermissionPublic, PermissionPrivate, PermissionRestricted:
	default:
		permission = PermissionPublic
	}
	if allowedUsers == nil {
		allowedUsers = []string{}
	}
	return FileRecord{
		FileName:     fileName,
		Owner:        owner,
		Anonymous:    anonymous,
		Permission:   permission,
		AllowedUsers: allowedUsers,
		Size:         size,
		Type:         TypeOf(fileName),
		CreatedAt:    time.Now().Unix(),
	}
}

// TypeOf guesses a MIME type from the file extension.
func TypeOf(fileName string) string {
	if t := mime.TypeByExtension(filepath.Ext(fileName)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// CanAccess reports whether username may read the file. Files uploaded
// without an authenticated owner have nobody to restrict them to and are
// treated as public.
func (r FileRecord) CanAccess(username string) bool {
	if r.Anonymous {
		return true
	}
	switch r.Permission {
	case PermissionPublic, "":
		return true
	case PermissionPrivate:
		return username != "" && r.Owner == username
	case PermissionRestricted:
		return username != "" && (r.Owner == username || slices.Contains(r.AllowedUsers, username))
	}
	return false
}

// MetadataStore wraps BadgerDB for metadata operations.
type MetadataStore struct {
	db *badger.DB
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// OpenInMemory opens a BadgerDB that never touches disk.
func OpenInMemory() (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

func fileKey(fileName string) []byte {
	return []byte("file:" + fileName)
}

// AddFileMetadata stores (or replaces) the record for rec.FileName.
func (ms *MetadataStore) AddFileMetadata(rec FileRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fileKey(rec.FileName), val)
	})
}

// GetFileMetadata returns the record for fileName; ok is false when none exists.
func (ms *MetadataStore) GetFileMetadata(fileName string) (FileRecord, bool, error) {
	var rec FileRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(fileName))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	return rec, true, nil
}
