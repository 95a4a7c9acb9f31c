// Package metastore implements the store engine's persistent metadata
// database: transactional tables of valid paths, references, referrers,
// substitutes, and derivers, backed by an embedded Badger database.
//
// Multiple updates within one Txn are atomic against crashes and concurrent
// readers; readers outside a Txn see a snapshot consistent with the last
// committed write, which is exactly Badger's own MVCC contract.
package metastore

import (
	log "log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/pathforge/castore"
)

// Table names a logical key range inside the single underlying Badger database.
type Table string

const (
	TableValidPaths  Table = "validPaths"
	TableReferences  Table = "references"
	TableReferrers   Table = "referrers"
	TableSubstitutes Table = "substitutes"
	TableDerivers    Table = "derivers"
	TableSchema      Table = "schema"
)

// CurrentSchemaVersion is the schema version this implementation writes and expects.
const CurrentSchemaVersion = 1

// MetaStore is the transactional metadata database described by the store engine's
// data model. It wraps a single Badger instance; each Table is a distinct key prefix.
type MetaStore struct {
	db       *badger.DB
	readOnly bool
}

// ErrUnsupportedSchema is returned by Open when the on-disk schema version predates
// anything this implementation knows how to upgrade. Per the store engine's design
// notes, the ancient term-based-closure upgrader is intentionally not reimplemented;
// new stores always start at CurrentSchemaVersion, so this path only triggers against
// a database from an incompatible, pre-existing installation.
var ErrUnsupportedSchema = castore.UsageError("unsupported legacy schema version", nil)

// Open opens (creating if necessary) the metadata database rooted at dbDir.
// If the backing filesystem is read-only, Open falls back to a read-only MetaStore
// where every mutating operation returns a well-defined error rather than failing
// to open outright.
func Open(dbDir string) (*MetaStore, error) {
	opts := badger.DefaultOptions(dbDir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		if os.IsPermission(err) {
			log.Warn("metastore: opening read-write failed, falling back to read-only", "dir", dbDir, "error", err)
			roOpts := opts.WithReadOnly(true)
			db, err = badger.Open(roOpts)
			if err != nil {
				return nil, castore.SysError("metastore: open read-only", err)
			}
			return &MetaStore{db: db, readOnly: true}, nil
		}
		return nil, castore.SysError("metastore: open", err)
	}

	ms := &MetaStore{db: db}
	if err := ms.checkAndUpgradeSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return ms, nil
}

// Close releases the underlying Badger database.
func (m *MetaStore) Close() error {
	return m.db.Close()
}

// ReadOnly reports whether this MetaStore rejects mutations.
func (m *MetaStore) ReadOnly() bool {
	return m.readOnly
}

func (m *MetaStore) checkAndUpgradeSchema() error {
	var version int
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey())
		if err == badger.ErrKeyNotFound {
			version = 0
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			version = decodeVersion(val)
			return nil
		})
	})
	if err != nil {
		return castore.SysError("metastore: reading schema version", err)
	}

	if version == 0 {
		// Fresh store: stamp the current version.
		return m.db.Update(func(txn *badger.Txn) error {
			return txn.Set(schemaKey(), encodeVersion(CurrentSchemaVersion))
		})
	}
	if version > CurrentSchemaVersion {
		return castore.UsageError("store schema is newer than this binary understands", version)
	}
	if version < CurrentSchemaVersion {
		// No legacy schema this implementation knows how to upgrade from exists yet;
		// see DESIGN.md "Open Question decisions".
		return ErrUnsupportedSchema
	}
	return nil
}

func schemaKey() []byte {
	return []byte(string(TableSchema) + ":version")
}

func encodeVersion(v int) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func decodeVersion(b []byte) int {
	if len(b) < 4 {
		return 0
	}
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16 | int(b[3])<<24
}

func tableKey(t Table, key string) []byte {
	return []byte(string(t) + "\x00" + key)
}
