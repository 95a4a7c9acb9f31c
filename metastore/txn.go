package metastore

import (
	"encoding/binary"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/pathforge/castore"
)

// Txn is a transaction against the MetaStore. All reads and writes issued through
// a Txn are isolated until Commit and are rolled back automatically if the Txn is
// dropped without committing.
type Txn struct {
	store *MetaStore
	tx    *badger.Txn
}

// Begin starts a new read-write transaction.
func (m *MetaStore) Begin() (*Txn, error) {
	if m.readOnly {
		return nil, castore.UsageError("metastore: cannot begin a read-write transaction on a read-only store", nil)
	}
	return &Txn{store: m, tx: m.db.NewTransaction(true)}, nil
}

// Commit finalizes the transaction, making its writes visible to subsequent readers.
func (t *Txn) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return castore.SysError("metastore: commit", err)
	}
	return nil
}

// Rollback discards the transaction's writes. Safe to call after Commit as a no-op-ish
// cleanup (Badger's Discard is idempotent against an already-committed txn in practice,
// but callers should prefer `defer txn.Rollback()` before a successful Commit path only).
func (t *Txn) Rollback() {
	t.tx.Discard()
}

// Get reads a key's value from a Table inside the transaction. ok is false if absent.
func (t *Txn) Get(table Table, key string) (value []byte, ok bool, err error) {
	item, err := t.tx.Get(tableKey(table, key))
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, castore.SysError("metastore: get", err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, castore.SysError("metastore: get value", err)
	}
	return v, true, nil
}

// Put writes a key's value in a Table inside the transaction.
func (t *Txn) Put(table Table, key string, value []byte) error {
	if err := t.tx.Set(tableKey(table, key), value); err != nil {
		return castore.SysError("metastore: put", err)
	}
	return nil
}

// Delete removes a key from a Table inside the transaction. Deleting an absent key is a no-op.
func (t *Txn) Delete(table Table, key string) error {
	if err := t.tx.Delete(tableKey(table, key)); err != nil {
		return castore.SysError("metastore: delete", err)
	}
	return nil
}

// PutStrings writes an ordered list of strings under key using length-prefixed
// framing, so values containing the delimiter byte are unambiguous.
func (t *Txn) PutStrings(table Table, key string, values []string) error {
	return t.Put(table, key, encodeStrings(values))
}

// GetStrings reads back a list of strings written by PutStrings. An absent key
// yields (nil, false, nil).
func (t *Txn) GetStrings(table Table, key string) ([]string, bool, error) {
	raw, ok, err := t.Get(table, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	vs, err := decodeStrings(raw)
	if err != nil {
		return nil, true, castore.SysError("metastore: corrupt string list at "+key, err)
	}
	return vs, true, nil
}

// Enumerate returns every key (with the table prefix stripped) currently stored
// under table, as seen inside this transaction's snapshot.
func (t *Txn) Enumerate(table Table) ([]string, error) {
	prefix := []byte(string(table) + "\x00")
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := t.tx.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		full := string(it.Item().Key())
		keys = append(keys, strings.TrimPrefix(full, string(prefix)))
	}
	return keys, nil
}

// encodeStrings frames each string with a little-endian uint32 length prefix.
func encodeStrings(values []string) []byte {
	buf := make([]byte, 0, 4)
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(len(values)))
	buf = append(buf, out...)
	for _, v := range values {
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(v)))
		buf = append(buf, lenBuf...)
		buf = append(buf, v...)
	}
	return buf
}

func decodeStrings(b []byte) ([]string, error) {
	if len(b) < 4 {
		return nil, castore.UsageError("truncated string-list header", nil)
	}
	count := binary.LittleEndian.Uint32(b)
	b = b[4:]
	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 4 {
			return nil, castore.UsageError("truncated string-list entry length", nil)
		}
		n := binary.LittleEndian.Uint32(b)
		b = b[4:]
		if uint64(len(b)) < uint64(n) {
			return nil, castore.UsageError("truncated string-list entry value", nil)
		}
		out = append(out, string(b[:n]))
		b = b[n:]
	}
	return out, nil
}
