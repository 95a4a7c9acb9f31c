package metastore

import (
	"encoding/json"

	"github.com/pathforge/castore"
)

// SubstituteRecord is the persisted form of castore.Substitute, keyed by the path
// it can produce.
type SubstituteRecord struct {
	Deriver castore.StorePath `json:"deriver"`
	Program string            `json:"program"`
	Args    []string          `json:"args"`
}

// GetSubstitutes returns the registered substitutes for path, most-preferred first.
func (t *Txn) GetSubstitutes(path castore.StorePath) ([]SubstituteRecord, error) {
	raw, ok, err := t.Get(TableSubstitutes, string(path))
	if err != nil || !ok {
		return nil, err
	}
	var recs []SubstituteRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, castore.SysError("metastore: corrupt substitutes for "+string(path), err)
	}
	return recs, nil
}

// AddSubstitute registers sub as a way to produce path. A substitute already present
// for the same Program+Args is moved to the front rather than duplicated, so the most
// recently (re-)announced substitute is always tried first.
func (t *Txn) AddSubstitute(path castore.StorePath, sub SubstituteRecord) error {
	existing, err := t.GetSubstitutes(path)
	if err != nil {
		return err
	}

	deduped := make([]SubstituteRecord, 0, len(existing)+1)
	deduped = append(deduped, sub)
	for _, e := range existing {
		if e.Program == sub.Program && sameArgs(e.Args, sub.Args) {
			continue
		}
		deduped = append(deduped, e)
	}

	raw, err := json.Marshal(deduped)
	if err != nil {
		return castore.SysError("metastore: encoding substitutes for "+string(path), err)
	}
	return t.Put(TableSubstitutes, string(path), raw)
}

// ClearSubstitutes removes every registered substitute for path.
func (t *Txn) ClearSubstitutes(path castore.StorePath) error {
	return t.Delete(TableSubstitutes, string(path))
}

func sameArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
