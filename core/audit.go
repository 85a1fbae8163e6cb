package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/civiccaption/flexcore/store"
)

// AuditOutcome is a caption-check verdict for one sidecar.
type AuditOutcome string

const (
	AuditOK        AuditOutcome = "ok"
	AuditMissing   AuditOutcome = "missing"
	AuditMalformed AuditOutcome = "malformed"
)

// AuditRecord is one durable caption-check result, kept so an operator
// listing recent checks can see why a given fingerprint was reprocessed.
type AuditRecord struct {
	Fingerprint string       `json:"fingerprint"`
	Path        string       `json:"path"`
	Outcome     AuditOutcome `json:"outcome"`
	Detail      string       `json:"detail,omitempty"`
	CheckedAt   time.Time    `json:"checked_at"`
}

// AuditStore persists caption-check audit records under
// audit/<fingerprint>/<unix-nanos>.
type AuditStore struct {
	s *store.Store
}

func NewAuditStore(s *store.Store) *AuditStore {
	return &AuditStore{s: s}
}

func (a *AuditStore) Record(rec AuditRecord) error {
	key := fmt.Sprintf("audit/%s/%d", rec.Fingerprint, rec.CheckedAt.UnixNano())
	return a.s.Put(key, rec)
}

// ListForFingerprint returns all audit records for fp, oldest first.
func (a *AuditStore) ListForFingerprint(fp string) ([]AuditRecord, error) {
	return a.list("audit/" + fp + "/")
}

// ListRecent returns every audit record newer than since, newest first.
func (a *AuditStore) ListRecent(since time.Time) ([]AuditRecord, error) {
	all, err := a.list("audit/")
	if err != nil {
		return nil, err
	}
	var out []AuditRecord
	for _, rec := range all {
		if rec.CheckedAt.After(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CheckedAt.After(out[k].CheckedAt) })
	return out, nil
}

func (a *AuditStore) list(prefix string) ([]AuditRecord, error) {
	var out []AuditRecord
	err := a.s.IteratePrefix(prefix, func(key string, value []byte) error {
		var rec AuditRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decoding audit record %s: %w", key, err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}
