// Package archive writes one JSON file per completed session so the
// database can be curated without losing history.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ralphd/internal/logging"
	"ralphd/internal/store"
	"ralphd/internal/types"
)

// Record is the on-disk shape of one archived session.
type Record struct {
	Session     *types.Session      `json:"session"`
	Memories    []*types.Memory     `json:"memories"`
	Checkpoints []*types.Checkpoint `json:"checkpoints"`
	Lineage     *types.Lineage      `json:"lineage,omitempty"`
	ArchivedAt  time.Time           `json:"archived_at"`
}

// Archiver snapshots completed sessions into a directory.
type Archiver struct {
	store *store.Store
	dir   string
}

// New creates an archiver writing into dir.
func New(st *store.Store, dir string) *Archiver {
	return &Archiver{store: st, dir: dir}
}

// Dir returns the archive directory.
func (a *Archiver) Dir() string { return a.dir }

// ArchiveSession writes the session, its memories, its checkpoints and
// its lineage row (when spawned) to a timestamped JSON file and returns
// the path.
func (a *Archiver) ArchiveSession(sessionID string) (string, error) {
	sess, err := a.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	memories, err := a.store.MemoriesForSession(sessionID, "", 0)
	if err != nil {
		return "", err
	}
	checkpoints, err := a.store.ListCheckpoints(sessionID)
	if err != nil {
		return "", err
	}

	record := &Record{
		Session:     sess,
		Memories:    memories,
		Checkpoints: checkpoints,
		ArchivedAt:  time.Now().UTC(),
	}
	if lineage, err := a.store.LineageForChild(sessionID); err == nil {
		record.Lineage = lineage
	}

	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return "", fmt.Errorf("%w: cannot create archive dir: %v", types.ErrIO, err)
	}

	name := archiveFilename(sess.ID, record.ArchivedAt)
	path := filepath.Join(a.dir, name)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("%w: cannot write archive: %v", types.ErrIO, err)
	}

	logging.Archive("Archived session %s: %s (%d memories, %d checkpoints)",
		sess.ID, name, len(memories), len(checkpoints))
	return path, nil
}

// archiveFilename is session_<id8>_<YYYYMMDD_HHMMSS>.json.
func archiveFilename(sessionID string, ts time.Time) string {
	id8 := sessionID
	if len(id8) > 8 {
		id8 = id8[:8]
	}
	return fmt.Sprintf("session_%s_%s.json", id8, ts.Format("20060102_150405"))
}
