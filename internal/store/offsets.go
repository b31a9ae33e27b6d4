package store

import "database/sql"

// SourceOffsets scopes adapter file offsets to one source name. It satisfies
// the adapter package's OffsetStore so read positions survive restarts.
type SourceOffsets struct {
	db     *sql.DB
	source string
}

// Offsets returns a persistent offset store for the named adapter source.
func (s *Store) Offsets(source string) *SourceOffsets {
	return &SourceOffsets{db: s.db, source: source}
}

// Offset returns the persisted read position for a file.
func (o *SourceOffsets) Offset(path string) (int64, bool) {
	var off int64
	err := o.db.QueryRow("SELECT offset_bytes FROM adapter_offsets WHERE source = ? AND file_path = ?",
		o.source, path).Scan(&off)
	if err != nil {
		return 0, false
	}
	return off, true
}

// SetOffset records the read position for a file.
func (o *SourceOffsets) SetOffset(path string, offset int64) error {
	_, err := o.db.Exec(`INSERT INTO adapter_offsets (source, file_path, offset_bytes)
		VALUES (?, ?, ?)
		ON CONFLICT (source, file_path) DO UPDATE SET offset_bytes = excluded.offset_bytes`,
		o.source, path, offset)
	return err
}
