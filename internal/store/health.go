package store

import "context"

// Ping issues a cheap liveness query, mirroring the teacher's
// TaskCounts-as-health-probe pattern: if the database can answer a
// trivial SELECT, it is considered healthy.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&one)
}

// IntegrityCheck runs sqlite's built-in consistency check, used by the
// doctor CLI diagnostic subcommand.
func (s *Store) IntegrityCheck(ctx context.Context) (string, error) {
	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check;`).Scan(&result); err != nil {
		return "", err
	}
	return result, nil
}

// SchemaVersion reports the highest applied migration version, used by
// the doctor subcommand's diagnostic output.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&version)
	return version, err
}
