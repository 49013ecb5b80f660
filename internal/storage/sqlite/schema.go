package sqlite

// initSchema creates the database schema if it doesn't exist.
func (db *DB) initSchema() error {
	schema := `
	-- One row per distinct deadlock report
	CREATE TABLE IF NOT EXISTS analyses (
		content_hash TEXT PRIMARY KEY,
		event_id TEXT NOT NULL DEFAULT '',
		detected_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		severity TEXT NOT NULL,
		process_count INTEGER NOT NULL,
		cycle_count INTEGER NOT NULL,
		critical_tables TEXT NOT NULL DEFAULT '',
		parser_version TEXT NOT NULL,
		raw_text BLOB NOT NULL,
		result_json TEXT NOT NULL
	);

	-- Tables involved, for per-table statistics
	CREATE TABLE IF NOT EXISTS analysis_tables (
		content_hash TEXT NOT NULL REFERENCES analyses(content_hash) ON DELETE CASCADE,
		table_name TEXT NOT NULL,
		lock_modes TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (content_hash, table_name)
	);

	-- Statements involved, grouped by pg_query fingerprint
	CREATE TABLE IF NOT EXISTS analysis_queries (
		content_hash TEXT NOT NULL REFERENCES analyses(content_hash) ON DELETE CASCADE,
		fingerprint TEXT NOT NULL,
		normalized_query TEXT NOT NULL,
		PRIMARY KEY (content_hash, fingerprint)
	);

	-- Read offsets of scanned server log files
	CREATE TABLE IF NOT EXISTS log_positions (
		file_path TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_analyses_detected_at ON analyses(detected_at DESC);
	CREATE INDEX IF NOT EXISTS idx_analysis_tables_name ON analysis_tables(table_name);
	CREATE INDEX IF NOT EXISTS idx_analysis_queries_fingerprint ON analysis_queries(fingerprint);
	`

	_, err := db.conn.Exec(schema)
	return err
}
