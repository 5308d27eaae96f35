// Package serialization exports the SQLite metadata database to JSON and
// imports it back. The JSON keeps one array of rows per table so that
// exports can be diffed and edited by hand.
package serialization

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// envelopeKey is the top-level key holding the export header.
const envelopeKey = "bleepfile_export"

// redacted replaces secret columns in exports without credentials.
const redacted = "REDACTED"

const exportTimeFormat = "2006-01-02T15:04:05.000Z"

// table maps one metadata table to its JSON rows.
type table struct {
	name    string
	columns []string
	orderBy string
	// objects are TEXT columns holding JSON. The value is written when the
	// column is NULL or unparsable.
	objects map[string]string
	// flags are INTEGER columns holding booleans.
	flags []string
	// secret is replaced by redacted unless credentials are requested.
	secret string
	// label names a row in import warnings.
	label string
}

// tables are listed in insert order; deletes run in reverse.
var tables = []table{
	{
		name:    "shares",
		columns: []string{"name", "quota_gib", "metadata", "acl", "etag", "created_at", "last_modified"},
		orderBy: "name",
		objects: map[string]string{"metadata": "{}", "acl": "[]"},
		label:   "name",
	},
	{
		name: "entries",
		columns: []string{"share", "path", "parent", "name", "kind", "size", "content_md5", "content_type",
			"content_encoding", "cache_control", "etag", "metadata", "created_at", "last_modified"},
		orderBy: "share, path",
		objects: map[string]string{"metadata": "{}"},
		label:   "path",
	},
	{
		name:    "credentials",
		columns: []string{"account_name", "account_key", "active", "created_at"},
		orderBy: "account_name",
		flags:   []string{"active"},
		secret:  "account_key",
		label:   "account_name",
	},
}

// AllTables lists all valid table names in dependency order.
var AllTables = func() []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.name
	}
	return names
}()

func lookupTable(name string) (table, bool) {
	for _, t := range tables {
		if t.name == name {
			return t, true
		}
	}
	return table{}, false
}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables             []string
	IncludeCredentials bool
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace deletes the existing rows of every table present in the
	// document before inserting. Otherwise rows whose key exists are kept.
	Replace bool
}

// ImportResult holds the per-table outcome of an import.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

func (r *ImportResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ExportMetadata reads the requested tables and returns them as indented
// JSON with sorted keys.
func ExportMetadata(dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{Tables: AllTables}
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	doc := map[string]any{
		envelopeKey: map[string]any{
			"version":        ExportVersion,
			"exported_at":    time.Now().UTC().Format(exportTimeFormat),
			"schema_version": schemaVersion(db),
			"source":         "go/" + Version,
		},
	}
	for _, name := range opts.Tables {
		t, ok := lookupTable(name)
		if !ok {
			continue
		}
		rows, err := t.export(db, opts.IncludeCredentials)
		if err != nil {
			return "", err
		}
		doc[name] = rows
	}

	// encoding/json writes map keys in sorted order.
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding export: %w", err)
	}
	return string(b), nil
}

func (t table) export(db *sql.DB, withSecrets bool) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(t.columns, ", "), t.name, t.orderBy)
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", t.name, err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		raw := make([]any, len(t.columns))
		dest := make([]any, len(raw))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", t.name, err)
		}
		row := make(map[string]any, len(t.columns))
		for i, col := range t.columns {
			row[col] = t.decode(col, raw[i])
		}
		if t.secret != "" && !withSecrets {
			row[t.secret] = redacted
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", t.name, err)
	}
	return out, nil
}

// decode turns a scanned column value into its JSON form.
func (t table) decode(col string, v any) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if def, ok := t.objects[col]; ok {
		s, _ := v.(string)
		var obj any
		if s == "" || json.Unmarshal([]byte(s), &obj) != nil || obj == nil {
			_ = json.Unmarshal([]byte(def), &obj)
		}
		return obj
	}
	if v == nil || !slices.Contains(t.flags, col) {
		return v
	}
	switch n := v.(type) {
	case int64:
		return n != 0
	case float64:
		return n != 0
	case bool:
		return n
	}
	return false
}

// encode turns a JSON value back into a column argument.
func (t table) encode(col string, v any) any {
	if def, ok := t.objects[col]; ok {
		if v == nil {
			return def
		}
		b, err := json.Marshal(v)
		if err != nil {
			return def
		}
		return string(b)
	}
	if b, ok := v.(bool); ok && slices.Contains(t.flags, col) {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

// ImportMetadata loads an export into the database in one transaction.
func ImportMetadata(dbPath string, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	envelope, _ := doc[envelopeKey].(map[string]any)
	version, _ := envelope["version"].(float64)
	if version < 1 || version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", version)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if opts.Replace {
		for _, t := range slices.Backward(tables) {
			if _, ok := doc[t.name]; !ok {
				continue
			}
			if _, err := tx.Exec("DELETE FROM " + t.name); err != nil {
				return nil, fmt.Errorf("deleting %s: %w", t.name, err)
			}
		}
	}

	result := &ImportResult{Counts: map[string]int{}, Skipped: map[string]int{}}
	for _, t := range tables {
		rows, ok := doc[t.name].([]any)
		if !ok {
			continue
		}
		if err := t.load(tx, rows, opts.Replace, result); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

// load inserts rows. Without replace, rows that collide with an existing
// key are counted as skipped.
func (t table) load(tx *sql.Tx, rows []any, replace bool, result *ImportResult) error {
	verb := "INSERT OR IGNORE"
	if replace {
		verb = "INSERT"
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.columns)), ", ")
	stmt, err := tx.Prepare(fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, t.name, strings.Join(t.columns, ", "), placeholders))
	if err != nil {
		return fmt.Errorf("preparing %s insert: %w", t.name, err)
	}
	defer stmt.Close()

	inserted, skipped := 0, 0
	for _, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		if t.secret != "" && row[t.secret] == redacted {
			skipped++
			result.warn("Skipped %s row %v: redacted %s", t.name, row[t.label], t.secret)
			continue
		}
		args := make([]any, len(t.columns))
		for i, col := range t.columns {
			args[i] = t.encode(col, row[col])
		}
		res, err := stmt.Exec(args...)
		if err != nil {
			skipped++
			result.warn("Skipped %s row %v: %v", t.name, row[t.label], err)
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		} else {
			skipped++
		}
	}
	result.Counts[t.name] = inserted
	result.Skipped[t.name] = skipped
	return nil
}

func schemaVersion(db *sql.DB) int {
	var version int
	if err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version); err != nil {
		return 1
	}
	return version
}
