// Copyright 2025 James Ross
package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/commoners1/sf-job-engine/internal/audit"
)

// CRM methods considered Salesforce-scoped for the query filter in spec.md
// §4.6. Kept small and explicit rather than config-driven: the spec names
// them directly.
var (
	crmMethods  = map[string]bool{"POST": true, "PUT": true, "PATCH": true}
	cronMethods = map[string]bool{"POST": true}
)

// AppendBatch inserts many Audit Entries in a single transaction. Used by
// the Batched Audit Writer (C5) on flush.
func (d *DB) AppendBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_entries
			(id, user_id, api_key_id, action, method, endpoint, type, reference_id, external_id,
			 status_code, status_message, request_data, response_data, ip_address, user_agent,
			 duration_ms, is_delivered, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.UserID, e.APIKeyID, e.Action, e.Method, e.Endpoint, e.Type,
			e.ReferenceID, e.ExternalID, e.StatusCode, e.StatusMessage, nullableRaw(e.RequestData), nullableRaw(e.ResponseData),
			e.IPAddress, e.UserAgent, e.DurationMS, e.IsDelivered, e.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullableRaw(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// QueryFilter expresses the Audit Log's supported filters (spec.md §4.6).
type QueryFilter struct {
	UserID           *string
	APIKeyID         *string
	Action           *string
	Method           *string
	StatusCode       *int
	Start, End       *time.Time
	IsDelivered      *bool
	Search           string
	SalesforceScoped bool
	Fields           []FieldFilter
	Page             int
	Limit            int
}

// FilterOp is one of the §4.6 per-field column-filter operators.
type FilterOp string

const (
	FilterEquals     FilterOp = "equals"
	FilterContains   FilterOp = "contains"
	FilterStartsWith FilterOp = "startsWith"
	FilterEndsWith   FilterOp = "endsWith"
	FilterIn         FilterOp = "in"
	FilterNotIn      FilterOp = "notIn"
	FilterRange      FilterOp = "range"
	FilterGT         FilterOp = "gt"
	FilterGTE        FilterOp = "gte"
	FilterLT         FilterOp = "lt"
	FilterLTE        FilterOp = "lte"
)

// FieldFilter matches Field against Values using Op. Multiple Values are
// OR'd together within one FieldFilter (spec.md §4.6); multiple FieldFilters
// in a QueryFilter.Fields slice are AND'd together.
type FieldFilter struct {
	Field  string
	Op     FilterOp
	Values []string
}

// filterableColumns whitelists the audit_entries columns a FieldFilter may
// target, so Field never reaches SQL unescaped.
var filterableColumns = map[string]string{
	"userId":        "user_id",
	"apiKeyId":      "api_key_id",
	"action":        "action",
	"method":        "method",
	"endpoint":      "endpoint",
	"type":          "type",
	"referenceId":   "reference_id",
	"externalId":    "external_id",
	"statusCode":    "status_code",
	"statusMessage": "status_message",
	"ipAddress":     "ip_address",
	"userAgent":     "user_agent",
	"durationMs":    "duration_ms",
	"isDelivered":   "is_delivered",
	"createdAt":     "created_at",
}

func (f QueryFilter) normalized() QueryFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 50
	}
	return f
}

// Query returns a page of Audit Entries matching filter, newest first, plus
// the total matching count.
func (d *DB) Query(ctx context.Context, filter QueryFilter) ([]audit.Entry, int, error) {
	f := filter.normalized()
	where, args, err := f.whereClause()
	if err != nil {
		return nil, 0, err
	}

	var total int
	countSQL := "SELECT count(*) FROM audit_entries " + where
	if err := d.sql.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	listSQL := fmt.Sprintf(`
		SELECT id, user_id, api_key_id, action, method, endpoint, type, reference_id, external_id,
		       status_code, status_message, request_data, response_data, ip_address, user_agent,
		       duration_ms, is_delivered, created_at
		FROM audit_entries %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := d.sql.QueryContext(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// whereClause builds the filter predicate and matching args using $N
// placeholders starting at $1.
func (f QueryFilter) whereClause() (string, []any, error) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.APIKeyID != nil {
		add("api_key_id = $%d", *f.APIKeyID)
	}
	if f.Action != nil {
		add("action = $%d", *f.Action)
	}
	if f.Method != nil {
		add("method = $%d", *f.Method)
	}
	if f.StatusCode != nil {
		add("status_code = $%d", *f.StatusCode)
	}
	if f.Start != nil {
		add("created_at >= $%d", *f.Start)
	}
	if f.End != nil {
		add("created_at <= $%d", *f.End)
	}
	if f.IsDelivered != nil {
		add("is_delivered = $%d", *f.IsDelivered)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf(
			"(action ILIKE $%d OR endpoint ILIKE $%d OR ip_address ILIKE $%d OR type ILIKE $%d OR reference_id ILIKE $%d OR external_id ILIKE $%d OR status_message ILIKE $%d)",
			n, n, n, n, n, n, n))
	}
	if f.SalesforceScoped {
		clauses = append(clauses, salesforceScopeClause())
	}
	for _, ff := range f.Fields {
		clause, fieldArgs, err := ff.buildClause(len(args))
		if err != nil {
			return "", nil, err
		}
		args = append(args, fieldArgs...)
		clauses = append(clauses, clause)
	}
	if len(clauses) == 0 {
		return "", args, nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

// buildClause renders one FieldFilter as a SQL predicate, numbering its own
// placeholders starting at argOffset+1. Multiple Values are OR'd; equals,
// contains, startsWith and endsWith OR a clause per value, in/notIn fold all
// values into a single IN(...)/NOT IN(...), and range/gt/gte/lt/lte compare
// against a fixed arity (range takes exactly two values, the rest exactly
// one).
func (ff FieldFilter) buildClause(argOffset int) (string, []any, error) {
	col, ok := filterableColumns[ff.Field]
	if !ok {
		return "", nil, fmt.Errorf("unknown filter field %q", ff.Field)
	}
	if len(ff.Values) == 0 {
		return "", nil, fmt.Errorf("filter field %q: no values", ff.Field)
	}

	placeholder := func(i int) string { return fmt.Sprintf("$%d", argOffset+i+1) }

	switch ff.Op {
	case FilterEquals, FilterContains, FilterStartsWith, FilterEndsWith:
		var parts []string
		args := make([]any, 0, len(ff.Values))
		for i, v := range ff.Values {
			switch ff.Op {
			case FilterEquals:
				parts = append(parts, fmt.Sprintf("%s = %s", col, placeholder(i)))
				args = append(args, v)
			case FilterContains:
				parts = append(parts, fmt.Sprintf("%s ILIKE %s", col, placeholder(i)))
				args = append(args, "%"+v+"%")
			case FilterStartsWith:
				parts = append(parts, fmt.Sprintf("%s ILIKE %s", col, placeholder(i)))
				args = append(args, v+"%")
			case FilterEndsWith:
				parts = append(parts, fmt.Sprintf("%s ILIKE %s", col, placeholder(i)))
				args = append(args, "%"+v)
			}
		}
		return "(" + strings.Join(parts, " OR ") + ")", args, nil
	case FilterIn, FilterNotIn:
		placeholders := make([]string, len(ff.Values))
		args := make([]any, len(ff.Values))
		for i, v := range ff.Values {
			placeholders[i] = placeholder(i)
			args[i] = v
		}
		verb := "IN"
		if ff.Op == FilterNotIn {
			verb = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, verb, strings.Join(placeholders, ",")), args, nil
	case FilterRange:
		if len(ff.Values) != 2 {
			return "", nil, fmt.Errorf("filter field %q: range needs exactly 2 values", ff.Field)
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", col, placeholder(0), placeholder(1)),
			[]any{ff.Values[0], ff.Values[1]}, nil
	case FilterGT, FilterGTE, FilterLT, FilterLTE:
		if len(ff.Values) != 1 {
			return "", nil, fmt.Errorf("filter field %q: %s needs exactly 1 value", ff.Field, ff.Op)
		}
		ops := map[FilterOp]string{FilterGT: ">", FilterGTE: ">=", FilterLT: "<", FilterLTE: "<="}
		return fmt.Sprintf("%s %s %s", col, ops[ff.Op], placeholder(0)), []any{ff.Values[0]}, nil
	default:
		return "", nil, fmt.Errorf("unknown filter op %q", ff.Op)
	}
}

// salesforceScopeClause expresses spec.md §4.6's Salesforce-scoped view:
// method in CRM_METHODS, or a CRON_JOB entry whose method is in
// CRON_METHODS. cronMethods is a subset of crmMethods here, so the CRON_JOB
// arm matches no row the first arm misses; kept as two named sets
// because the spec treats them as independently configurable.
func salesforceScopeClause() string {
	crm := methodSetLiteral(crmMethods)
	cron := methodSetLiteral(cronMethods)
	return fmt.Sprintf("(method IN (%s) OR (action = 'CRON_JOB' AND method IN (%s)))", crm, cron)
}

func methodSetLiteral(set map[string]bool) string {
	parts := make([]string, 0, len(set))
	for m := range set {
		parts = append(parts, "'"+m+"'")
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var userID, apiKeyID, statusMessage sql.NullString
		var reqData, respData []byte
		if err := rows.Scan(&e.ID, &userID, &apiKeyID, &e.Action, &e.Method, &e.Endpoint, &e.Type,
			&e.ReferenceID, &e.ExternalID, &e.StatusCode, &statusMessage, &reqData, &respData,
			&e.IPAddress, &e.UserAgent, &e.DurationMS, &e.IsDelivered, &e.CreatedAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			e.UserID = &userID.String
		}
		if apiKeyID.Valid {
			e.APIKeyID = &apiKeyID.String
		}
		if statusMessage.Valid {
			e.StatusMessage = &statusMessage.String
		}
		e.RequestData = reqData
		e.ResponseData = respData
		out = append(out, e)
	}
	return out, rows.Err()
}

// FetchUndelivered returns the earliest-first page of undelivered CRON_JOB
// entries (spec.md §4.8 Fetch), optionally filtered by type, capped at max.
func (d *DB) FetchUndelivered(ctx context.Context, typeFilter *string, max int) ([]audit.Entry, error) {
	if max <= 0 || max > 10000 {
		max = 1000
	}
	q := `SELECT id, user_id, api_key_id, action, method, endpoint, type, reference_id, external_id,
	             status_code, status_message, request_data, response_data, ip_address, user_agent,
	             duration_ms, is_delivered, created_at
	      FROM audit_entries
	      WHERE action = 'CRON_JOB' AND is_delivered = false AND ip_address = 'system'`
	args := []any{}
	if typeFilter != nil {
		args = append(args, *typeFilter)
		q += " AND type = $" + strconv.Itoa(len(args))
	}
	args = append(args, max)
	q += " ORDER BY created_at ASC LIMIT $" + strconv.Itoa(len(args))

	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkDelivered performs the at-most-once CAS update (spec.md §4.8): only
// rows currently undelivered transition, so a racing second caller with the
// same ids updates zero of them.
func (d *DB) MarkDelivered(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := d.sql.ExecContext(ctx, `
		UPDATE audit_entries SET is_delivered = true
		WHERE id = ANY($1) AND is_delivered = false`, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// StatusClassCount is one bucket of the status-code class histogram
// (2xx/3xx/4xx/5xx) returned by Aggregations.
type StatusClassCount struct {
	Class string `json:"class"`
	Count int    `json:"count"`
}

// NamedCount is one row of a top-N histogram (action or method name).
type NamedCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// HourCount is one bucket of the hourly histogram.
type HourCount struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// Aggregations is the Audit Log's summary view (spec.md §4.6): a status-code
// class histogram, the top 10 actions and methods, and an hourly histogram
// for the last 24 hours.
type Aggregations struct {
	StatusClasses []StatusClassCount `json:"status_classes"`
	TopActions    []NamedCount       `json:"top_actions"`
	TopMethods    []NamedCount       `json:"top_methods"`
	Hourly        []HourCount        `json:"hourly"`
}

func (d *DB) Aggregations(ctx context.Context) (Aggregations, error) {
	var agg Aggregations

	classRows, err := d.sql.QueryContext(ctx, `
		SELECT (status_code / 100) || 'xx' AS class, count(*)
		FROM audit_entries GROUP BY class ORDER BY class`)
	if err != nil {
		return agg, err
	}
	for classRows.Next() {
		var c StatusClassCount
		if err := classRows.Scan(&c.Class, &c.Count); err != nil {
			classRows.Close()
			return agg, err
		}
		agg.StatusClasses = append(agg.StatusClasses, c)
	}
	classRows.Close()
	if err := classRows.Err(); err != nil {
		return agg, err
	}

	agg.TopActions, err = d.topN(ctx, "action")
	if err != nil {
		return agg, err
	}
	agg.TopMethods, err = d.topN(ctx, "method")
	if err != nil {
		return agg, err
	}

	hourRows, err := d.sql.QueryContext(ctx, `
		SELECT date_trunc('hour', created_at) AS hour, count(*)
		FROM audit_entries
		WHERE created_at >= now() - interval '24 hours'
		GROUP BY hour ORDER BY hour`)
	if err != nil {
		return agg, err
	}
	defer hourRows.Close()
	for hourRows.Next() {
		var h HourCount
		if err := hourRows.Scan(&h.Hour, &h.Count); err != nil {
			return agg, err
		}
		agg.Hourly = append(agg.Hourly, h)
	}
	return agg, hourRows.Err()
}

func (d *DB) topN(ctx context.Context, column string) ([]NamedCount, error) {
	rows, err := d.sql.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, count(*) FROM audit_entries
		GROUP BY %s ORDER BY count(*) DESC LIMIT 10`, column, column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NamedCount
	for rows.Next() {
		var n NamedCount
		if err := rows.Scan(&n.Name, &n.Count); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// exportBatchSize bounds how many rows Export holds in memory at a time.
const exportBatchSize = 5000

// Export streams every entry matching filter (ignoring its Page/Limit) to w
// in the requested format. csv and json are grounded directly on the
// columns of audit_entries; xlsx is intentionally not implemented here, see
// the design notes for why.
func (d *DB) Export(ctx context.Context, filter QueryFilter, format string, w *bytes.Buffer) error {
	switch format {
	case "csv":
		return d.exportCSV(ctx, filter, w)
	case "json":
		return d.exportJSON(ctx, filter, w)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func (d *DB) exportCSV(ctx context.Context, filter QueryFilter, w *bytes.Buffer) error {
	w.WriteRune(0xFEFF)
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	header := []string{"id", "user_id", "api_key_id", "action", "method", "endpoint", "type",
		"reference_id", "external_id", "status_code", "status_message", "ip_address", "user_agent",
		"duration_ms", "is_delivered", "created_at"}
	if err := cw.Write(header); err != nil {
		return err
	}

	f := filter
	f.Page = 1
	f.Limit = exportBatchSize
	for {
		entries, _, err := d.Query(ctx, f)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write(entryRow(e)); err != nil {
				return err
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return err
		}
		if len(entries) < f.Limit {
			return nil
		}
		f.Page++
	}
}

func entryRow(e audit.Entry) []string {
	return []string{
		e.ID, derefStr(e.UserID), derefStr(e.APIKeyID), e.Action, e.Method, e.Endpoint, e.Type,
		e.ReferenceID, e.ExternalID, strconv.Itoa(e.StatusCode), derefStr(e.StatusMessage),
		e.IPAddress, e.UserAgent, strconv.FormatInt(e.DurationMS, 10),
		strconv.FormatBool(e.IsDelivered), e.CreatedAt.Format(time.RFC3339),
	}
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (d *DB) exportJSON(ctx context.Context, filter QueryFilter, w *bytes.Buffer) error {
	w.WriteByte('[')
	f := filter
	f.Page = 1
	f.Limit = exportBatchSize
	first := true
	enc := json.NewEncoder(w)
	for {
		entries, _, err := d.Query(ctx, f)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !first {
				w.WriteByte(',')
			}
			first = false
			if err := enc.Encode(e); err != nil {
				return err
			}
			w.Truncate(w.Len() - 1) // drop Encode's trailing newline
		}
		if len(entries) < f.Limit {
			break
		}
		f.Page++
	}
	w.WriteByte(']')
	return nil
}
