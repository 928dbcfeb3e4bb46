/*
Copyright 2026 The Datagate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package odata translates the supported OData query options ($select,
// $filter, $orderby, $top, $skip, $count) into parameterised SQL over
// an endpoint's column map. It is not a general OData engine: the
// surface is exactly what the gateway serves.
package odata

import (
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Query is the parsed OData parameter set of one request.
type Query struct {
	Select  string
	Filter  string
	OrderBy string
	Top     int
	Skip    int
	HasTop  bool
	HasSkip bool
	Count   bool
}

// ErrBadQuery reports malformed non-filter query options.
type ErrBadQuery struct {
	Detail string
}

func (e *ErrBadQuery) Error() string { return "malformed query: " + e.Detail }

// ErrUnknownColumns lists identifiers outside the column map, raised
// only in strict mode.
type ErrUnknownColumns struct {
	Names []string
}

func (e *ErrUnknownColumns) Error() string {
	return "unknown columns: " + strings.Join(e.Names, ", ")
}

// ParseQuery extracts the supported options from a URL query. Both the
// canonical "$filter" spelling and the bare "filter" form are accepted.
func ParseQuery(values url.Values) (Query, error) {
	get := func(name string) string {
		if v := values.Get("$" + name); v != "" {
			return v
		}
		return values.Get(name)
	}
	q := Query{
		Select:  get("select"),
		Filter:  get("filter"),
		OrderBy: get("orderby"),
	}
	if raw := get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Query{}, &ErrBadQuery{Detail: fmt.Sprintf("$top must be a non-negative integer, got %q", raw)}
		}
		q.Top, q.HasTop = n, true
	}
	if raw := get("skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Query{}, &ErrBadQuery{Detail: fmt.Sprintf("$skip must be a non-negative integer, got %q", raw)}
		}
		q.Skip, q.HasSkip = n, true
	}
	if raw := get("count"); raw != "" {
		q.Count = strings.EqualFold(raw, "true")
	}
	return q, nil
}

// AndFilter combines a user filter with an extra conjunct, used by the
// single-record path to pin the primary key.
func AndFilter(userFilter, extra string) string {
	if userFilter == "" {
		return extra
	}
	return "(" + userFilter + ") and " + extra
}

// Statement is a translated query. SQL, CountSQL and Params must be
// consumed together: the parameter names are shared.
type Statement struct {
	SQL      string
	CountSQL string
	Params   map[string]any
	Top      int
	Skip     int
	HasTop   bool
}

// Args renders the parameters as positional sql.Named values ordered by
// index, ready for ExecContext/QueryContext.
func (s *Statement) Args() []any {
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(names[i], "p"))
		b, _ := strconv.Atoi(strings.TrimPrefix(names[j], "p"))
		return a < b
	})
	args := make([]any, 0, len(names))
	for _, name := range names {
		args = append(args, sql.Named(name, s.Params[name]))
	}
	return args
}

// Translator emits SQL for one endpoint. Construct per request from the
// endpoint definition; it is cheap and carries no state.
type Translator struct {
	Columns    *ColumnMap
	Schema     string
	Table      string
	PrimaryKey string // database column, optional
	PageSize   int    // server-side page bound, 0 disables
	Strict     bool   // reject identifiers outside the column map
}

// Translate rewrites aliases, parses the filter and assembles the final
// statement. The zero Query yields SELECT * FROM [schema].[table] with
// no parameters.
func (t *Translator) Translate(q Query) (*Statement, error) {
	if t.Strict {
		var unknown []string
		for _, expr := range []string{q.Filter, q.OrderBy, q.Select} {
			unknown = append(unknown, t.Columns.UnknownIdentifiers(expr)...)
		}
		if len(unknown) > 0 {
			return nil, &ErrUnknownColumns{Names: dedupe(unknown)}
		}
	}

	filter := t.Columns.RewriteAliases(q.Filter)
	orderBy := t.Columns.RewriteColumnList(q.OrderBy)
	selectList := t.Columns.RewriteColumnList(q.Select)

	params := newParamSet()
	var predicate string
	if filter != "" {
		var err error
		predicate, err = parseFilter(filter, params)
		if err != nil {
			return nil, err
		}
	}

	cols := "*"
	if selectList != "" {
		quoted := make([]string, 0, 4)
		for _, col := range strings.Split(selectList, ",") {
			col = strings.TrimSpace(col)
			if col == "" {
				return nil, &ErrBadQuery{Detail: "$select contains an empty column"}
			}
			quoted = append(quoted, quoteIdent(col))
		}
		cols = strings.Join(quoted, ", ")
	}

	top, hasTop := q.Top, q.HasTop
	if t.PageSize > 0 {
		// Server-side paging: the endpoint bound both clamps an explicit
		// $top and applies when the client asked for no limit.
		if !hasTop || top > t.PageSize {
			top, hasTop = t.PageSize, true
		}
	}
	skip := q.Skip
	paging := hasTop || q.HasSkip

	ord, err := t.orderClause(orderBy, paging)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s.%s", cols, quoteIdent(t.Schema), quoteIdent(t.Table))
	if predicate != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(predicate)
	}
	if ord != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(ord)
	}
	if paging {
		fmt.Fprintf(&sb, " OFFSET %d ROWS", skip)
		if hasTop {
			fmt.Fprintf(&sb, " FETCH NEXT %d ROWS ONLY", top)
		}
	}

	stmt := &Statement{
		SQL:    sb.String(),
		Params: params.values,
		Top:    top,
		Skip:   skip,
		HasTop: hasTop,
	}
	if q.Count {
		// The count deliberately ignores $top/$skip: it reports the size
		// of the whole filtered set, not the page.
		var cb strings.Builder
		fmt.Fprintf(&cb, "SELECT COUNT(*) FROM %s.%s", quoteIdent(t.Schema), quoteIdent(t.Table))
		if predicate != "" {
			cb.WriteString(" WHERE ")
			cb.WriteString(predicate)
		}
		stmt.CountSQL = cb.String()
	}
	return stmt, nil
}

// orderClause renders $orderby, synthesising a deterministic ordering
// when OFFSET/FETCH is used without one.
func (t *Translator) orderClause(orderBy string, paging bool) (string, error) {
	if orderBy == "" {
		if !paging {
			return "", nil
		}
		if t.PrimaryKey != "" {
			return quoteIdent(t.PrimaryKey), nil
		}
		return "(SELECT NULL)", nil
	}
	terms := strings.Split(orderBy, ",")
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		fields := strings.Fields(strings.TrimSpace(term))
		switch len(fields) {
		case 1:
			out = append(out, quoteIdent(fields[0]))
		case 2:
			dir := strings.ToUpper(fields[1])
			if dir != "ASC" && dir != "DESC" {
				return "", &ErrBadQuery{Detail: fmt.Sprintf("$orderby direction must be asc or desc, got %q", fields[1])}
			}
			out = append(out, quoteIdent(fields[0])+" "+dir)
		default:
			return "", &ErrBadQuery{Detail: fmt.Sprintf("malformed $orderby term %q", strings.TrimSpace(term))}
		}
	}
	return strings.Join(out, ", "), nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
