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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/edm"
	"github.com/datagate-io/datagate/pkg/environment"
	"github.com/datagate-io/datagate/pkg/odata"
)

// maxWriteBody caps the accepted JSON payload of write requests.
const maxWriteBody = 1 << 20

// sqlResult is the OData-shaped list response body.
type sqlResult struct {
	Context  string           `json:"@odata.context,omitempty"`
	Count    *int64           `json:"@odata.count,omitempty"`
	NextLink string           `json:"@odata.nextLink,omitempty"`
	Value    []map[string]any `json:"value"`
}

// handleSQL serves an endpoint of kind sql. The id segment, when
// present, pins the primary key and switches GET to a single-object
// response.
func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request, ep *config.EndpointConfig, settings *environment.Settings, env, id string) *Error {
	if settings.ConnectionString == "" {
		s.logger.Warn("environment has no connection string for sql endpoint",
			zap.String("environment", env),
			zap.String("endpoint", ep.Name))
		return apiError(http.StatusInternalServerError, "InternalError", "internal error")
	}

	switch r.Method {
	case http.MethodGet:
		return s.handleSQLQuery(w, r, ep, settings, env, id)
	case http.MethodPost:
		return s.handleSQLInsert(w, r, ep, settings, env, id)
	case http.MethodPut, "MERGE":
		return s.handleSQLUpdate(w, r, ep, settings, env, id)
	case http.MethodDelete:
		return s.handleSQLDelete(w, r, ep, settings, env, id)
	default:
		return apiError(http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	}
}

func (s *Server) handleSQLQuery(w http.ResponseWriter, r *http.Request, ep *config.EndpointConfig, settings *environment.Settings, env, id string) *Error {
	q, err := odata.ParseQuery(r.URL.Query())
	if err != nil {
		return asError(err)
	}
	if id != "" {
		pin, gwErr := s.keyFilter(ep, id)
		if gwErr != nil {
			return gwErr
		}
		q.Filter = odata.AndFilter(q.Filter, pin)
	}

	tr := s.translator(ep)
	stmt, err := tr.Translate(q)
	if err != nil {
		return asError(err)
	}

	cacheable := ep.CacheTTL > 0 && id == ""
	cacheKey := "resp:" + strings.ToLower(env) + ":" + strings.ToLower(ep.Name) + ":" + r.URL.RawQuery
	provider := string(s.cache.ProviderType())

	if cacheable {
		if raw, err := s.cache.Get(r.Context(), cacheKey); err == nil && raw != nil {
			s.metrics.CacheHits.WithLabelValues(provider).Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(raw)
			return nil
		}
		s.metrics.CacheMisses.WithLabelValues(provider).Inc()
	}

	build := func(ctx context.Context) (any, error) {
		result, err := s.runQuery(ctx, ep, settings, env, stmt, r.URL)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}

	var raw []byte
	if cacheable {
		// Identical concurrent misses collapse to one upstream query.
		// The shared flight must not inherit the first caller's
		// cancellation, so it runs detached; the command timeout still
		// bounds it.
		flightCtx := context.WithoutCancel(r.Context())
		v, err, _ := s.flight.Do(cacheKey, func() (any, error) {
			return build(flightCtx)
		})
		if err != nil {
			return asError(err)
		}
		raw = v.([]byte)
		if err := s.cache.Set(r.Context(), cacheKey, raw, ep.CacheTTL); err != nil {
			s.logger.Warn("response cache store failed", zap.Error(err))
		}
	} else {
		v, err := build(r.Context())
		if err != nil {
			return asError(err)
		}
		raw = v.([]byte)
	}

	if id != "" {
		var result sqlResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return apiError(http.StatusInternalServerError, "InternalError", "internal error")
		}
		if len(result.Value) == 0 {
			return apiError(http.StatusNotFound, "RecordNotFound", "record not found")
		}
		writeJSON(w, http.StatusOK, result.Value[0])
		return nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
	return nil
}

// runQuery executes the translated statement, buffering every row
// before anything is written so a mid-stream failure never produces a
// truncated value array.
func (s *Server) runQuery(ctx context.Context, ep *config.EndpointConfig, settings *environment.Settings, env string, stmt *odata.Statement, reqURL *url.URL) (*sqlResult, error) {
	db, err := s.pool.Open(ctx, settings.ConnectionString)
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues("sql").Inc()
		return nil, upstreamError("open environment database", err)
	}

	value := make([]map[string]any, 0, 32)
	// $top=0 asks for no rows: only the count query (if requested) runs.
	// FETCH NEXT 0 is not valid T-SQL, so the row query is skipped.
	if !stmt.HasTop || stmt.Top > 0 {
		queryCtx, cancel := context.WithTimeout(ctx, s.pool.CommandTimeout())
		defer cancel()

		start := time.Now()
		rows, err := db.QueryxContext(queryCtx, stmt.SQL, stmt.Args()...)
		if err != nil {
			s.metrics.UpstreamErrors.WithLabelValues("sql").Inc()
			return nil, upstreamError("query", err)
		}
		defer rows.Close()

		columns := odata.ParseColumns(ep.AllowedColumns)
		for rows.Next() {
			row := make(map[string]any)
			if err := rows.MapScan(row); err != nil {
				s.metrics.UpstreamErrors.WithLabelValues("sql").Inc()
				return nil, upstreamError("scan row", err)
			}
			value = append(value, remapRow(row, columns))
		}
		if err := rows.Err(); err != nil {
			s.metrics.UpstreamErrors.WithLabelValues("sql").Inc()
			return nil, upstreamError("iterate rows", err)
		}
		s.metrics.QueryDuration.WithLabelValues(env).Observe(time.Since(start).Seconds())
	}

	result := &sqlResult{
		Context: "$metadata#" + s.registry.GetModel(ep.Target).Container.Sets[0].Name,
		Value:   value,
	}

	if stmt.CountSQL != "" {
		var count int64
		countCtx, cancelCount := context.WithTimeout(ctx, s.pool.CommandTimeout())
		defer cancelCount()
		if err := db.QueryRowxContext(countCtx, stmt.CountSQL, stmt.Args()...).Scan(&count); err != nil {
			s.metrics.UpstreamErrors.WithLabelValues("sql").Inc()
			return nil, upstreamError("count", err)
		}
		result.Count = &count
	}

	// A full page suggests more rows; hand the client the next offset.
	if stmt.HasTop && stmt.Top > 0 && len(value) == stmt.Top {
		result.NextLink = nextLink(reqURL, stmt.Skip+stmt.Top, stmt.Top)
	}
	return result, nil
}

func (s *Server) handleSQLInsert(w http.ResponseWriter, r *http.Request, ep *config.EndpointConfig, settings *environment.Settings, env, id string) *Error {
	if id != "" {
		return apiError(http.StatusBadRequest, "MalformedRequest", "POST does not accept a record id")
	}
	values, gwErr := s.readWriteBody(r, ep)
	if gwErr != nil {
		return gwErr
	}
	schema, table := edm.SplitEntityName(ep.Target)
	stmt := odata.BuildInsert(schema, table, values)
	affected, gwErr2 := s.exec(r.Context(), settings, env, stmt)
	if gwErr2 != nil {
		return gwErr2
	}
	writeJSON(w, http.StatusCreated, map[string]any{"rowsAffected": affected})
	return nil
}

func (s *Server) handleSQLUpdate(w http.ResponseWriter, r *http.Request, ep *config.EndpointConfig, settings *environment.Settings, env, id string) *Error {
	if id == "" {
		return apiError(http.StatusBadRequest, "MalformedRequest", "a record id is required for updates")
	}
	if ep.PrimaryKey == "" {
		return apiError(http.StatusBadRequest, "MalformedRequest", "endpoint has no primary key configured")
	}
	values, gwErr := s.readWriteBody(r, ep)
	if gwErr != nil {
		return gwErr
	}
	// The key is addressed by the URL, never by the payload.
	delete(values, ep.PrimaryKey)
	if len(values) == 0 {
		return apiError(http.StatusBadRequest, "MalformedRequest", "no updatable fields in payload")
	}
	schema, table := edm.SplitEntityName(ep.Target)
	stmt := odata.BuildUpdate(schema, table, ep.PrimaryKey, id, values)
	affected, gwErr2 := s.exec(r.Context(), settings, env, stmt)
	if gwErr2 != nil {
		return gwErr2
	}
	if affected == 0 {
		return apiError(http.StatusNotFound, "RecordNotFound", "record not found")
	}
	writeJSON(w, http.StatusOK, map[string]any{"rowsAffected": affected})
	return nil
}

func (s *Server) handleSQLDelete(w http.ResponseWriter, r *http.Request, ep *config.EndpointConfig, settings *environment.Settings, env, id string) *Error {
	if id == "" {
		return apiError(http.StatusBadRequest, "MalformedRequest", "a record id is required for deletes")
	}
	if ep.PrimaryKey == "" {
		return apiError(http.StatusBadRequest, "MalformedRequest", "endpoint has no primary key configured")
	}
	schema, table := edm.SplitEntityName(ep.Target)
	stmt := odata.BuildDelete(schema, table, ep.PrimaryKey, id)
	affected, gwErr := s.exec(r.Context(), settings, env, stmt)
	if gwErr != nil {
		return gwErr
	}
	if affected == 0 {
		return apiError(http.StatusNotFound, "RecordNotFound", "record not found")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) exec(ctx context.Context, settings *environment.Settings, env string, stmt *odata.Statement) (int64, *Error) {
	db, err := s.pool.Open(ctx, settings.ConnectionString)
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues("sql").Inc()
		return 0, asError(upstreamError("open environment database", err))
	}
	execCtx, cancel := context.WithTimeout(ctx, s.pool.CommandTimeout())
	defer cancel()

	start := time.Now()
	res, err := db.ExecContext(execCtx, stmt.SQL, stmt.Args()...)
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues("sql").Inc()
		return 0, asError(upstreamError("execute", err))
	}
	s.metrics.QueryDuration.WithLabelValues(env).Observe(time.Since(start).Seconds())

	affected, err := res.RowsAffected()
	if err != nil {
		// Drivers without affected-row support still executed the write.
		return 0, nil
	}
	return affected, nil
}

// readWriteBody decodes the JSON payload and resolves exposed aliases
// back to database columns. Fields outside the column map are rejected
// when a map is configured.
func (s *Server) readWriteBody(r *http.Request, ep *config.EndpointConfig) (map[string]any, *Error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWriteBody+1))
	if err != nil {
		return nil, apiError(http.StatusBadRequest, "MalformedRequest", "unreadable request body")
	}
	if len(body) > maxWriteBody {
		return nil, apiError(http.StatusRequestEntityTooLarge, "PayloadTooLarge", "request body too large")
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "MalformedRequest", "malformed JSON payload", "%v", err)
	}
	if len(payload) == 0 {
		return nil, apiError(http.StatusBadRequest, "MalformedRequest", "empty payload")
	}

	columns := odata.ParseColumns(ep.AllowedColumns)
	if columns.Len() == 0 {
		return payload, nil
	}
	values := make(map[string]any, len(payload))
	var unknown []string
	for name, v := range payload {
		switch {
		case hasColumn(columns.DBColumns(), name):
			values[name] = v
		default:
			if db, ok := columns.DBColumn(name); ok {
				values[db] = v
			} else {
				unknown = append(unknown, name)
			}
		}
	}
	if len(unknown) > 0 {
		return nil, apiErrorf(http.StatusBadRequest, "UnknownColumns", "unknown columns",
			"%s", strings.Join(unknown, ", "))
	}
	return values, nil
}

func hasColumn(cols []string, name string) bool {
	for _, c := range cols {
		if c == name {
			return true
		}
	}
	return false
}

// translator builds the per-request OData translator from the endpoint
// definition.
func (s *Server) translator(ep *config.EndpointConfig) *odata.Translator {
	schema, table := edm.SplitEntityName(ep.Target)
	return &odata.Translator{
		Columns:    odata.ParseColumns(ep.AllowedColumns),
		Schema:     schema,
		Table:      table,
		PrimaryKey: ep.PrimaryKey,
		PageSize:   ep.PageSize,
		Strict:     ep.StrictColumns,
	}
}

// keyFilter renders the primary-key conjunct for the id path segment.
// The key is referenced by its exposed alias so it survives the alias
// rewrite like any other identifier.
func (s *Server) keyFilter(ep *config.EndpointConfig, id string) (string, *Error) {
	if ep.PrimaryKey == "" {
		return "", apiError(http.StatusBadRequest, "MalformedRequest", "endpoint has no primary key configured")
	}
	key := ep.PrimaryKey
	if alias, ok := odata.ParseColumns(ep.AllowedColumns).Alias(ep.PrimaryKey); ok {
		key = alias
	}
	return fmt.Sprintf("%s eq '%s'", key, strings.ReplaceAll(id, "'", "''")), nil
}

// nextLink rebuilds the request URL with the skip cursor advanced one
// page.
func nextLink(reqURL *url.URL, nextSkip, top int) string {
	q := reqURL.Query()
	setODataParam(q, "skip", strconv.Itoa(nextSkip))
	setODataParam(q, "top", strconv.Itoa(top))
	next := *reqURL
	next.RawQuery = q.Encode()
	return next.String()
}

// setODataParam keeps the caller's spelling: the bare form is updated
// in place when present, otherwise the canonical $-form is set.
func setODataParam(q url.Values, name, value string) {
	if q.Has(name) && !q.Has("$"+name) {
		q.Set(name, value)
		return
	}
	q.Del(name)
	q.Set("$"+name, value)
}

// upstreamError classifies a backend failure, preserving timeouts for
// the 504 mapping.
func upstreamError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}
	return &Error{
		Status: http.StatusBadGateway,
		Code:   "UpstreamError",
		Msg:    "upstream database error",
	}
}

// remapRow converts a scanned row to the exposed shape: byte slices
// become strings and database column names become their aliases.
func remapRow(row map[string]any, columns *odata.ColumnMap) map[string]any {
	out := make(map[string]any, len(row))
	for col, v := range row {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		name := col
		if alias, ok := columns.Alias(col); ok {
			name = alias
		}
		out[name] = v
	}
	return out
}
