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

package odata

import (
	"fmt"
	"sort"
	"strings"
)

// BuildInsert emits a single-row INSERT. Columns are sorted so the same
// payload always yields the same statement text.
func BuildInsert(schema, table string, values map[string]any) *Statement {
	cols := sortedKeys(values)
	params := newParamSet()
	quoted := make([]string, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	for _, col := range cols {
		quoted = append(quoted, quoteIdent(col))
		placeholders = append(placeholders, params.add(values[col]))
	}
	sql := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)",
		quoteIdent(schema), quoteIdent(table),
		strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	return &Statement{SQL: sql, Params: params.values}
}

// BuildUpdate emits an UPDATE of the row whose key column equals
// keyValue.
func BuildUpdate(schema, table, keyColumn string, keyValue any, values map[string]any) *Statement {
	cols := sortedKeys(values)
	params := newParamSet()
	assigns := make([]string, 0, len(cols))
	for _, col := range cols {
		assigns = append(assigns, quoteIdent(col)+" = "+params.add(values[col]))
	}
	keyParam := params.add(keyValue)
	sql := fmt.Sprintf("UPDATE %s.%s SET %s WHERE %s = %s",
		quoteIdent(schema), quoteIdent(table),
		strings.Join(assigns, ", "), quoteIdent(keyColumn), keyParam)
	return &Statement{SQL: sql, Params: params.values}
}

// BuildDelete emits a DELETE of the row whose key column equals
// keyValue.
func BuildDelete(schema, table, keyColumn string, keyValue any) *Statement {
	params := newParamSet()
	keyParam := params.add(keyValue)
	sql := fmt.Sprintf("DELETE FROM %s.%s WHERE %s = %s",
		quoteIdent(schema), quoteIdent(table), quoteIdent(keyColumn), keyParam)
	return &Statement{SQL: sql, Params: params.values}
}

func sortedKeys(values map[string]any) []string {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
