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

import "strings"

// ColumnMap is the bidirectional alias <-> database column mapping
// derived once per endpoint from its allowedColumns list. The two maps
// are mutual inverses on the set of accepted entries.
type ColumnMap struct {
	aliasToDB map[string]string
	dbToAlias map[string]string
	dbOrder   []string // configured order, drives default selects
}

// ParseColumns builds a ColumnMap from entries of the form
// "dbColumn[;alias]". Entries with no separator or an empty side fall
// back to identity; empty, whitespace-only or separator-only entries
// are dropped. Degenerate input never fails, it just maps nothing.
func ParseColumns(entries []string) *ColumnMap {
	cm := &ColumnMap{
		aliasToDB: make(map[string]string, len(entries)),
		dbToAlias: make(map[string]string, len(entries)),
	}
	for _, entry := range entries {
		parts := strings.Split(entry, ";")
		db := strings.TrimSpace(parts[0])
		if db == "" {
			continue
		}
		alias := db
		// Exactly one separator with a non-empty right side names an
		// alias; anything else (including extra separators) is identity.
		if len(parts) == 2 {
			if a := strings.TrimSpace(parts[1]); a != "" {
				alias = a
			}
		}
		if _, dup := cm.dbToAlias[db]; dup {
			continue
		}
		if _, dup := cm.aliasToDB[alias]; dup {
			continue
		}
		cm.dbToAlias[db] = alias
		cm.aliasToDB[alias] = db
		cm.dbOrder = append(cm.dbOrder, db)
	}
	return cm
}

// Len reports the number of accepted mappings.
func (c *ColumnMap) Len() int { return len(c.dbOrder) }

// DBColumn resolves an alias to its database column.
func (c *ColumnMap) DBColumn(alias string) (string, bool) {
	db, ok := c.aliasToDB[alias]
	return db, ok
}

// Alias resolves a database column to its exposed alias.
func (c *ColumnMap) Alias(db string) (string, bool) {
	alias, ok := c.dbToAlias[db]
	return alias, ok
}

// Knows reports whether name appears on either side of the map.
func (c *ColumnMap) Knows(name string) bool {
	if _, ok := c.aliasToDB[name]; ok {
		return true
	}
	_, ok := c.dbToAlias[name]
	return ok
}

// DBColumns returns the database columns in configured order.
func (c *ColumnMap) DBColumns() []string {
	out := make([]string, len(c.dbOrder))
	copy(out, c.dbOrder)
	return out
}

// AliasToDB returns a copy of the alias -> column map.
func (c *ColumnMap) AliasToDB() map[string]string {
	out := make(map[string]string, len(c.aliasToDB))
	for k, v := range c.aliasToDB {
		out[k] = v
	}
	return out
}
