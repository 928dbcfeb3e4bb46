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

// reserved words the rewriter must not treat as column references.
var odataKeywords = map[string]struct{}{
	"and": {}, "or": {}, "not": {},
	"eq": {}, "ne": {}, "gt": {}, "ge": {}, "lt": {}, "le": {},
	"true": {}, "false": {}, "null": {},
	"asc": {}, "desc": {},
	"contains": {}, "startswith": {}, "endswith": {},
	"tolower": {}, "toupper": {}, "trim": {}, "length": {},
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}

// RewriteAliases replaces whole-word alias occurrences in an OData
// expression with their database columns. Token boundaries are
// [A-Za-z0-9_], so an alias never matches inside a longer identifier.
// Single-quoted string literals (with '' escaping) pass through
// untouched.
func (c *ColumnMap) RewriteAliases(expr string) string {
	if expr == "" || len(c.aliasToDB) == 0 {
		return expr
	}
	var sb strings.Builder
	sb.Grow(len(expr))
	i := 0
	for i < len(expr) {
		b := expr[i]
		switch {
		case b == '\'':
			// Copy the literal verbatim, honouring '' escapes.
			j := i + 1
			for j < len(expr) {
				if expr[j] == '\'' {
					if j+1 < len(expr) && expr[j+1] == '\'' {
						j += 2
						continue
					}
					j++
					break
				}
				j++
			}
			sb.WriteString(expr[i:j])
			i = j
		case isWordByte(b):
			j := i
			for j < len(expr) && isWordByte(expr[j]) {
				j++
			}
			word := expr[i:j]
			if db, ok := c.aliasToDB[word]; ok {
				sb.WriteString(db)
			} else {
				sb.WriteString(word)
			}
			i = j
		default:
			sb.WriteByte(b)
			i++
		}
	}
	return sb.String()
}

// RewriteColumnList rewrites a comma-separated column list ($select or
// $orderby), mapping aliases to database columns while preserving
// asc/desc suffixes and comma spacing.
func (c *ColumnMap) RewriteColumnList(list string) string {
	return c.RewriteAliases(list)
}

// UnknownIdentifiers returns the identifiers in expr that appear on
// neither side of the column map and are not OData keywords. Used by
// strict mode to report offending names.
func (c *ColumnMap) UnknownIdentifiers(expr string) []string {
	var unknown []string
	seen := make(map[string]struct{})
	i := 0
	for i < len(expr) {
		b := expr[i]
		switch {
		case b == '\'':
			j := i + 1
			for j < len(expr) {
				if expr[j] == '\'' {
					if j+1 < len(expr) && expr[j+1] == '\'' {
						j += 2
						continue
					}
					j++
					break
				}
				j++
			}
			i = j
		case isWordByte(b):
			j := i
			for j < len(expr) && isWordByte(expr[j]) {
				j++
			}
			word := expr[i:j]
			i = j
			if word == "" || (word[0] >= '0' && word[0] <= '9') {
				continue
			}
			if _, kw := odataKeywords[strings.ToLower(word)]; kw {
				continue
			}
			if c.Knows(word) {
				continue
			}
			if _, dup := seen[word]; !dup {
				seen[word] = struct{}{}
				unknown = append(unknown, word)
			}
		default:
			i++
		}
	}
	return unknown
}
