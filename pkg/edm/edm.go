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

// Package edm builds and caches the per-entity metadata models that
// back OData parsing. The synthetic fast path derives a model from the
// entity name alone; the model intentionally carries no column list, so
// any property name parses and the column map decides later what it
// maps to.
package edm

import (
	"encoding/xml"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Property is a typed member of an entity type.
type Property struct {
	Name string
	Type string
}

// EntityType describes one entity with its key property.
type EntityType struct {
	Name string
	Key  Property
}

// EntitySet is a named collection inside the default container.
type EntitySet struct {
	Name       string
	EntityType string
}

// Container groups the entity sets.
type Container struct {
	Name string
	Sets []EntitySet
}

// Model is the per-entity metadata consumed by the OData layer.
// The key is synthetic: real keys are resolved at query time from the
// endpoint's configured primary key.
type Model struct {
	Namespace string
	Schema    string
	Table     string
	Entity    EntityType
	Container Container
}

// Registry is the process-wide model cache. Entries are added on first
// use and never evicted; concurrent first builds for the same entity
// are collapsed to one.
type Registry struct {
	models sync.Map // lower(entity) -> *Model
	group  singleflight.Group
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger}
}

// GetModel returns the cached model for entityName, building it on
// first use. Lookups are case-insensitive and repeated calls return the
// same instance.
func (r *Registry) GetModel(entityName string) *Model {
	key := strings.ToLower(entityName)
	if v, ok := r.models.Load(key); ok {
		return v.(*Model)
	}
	v, _, _ := r.group.Do(key, func() (interface{}, error) {
		if existing, ok := r.models.Load(key); ok {
			return existing, nil
		}
		m := buildModel(entityName)
		r.models.Store(key, m)
		return m, nil
	})
	return v.(*Model)
}

// SplitEntityName derives (schema, table) from an entity name, with
// schema defaulting to dbo and bracket quoting stripped from both
// halves.
func SplitEntityName(entityName string) (schema, table string) {
	schema, table = "dbo", entityName
	if i := strings.Index(entityName, "."); i >= 0 {
		schema, table = entityName[:i], entityName[i+1:]
	}
	schema = strings.Trim(strings.TrimSpace(schema), "[]")
	table = strings.Trim(strings.TrimSpace(table), "[]")
	if schema == "" {
		schema = "dbo"
	}
	return schema, table
}

func buildModel(entityName string) *Model {
	schema, table := SplitEntityName(entityName)
	return &Model{
		Namespace: "Data." + schema,
		Schema:    schema,
		Table:     table,
		Entity: EntityType{
			Name: table,
			Key:  Property{Name: "ID", Type: "Edm.Int32"},
		},
		Container: Container{
			Name: "Default",
			Sets: []EntitySet{{Name: table, EntityType: table}},
		},
	}
}

// CSDL XML shapes, just deep enough to recover the synthetic model
// fields from an externally supplied schema document.
type csdlDocument struct {
	XMLName xml.Name `xml:"Edmx"`
	Schemas []struct {
		Namespace   string `xml:"Namespace,attr"`
		EntityTypes []struct {
			Name string `xml:"Name,attr"`
			Key  struct {
				PropertyRefs []struct {
					Name string `xml:"Name,attr"`
				} `xml:"PropertyRef"`
			} `xml:"Key"`
			Properties []struct {
				Name string `xml:"Name,attr"`
				Type string `xml:"Type,attr"`
			} `xml:"Property"`
		} `xml:"EntityType"`
		Containers []struct {
			Name string `xml:"Name,attr"`
			Sets []struct {
				Name       string `xml:"Name,attr"`
				EntityType string `xml:"EntityType,attr"`
			} `xml:"EntitySet"`
		} `xml:"EntityContainer"`
	} `xml:"DataServices>Schema"`
}

// ParseMetadata accepts an externally supplied CSDL XML document and
// converts its first entity type into a Model. Parse errors are logged
// and yield nil.
func (r *Registry) ParseMetadata(csdlXML []byte) *Model {
	var doc csdlDocument
	if err := xml.Unmarshal(csdlXML, &doc); err != nil {
		r.logger.Warn("CSDL metadata rejected", zap.Error(err))
		return nil
	}
	for _, schema := range doc.Schemas {
		for _, et := range schema.EntityTypes {
			m := &Model{
				Namespace: schema.Namespace,
				Schema:    schemaFromNamespace(schema.Namespace),
				Table:     et.Name,
				Entity:    EntityType{Name: et.Name, Key: Property{Name: "ID", Type: "Edm.Int32"}},
			}
			if len(et.Key.PropertyRefs) > 0 {
				keyName := et.Key.PropertyRefs[0].Name
				keyType := "Edm.Int32"
				for _, p := range et.Properties {
					if p.Name == keyName {
						keyType = p.Type
						break
					}
				}
				m.Entity.Key = Property{Name: keyName, Type: keyType}
			}
			if len(schema.Containers) > 0 {
				c := schema.Containers[0]
				m.Container.Name = c.Name
				for _, set := range c.Sets {
					m.Container.Sets = append(m.Container.Sets, EntitySet{Name: set.Name, EntityType: set.EntityType})
				}
			} else {
				m.Container = Container{Name: "Default", Sets: []EntitySet{{Name: et.Name, EntityType: et.Name}}}
			}
			return m
		}
	}
	r.logger.Warn("CSDL metadata contained no entity types")
	return nil
}

func schemaFromNamespace(ns string) string {
	if rest, ok := strings.CutPrefix(ns, "Data."); ok && rest != "" {
		return rest
	}
	return "dbo"
}

// String renders a compact description, handy in logs.
func (m *Model) String() string {
	return fmt.Sprintf("%s.%s (ns=%s)", m.Schema, m.Table, m.Namespace)
}
