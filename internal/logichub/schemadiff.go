package logichub

import (
	"github.com/tidwall/gjson"
)

// SchemaChange describes one field-level difference between two schema
// JSON documents.
type SchemaChange struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"` // "added", "removed", "type_changed"
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value,omitempty"`
}

// DiffSchemas walks oldSchema's and newSchema's "fields" object (each a
// JSON document keyed by field name, to {"type": "..."}) and reports what
// changed. A field whose type changed or that was removed is a breaking
// change; a newly added field is not.
func DiffSchemas(oldSchema, newSchema string) []SchemaChange {
	var changes []SchemaChange

	oldFields := gjson.Get(oldSchema, "fields").Map()
	newFields := gjson.Get(newSchema, "fields").Map()

	for name, oldField := range oldFields {
		newField, stillPresent := newFields[name]
		if !stillPresent {
			changes = append(changes, SchemaChange{
				Path: "fields." + name,
				Kind: "removed",
				OldValue: oldField.Get("type").String(),
			})
			continue
		}
		oldType := oldField.Get("type").String()
		newType := newField.Get("type").String()
		if oldType != newType {
			changes = append(changes, SchemaChange{
				Path:     "fields." + name,
				Kind:     "type_changed",
				OldValue: oldType,
				NewValue: newType,
			})
		}
	}

	for name, newField := range newFields {
		if _, existed := oldFields[name]; !existed {
			changes = append(changes, SchemaChange{
				Path:     "fields." + name,
				Kind:     "added",
				NewValue: newField.Get("type").String(),
			})
		}
	}

	return changes
}

// IsBreaking reports whether any change in the set is a removal or type
// change; additions alone are non-breaking.
func IsBreaking(changes []SchemaChange) bool {
	for _, c := range changes {
		if c.Kind == "removed" || c.Kind == "type_changed" {
			return true
		}
	}
	return false
}
