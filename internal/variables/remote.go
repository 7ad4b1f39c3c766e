// Package variables projects CDP remote objects into DAP variables:
// bounded previews for display, and a store of stable references that
// lazily materialises object children.
package variables

import (
	"encoding/json"
	"regexp"
	"strings"
)

// PreviewContext selects the token budget for rendering a remote object.
type PreviewContext int

const (
	// PreviewNormal is the stopped-at UI budget.
	PreviewNormal PreviewContext = iota
	// PreviewRepl is the larger budget for evaluate results in the console.
	PreviewRepl
)

func (c PreviewContext) budget() int {
	if c == PreviewRepl {
		return 8
	}
	return 3
}

// RemoteObject mirrors CDP Runtime.RemoteObject.
type RemoteObject struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
	Preview             *ObjectPreview  `json:"preview,omitempty"`
}

// ObjectPreview mirrors CDP Runtime.ObjectPreview.
type ObjectPreview struct {
	Type        string            `json:"type"`
	Subtype     string            `json:"subtype,omitempty"`
	Description string            `json:"description,omitempty"`
	Overflow    bool              `json:"overflow"`
	Properties  []PropertyPreview `json:"properties"`
}

// PropertyPreview mirrors CDP Runtime.PropertyPreview.
type PropertyPreview struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Value   string `json:"value,omitempty"`
	Subtype string `json:"subtype,omitempty"`
}

// Kind classifies a remote object for dispatch.
type Kind int

const (
	KindPrimitive Kind = iota
	KindObject
	KindFunction
	KindArray
)

// Kind returns the object's variant.
func (o *RemoteObject) Kind() Kind {
	switch o.Type {
	case "object":
		if o.Subtype == "null" {
			return KindPrimitive
		}
		if o.Subtype == "array" || o.Subtype == "typedarray" {
			return KindArray
		}
		return KindObject
	case "function":
		return KindFunction
	default:
		return KindPrimitive
	}
}

// HasChildren reports whether the object can be expanded.
func (o *RemoteObject) HasChildren() bool {
	k := o.Kind()
	return o.ObjectID != "" && (k == KindObject || k == KindArray || k == KindFunction)
}

var arrayLengthRe = regexp.MustCompile(`\((\d+)\)$`)

// ArrayLength extracts the element count from an array-like description
// such as "Array(3)". Returns 0 when unknown.
func (o *RemoteObject) ArrayLength() int {
	m := arrayLengthRe.FindStringSubmatch(o.Description)
	if m == nil {
		return 0
	}
	var n int
	for _, ch := range m[1] {
		n = n*10 + int(ch-'0')
	}
	return n
}

// RenderPreview renders the object as a short single-line string bounded by
// the context's token budget. Overflow is indicated with an ellipsis.
func (o *RemoteObject) RenderPreview(ctx PreviewContext) string {
	switch o.Kind() {
	case KindPrimitive:
		return o.renderPrimitive()
	case KindFunction:
		return firstLine(o.Description)
	case KindArray:
		return o.renderComposite("[", "]", ctx.budget())
	default:
		return o.renderComposite("{", "}", ctx.budget())
	}
}

func (o *RemoteObject) renderPrimitive() string {
	switch {
	case o.Type == "undefined":
		return "undefined"
	case o.Subtype == "null":
		return "null"
	case o.UnserializableValue != "":
		return o.UnserializableValue
	case o.Type == "string":
		var s string
		if err := json.Unmarshal(o.Value, &s); err != nil {
			return string(o.Value)
		}
		return "'" + s + "'"
	case len(o.Value) > 0:
		return string(o.Value)
	default:
		return o.Description
	}
}

func (o *RemoteObject) renderComposite(open, closing string, budget int) string {
	prefix := ""
	if o.Kind() == KindObject && o.ClassName != "" && o.ClassName != "Object" {
		prefix = o.ClassName + " "
	}

	if o.Preview == nil {
		if o.Description != "" {
			return firstLine(o.Description)
		}
		return strings.TrimSpace(prefix + open + closing)
	}

	var parts []string
	overflow := o.Preview.Overflow
	for i, prop := range o.Preview.Properties {
		if i >= budget {
			overflow = true
			break
		}
		if o.Kind() == KindArray {
			parts = append(parts, previewValue(prop))
		} else {
			parts = append(parts, prop.Name+": "+previewValue(prop))
		}
	}
	if overflow {
		parts = append(parts, "…")
	}
	return prefix + open + strings.Join(parts, ", ") + closing
}

func previewValue(prop PropertyPreview) string {
	switch prop.Type {
	case "string":
		return "'" + prop.Value + "'"
	case "function":
		return "ƒ"
	case "object":
		if prop.Subtype == "null" {
			return "null"
		}
		if prop.Value != "" {
			return prop.Value
		}
		return "{…}"
	default:
		if prop.Value == "" {
			return prop.Type
		}
		return prop.Value
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
