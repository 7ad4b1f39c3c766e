package variables

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/go-dap"

	"github.com/grantcarthew/jsdap/internal/cdp"
)

// Property weights decide display order: own properties first, internals
// and privates after, __proto__ last.
const (
	weightOwn      = 100
	weightPrivate  = 20
	weightInternal = 10
	weightProto    = 0
)

// namedPropsFn copies the non-index own properties of an array onto a fresh
// object so they can be listed apart from the element slots.
const namedPropsFn = `function() {
	const out = {};
	for (const key of Object.getOwnPropertyNames(this)) {
		const idx = key >>> 0;
		if (!(String(idx) === key && idx < this.length)) out[key] = this[key];
	}
	return out;
}`

// indexedRangeFn snapshots the element slots [start, start+count).
const indexedRangeFn = `function(start, count) {
	const out = {};
	for (let i = start; i < start + count; i++) out[i] = this[i];
	return out;
}`

// Result is a created variable before it has a name: the display value plus
// the reference handed to the client for expansion. Reference 0 means the
// value has no children.
type Result struct {
	Value            string
	Type             string
	Reference        int
	NamedVariables   int
	IndexedVariables int
}

type entry struct {
	obj      RemoteObject
	session  *cdp.Session
	threadID int
	valid    bool
}

// Store allocates stable references for remote objects and materialises
// their children on demand. References are never reused; resuming a thread
// invalidates every reference bound to it.
type Store struct {
	mu      sync.Mutex
	nextRef int
	entries map[int]*entry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[int]*entry)}
}

// Create wraps a remote object as a variable result, allocating a reference
// when the object can be expanded. threadID binds the reference's lifetime
// to the owning thread's next resume.
func (s *Store) Create(session *cdp.Session, threadID int, obj RemoteObject, previewCtx PreviewContext) Result {
	res := Result{
		Value: obj.RenderPreview(previewCtx),
		Type:  obj.Type,
	}
	if obj.Subtype != "" {
		res.Type = obj.Subtype
	}
	if !obj.HasChildren() {
		return res
	}

	s.mu.Lock()
	s.nextRef++
	res.Reference = s.nextRef
	s.entries[res.Reference] = &entry{obj: obj, session: session, threadID: threadID, valid: true}
	s.mu.Unlock()

	if obj.Kind() == KindArray {
		res.IndexedVariables = obj.ArrayLength()
	}
	return res
}

// Children fetches the child variables behind a reference. filter is
// "named", "indexed" or "" for both. Invalidated or unknown references
// yield an empty list, not an error.
func (s *Store) Children(ctx context.Context, ref int, filter string, start, count int) ([]dap.Variable, error) {
	s.mu.Lock()
	ent, ok := s.entries[ref]
	if !ok || !ent.valid {
		s.mu.Unlock()
		return []dap.Variable{}, nil
	}
	obj, session, threadID := ent.obj, ent.session, ent.threadID
	s.mu.Unlock()

	if obj.Kind() == KindArray {
		switch filter {
		case "named":
			return s.arrayNamed(ctx, session, threadID, obj)
		case "indexed":
			return s.arrayIndexed(ctx, session, threadID, obj, start, count)
		}
	}
	return s.objectChildren(ctx, session, threadID, obj.ObjectID)
}

// InvalidateThread drops every reference bound to the thread. Fetching
// children through a dropped reference returns an empty list.
func (s *Store) InvalidateThread(threadID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ent := range s.entries {
		if ent.threadID == threadID {
			ent.valid = false
		}
	}
}

// InvalidateAll drops every reference in the store.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ent := range s.entries {
		ent.valid = false
	}
}

type propertyDescriptor struct {
	Name  string        `json:"name"`
	Value *RemoteObject `json:"value,omitempty"`
	Get   *RemoteObject `json:"get,omitempty"`
}

type weightedProp struct {
	name   string
	obj    RemoteObject
	weight int
}

// objectChildren runs Runtime.getProperties and merges own, private and
// internal properties in weight order.
func (s *Store) objectChildren(ctx context.Context, session *cdp.Session, threadID int, objectID string) ([]dap.Variable, error) {
	raw, err := session.Send(ctx, "Runtime.getProperties", map[string]interface{}{
		"objectId":        objectID,
		"ownProperties":   true,
		"generatePreview": true,
	})
	if err != nil {
		return nil, fmt.Errorf("get properties: %w", err)
	}

	var result struct {
		Result             []propertyDescriptor `json:"result"`
		InternalProperties []propertyDescriptor `json:"internalProperties"`
		PrivateProperties  []propertyDescriptor `json:"privateProperties"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse properties: %w", err)
	}

	var props []weightedProp
	appendProps := func(descs []propertyDescriptor, weight int) {
		for _, d := range descs {
			if d.Value == nil {
				continue
			}
			w := weight
			if d.Name == "__proto__" {
				w = weightProto
			}
			props = append(props, weightedProp{name: d.Name, obj: *d.Value, weight: w})
		}
	}
	appendProps(result.Result, weightOwn)
	appendProps(result.PrivateProperties, weightPrivate)
	appendProps(result.InternalProperties, weightInternal)

	sort.SliceStable(props, func(i, j int) bool {
		if props[i].weight != props[j].weight {
			return props[i].weight > props[j].weight
		}
		return props[i].name < props[j].name
	})

	vars := make([]dap.Variable, 0, len(props))
	for _, p := range props {
		vars = append(vars, s.toVariable(session, threadID, p.name, p.obj))
	}
	return vars, nil
}

// arrayNamed lists the array's non-index own properties through a proxy
// object built on the debuggee.
func (s *Store) arrayNamed(ctx context.Context, session *cdp.Session, threadID int, obj RemoteObject) ([]dap.Variable, error) {
	proxy, err := s.callFunctionOn(ctx, session, obj.ObjectID, namedPropsFn, nil)
	if err != nil {
		return nil, err
	}
	return s.objectChildren(ctx, session, threadID, proxy.ObjectID)
}

// arrayIndexed lists the element slots [start, start+count).
func (s *Store) arrayIndexed(ctx context.Context, session *cdp.Session, threadID int, obj RemoteObject, start, count int) ([]dap.Variable, error) {
	if count <= 0 {
		count = obj.ArrayLength() - start
		if count <= 0 {
			return []dap.Variable{}, nil
		}
	}
	window, err := s.callFunctionOn(ctx, session, obj.ObjectID, indexedRangeFn, []interface{}{start, count})
	if err != nil {
		return nil, err
	}
	vars, err := s.objectChildren(ctx, session, threadID, window.ObjectID)
	if err != nil {
		return nil, err
	}
	// getProperties returns index keys in string order; put them back in
	// numeric order and drop the proxy's __proto__.
	indexed := vars[:0]
	for _, v := range vars {
		if _, err := strconv.Atoi(v.Name); err == nil {
			indexed = append(indexed, v)
		}
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		a, _ := strconv.Atoi(indexed[i].Name)
		b, _ := strconv.Atoi(indexed[j].Name)
		return a < b
	})
	return indexed, nil
}

func (s *Store) callFunctionOn(ctx context.Context, session *cdp.Session, objectID, fn string, args []interface{}) (*RemoteObject, error) {
	callArgs := make([]map[string]interface{}, 0, len(args))
	for _, a := range args {
		callArgs = append(callArgs, map[string]interface{}{"value": a})
	}
	raw, err := session.Send(ctx, "Runtime.callFunctionOn", map[string]interface{}{
		"objectId":            objectID,
		"functionDeclaration": fn,
		"arguments":           callArgs,
		"generatePreview":     true,
	})
	if err != nil {
		return nil, fmt.Errorf("call function on object: %w", err)
	}
	var result struct {
		Result RemoteObject `json:"result"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse call result: %w", err)
	}
	return &result.Result, nil
}

func (s *Store) toVariable(session *cdp.Session, threadID int, name string, obj RemoteObject) dap.Variable {
	res := s.Create(session, threadID, obj, PreviewNormal)
	return dap.Variable{
		Name:               name,
		Value:              res.Value,
		Type:               res.Type,
		VariablesReference: res.Reference,
		NamedVariables:     res.NamedVariables,
		IndexedVariables:   res.IndexedVariables,
	}
}
