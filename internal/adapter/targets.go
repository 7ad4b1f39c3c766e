package adapter

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/grantcarthew/jsdap/internal/cdp"
)

// targetInfo mirrors CDP Target.TargetInfo.
type targetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// Target is one node of the target forest. Children reference their parent
// by id; traversal goes through the manager's map.
type Target struct {
	ID        string
	Type      string
	URL       string
	Title     string
	ParentID  string
	SessionID string

	session *cdp.Session
	thread  *Thread // nil for non-debuggable targets
}

// debuggableTypes are target types that own a thread. Service workers are
// tracked but not threaded.
var debuggableTypes = map[string]bool{
	"page":   true,
	"iframe": true,
	"worker": true,
	"node":   true,
}

// TargetManager discovers and attaches targets on one CDP connection and
// maintains their parent/child relationships.
type TargetManager struct {
	adapter *Adapter
	conn    *cdp.Connection

	mu      sync.Mutex
	targets map[string]*Target
	order   []string // target ids in attach order, for deterministic teardown
	seen    map[string]bool
}

// newTargetManager wires a manager onto a connection's root session.
func newTargetManager(a *Adapter, conn *cdp.Connection) *TargetManager {
	return &TargetManager{
		adapter: a,
		conn:    conn,
		targets: make(map[string]*Target),
		seen:    make(map[string]bool),
	}
}

// Start begins discovery on the root session. Page targets are attached
// explicitly; everything below them arrives through auto-attach.
func (m *TargetManager) Start(ctx context.Context) error {
	root := m.conn.RootSession()

	root.Subscribe("Target.targetCreated", func(evt cdp.Event) {
		m.onTargetCreated(evt.Params)
	})
	root.Subscribe("Target.attachedToTarget", func(evt cdp.Event) {
		m.onAttachedToTarget("", evt.Params)
	})
	root.Subscribe("Target.detachedFromTarget", func(evt cdp.Event) {
		m.onDetachedFromTarget(evt.Params)
	})
	root.Subscribe("Target.targetInfoChanged", func(evt cdp.Event) {
		m.onTargetInfoChanged(evt.Params)
	})

	if _, err := root.Send(ctx, "Target.setDiscoverTargets", map[string]interface{}{
		"discover": true,
	}); err != nil {
		return err
	}
	return nil
}

// AdoptRoot registers the connection's root session itself as a debuggable
// target. Node runtimes speak CDP directly on their connection instead of
// announcing a target first.
func (m *TargetManager) AdoptRoot(ctx context.Context, id, name string, waitingForDebugger bool) *Target {
	t := &Target{
		ID:      id,
		Type:    "node",
		Title:   name,
		session: m.conn.RootSession(),
	}
	m.registerTarget(ctx, t, waitingForDebugger)
	return t
}

func (m *TargetManager) onTargetCreated(params json.RawMessage) {
	var evt struct {
		TargetInfo targetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	info := evt.TargetInfo

	m.mu.Lock()
	if m.seen[info.TargetID] {
		m.mu.Unlock()
		logrus.WithField("target", info.TargetID).Debug("targets: duplicate targetCreated ignored")
		return
	}
	m.seen[info.TargetID] = true
	attachedCount := len(m.targets)
	m.mu.Unlock()

	// Only the first page is attached explicitly; auto-attach covers the
	// rest of the tree from there.
	if info.Type != "page" || info.Attached || attachedCount > 0 {
		return
	}

	root := m.conn.RootSession()
	root.SendAsync("Target.attachToTarget", map[string]interface{}{
		"targetId": info.TargetID,
		"flatten":  true,
	})
}

// onAttachedToTarget handles both the explicit first attach and nested
// auto-attaches. parentID is the owning target's id, empty for the root.
func (m *TargetManager) onAttachedToTarget(parentID string, params json.RawMessage) {
	var evt struct {
		SessionID          string     `json:"sessionId"`
		TargetInfo         targetInfo `json:"targetInfo"`
		WaitingForDebugger bool       `json:"waitingForDebugger"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}

	session := m.conn.CreateSession(evt.SessionID)
	t := &Target{
		ID:        evt.TargetInfo.TargetID,
		Type:      evt.TargetInfo.Type,
		URL:       evt.TargetInfo.URL,
		Title:     evt.TargetInfo.Title,
		ParentID:  parentID,
		SessionID: evt.SessionID,
		session:   session,
	}
	m.registerTarget(context.Background(), t, evt.WaitingForDebugger)
}

func (m *TargetManager) registerTarget(ctx context.Context, t *Target, waitingForDebugger bool) {
	m.mu.Lock()
	if _, exists := m.targets[t.ID]; exists {
		m.mu.Unlock()
		logrus.WithField("target", t.ID).Debug("targets: duplicate attach ignored")
		return
	}
	m.targets[t.ID] = t
	m.order = append(m.order, t.ID)
	first := len(m.targets) == 1
	m.mu.Unlock()

	// Nested attaches surface on this target's session.
	parentID := t.ID
	t.session.Subscribe("Target.attachedToTarget", func(evt cdp.Event) {
		m.onAttachedToTarget(parentID, evt.Params)
	})
	t.session.Subscribe("Target.detachedFromTarget", func(evt cdp.Event) {
		m.onDetachedFromTarget(evt.Params)
	})

	if debuggableTypes[t.Type] {
		t.thread = newThread(m.adapter, t.session, threadName(t))
		event := &dap.ThreadEvent{Event: m.adapter.newEvent("thread")}
		event.Body = dap.ThreadEventBody{Reason: "started", ThreadId: t.thread.id}
		m.adapter.emit(event)
	}

	go func() {
		if t.thread != nil {
			enablePage := t.Type == "page" || t.Type == "iframe"
			t.thread.init(ctx, enablePage, waitingForDebugger)
		}
		t.session.SendAsync("Target.setAutoAttach", map[string]interface{}{
			"autoAttach":             true,
			"waitForDebuggerOnStart": true,
			"flatten":                true,
		})
		if first {
			m.adapter.onFirstTargetAttached(t)
		}
	}()
}

func (m *TargetManager) onDetachedFromTarget(params json.RawMessage) {
	var evt struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}

	m.mu.Lock()
	var target *Target
	for _, t := range m.targets {
		if (evt.SessionID != "" && t.SessionID == evt.SessionID) ||
			(evt.SessionID == "" && t.ID == evt.TargetID) {
			target = t
			break
		}
	}
	m.mu.Unlock()

	if target != nil {
		m.Dispose(target)
	}
}

func (m *TargetManager) onTargetInfoChanged(params json.RawMessage) {
	var evt struct {
		TargetInfo targetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	info := evt.TargetInfo

	m.mu.Lock()
	t, ok := m.targets[info.TargetID]
	if ok {
		t.URL = info.URL
		t.Title = info.Title
	}
	m.mu.Unlock()

	if ok && t.thread != nil {
		t.thread.setName(threadName(t))
	}
}

// Dispose tears a target down: children first, then the target itself. The
// thread's exit is announced before its CDP session closes.
func (m *TargetManager) Dispose(t *Target) {
	for _, child := range m.childrenOf(t.ID) {
		m.Dispose(child)
	}

	m.mu.Lock()
	if _, ok := m.targets[t.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.targets, t.ID)
	for i, id := range m.order {
		if id == t.ID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if t.thread != nil {
		t.thread.dispose()
		event := &dap.ThreadEvent{Event: m.adapter.newEvent("thread")}
		event.Body = dap.ThreadEventBody{Reason: "exited", ThreadId: t.thread.id}
		m.adapter.emit(event)
	}
	m.conn.DestroySession(t.SessionID)
}

// DisposeAll tears down every target, roots last.
func (m *TargetManager) DisposeAll() {
	for {
		m.mu.Lock()
		var root *Target
		for _, id := range m.order {
			t := m.targets[id]
			if _, hasParent := m.targets[t.ParentID]; !hasParent {
				root = t
				break
			}
		}
		m.mu.Unlock()

		if root == nil {
			return
		}
		m.Dispose(root)
	}
}

// targetByID returns the tracked target with the given id.
func (m *TargetManager) targetByID(id string) (*Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	return t, ok
}

// childrenOf returns the target's children in attach order.
func (m *TargetManager) childrenOf(id string) []*Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	var children []*Target
	for _, childID := range m.order {
		if t := m.targets[childID]; t != nil && t.ParentID == id {
			children = append(children, t)
		}
	}
	return children
}

// Threads returns every live thread sorted by id.
func (m *TargetManager) Threads() []*Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	var threads []*Thread
	for _, id := range m.order {
		if t := m.targets[id]; t != nil && t.thread != nil {
			threads = append(threads, t.thread)
		}
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].id < threads[j].id })
	return threads
}

// Thread returns the live thread with the given id.
func (m *TargetManager) Thread(id int) (*Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		if t.thread != nil && t.thread.id == id {
			return t.thread, true
		}
	}
	return nil, false
}

// threadName derives a thread's display name from its target.
func threadName(t *Target) string {
	label := t.Title
	if label == "" {
		label = t.URL
	}
	if label == "" {
		return t.Type
	}
	kind := t.Type
	if kind != "" {
		kind = strings.ToUpper(kind[:1]) + kind[1:]
	}
	return kind + ": " + label
}
