// Package upstream owns the per-session directory of live connections to
// remote MCP servers: reconciliation against a desired set, connect
// de-duplication, tool routing and OAuth orchestration.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/config"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/observability"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/reqcontext"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/session"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/tools"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/transport"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/upstream/types"
)

// FailedSuffix marks a breakdown entry for a server whose connection failed.
const FailedSuffix = " (Failed)"

// ErrInvalidSession is returned for an empty session id.
var ErrInvalidSession = errors.New("session id is required")

// ServerDescriptor identifies a server slot by Name; URL is where it lives.
type ServerDescriptor = config.ServerDescriptor

// entry is one live connection in the directory.
type entry struct {
	desc          ServerDescriptor
	conn          transport.Conn
	tools         map[string]tools.ToolSpec
	seq           uint64
	authenticated bool
}

// slotState tracks the last known state of a server slot, connected or not.
type slotState struct {
	desc ServerDescriptor
	sm   *types.StateManager
}

// ServerStatus is the per-server view returned by Status.
type ServerStatus struct {
	Name          string                `json:"name"`
	URL           string                `json:"url"`
	State         types.ConnectionState `json:"state"`
	Connected     bool                  `json:"connected"`
	Authenticated bool                  `json:"authenticated"`
	ToolCount     int                   `json:"toolCount"`
	LastError     string                `json:"lastError,omitempty"`
	LastAttempt   time.Time             `json:"lastAttempt,omitempty"`
}

// Manager manages connections to remote MCP servers for every session.
// Sessions never share entries; all directory mutation happens under mu and
// no network I/O runs while mu is held.
type Manager struct {
	logger   *zap.Logger
	dialer   transport.Dialer
	sessions *session.Store
	obs      *observability.Manager

	oauthCfg        config.OAuthConfig
	exchangeTimeout time.Duration
	maxParallel     int

	mu       sync.RWMutex
	conns    map[string]map[string]*entry
	slots    map[string]map[string]*slotState
	inflight map[string]*connectCall
	seq      uint64
}

// NewManager creates a new upstream manager
func NewManager(logger *zap.Logger, cfg *config.Config, dialer transport.Dialer, sessions *session.Store, obs *observability.Manager) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxParallel := cfg.MaxParallelConnects
	if maxParallel <= 0 {
		maxParallel = config.DefaultMaxParallelConnects
	}
	return &Manager{
		logger:          logger.Named("upstream"),
		dialer:          dialer,
		sessions:        sessions,
		obs:             obs,
		oauthCfg:        cfg.OAuth,
		exchangeTimeout: cfg.Timeouts.TokenExchange,
		maxParallel:     maxParallel,
		conns:           make(map[string]map[string]*entry),
		slots:           make(map[string]map[string]*slotState),
		inflight:        make(map[string]*connectCall),
	}
}

// Disconnect closes and forgets the connection for serverName. An attempt
// still in flight for it is cancelled and never enters the directory. Close
// errors are logged, never returned.
func (m *Manager) Disconnect(ctx context.Context, sessionID, serverName string) {
	m.mu.Lock()
	m.cancelInflightLocked(sessionID, serverName)
	e := m.removeEntryLocked(sessionID, serverName)
	slot := m.removeSlotLocked(sessionID, serverName)
	m.mu.Unlock()

	if slot != nil {
		slot.sm.Reset()
	}
	if e != nil {
		m.closeEntry(ctx, sessionID, e)
	}
}

// DisconnectSession tears down every connection of the session and cancels
// its in-flight attempts.
func (m *Manager) DisconnectSession(ctx context.Context, sessionID string) {
	m.mu.Lock()
	for key, call := range m.inflight {
		if call.sessionID == sessionID {
			call.cancelled = true
			delete(m.inflight, key)
		}
	}
	entries := m.conns[sessionID]
	delete(m.conns, sessionID)
	delete(m.slots, sessionID)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			m.closeEntry(ctx, sessionID, e)
		}(e)
	}
	wg.Wait()

	if len(entries) > 0 {
		m.logger.Info("Session connections closed",
			zap.String("session_id", sessionID),
			zap.Int("count", len(entries)))
	}
}

// GetAllTools flattens the session's catalogs. On a name collision the most
// recently connected server wins.
func (m *Manager) GetAllTools(sessionID string) map[string]tools.ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]tools.ToolSpec)
	for _, e := range m.orderedEntriesLocked(sessionID) {
		for name, spec := range e.tools {
			out[name] = spec
		}
	}
	return out
}

// GetBreakdown returns each connected server's catalog.
func (m *Manager) GetBreakdown(sessionID string) map[string]map[string]tools.ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[string]tools.ToolSpec)
	for name, e := range m.conns[sessionID] {
		out[name] = copyCatalog(e.tools)
	}
	return out
}

// ConnectedServers returns the descriptors of live connections, sorted by name.
func (m *Manager) ConnectedServers(sessionID string) []ServerDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerDescriptor, 0, len(m.conns[sessionID]))
	for _, e := range m.conns[sessionID] {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CallTool routes the call to the server owning toolName. When several
// connected servers expose the name, the most recently connected one wins,
// matching GetAllTools; use CallToolOn to pick a server explicitly.
func (m *Manager) CallTool(ctx context.Context, sessionID, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	m.mu.RLock()
	var owner *entry
	var owners []string
	for _, e := range m.orderedEntriesLocked(sessionID) {
		if _, ok := e.tools[toolName]; ok {
			owner = e
			owners = append(owners, e.desc.Name)
		}
	}
	m.mu.RUnlock()

	if owner == nil {
		return nil, fmt.Errorf("%w: %s", tools.ErrToolNotFound, toolName)
	}
	if len(owners) > 1 {
		reqcontext.Logger(ctx, m.logger).Warn("Tool name served by several servers, routing to most recently connected",
			zap.String("tool", toolName),
			zap.Strings("servers", owners),
			zap.String("selected", owner.desc.Name))
	}
	return m.callEntry(ctx, sessionID, owner, toolName, args)
}

// CallToolOn calls toolName on serverName only.
func (m *Manager) CallToolOn(ctx context.Context, sessionID, serverName, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	m.mu.RLock()
	e := m.conns[sessionID][serverName]
	m.mu.RUnlock()

	if e == nil {
		return nil, fmt.Errorf("%w: %s on server %s", tools.ErrToolNotFound, toolName, serverName)
	}
	if _, ok := e.tools[toolName]; !ok {
		return nil, fmt.Errorf("%w: %s on server %s", tools.ErrToolNotFound, toolName, serverName)
	}
	return m.callEntry(ctx, sessionID, e, toolName, args)
}

func (m *Manager) callEntry(ctx context.Context, sessionID string, e *entry, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	callID := ulid.Make().String()
	logger := reqcontext.Logger(ctx, m.logger).With(
		zap.String("call_id", callID),
		zap.String("server", e.desc.Name),
		zap.String("tool", toolName))

	ctx, span := m.obs.StartSpan(ctx, "upstream.call_tool",
		attribute.String("mcp.server", e.desc.Name),
		attribute.String("mcp.tool", toolName))
	defer span.End()

	start := time.Now()
	res, err := e.conn.CallTool(ctx, toolName, args)
	duration := time.Since(start)
	m.obs.RecordToolCall(e.desc.Name, toolName, duration, err)

	if err != nil {
		observability.SetSpanError(span, err)
		logger.Warn("Tool call failed", zap.Duration("duration", duration), zap.Error(err))
		if transport.IsAuthRequired(err) {
			m.markSlot(sessionID, e.desc, func(sm *types.StateManager) error {
				_ = sm.TransitionTo(types.StateConnecting)
				return sm.SetPendingAuth()
			})
		}
		return nil, err
	}
	logger.Debug("Tool call completed", zap.Duration("duration", duration), zap.Bool("is_error", res.IsError))
	return res, nil
}

// Status returns the state of every slot the session has touched, sorted by name.
func (m *Manager) Status(sessionID string) []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.slots[sessionID]))
	for name, slot := range m.slots[sessionID] {
		info := slot.sm.GetConnectionInfo()
		st := ServerStatus{
			Name:        name,
			URL:         slot.desc.URL,
			State:       info.State,
			ToolCount:   info.ToolCount,
			LastError:   info.LastError,
			LastAttempt: info.LastAttempt,
		}
		if e := m.conns[sessionID][name]; e != nil {
			st.Connected = true
			st.Authenticated = e.authenticated
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sessions returns the ids of sessions with at least one live connection.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Touch records activity for the session so the idle sweeper keeps it.
func (m *Manager) Touch(sessionID string) {
	if m.sessions != nil {
		m.sessions.Touch(sessionID)
	}
}

// ForgetServer drops the stored client for serverURL and every connection of
// the session pointing at it.
func (m *Manager) ForgetServer(ctx context.Context, sessionID, serverURL string) {
	if m.sessions != nil {
		m.sessions.RemoveClientForServer(sessionID, serverURL)
	}
	m.dropConnectionsTo(ctx, sessionID, serverURL)
}

// ForgetSession drops every stored client and connection of the session.
func (m *Manager) ForgetSession(ctx context.Context, sessionID string) {
	if m.sessions != nil {
		m.sessions.RemoveSession(sessionID)
	}
	m.DisconnectSession(ctx, sessionID)
}

// Close tears down every session.
func (m *Manager) Close(ctx context.Context) {
	for _, id := range m.Sessions() {
		m.DisconnectSession(ctx, id)
	}
}

func (m *Manager) orderedEntriesLocked(sessionID string) []*entry {
	entries := make([]*entry, 0, len(m.conns[sessionID]))
	for _, e := range m.conns[sessionID] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

func (m *Manager) removeEntryLocked(sessionID, name string) *entry {
	bucket := m.conns[sessionID]
	e, ok := bucket[name]
	if !ok {
		return nil
	}
	delete(bucket, name)
	if len(bucket) == 0 {
		delete(m.conns, sessionID)
	}
	return e
}

func (m *Manager) removeSlotLocked(sessionID, name string) *slotState {
	bucket := m.slots[sessionID]
	slot, ok := bucket[name]
	if !ok {
		return nil
	}
	delete(bucket, name)
	if len(bucket) == 0 {
		delete(m.slots, sessionID)
	}
	return slot
}

func (m *Manager) slotFor(sessionID string, desc ServerDescriptor) *slotState {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.slots[sessionID]
	if !ok {
		bucket = make(map[string]*slotState)
		m.slots[sessionID] = bucket
	}
	slot, ok := bucket[desc.Name]
	if !ok {
		slot = &slotState{desc: desc, sm: types.NewStateManager()}
		bucket[desc.Name] = slot
	}
	slot.desc = desc
	return slot
}

func (m *Manager) markSlot(sessionID string, desc ServerDescriptor, fn func(sm *types.StateManager) error) {
	slot := m.slotFor(sessionID, desc)
	if err := fn(slot.sm); err != nil {
		m.logger.Debug("Ignored slot state transition",
			zap.String("server", desc.Name),
			zap.Error(err))
	}
}

func (m *Manager) closeEntry(ctx context.Context, sessionID string, e *entry) {
	if e.conn == nil {
		return
	}
	if err := e.conn.Close(); err != nil {
		reqcontext.Logger(ctx, m.logger).Warn("Error closing connection",
			zap.String("session_id", sessionID),
			zap.String("server", e.desc.Name),
			zap.Error(err))
		return
	}
	reqcontext.Logger(ctx, m.logger).Debug("Disconnected",
		zap.String("session_id", sessionID),
		zap.String("server", e.desc.Name))
}

func copyCatalog(in map[string]tools.ToolSpec) map[string]tools.ToolSpec {
	out := make(map[string]tools.ToolSpec, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
