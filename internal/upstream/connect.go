package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/oauth"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/observability"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/reqcontext"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/tools"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/transport"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/upstream/types"
)

// ConnectResult holds exactly one of Tools, Err or AuthRequired.
type ConnectResult struct {
	Tools        map[string]tools.ToolSpec
	Err          error
	AuthRequired *ServerDescriptor
}

// OK reports whether the connection succeeded.
func (r ConnectResult) OK() bool {
	return r.Err == nil && r.AuthRequired == nil
}

// ErrConnectCancelled is the result of an attempt overtaken by a disconnect
// of the same server.
var ErrConnectCancelled = errors.New("connection attempt cancelled by disconnect")

// connectCall is an in-flight attempt shared by every concurrent caller for
// the same (session, server) key. done is closed once result is set. A
// cancelled call is no longer in the in-flight map; its connection is closed
// instead of entering the directory.
type connectCall struct {
	sessionID string
	name      string
	url       string
	done      chan struct{}
	result    ConnectResult
	cancelled bool
}

func inflightKey(sessionID, name string) string {
	return sessionID + "\x00" + name
}

// Connect returns the tools of desc, connecting if needed. An existing entry
// with the same URL answers from its cached catalog. Concurrent callers for
// the same key share one attempt. An existing entry under the same name but a
// different URL is replaced.
func (m *Manager) Connect(ctx context.Context, sessionID string, desc ServerDescriptor) ConnectResult {
	if sessionID == "" {
		return ConnectResult{Err: ErrInvalidSession}
	}
	if desc.Name == "" || desc.URL == "" {
		return ConnectResult{Err: fmt.Errorf("%w: server descriptor needs a name and url", transport.ErrConnectionFailed)}
	}
	key := inflightKey(sessionID, desc.Name)

	for {
		m.mu.Lock()
		if e := m.conns[sessionID][desc.Name]; e != nil {
			if e.desc.URL == desc.URL {
				catalog := copyCatalog(e.tools)
				m.mu.Unlock()
				return ConnectResult{Tools: catalog}
			}
			m.removeEntryLocked(sessionID, desc.Name)
			m.mu.Unlock()
			reqcontext.Logger(ctx, m.logger).Info("Server URL changed, replacing connection",
				zap.String("server", desc.Name),
				zap.String("old_url", e.desc.URL),
				zap.String("new_url", desc.URL))
			m.closeEntry(ctx, sessionID, e)
			continue
		}

		if call, ok := m.inflight[key]; ok {
			m.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return ConnectResult{Err: ctx.Err()}
			}
			if call.url == desc.URL {
				return call.result
			}
			// The attempt was for a stale URL; go round again to replace it.
			continue
		}

		call := &connectCall{sessionID: sessionID, name: desc.Name, url: desc.URL, done: make(chan struct{})}
		m.inflight[key] = call
		m.mu.Unlock()

		// The attempt outlives a cancelled first caller; transport timeouts bound it.
		result, e := m.attempt(context.WithoutCancel(ctx), sessionID, desc)

		m.mu.Lock()
		var stale *entry
		switch {
		case call.cancelled:
			stale = e
			result = ConnectResult{Err: fmt.Errorf("%s: %w", desc.Name, ErrConnectCancelled)}
			if _, replaced := m.inflight[key]; !replaced && m.conns[sessionID][desc.Name] == nil {
				m.removeSlotLocked(sessionID, desc.Name)
			}
		case e != nil:
			m.seq++
			e.seq = m.seq
			bucket, ok := m.conns[sessionID]
			if !ok {
				bucket = make(map[string]*entry)
				m.conns[sessionID] = bucket
			}
			bucket[desc.Name] = e
			delete(m.inflight, key)
		default:
			delete(m.inflight, key)
		}
		call.result = result
		m.mu.Unlock()
		close(call.done)

		if stale != nil {
			m.closeEntry(ctx, sessionID, stale)
		}
		return result
	}
}

// cancelInflightLocked detaches the running attempt for (sessionID, name), if
// any, so a later Connect starts afresh and the attempt discards its result.
func (m *Manager) cancelInflightLocked(sessionID, name string) {
	key := inflightKey(sessionID, name)
	if call, ok := m.inflight[key]; ok {
		call.cancelled = true
		delete(m.inflight, key)
	}
}

// Reconnect drops any connection for desc.Name, abandons an attempt already
// in flight, and connects again. The result always comes from an attempt
// started by this call or by a caller that joined it.
func (m *Manager) Reconnect(ctx context.Context, sessionID string, desc ServerDescriptor) ConnectResult {
	m.Disconnect(ctx, sessionID, desc.Name)
	return m.Connect(ctx, sessionID, desc)
}

// attempt runs one connection attempt:
//  1. a stored OAuth client for (session, url) with credentials lists tools;
//     an authorization failure falls through, anything else is a failure;
//  2. an anonymous dial; 401 yields AuthRequired, anything else a failure.
func (m *Manager) attempt(ctx context.Context, sessionID string, desc ServerDescriptor) (ConnectResult, *entry) {
	logger := reqcontext.Logger(ctx, m.logger).With(
		zap.String("session_id", sessionID),
		zap.String("server", desc.Name),
		zap.String("url", desc.URL))

	ctx, span := m.obs.StartSpan(ctx, "upstream.connect",
		attribute.String("mcp.server", desc.Name),
		attribute.String("mcp.url", desc.URL))
	defer span.End()

	start := time.Now()
	m.markSlot(sessionID, desc, func(sm *types.StateManager) error {
		return sm.TransitionTo(types.StateConnecting)
	})

	conn, list, authenticated, err := m.connectStored(ctx, sessionID, desc, logger)
	if err == nil && conn == nil {
		conn, list, err = m.connectAnonymous(ctx, desc)
	}

	switch {
	case err == nil:
		catalog := tools.FromMCPTools(desc.Name, list)
		m.markSlot(sessionID, desc, func(sm *types.StateManager) error { return sm.SetReady(len(catalog)) })
		m.obs.RecordConnect(desc.Name, observability.ResultConnected, time.Since(start))
		logger.Info("Connected",
			zap.Int("tools", len(catalog)),
			zap.Bool("authenticated", authenticated),
			zap.Duration("duration", time.Since(start)))
		e := &entry{desc: desc, conn: conn, tools: catalog, authenticated: authenticated}
		return ConnectResult{Tools: copyCatalog(catalog)}, e

	case transport.IsAuthRequired(err):
		m.markSlot(sessionID, desc, func(sm *types.StateManager) error { return sm.SetPendingAuth() })
		m.obs.RecordConnect(desc.Name, observability.ResultAuthRequired, time.Since(start))
		logger.Info("Server requires authorization")
		d := desc
		return ConnectResult{AuthRequired: &d}, nil

	default:
		observability.SetSpanError(span, err)
		m.markSlot(sessionID, desc, func(sm *types.StateManager) error { return sm.SetError(err) })
		m.obs.RecordConnect(desc.Name, observability.ResultFailed, time.Since(start))
		logger.Warn("Connection failed", zap.Error(err))
		if !errors.Is(err, transport.ErrConnectionFailed) {
			err = fmt.Errorf("%w: %s: %w", transport.ErrConnectionFailed, desc.URL, err)
		}
		return ConnectResult{Err: err}, nil
	}
}

// connectStored tries the session's OAuth client for desc.URL. It returns a
// nil conn and nil error when there is nothing usable to try.
func (m *Manager) connectStored(ctx context.Context, sessionID string, desc ServerDescriptor, logger *zap.Logger) (transport.Conn, []mcp.Tool, bool, error) {
	if m.sessions == nil {
		return nil, nil, false, nil
	}
	stored, ok := m.sessions.GetClientForServer(sessionID, desc.URL)
	if !ok || stored.Tokens == nil {
		return nil, nil, false, nil
	}
	conn, ok := stored.Client.(transport.Conn)
	if !ok {
		return nil, nil, false, nil
	}

	list, err := conn.ListTools(ctx)
	if err == nil {
		return conn, list, true, nil
	}
	if transport.IsAuthRequired(err) || errors.Is(err, oauth.ErrAuthorizationRequired) {
		logger.Info("Stored credential rejected, trying anonymous connection", zap.Error(err))
		return nil, nil, false, nil
	}
	return nil, nil, false, err
}

func (m *Manager) connectAnonymous(ctx context.Context, desc ServerDescriptor) (transport.Conn, []mcp.Tool, error) {
	conn, err := m.dialer.Dial(ctx, &transport.HTTPTransportConfig{URL: desc.URL})
	if err != nil {
		return nil, nil, err
	}
	list, err := conn.ListTools(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, list, nil
}
