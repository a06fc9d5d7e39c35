package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/reqcontext"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/tools"
)

// InvalidDescriptorKey prefixes the Errors key of a desired descriptor that
// has neither a name nor a url; the suffix is its index in the request.
const InvalidDescriptorKey = "<invalid>"

// ReconcileResult is the outcome of one Reconcile call.
type ReconcileResult struct {
	Tools        map[string]tools.ToolSpec            `json:"tools"`
	Breakdown    map[string]map[string]tools.ToolSpec `json:"breakdown"`
	Errors       map[string]string                    `json:"errors"`
	AuthRequired []ServerDescriptor                   `json:"authRequired"`
}

// Plan is the diff between the live directory and a desired set.
type Plan struct {
	Remove []string
	Add    []ServerDescriptor
}

// Diff computes what Reconcile would do. A name whose URL changed appears in
// both Remove and Add. An attempt still in flight for a name that is no
// longer desired, or desired at another URL, is removed too. Duplicate names
// in desired keep the last descriptor.
func (m *Manager) Diff(sessionID string, desired []ServerDescriptor) Plan {
	want := make(map[string]ServerDescriptor, len(desired))
	order := make([]string, 0, len(desired))
	for _, d := range desired {
		if _, seen := want[d.Name]; !seen {
			order = append(order, d.Name)
		}
		want[d.Name] = d
	}

	m.mu.RLock()
	current := make(map[string]string, len(m.conns[sessionID]))
	for name, e := range m.conns[sessionID] {
		current[name] = e.desc.URL
	}
	pending := make(map[string]string)
	for _, call := range m.inflight {
		if call.sessionID == sessionID {
			if _, live := current[call.name]; !live {
				pending[call.name] = call.url
			}
		}
	}
	m.mu.RUnlock()

	var plan Plan
	for _, set := range []map[string]string{current, pending} {
		for name, url := range set {
			d, ok := want[name]
			if !ok || d.URL != url {
				plan.Remove = append(plan.Remove, name)
			}
		}
	}
	for _, name := range order {
		d := want[name]
		if url, ok := current[name]; !ok || url != d.URL {
			plan.Add = append(plan.Add, d)
		}
	}
	return plan
}

// Reconcile brings the session's directory in line with desired. Removals
// all settle before any addition starts. Additions run in parallel, bounded
// by the configured limit. Per-server failures never abort the others: they
// land in Errors with a "<name> (Failed)" breakdown marker, and servers
// demanding authorization land in AuthRequired.
func (m *Manager) Reconcile(ctx context.Context, sessionID string, desired []ServerDescriptor) (*ReconcileResult, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	start := time.Now()
	logger := reqcontext.Logger(ctx, m.logger).With(zap.String("session_id", sessionID))

	ctx, span := m.obs.StartSpan(ctx, "upstream.reconcile",
		attribute.Int("mcp.desired", len(desired)))
	defer span.End()

	result := &ReconcileResult{
		Errors:       make(map[string]string),
		AuthRequired: []ServerDescriptor{},
	}

	valid := desired[:0:0]
	for i, d := range desired {
		if d.Name == "" || d.URL == "" {
			key := d.Name
			if key == "" {
				key = d.URL
			}
			if key == "" {
				key = fmt.Sprintf("%s[%d]", InvalidDescriptorKey, i)
			}
			result.Errors[key] = "server descriptor needs a name and url"
			continue
		}
		valid = append(valid, d)
	}

	plan := m.Diff(sessionID, valid)

	var removals errgroup.Group
	for _, name := range plan.Remove {
		removals.Go(func() error {
			m.Disconnect(ctx, sessionID, name)
			return nil
		})
	}
	_ = removals.Wait()

	results := make([]ConnectResult, len(plan.Add))
	var additions errgroup.Group
	additions.SetLimit(m.maxParallel)
	for i, d := range plan.Add {
		additions.Go(func() error {
			results[i] = m.Connect(ctx, sessionID, d)
			return nil
		})
	}
	_ = additions.Wait()

	result.Tools = m.GetAllTools(sessionID)
	result.Breakdown = m.GetBreakdown(sessionID)
	for i, r := range results {
		d := plan.Add[i]
		switch {
		case r.AuthRequired != nil:
			result.AuthRequired = append(result.AuthRequired, *r.AuthRequired)
		case r.Err != nil:
			result.Errors[d.Name] = r.Err.Error()
			result.Breakdown[d.Name+FailedSuffix] = map[string]tools.ToolSpec{}
		}
	}

	var err error
	if len(result.Errors) > 0 {
		err = errors.New("partial failure")
	}
	m.obs.RecordReconcile(err, time.Since(start))
	logger.Debug("Reconciled",
		zap.Int("removed", len(plan.Remove)),
		zap.Int("added", len(plan.Add)),
		zap.Int("tools", len(result.Tools)),
		zap.Int("errors", len(result.Errors)),
		zap.Int("auth_required", len(result.AuthRequired)),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}
