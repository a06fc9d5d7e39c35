package upstream

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var propertyServers = []string{"alpha", "bravo", "charlie", "delta", "echo"}

func propertyURL(name string) string {
	return "https://" + name + ".example/mcp"
}

func descriptorsFor(set []string) []ServerDescriptor {
	out := make([]ServerDescriptor, 0, len(set))
	for _, name := range set {
		out = append(out, ServerDescriptor{Name: name, URL: propertyURL(name)})
	}
	return out
}

func difference(a, b []string) int {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	n := 0
	for _, s := range a {
		if !in[s] {
			n++
		}
	}
	return n
}

// Reconciling from set A to set B dials exactly B\A and closes exactly A\B,
// and reconciling to B again changes nothing.
func TestReconcileProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := newFakeDialer()
		for _, name := range propertyServers {
			d.add(propertyURL(name), &fakeServer{tools: []string{name + "_tool"}})
		}
		m, _ := newTestManager(t, d)
		ctx := context.Background()

		gen := rapid.SliceOfDistinct(rapid.SampledFrom(propertyServers), rapid.ID[string])
		from := gen.Draw(rt, "from")
		to := gen.Draw(rt, "to")

		_, err := m.Reconcile(ctx, sessionS, descriptorsFor(from))
		require.NoError(rt, err)
		dials0, closes0 := d.totals()

		res, err := m.Reconcile(ctx, sessionS, descriptorsFor(to))
		require.NoError(rt, err)
		dials1, closes1 := d.totals()

		assert.Equal(rt, difference(to, from), dials1-dials0, "dials")
		assert.Equal(rt, difference(from, to), closes1-closes0, "closes")

		want := make([]string, 0, len(to))
		for _, name := range to {
			want = append(want, name+"_tool")
		}
		sort.Strings(want)
		assert.Equal(rt, want, names(res.Tools))
		assert.Len(rt, res.Breakdown, len(to))

		_, err = m.Reconcile(ctx, sessionS, descriptorsFor(to))
		require.NoError(rt, err)
		dials2, closes2 := d.totals()
		assert.Equal(rt, dials1, dials2, "steady state dials nothing")
		assert.Equal(rt, closes1, closes2, "steady state closes nothing")
	})
}

func TestDiffDeduplicatesDesired(t *testing.T) {
	m, _ := newTestManager(t, newFakeDialer())
	plan := m.Diff(sessionS, []ServerDescriptor{
		{Name: "a", URL: urlA},
		{Name: "b", URL: urlB},
		{Name: "a", URL: urlA2},
	})
	assert.Empty(t, plan.Remove)
	require.Len(t, plan.Add, 2)
	assert.Equal(t, ServerDescriptor{Name: "a", URL: urlA2}, plan.Add[0])
	assert.Equal(t, "b", plan.Add[1].Name)
}

func TestReconcileEmptyDesiredClearsSession(t *testing.T) {
	d := newFakeDialer()
	d.add(urlA, &fakeServer{tools: []string{"x"}})
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	_, err := m.Reconcile(ctx, sessionS, []ServerDescriptor{{Name: "a", URL: urlA}})
	require.NoError(t, err)

	res, err := m.Reconcile(ctx, sessionS, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Tools)
	assert.Empty(t, res.Breakdown)
	assert.NotNil(t, res.AuthRequired)
	assert.Empty(t, m.Sessions())
}
