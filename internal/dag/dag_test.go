package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// build creates a graph with the given jobs and "from->to" needs edges.
func build(t *testing.T, jobs []string, edges ...[2]string) *Graph {
	t.Helper()
	g := New()
	for _, j := range jobs {
		g.AddNode(j)
	}
	for _, e := range edges {
		require.NoError(t, g.AddEdge(e[0], e[1]))
	}
	return g
}

func TestAddNode_IsIdempotent(t *testing.T) {
	g := New()
	assert.Zero(t, g.Len())

	g.AddNode("build")
	g.AddNode("build")
	g.AddNode("test")

	assert.Equal(t, 2, g.Len())
	assert.Equal(t, []string{"build", "test"}, g.Nodes())
}

func TestAddEdge(t *testing.T) {
	g := build(t, []string{"build", "test"}, [2]string{"build", "test"})

	deps, err := g.Dependencies("test")
	require.NoError(t, err)
	assert.Equal(t, []string{"build"}, deps)

	dependents, err := g.Dependents("build")
	require.NoError(t, err)
	assert.Equal(t, []string{"test"}, dependents)

	testCases := []struct {
		name     string
		from, to string
		wantErr  string
	}{
		{name: "unknown source", from: "lint", to: "test", wantErr: "source node not found"},
		{name: "unknown destination", from: "build", to: "deploy", wantErr: "destination node not found"},
		{name: "self need", from: "build", to: "build", wantErr: "self-referential edge"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorContains(t, g.AddEdge(tc.from, tc.to), tc.wantErr)
		})
	}
}

func TestDetectCycles(t *testing.T) {
	jobs := []string{"checkout", "build", "test", "deploy"}
	testCases := []struct {
		name      string
		jobs      []string
		edges     [][2]string
		wantCycle bool
	}{
		{name: "empty pipeline", jobs: nil},
		{name: "independent jobs", jobs: jobs},
		{
			name:  "chain with shortcut",
			jobs:  jobs,
			edges: [][2]string{{"checkout", "build"}, {"build", "test"}, {"checkout", "test"}, {"test", "deploy"}},
		},
		{
			name:      "two jobs needing each other",
			jobs:      jobs,
			edges:     [][2]string{{"build", "test"}, {"test", "build"}},
			wantCycle: true,
		},
		{
			name:      "deploy feeding back into checkout",
			jobs:      jobs,
			edges:     [][2]string{{"checkout", "build"}, {"build", "test"}, {"test", "deploy"}, {"deploy", "checkout"}},
			wantCycle: true,
		},
		{
			name:      "cycle in an unrelated component",
			jobs:      []string{"lint", "docs", "x", "y", "z"},
			edges:     [][2]string{{"lint", "docs"}, {"x", "y"}, {"y", "z"}, {"z", "y"}},
			wantCycle: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := build(t, tc.jobs, tc.edges...).DetectCycles()
			if !tc.wantCycle {
				assert.NoError(t, err)
				return
			}
			var cycleErr *CycleError
			require.ErrorAs(t, err, &cycleErr)
			assert.Equal(t, cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1])
		})
	}
}

func TestDetectCycles_ReportsPath(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c"} {
		g.AddNode(id)
	}
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))
	require.NoError(t, g.AddEdge("c", "a"))

	var cycleErr *CycleError
	require.ErrorAs(t, g.DetectCycles(), &cycleErr)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycleErr.Path)
}

// diamond builds lint, unitTest -> package -> deploy, plus an unrelated docs node.
func diamond(t *testing.T) *Graph {
	t.Helper()
	g := New()
	for _, id := range []string{"lint", "unitTest", "package", "deploy", "docs"} {
		g.AddNode(id)
	}
	require.NoError(t, g.AddEdge("lint", "package"))
	require.NoError(t, g.AddEdge("unitTest", "package"))
	require.NoError(t, g.AddEdge("package", "deploy"))
	return g
}

func TestDependenciesAndDependents(t *testing.T) {
	g := diamond(t)

	deps, err := g.Dependencies("package")
	require.NoError(t, err)
	assert.Equal(t, []string{"lint", "unitTest"}, deps)

	dependents, err := g.Dependents("lint")
	require.NoError(t, err)
	assert.Equal(t, []string{"package"}, dependents)

	_, err = g.Dependencies("dne")
	assert.ErrorContains(t, err, "node not found")
}

func TestTransitiveClosures(t *testing.T) {
	g := diamond(t)

	down, err := g.TransitiveDependents("lint")
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "package"}, down)

	up, err := g.TransitiveDependencies("deploy")
	require.NoError(t, err)
	assert.Equal(t, []string{"lint", "package", "unitTest"}, up)

	none, err := g.TransitiveDependents("docs")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTopologicalOrder(t *testing.T) {
	g := diamond(t)

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"lint", "unitTest", "docs", "package", "deploy"}, order)
	assert.Equal(t, []string{"lint", "unitTest", "package", "deploy", "docs"}, g.Nodes())
	assert.Equal(t, 5, g.Len())

	require.NoError(t, g.AddEdge("deploy", "lint"))
	_, err = g.TopologicalOrder()
	assert.ErrorContains(t, err, "cycle")
}
