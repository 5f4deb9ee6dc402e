// Package admin provides read-only operator introspection into pgpooler's
// live topology: which backends are configured, which worker (if any) owns
// each one, and their current pool occupancy. It never touches the proxy
// hot path — every method here only reads state others already maintain.
package admin

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/awalterschulze/gographviz"

	"github.com/pgpooler/pgpooler/pkg/pool"
	"github.com/pgpooler/pgpooler/pkg/router"
)

// BackendOwner reports the backend names a single worker owns, for labeling
// the topology graph. Index i is worker i. A nil or empty slice means
// pgpooler is running in single-process mode (pkg/proxy, no workers).
type BackendOwner [][]string

// TopologyRenderer renders the live backend/worker topology as a Graphviz
// DOT graph. Built once at startup from the resolved backend list and the
// worker ownership plan; pool occupancy is read fresh on every render from
// the capacity managers supplied.
type TopologyRenderer struct {
	backends  []router.ResolvedBackend
	owners    BackendOwner
	capacities []*pool.CapacityManager
}

// NewTopologyRenderer builds a renderer over backends. capacities must have
// one entry per owners group (or a single entry, reused for every backend,
// in single-process mode where there is only one CapacityManager).
func NewTopologyRenderer(backends []router.ResolvedBackend, owners BackendOwner, capacities []*pool.CapacityManager) *TopologyRenderer {
	return &TopologyRenderer{backends: backends, owners: owners, capacities: capacities}
}

// capacityFor returns the CapacityManager that owns backend name, given the
// ownership plan, defaulting to the first (or only) one.
func (t *TopologyRenderer) capacityFor(name string) *pool.CapacityManager {
	if len(t.capacities) == 0 {
		return nil
	}
	for i, group := range t.owners {
		for _, b := range group {
			if b == name && i < len(t.capacities) {
				return t.capacities[i]
			}
		}
	}
	return t.capacities[0]
}

// workerOf returns the worker index owning backend name, or -1 if pgpooler
// is running without a worker plan.
func (t *TopologyRenderer) workerOf(name string) int {
	for i, group := range t.owners {
		for _, b := range group {
			if b == name {
				return i
			}
		}
	}
	return -1
}

// Render produces the DOT source for the current topology. Node labels
// include live in_use/in_pool/max occupancy so a rendered graph doubles as a
// point-in-time pool snapshot.
func (t *TopologyRenderer) Render() (string, error) {
	g := gographviz.NewGraph()
	if err := g.SetName("pgpooler"); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}

	names := make([]string, 0, len(t.backends))
	for _, b := range t.backends {
		names = append(names, b.Name)
	}
	sort.Strings(names)

	workerSeen := make(map[int]bool)
	byName := make(map[string]router.ResolvedBackend, len(t.backends))
	for _, b := range t.backends {
		byName[b.Name] = b
	}

	for _, name := range names {
		b := byName[name]
		idx := t.workerOf(name)
		if idx >= 0 && !workerSeen[idx] {
			workerSeen[idx] = true
			if err := g.AddNode("pgpooler", fmt.Sprintf("worker_%d", idx), map[string]string{
				"label": fmt.Sprintf("\"worker %d\"", idx),
				"shape": "box",
			}); err != nil {
				return "", err
			}
		}

		stats := pool.Stats{}
		if cm := t.capacityFor(name); cm != nil {
			stats = cm.Stats(name)
		}

		nodeName := dotSafe(name)
		label := fmt.Sprintf("\"%s\\n%s:%d\\npool_mode=%s\\nin_use=%d in_pool=%d max=%d\"",
			name, b.Host, b.Port, b.PoolMode, stats.InUse, stats.InPool, stats.Max)
		if err := g.AddNode("pgpooler", nodeName, map[string]string{
			"label": label,
			"shape": "ellipse",
		}); err != nil {
			return "", err
		}

		if idx >= 0 {
			if err := g.AddEdge(fmt.Sprintf("worker_%d", idx), nodeName, true, nil); err != nil {
				return "", err
			}
		}
	}

	return g.String(), nil
}

// Handler serves the rendered DOT graph as text/vnd.graphviz over HTTP, for
// wiring onto observability.MetricsServer's admin mux.
func (t *TopologyRenderer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dot, err := t.Render()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		w.Write([]byte(dot))
	})
}

// dotSafe quotes a backend name for use as a DOT node identifier: backend
// names are operator-chosen and may contain characters DOT's bare
// identifier syntax disallows, so every node name is rendered quoted.
func dotSafe(name string) string {
	return fmt.Sprintf("%q", name)
}
