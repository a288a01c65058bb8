package workflow

import "fmt"

// Reachable returns every node transitively fed by the entry node's outputs,
// entry included, discovered breadth-first. The scheduler re-derives actual
// execution order dynamically, so no topological guarantee is made here.
// A cyclic workflow fails before traversal.
func Reachable(w *Workflow) ([]Node, error) {
	if err := detectCycle(w); err != nil {
		return nil, err
	}
	entry := w.Entry()

	var order []Node
	seen := map[string]bool{entry.ID: true}
	queue := []string{entry.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n, _ := w.Node(id)
		order = append(order, *n)
		for _, e := range w.OutEdges(id) {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return order, nil
}

// DependencySubset returns the minimal set of nodes needed to execute the
// target node, topologically ordered so every node appears after all of its
// dependencies. Asking for the entry node returns just the entry node.
func DependencySubset(w *Workflow, targetID string) ([]Node, error) {
	if err := detectCycle(w); err != nil {
		return nil, err
	}
	entry := w.Entry()
	if targetID == entry.ID {
		return []Node{*entry}, nil
	}
	if _, ok := w.Node(targetID); !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, targetID)
	}

	// Walk edges backward from the target to collect its ancestors.
	needed := map[string]bool{targetID: true, entry.ID: true}
	stack := []string{targetID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range w.InEdges(id) {
			if !needed[e.Source] {
				needed[e.Source] = true
				stack = append(stack, e.Source)
			}
		}
	}

	// Depth-first topological sort restricted to the needed set.
	var order []Node
	done := make(map[string]bool, len(needed))
	var visit func(id string)
	visit = func(id string) {
		if done[id] {
			return
		}
		done[id] = true
		for _, e := range w.InEdges(id) {
			if needed[e.Source] {
				visit(e.Source)
			}
		}
		n, _ := w.Node(id)
		order = append(order, *n)
	}
	visit(entry.ID)
	visit(targetID)
	return order, nil
}
