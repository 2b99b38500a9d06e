// Package validation provides structural checks for correction chains.
package validation

import (
	"fmt"
	"strings"
)

// ChainLink is the minimal view of a memory needed for chain validation:
// its id and the id it supersedes (empty when it corrects nothing).
type ChainLink struct {
	ID         string
	Supersedes string
}

// ChainCheckResult contains the result of a chain cycle check.
type ChainCheckResult struct {
	HasCycle     bool
	CyclePath    []string // ids involved in the cycle (if found)
	ErrorMessage string
}

// DetectChainCycles checks that supersedes edges form a forest of chains
// (a DAG with at most one outgoing edge per node) using Kahn's algorithm.
//
// Example cycle: A supersedes B, B supersedes C, C supersedes A. Leaf
// resolution during recall would loop forever on such a chain, so cycles
// are rejected before anything is written.
func DetectChainCycles(links []ChainLink) ChainCheckResult {
	if len(links) == 0 {
		return ChainCheckResult{HasCycle: false}
	}

	// Build adjacency and in-degree over the supersedes edges.
	inDegree := make(map[string]int)
	graph := make(map[string][]string) // superseded id -> correcting ids
	allNodes := make(map[string]bool)

	for _, l := range links {
		allNodes[l.ID] = true
		if _, exists := inDegree[l.ID]; !exists {
			inDegree[l.ID] = 0
		}
	}

	for _, l := range links {
		if l.Supersedes == "" || l.Supersedes == l.ID {
			if l.Supersedes == l.ID && l.ID != "" {
				return ChainCheckResult{
					HasCycle:     true,
					CyclePath:    []string{l.ID, l.ID},
					ErrorMessage: fmt.Sprintf("memory %s supersedes itself", l.ID),
				}
			}
			continue
		}
		if !allNodes[l.Supersedes] {
			// Edge points outside the set under validation; the target
			// cannot be part of a cycle within this set.
			continue
		}
		graph[l.Supersedes] = append(graph[l.Supersedes], l.ID)
		inDegree[l.ID]++
	}

	// Kahn's algorithm: peel nodes with no incoming edges.
	queue := []string{}
	for node, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, node)
		}
	}

	processed := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		processed++

		for _, dependent := range graph[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processed == len(allNodes) {
		return ChainCheckResult{HasCycle: false}
	}

	cycleNodes := []string{}
	for node, degree := range inDegree {
		if degree > 0 {
			cycleNodes = append(cycleNodes, node)
		}
	}

	return ChainCheckResult{
		HasCycle:     true,
		CyclePath:    cycleNodes,
		ErrorMessage: fmt.Sprintf("correction cycle detected involving memories: %s", strings.Join(cycleNodes, " -> ")),
	}
}

// ValidateChains is a convenience wrapper that returns an error if the
// supersedes edges contain a cycle.
func ValidateChains(links []ChainLink) error {
	result := DetectChainCycles(links)
	if result.HasCycle {
		return fmt.Errorf("%s", result.ErrorMessage)
	}
	return nil
}
