package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDependencyCycle is returned when a flag write would make the dependency
// graph cyclic.
var ErrDependencyCycle = errors.New("dependency cycle")

// CheckDependencyCycle verifies that following dependency edges from name
// never returns to an already-visited flag. The graph maps every flag name
// to its dependency list and must include the pending write, so that the
// check rejects the mutation before it is stored. Dependencies on flags
// absent from the graph are allowed here; existence is a separate check.
func CheckDependencyCycle(name string, graph map[string][]string) error {
	return walkDependencies(name, graph, map[string]bool{}, []string{name})
}

func walkDependencies(name string, graph map[string][]string, onPath map[string]bool, trail []string) error {
	onPath[name] = true
	defer delete(onPath, name)

	for _, dep := range graph[name] {
		if onPath[dep] {
			cycle := append(append([]string{}, trail...), dep)
			return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
		}
		if err := walkDependencies(dep, graph, onPath, append(append([]string{}, trail...), dep)); err != nil {
			return err
		}
	}

	return nil
}
