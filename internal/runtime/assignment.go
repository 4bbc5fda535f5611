package runtime

import "sort"

// Assign deals a topic's partitions to the group's members: member ids are
// sorted, then partitions 0..partitions-1 go to members round-robin. The
// result is deterministic, disjoint, and total; every member appears in the
// map even when it receives no partitions.
func Assign(members []string, partitions int) map[string][]int {
	assignment := make(map[string][]int, len(members))
	if len(members) == 0 {
		return assignment
	}

	sorted := make([]string, len(members))
	copy(sorted, members)
	sort.Strings(sorted)

	for _, member := range sorted {
		assignment[member] = []int{}
	}
	for p := 0; p < partitions; p++ {
		member := sorted[p%len(sorted)]
		assignment[member] = append(assignment[member], p)
	}
	return assignment
}
