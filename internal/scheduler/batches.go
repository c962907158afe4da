package scheduler

// partitionBatches groups an ordered plan into waves that can run in
// parallel: a task lands one wave after the latest of its in-plan
// dependencies, so no wave contains both ends of an edge. Tasks keep their
// plan order inside a wave.
func partitionBatches(g *Graph, ordered []Task) [][]Task {
	if len(ordered) == 0 {
		return [][]Task{}
	}

	level := make(map[string]int, len(ordered))
	inPlan := make(map[string]bool, len(ordered))
	for _, t := range ordered {
		inPlan[t.ID] = true
	}

	// ordered already places dependencies first, so one pass suffices
	depth := 0
	for _, t := range ordered {
		lvl := 0
		for _, depID := range g.localBlockingDeps(t.ID) {
			if inPlan[depID] {
				lvl = max(lvl, level[depID]+1)
			}
		}
		level[t.ID] = lvl
		depth = max(depth, lvl)
	}

	batches := make([][]Task, depth+1)
	for _, t := range ordered {
		batches[level[t.ID]] = append(batches[level[t.ID]], t)
	}
	return batches
}
