package scheduler

import "testing"

func TestDetectCycles(t *testing.T) {
	tests := []struct {
		name      string
		tasks     []string
		edges     []Edge
		wantPaths map[string]string // task key -> path; absent means acyclic
	}{
		{
			name:      "acyclic chain",
			tasks:     []string{"A", "B", "C"},
			edges:     []Edge{blocks("B", "A"), blocks("C", "B")},
			wantPaths: map[string]string{},
		},
		{
			name:  "two node cycle",
			tasks: []string{"A", "B"},
			edges: []Edge{blocks("A", "B"), blocks("B", "A")},
			wantPaths: map[string]string{
				"A": "A -> B -> A",
				"B": "B -> A -> B",
			},
		},
		{
			name:  "three node cycle with tail",
			tasks: []string{"A", "B", "C", "D"},
			edges: []Edge{blocks("A", "B"), blocks("B", "C"), blocks("C", "A"), blocks("D", "A")},
			wantPaths: map[string]string{
				"A": "A -> B -> C -> A",
				"B": "B -> C -> A -> B",
				"C": "C -> A -> B -> C",
			},
		},
		{
			name:      "self loop",
			tasks:     []string{"A", "B"},
			edges:     []Edge{blocks("A", "A")},
			wantPaths: map[string]string{"A": "A -> A"},
		},
		{
			name:  "non blocking edges are ignored",
			tasks: []string{"A", "B"},
			edges: []Edge{
				blocks("A", "B"),
				{TaskID: "id-B", DependsOnID: "id-A", RelationType: RelationRelates},
			},
			wantPaths: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tasks []Task
			for _, k := range tt.tasks {
				tasks = append(tasks, task(k, StatusNotStarted, 1))
			}
			report := DetectCycles(NewGraph(tasks, tt.edges))

			if report.Len() != len(tt.wantPaths) {
				t.Errorf("expected %d cyclic tasks, got %d", len(tt.wantPaths), report.Len())
			}
			for _, k := range tt.tasks {
				want, cyclic := tt.wantPaths[k]
				if report.Contains("id-"+k) != cyclic {
					t.Errorf("task %s: Contains = %v, want %v", k, !cyclic, cyclic)
				}
				if got := report.Path("id-" + k); got != want {
					t.Errorf("task %s: path %q, want %q", k, got, want)
				}
			}
		})
	}
}
