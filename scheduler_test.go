package toolflow

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
)

func TestPlanIndependentReadsFormOneGroup(t *testing.T) {
	reg := NewRegistry(newMemTool())
	calls := mustCalls(reg,
		[3]string{"r1", "read", `{"path":"a.go"}`},
		[3]string{"r2", "read", `{"path":"b.go"}`},
		[3]string{"r3", "read", `{"path":"c.go"}`},
	)

	plan := Plan(calls, reg)
	groups := plan.ParallelGroups()
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if got := ids(groups[0]); !reflect.DeepEqual(got, []string{"r1", "r2", "r3"}) {
		t.Errorf("group = %v, want [r1 r2 r3]", got)
	}
	if len(plan.SerialQueue()) != 0 {
		t.Errorf("serial = %v, want empty", ids(plan.SerialQueue()))
	}
}

func TestPlanCrossFileWritesRunInParallelAndDependentReadWaits(t *testing.T) {
	reg := NewRegistry(newMemTool())
	calls := mustCalls(reg,
		[3]string{"wA", "write", `{"path":"a.go","content":"x"}`},
		[3]string{"wB", "write", `{"path":"b.go","content":"y"}`},
		[3]string{"rA", "read", `{"path":"a.go"}`},
	)

	plan := Plan(calls, reg)
	groups := plan.ParallelGroups()
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if got := ids(groups[0]); !reflect.DeepEqual(got, []string{"wA", "wB"}) {
		t.Errorf("write group = %v, want [wA wB]", got)
	}
	if got := ids(plan.SerialQueue()); !reflect.DeepEqual(got, []string{"rA"}) {
		t.Errorf("serial = %v, want [rA]", got)
	}
	if got := plan.WriteTargets(); !reflect.DeepEqual(got, []string{"a.go", "b.go"}) {
		t.Errorf("write targets = %v", got)
	}
}

func TestPlanSameFileWritesSerializeInOrder(t *testing.T) {
	reg := NewRegistry(newMemTool())
	calls := mustCalls(reg,
		[3]string{"w1", "write", `{"path":"a.go","content":"1"}`},
		[3]string{"w2", "write", `{"path":"./a.go","content":"2"}`},
	)

	plan := Plan(calls, reg)
	if n := len(plan.ParallelGroups()); n != 0 {
		t.Fatalf("groups = %d, want 0", n)
	}
	if got := ids(plan.SerialQueue()); !reflect.DeepEqual(got, []string{"w1", "w2"}) {
		t.Errorf("serial = %v, want [w1 w2]", got)
	}
}

func TestPlanDependentReadOrderedAfterSerializedWrites(t *testing.T) {
	reg := NewRegistry(newMemTool())
	calls := mustCalls(reg,
		[3]string{"r", "read", `{"path":"a.go"}`},
		[3]string{"w1", "write", `{"path":"a.go","content":"1"}`},
		[3]string{"s", "shell", `{"command":"make"}`},
		[3]string{"w2", "write", `{"path":"a.go","content":"2"}`},
	)

	plan := Plan(calls, reg)
	if got := ids(plan.SerialQueue()); !reflect.DeepEqual(got, []string{"w1", "s", "w2", "r"}) {
		t.Errorf("serial = %v, want [w1 s w2 r]", got)
	}
}

func TestPlanOtherCallsAreSerial(t *testing.T) {
	reg := NewRegistry(newMemTool())
	calls := mustCalls(reg,
		[3]string{"s1", "shell", `{"command":"ls"}`},
		[3]string{"q", "search", `{"query":"foo"}`},
		[3]string{"r", "read", `{"path":"a.go"}`},
		[3]string{"s2", "shell", `{"command":"pwd"}`},
	)

	plan := Plan(calls, reg)
	groups := plan.ParallelGroups()
	if len(groups) != 1 || !reflect.DeepEqual(ids(groups[0]), []string{"r"}) {
		t.Fatalf("groups = %v, want [[r]]", groups)
	}
	// search is parallel-safe but has no target, so it counts as other.
	if got := ids(plan.SerialQueue()); !reflect.DeepEqual(got, []string{"s1", "q", "s2"}) {
		t.Errorf("serial = %v, want [s1 q s2]", got)
	}
	for _, c := range calls {
		want := KindOther
		if c.Name == "read" {
			want = KindRead
		}
		if got := Classify(c, reg); got != want {
			t.Errorf("Classify(%s) = %s, want %s", c.Name, got, want)
		}
	}
}

func TestPlanSingleCallIsDirect(t *testing.T) {
	reg := NewRegistry(newMemTool())
	calls := mustCalls(reg, [3]string{"w", "write", `{"path":"a.go"}`})

	plan := Plan(calls, reg)
	if !plan.Direct() {
		t.Error("single call plan should be direct")
	}
	if plan.Len() != 1 || len(plan.ParallelGroups()) != 0 {
		t.Errorf("plan = %+v", plan.Summary())
	}
}

func TestPlanDuplicateReadsNeverShareGroup(t *testing.T) {
	reg := NewRegistry(newMemTool())
	calls := mustCalls(reg,
		[3]string{"r1", "read", `{"path":"a.go"}`},
		[3]string{"r2", "read", `{"path":"a.go"}`},
	)

	plan := Plan(calls, reg)
	groups := plan.ParallelGroups()
	if len(groups) != 1 || !reflect.DeepEqual(ids(groups[0]), []string{"r1"}) {
		t.Fatalf("groups = %v, want [[r1]]", groups)
	}
	if got := ids(plan.SerialQueue()); !reflect.DeepEqual(got, []string{"r2"}) {
		t.Errorf("serial = %v, want [r2]", got)
	}
}

func TestPlanDirectoryOverlap(t *testing.T) {
	reg := NewRegistry(newMemTool())
	calls := mustCalls(reg,
		[3]string{"d", "delete", `{"path":"pkg"}`},
		[3]string{"w", "write", `{"path":"pkg/a.go"}`},
		[3]string{"x", "write", `{"path":"other.go"}`},
	)

	plan := Plan(calls, reg)
	groups := plan.ParallelGroups()
	if len(groups) != 1 || !reflect.DeepEqual(ids(groups[0]), []string{"x"}) {
		t.Fatalf("groups = %v, want [[x]]", groups)
	}
	if got := ids(plan.SerialQueue()); !reflect.DeepEqual(got, []string{"d", "w"}) {
		t.Errorf("serial = %v, want [d w]", got)
	}
}

// Every call lands in exactly one place, no group has overlapping targets,
// and the serial queue preserves proposal order for non-read calls.
func TestPlanProperties(t *testing.T) {
	reg := NewRegistry(newMemTool())
	rng := rand.New(rand.NewSource(42))
	names := []string{"read", "write", "delete", "shell", "search"}
	paths := []string{"a.go", "b.go", "c.go", "dir", "dir/d.go"}

	for iter := 0; iter < 500; iter++ {
		n := 2 + rng.Intn(6)
		var specs [][3]string
		for i := 0; i < n; i++ {
			name := names[rng.Intn(len(names))]
			args := fmt.Sprintf(`{"path":%q}`, paths[rng.Intn(len(paths))])
			switch name {
			case "shell":
				args = `{"command":"true"}`
			case "search":
				args = `{"query":"q"}`
			}
			specs = append(specs, [3]string{fmt.Sprintf("c%d", i), name, args})
		}
		calls := mustCalls(reg, specs...)
		plan := Plan(calls, reg)

		if plan.Len() != len(calls) {
			t.Fatalf("iter %d: plan has %d calls, want %d", iter, plan.Len(), len(calls))
		}
		seen := make(map[string]int)
		for _, g := range plan.ParallelGroups() {
			for i := range g {
				seen[g[i].ID]++
				for j := i + 1; j < len(g); j++ {
					if anyOverlap(g[i].Targets(), g[j].Targets()) {
						t.Fatalf("iter %d: %s and %s overlap in one group", iter, g[i].ID, g[j].ID)
					}
				}
			}
		}
		last := -1
		for _, c := range plan.SerialQueue() {
			seen[c.ID]++
			if Classify(c, reg) != KindRead {
				if c.Index() < last {
					t.Fatalf("iter %d: serial queue out of order at %s", iter, c.ID)
				}
				last = c.Index()
			}
		}
		for _, c := range calls {
			if seen[c.ID] != 1 {
				t.Fatalf("iter %d: %s placed %d times", iter, c.ID, seen[c.ID])
			}
		}
	}
}
