package tree

import (
	"testing"
	"time"
)

func branch(id, parent string, t time.Time) Branch {
	return Branch{ID: id, ParentBranchID: parent, Role: RoleUser, CreatedAt: t}
}

func TestProjectLinearPath(t *testing.T) {
	base := time.Now()
	m1 := Message{ID: "m1", Order: 0, ActiveBranchID: "b1", Branches: []Branch{branch("b1", RootParentID, base)}}
	m2 := Message{ID: "m2", Order: 1, ActiveBranchID: "b2", Branches: []Branch{branch("b2", "b1", base.Add(time.Second))}}
	view := Project(Snapshot{Messages: []Message{m1, m2}})
	if len(view) != 2 {
		t.Fatalf("expected 2 messages in view, got %d", len(view))
	}
	if view[0].ID != "m1" || view[1].ID != "m2" {
		t.Fatalf("unexpected order: %+v", view)
	}
}

func TestProjectSkipsOrphanedBranch(t *testing.T) {
	base := time.Now()
	m1 := Message{ID: "m1", Order: 0, ActiveBranchID: "b1", Branches: []Branch{branch("b1", RootParentID, base)}}
	// m2's active branch parents at a branch id that never appears anywhere.
	m2 := Message{ID: "m2", Order: 1, ActiveBranchID: "b2", Branches: []Branch{branch("b2", "ghost", base.Add(time.Second))}}
	view := Project(Snapshot{Messages: []Message{m1, m2}})
	if len(view) != 1 || view[0].ID != "m1" {
		t.Fatalf("expected only m1 in view, got %+v", view)
	}
}

func TestProjectPicksCanonicalRootByRecency(t *testing.T) {
	base := time.Now()
	rootA := Message{ID: "rootA", Order: 0, ActiveBranchID: "a1", Branches: []Branch{branch("a1", RootParentID, base)}}
	rootB := Message{ID: "rootB", Order: 1, ActiveBranchID: "b1", Branches: []Branch{branch("b1", RootParentID, base.Add(time.Minute))}}
	view := Project(Snapshot{Messages: []Message{rootA, rootB}})
	if len(view) != 1 || view[0].ID != "rootB" {
		t.Fatalf("expected canonical root rootB only, got %+v", view)
	}
}

func TestProjectExcludesPrivateBranchFromOtherViewer(t *testing.T) {
	base := time.Now()
	priv := branch("b1", RootParentID, base)
	priv.PrivateToUserID = "u1"
	m1 := Message{ID: "m1", Order: 0, ActiveBranchID: "b1", Branches: []Branch{priv}}

	asOwner := Project(Snapshot{Messages: []Message{m1}, ViewerID: "u1"})
	asOther := Project(Snapshot{Messages: []Message{m1}, ViewerID: "u2"})

	if len(asOwner) != 1 {
		t.Fatalf("owner should see the private branch, got %+v", asOwner)
	}
	if len(asOther) != 0 {
		t.Fatalf("other viewer must not see the private branch, got %+v", asOther)
	}
}

func TestProjectHonorsDetachedOverride(t *testing.T) {
	base := time.Now()
	root := Message{ID: "m1", Order: 0, ActiveBranchID: "b1", Branches: []Branch{branch("b1", RootParentID, base)}}
	// Two sibling branches on m2: the shared active one (b2a) and a
	// viewer-local detached alternative (b2b), both parented at b1.
	m2 := Message{
		ID: "m2", Order: 1, ActiveBranchID: "b2a",
		Branches: []Branch{
			branch("b2a", "b1", base.Add(time.Second)),
			branch("b2b", "b1", base.Add(2*time.Second)),
		},
	}
	// m3 only chains off the detached branch b2b, not the shared b2a.
	m3 := Message{ID: "m3", Order: 2, ActiveBranchID: "b3", Branches: []Branch{branch("b3", "b2b", base.Add(3*time.Second))}}

	shared := Project(Snapshot{Messages: []Message{root, m2, m3}, ViewerID: "u1"})
	if len(shared) != 2 || shared[1].ID != "m2" {
		t.Fatalf("shared view should stop at m2 via the active branch, got %+v", shared)
	}

	detached := Project(Snapshot{
		Messages:   []Message{root, m2, m3},
		ViewerID:   "u1",
		IsDetached: true,
		Detached:   map[string]string{"m2": "b2b"},
	})
	if len(detached) != 3 || detached[1].ID != "m2" || detached[2].ID != "m3" {
		t.Fatalf("detached view should follow the override into m3, got %+v", detached)
	}
	if detached[1].ActiveBranchID != "b2b" {
		t.Fatalf("detached m2 should report the overridden branch as active, got %q", detached[1].ActiveBranchID)
	}
}

func TestProjectCanonicalRootConsidersSubtreeRecency(t *testing.T) {
	base := time.Now()
	// rootA's own branch is older, but its subtree (m2 chained off a1)
	// contains the most recently created branch overall.
	rootA := Message{ID: "rootA", Order: 0, ActiveBranchID: "a1", Branches: []Branch{branch("a1", RootParentID, base)}}
	m2 := Message{ID: "m2", Order: 1, ActiveBranchID: "b2", Branches: []Branch{branch("b2", "a1", base.Add(time.Hour))}}
	rootB := Message{ID: "rootB", Order: 2, ActiveBranchID: "b1", Branches: []Branch{branch("b1", RootParentID, base.Add(time.Minute))}}

	view := Project(Snapshot{Messages: []Message{rootA, m2, rootB}})
	if len(view) != 2 || view[0].ID != "rootA" || view[1].ID != "m2" {
		t.Fatalf("expected rootA's subtree to win on recency, got %+v", view)
	}
}

func TestProjectIdenticalUnderDifferingPrivateBranches(t *testing.T) {
	base := time.Now()
	m1 := Message{ID: "m1", Order: 0, ActiveBranchID: "b1", Branches: []Branch{branch("b1", RootParentID, base)}}
	priv := branch("b2", "b1", base.Add(time.Second))
	priv.PrivateToUserID = "other-user"
	m2 := Message{ID: "m2", Order: 1, ActiveBranchID: "b2", Branches: []Branch{priv}}

	withPrivate := Project(Snapshot{Messages: []Message{m1, m2}, ViewerID: "viewer"})
	withoutPrivate := Project(Snapshot{Messages: []Message{m1}, ViewerID: "viewer"})

	if len(withPrivate) != len(withoutPrivate) {
		t.Fatalf("state differing only in another user's private branch must project identically: %+v vs %+v", withPrivate, withoutPrivate)
	}
}
