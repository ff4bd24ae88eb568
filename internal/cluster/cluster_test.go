package cluster

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestUnionFind(t *testing.T) {
	u := NewUnionFind()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		u.Add(id)
	}

	if !u.Union("a", "b") {
		t.Error("Union(a, b) = false, want true")
	}
	if u.Union("b", "a") {
		t.Error("repeated Union should report false")
	}
	u.Union("c", "d")
	u.Union("b", "d")

	if !u.Connected("a", "c") {
		t.Error("a and c should be connected transitively")
	}
	if u.Connected("a", "e") {
		t.Error("a and e should not be connected")
	}

	want := [][]string{{"a", "b", "c", "d"}, {"e"}}
	if got := u.Groups(); !reflect.DeepEqual(got, want) {
		t.Errorf("Groups() = %v, want %v", got, want)
	}
}

func TestUnionFind_PathCompression(t *testing.T) {
	u := NewUnionFind()
	ids := []string{"n0", "n1", "n2", "n3", "n4", "n5"}
	for i := 1; i < len(ids); i++ {
		u.Union(ids[i-1], ids[i])
	}
	root := u.Find(ids[len(ids)-1])
	for _, id := range ids {
		if u.Find(id) != root {
			t.Fatalf("Find(%s) != root", id)
		}
		if id != root && u.parent[id] != root {
			t.Errorf("parent[%s] = %s after Find, want root %s", id, u.parent[id], root)
		}
	}
}

func TestInMemoryRepository_AddMemberAndMerge(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()

	a := NewSingleton("c1", "q1")
	b := NewSingleton("c1", "q2")
	_ = repo.Create(ctx, a)
	_ = repo.Create(ctx, b)

	if err := repo.AddMember(ctx, a.ID, "q3"); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	_ = repo.AddMember(ctx, a.ID, "q3")

	members, err := repo.ApplyMerges(ctx, []Merge{{IntoID: a.ID, FromIDs: []string{b.ID}, Representative: "q2"}})
	if err != nil {
		t.Fatalf("ApplyMerges() error = %v", err)
	}
	if want := []string{"q1", "q3", "q2"}; !reflect.DeepEqual(members[a.ID], want) {
		t.Errorf("members = %v, want %v", members[a.ID], want)
	}

	got, _ := repo.Get(ctx, a.ID)
	if got.RepresentativeQuestionID != "q2" {
		t.Errorf("representative = %s, want q2", got.RepresentativeQuestionID)
	}
	if _, err := repo.Get(ctx, b.ID); !errors.Is(err, ErrClusterNotFound) {
		t.Errorf("merged cluster still present: %v", err)
	}

	list, _ := repo.ListByContest(ctx, "c1")
	if len(list) != 1 {
		t.Errorf("len(ListByContest) = %d, want 1", len(list))
	}
}

func TestInMemoryRepository_ApplyMergesValidatesFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	a := NewSingleton("c1", "q1")
	b := NewSingleton("c1", "q2")
	_ = repo.Create(ctx, a)
	_ = repo.Create(ctx, b)

	_, err := repo.ApplyMerges(ctx, []Merge{
		{IntoID: a.ID, FromIDs: []string{b.ID}},
		{IntoID: "missing"},
	})
	if !errors.Is(err, ErrClusterNotFound) {
		t.Fatalf("ApplyMerges() error = %v", err)
	}
	if _, err := repo.Get(ctx, b.ID); err != nil {
		t.Error("failed merge batch must not delete clusters")
	}
}
