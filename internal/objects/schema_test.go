package objects

import "testing"

type schemaHolder struct {
	child ObjectIndex
	items []ObjectIndex
}

func TestSchemaBuilderBasic(t *testing.T) {
	b := NewSchemaBuilder(0)
	b.Add(Member{
		Name: "holder.child",
		Type: MemberReference,
		Slot: func(obj any) *ObjectIndex { return &obj.(*schemaHolder).child },
	})
	b.Add(Member{
		Name:  "holder.items",
		Type:  MemberReferenceArray,
		Slots: func(obj any) []ObjectIndex { return obj.(*schemaHolder).items },
	})

	s := b.Build(nil)
	if s.NumMembers() != 2 {
		t.Fatalf("expected 2 members, got %d", s.NumMembers())
	}

	h := &schemaHolder{child: 7, items: []ObjectIndex{1, 2}}
	if got := *s.Members[0].Slot(h); got != 7 {
		t.Errorf("slot accessor returned %d", got)
	}
	if got := s.Members[1].Slots(h); len(got) != 2 || got[0] != 1 {
		t.Errorf("slots accessor returned %v", got)
	}
}

func TestSchemaBuilderReusesSuper(t *testing.T) {
	aro := func(obj Object, c Collector) {}

	base := NewSchemaBuilder(0)
	base.Add(Member{
		Name: "base.child",
		Type: MemberReference,
		Slot: func(obj any) *ObjectIndex { return &obj.(*schemaHolder).child },
	})
	super := base.Build(aro)

	// 未新增成员且钩子一致：复用父类布局
	derived := NewSchemaBuilder(0)
	derived.Append(super)
	if got := derived.Build(aro); got != super {
		t.Error("expected derived schema to reuse super")
	}

	// 钩子不同：必须组装新布局
	other := NewSchemaBuilder(0)
	other.Append(super)
	if got := other.Build(func(obj Object, c Collector) {}); got == super {
		t.Error("different ARO must not reuse super")
	}

	// 新增成员：必须组装新布局
	extended := NewSchemaBuilder(0)
	extended.Append(super)
	extended.Add(Member{
		Name:  "derived.items",
		Type:  MemberReferenceArray,
		Slots: func(obj any) []ObjectIndex { return obj.(*schemaHolder).items },
	})
	got := extended.Build(aro)
	if got == super {
		t.Fatal("extended schema must not reuse super")
	}
	if got.NumMembers() != 2 {
		t.Errorf("expected 2 members, got %d", got.NumMembers())
	}
}

func TestSchemaBuilderIgnoresStop(t *testing.T) {
	b := NewSchemaBuilder(0)
	b.Add(Member{Type: MemberStop})
	if b.NumMembers() != 0 {
		t.Errorf("stop member should be ignored, got %d members", b.NumMembers())
	}
}
