package main

import (
	"fmt"
	"math/rand"

	"github.com/tangzhangming/titan/internal/gc"
	"github.com/tangzhangming/titan/internal/objects"
)

// node 压测用合成对象
type node struct {
	name  string
	extra objects.ObjectIndex
	refs  []objects.ObjectIndex
	weak  objects.WeakRef
}

// nodeSchema node 的引用布局
var nodeSchema = buildNodeSchema()

func buildNodeSchema() *objects.Schema {
	b := objects.NewSchemaBuilder(0)
	b.Add(objects.Member{
		Name:     "node.extra",
		Type:     objects.MemberReference,
		Killable: true,
		Slot:     func(obj any) *objects.ObjectIndex { return &obj.(*node).extra },
	})
	b.Add(objects.Member{
		Name:     "node.refs",
		Type:     objects.MemberReferenceArray,
		Killable: true,
		Slots:    func(obj any) []objects.ObjectIndex { return obj.(*node).refs },
	})
	return b.Build(nil)
}

func (n *node) GCSchema() *objects.Schema { return nodeSchema }

func (n *node) BeginDestroy() {}

func (n *node) IsReadyForFinishDestroy() bool { return true }

func (n *node) FinishDestroy() {}

func (n *node) IsDestructionThreadSafe() bool { return true }

func (n *node) Name() string { return n.name }

func (n *node) WeakSlots() []*objects.WeakRef { return []*objects.WeakRef{&n.weak} }

// graph 合成对象图
type graph struct {
	store       *objects.Store
	state       *gc.GCState
	roots       []objects.ObjectIndex
	all         []objects.ObjectIndex
	numClusters int
}

// buildGraph 构建合成对象图
//
// 对象随机互联，约 1% 进入根集合；clusterRatio 份额的对象按
// 16 个一组折叠为簇。
func buildGraph(store *objects.Store, state *gc.GCState, n, fanout int, clusterRatio float64, seed int64) *graph {
	rng := rand.New(rand.NewSource(seed))
	g := &graph{store: store, state: state}

	g.all = make([]objects.ObjectIndex, n)
	for i := 0; i < n; i++ {
		g.all[i] = store.Allocate(&node{
			name:  fmt.Sprintf("node-%d", i),
			extra: objects.NullObjectIndex,
		})
	}

	for _, idx := range g.all {
		nd := store.Item(idx).Object().(*node)
		nd.extra = g.all[rng.Intn(n)]
		nd.refs = make([]objects.ObjectIndex, fanout)
		for j := range nd.refs {
			nd.refs[j] = g.all[rng.Intn(n)]
		}
		nd.weak = objects.MakeWeakRef(store, g.all[rng.Intn(n)])
	}

	numRoots := n / 100
	if numRoots < 1 {
		numRoots = 1
	}
	for i := 0; i < numRoots; i++ {
		root := g.all[rng.Intn(n)]
		store.AddToRootSet(root)
		g.roots = append(g.roots, root)
	}

	// 折叠部分对象为簇（16 个一组，首个为簇根）
	clustered := int(float64(n) * clusterRatio)
	const clusterSize = 16
	for lo := 0; lo+clusterSize <= clustered; lo += clusterSize {
		root := g.all[lo]
		if store.Item(root).HasAnyFlags(objects.FlagClustered) {
			continue
		}
		var members []objects.ObjectIndex
		for _, m := range g.all[lo+1 : lo+clusterSize] {
			if !store.Item(m).HasAnyFlags(objects.FlagClustered) {
				members = append(members, m)
			}
		}
		state.Clusters().Create(root, members)
		g.numClusters++
	}

	return g
}

// churn 随机改写引用并标记一部分对象为待清理
func (g *graph) churn(rng *rand.Rand, killRatio float64) {
	live := g.liveObjects()
	if len(live) == 0 {
		return
	}

	// 随机重连约 10% 的对象，制造不可达子图
	for i := 0; i < len(live)/10; i++ {
		idx := live[rng.Intn(len(live))]
		nd := g.store.Item(idx).Object().(*node)
		if len(nd.refs) > 0 {
			nd.refs[rng.Intn(len(nd.refs))] = live[rng.Intn(len(live))]
		}
		nd.extra = live[rng.Intn(len(live))]
	}

	// 标记待清理（跳过根与簇成员）
	kills := int(float64(len(live)) * killRatio)
	for i := 0; i < kills; i++ {
		idx := live[rng.Intn(len(live))]
		it := g.store.Item(idx)
		if it.IsRootSet() || it.HasAnyFlags(objects.FlagClustered) {
			continue
		}
		g.store.MarkPendingKill(idx)
	}
}

// liveObjects 当前存活对象快照
func (g *graph) liveObjects() []objects.ObjectIndex {
	var out []objects.ObjectIndex
	maxIndex := g.store.MaxIndex()
	for i := int32(0); i < maxIndex; i++ {
		idx := objects.ObjectIndex(i)
		if it := g.store.ResolveItem(idx); it != nil && it.State() == objects.StateActive {
			out = append(out, idx)
		}
	}
	return out
}
