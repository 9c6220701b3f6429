// Package objects 实现 Titan 对象系统的全局对象存储。
//
// 本文件实现引用布局（Schema）：
// 1. 成员类型：单引用、引用数组、结构体数组、稀疏结构体数组、可选值、ARO 钩子
// 2. SchemaBuilder：支持父类布局复用的增量组装
// 3. 组装期并发保护与全局统计
package objects

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 成员类型
// ============================================================================

// MemberType 引用布局成员类型
type MemberType uint8

const (
	// MemberReference 单个引用槽位
	MemberReference MemberType = iota

	// MemberReferenceArray 变长引用数组
	MemberReferenceArray

	// MemberStructArray 结构体数组，每个元素按 Inner 布局遍历
	MemberStructArray

	// MemberSparseStructArray 稀疏结构体数组（集合/映射的底层存储），
	// 带有效位图；紧凑时按连续段整体下发
	MemberSparseStructArray

	// MemberOptional 可选值，存在时按 Inner 布局遍历
	MemberOptional

	// MemberARO 结构体级引用上报钩子
	MemberARO

	// MemberStop 布局终止哨兵（组装器内部使用）
	MemberStop
)

// String 成员类型名
func (t MemberType) String() string {
	switch t {
	case MemberReference:
		return "Reference"
	case MemberReferenceArray:
		return "ReferenceArray"
	case MemberStructArray:
		return "StructArray"
	case MemberSparseStructArray:
		return "SparseStructArray"
	case MemberOptional:
		return "Optional"
	case MemberARO:
		return "ARO"
	case MemberStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// ============================================================================
// 成员与布局
// ============================================================================

// ObjectAROFunc 对象级引用上报钩子
type ObjectAROFunc func(obj Object, c Collector)

// StructAROFunc 结构体级引用上报钩子
type StructAROFunc func(elem any, c Collector)

// SparseStructs 稀疏结构体数组视图
type SparseStructs struct {
	// Elems 底层元素存储（含空洞）
	Elems []any

	// Valid 下标处元素是否有效；nil 表示全部有效
	Valid func(i int) bool

	// Compact 存储是否无空洞（可按连续段整体下发）
	Compact bool
}

// Member 布局成员
//
// 访问器以闭包形式绑定具体载荷类型；Slot/Slots 返回的存储必须
// 可原地写入，killable 引用在目标待清理时会被就地置空。
type Member struct {
	// Name 调试名（类.属性），垃圾引用追踪按它去重
	Name string

	// Type 成员类型
	Type MemberType

	// Killable 目标带待清理标志时是否允许原地置空
	Killable bool

	// Slot 单引用槽位访问器（MemberReference）
	Slot func(obj any) *ObjectIndex

	// Slots 引用数组访问器（MemberReferenceArray）
	Slots func(obj any) []ObjectIndex

	// Structs 结构体数组访问器（MemberStructArray / MemberOptional，
	// Optional 语义下返回 0 或 1 个元素）
	Structs func(obj any) []any

	// Sparse 稀疏结构体数组访问器（MemberSparseStructArray）
	Sparse func(obj any) SparseStructs

	// StructARO 结构体级钩子（MemberARO）
	StructARO StructAROFunc

	// Inner 元素内层布局
	Inner *Schema
}

// Schema 对象引用布局
type Schema struct {
	// Members 布局成员
	Members []Member

	// ARO 对象级引用上报钩子，可为 nil
	ARO ObjectAROFunc

	// StructSize 元素规模提示（内层布局用，0 表示未知）
	StructSize int32
}

// HasARO 是否带对象级钩子
func (s *Schema) HasARO() bool { return s != nil && s.ARO != nil }

// NumMembers 成员数；nil 布局为 0
func (s *Schema) NumMembers() int {
	if s == nil {
		return 0
	}
	return len(s.Members)
}

// ============================================================================
// 组装器
// ============================================================================

// assembleMu 非并发安全的布局组装路径共用一把锁
var assembleMu sync.Mutex

// numBuiltSchemas 已组装布局计数（内存统计用）
var numBuiltSchemas atomic.Int64

// numBuiltMembers 已组装成员计数
var numBuiltMembers atomic.Int64

// SchemaBuilder 布局组装器
//
// 组装顺序：先 Append 父类布局，再 Add 本类成员，最后 Build。
// 若本类未新增成员且钩子与父类一致，Build 直接复用父类布局。
type SchemaBuilder struct {
	members    []Member
	structSize int32
	super      *Schema
	numSuper   int
}

// NewSchemaBuilder 创建组装器；structSize 为元素规模提示
func NewSchemaBuilder(structSize int32) *SchemaBuilder {
	return &SchemaBuilder{structSize: structSize}
}

// Append 追加父类布局的全部成员
func (b *SchemaBuilder) Append(super *Schema) {
	if super == nil {
		return
	}
	b.members = append(b.members, super.Members...)
	if b.super == nil {
		b.super = super
		b.numSuper = len(b.members)
	}
}

// Add 追加一个成员
func (b *SchemaBuilder) Add(m Member) {
	if m.Type == MemberStop {
		return
	}
	b.members = append(b.members, m)
}

// NumMembers 当前成员数
func (b *SchemaBuilder) NumMembers() int { return len(b.members) }

// Build 组装布局
//
// 未新增成员且 aro 与父类布局一致时返回父类布局本身，
// 避免同一继承链重复持有相同成员表。
func (b *SchemaBuilder) Build(aro ObjectAROFunc) *Schema {
	assembleMu.Lock()
	defer assembleMu.Unlock()

	if b.super != nil && len(b.members) == b.numSuper && b.numSuper > 0 && sameARO(aro, b.super.ARO) {
		return b.super
	}

	s := &Schema{
		Members:    append([]Member(nil), b.members...),
		ARO:        aro,
		StructSize: b.structSize,
	}
	numBuiltSchemas.Add(1)
	numBuiltMembers.Add(int64(len(s.Members)))
	return s
}

// sameARO 比较两个钩子是否为同一函数
func sameARO(a, b ObjectAROFunc) bool {
	if a == nil || b == nil {
		return (a == nil) == (b == nil)
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// CountSchemas 已组装布局数与成员总数（内存统计用）
func CountSchemas() (schemas, members int64) {
	return numBuiltSchemas.Load(), numBuiltMembers.Load()
}
