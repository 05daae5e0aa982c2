// Package lock 实现命名临界区。
// 同名临界区内的操作严格串行，不同名临界区可以并行。
// 引擎依赖四个临界区: update（订单簿变更+重建+对账）、bids/asks（余额读取与扣减）、
// source_trade（对冲计算与下单）。
package lock

import (
	"sync"
)

// 引擎使用的临界区名称
const (
	SectionUpdate      = "update"
	SectionBids        = "bids"
	SectionAsks        = "asks"
	SectionSourceTrade = "source_trade"
)

// Sections 命名临界区集合
// 每个名称对应一把互斥锁，按需创建
type Sections struct {
	mu       sync.Mutex
	sections map[string]*sync.Mutex
}

// NewSections 创建命名临界区集合
func NewSections() *Sections {
	return &Sections{
		sections: make(map[string]*sync.Mutex, 4),
	}
}

// Lock 进入指定名称的临界区
// 返回: 离开临界区的函数，必须调用（建议 defer）
func (s *Sections) Lock(name string) (unlock func()) {
	s.mu.Lock()
	m, ok := s.sections[name]
	if !ok {
		m = &sync.Mutex{}
		s.sections[name] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}
