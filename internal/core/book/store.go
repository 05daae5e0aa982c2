// Package book 维护各源市场的原始买卖盘状态。
// 内部不保证顺序，排序由合成订单簿构建器负责；
// 所有变更都在 update 临界区内发生，读取方总能观察到自洽的订单簿。
package book

import (
	"fmt"
	"sort"

	"orderbook-mirror/internal/core/model"
)

// marketBook 单个源市场的买卖盘
// 以规范化价格字符串为键，每个价格每侧至多一个档位
type marketBook struct {
	bids map[string]model.PriceLevel
	asks map[string]model.PriceLevel
}

// Store 源市场订单簿缓存
// 每个配置的源市场对应一份买卖盘，由本结构体独占持有，
// 对外只暴露排序后的拷贝，绝不共享内部引用
type Store struct {
	// books 按市场标识缓存买卖盘
	books map[string]*marketBook
}

// New 创建订单簿缓存
// 参数 markets: 配置的源市场标识（一个或两个）
func New(markets ...string) *Store {
	s := &Store{
		books: make(map[string]*marketBook, len(markets)),
	}
	for _, m := range markets {
		s.books[m] = &marketBook{
			bids: make(map[string]model.PriceLevel),
			asks: make(map[string]model.PriceLevel),
		}
	}
	return s
}

// ApplySnapshot 用全量快照替换指定市场的整个订单簿
// 幂等：对同一快照应用两次得到相同状态
// 参数 market: 市场标识
// 参数 bids/asks: 快照档位
// 返回: 市场未配置时返回错误（上游视为致命的不变量违例）
func (s *Store) ApplySnapshot(market string, bids, asks []model.PriceLevel) error {
	mb, ok := s.books[market]
	if !ok {
		return fmt.Errorf("收到未配置市场 %q 的快照", market)
	}

	mb.bids = make(map[string]model.PriceLevel, len(bids))
	mb.asks = make(map[string]model.PriceLevel, len(asks))
	for _, lv := range bids {
		if lv.Size.IsPositive() {
			mb.bids[lv.PriceKey()] = lv
		}
	}
	for _, lv := range asks {
		if lv.Size.IsPositive() {
			mb.asks[lv.PriceKey()] = lv
		}
	}
	return nil
}

// ApplyDelta 应用增量更新
// 数量为 0 的档位删除对应价格键，否则插入或覆盖；
// 增量中缺失的一侧保持不变
// 参数 market: 市场标识
// 参数 bids/asks: 增量档位
// 返回: 市场未配置时返回错误
func (s *Store) ApplyDelta(market string, bids, asks []model.PriceLevel) error {
	mb, ok := s.books[market]
	if !ok {
		return fmt.Errorf("收到未配置市场 %q 的增量更新", market)
	}

	applySide(mb.bids, bids)
	applySide(mb.asks, asks)
	return nil
}

// applySide 将增量档位应用到一侧
func applySide(side map[string]model.PriceLevel, levels []model.PriceLevel) {
	for _, lv := range levels {
		key := lv.PriceKey()
		if lv.Size.IsZero() || lv.Size.IsNegative() {
			delete(side, key)
			continue
		}
		side[key] = lv
	}
}

// Bids 获取指定市场按价格降序排列的买方档位拷贝
// 参数 market: 市场标识
// 返回: 未配置的市场返回 nil
func (s *Store) Bids(market string) []model.PriceLevel {
	mb, ok := s.books[market]
	if !ok {
		return nil
	}
	return sortedLevels(mb.bids, true)
}

// Asks 获取指定市场按价格升序排列的卖方档位拷贝
// 参数 market: 市场标识
// 返回: 未配置的市场返回 nil
func (s *Store) Asks(market string) []model.PriceLevel {
	mb, ok := s.books[market]
	if !ok {
		return nil
	}
	return sortedLevels(mb.asks, false)
}

// sortedLevels 将一侧的档位导出为排序切片
// 参数 desc: true 为降序（买方），false 为升序（卖方）
func sortedLevels(side map[string]model.PriceLevel, desc bool) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(side))
	for _, lv := range side {
		out = append(out, lv)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
