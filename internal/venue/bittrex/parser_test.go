// Package bittrex 源交易所解析器测试
package bittrex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderbook-mirror/internal/venue"
)

func TestParse_Snapshot(t *testing.T) {
	p := NewParser()

	data := []byte(`{"type":"l2snapshot","market":"GBYTE-BTC","bids":[["0.003","5"],["0.002","3"]],"asks":[["0.004","2"]]}`)
	ev, err := p.Parse(data)
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, venue.SourceBookSnapshot, ev.Type)
	assert.Equal(t, "GBYTE-BTC", ev.Market)
	require.Len(t, ev.Bids, 2)
	assert.Equal(t, "0.003", ev.Bids[0].Price.String())
	assert.Equal(t, "5", ev.Bids[0].Size.String())
	require.Len(t, ev.Asks, 1)
	assert.Equal(t, "0.004", ev.Asks[0].Price.String())
}

func TestParse_Delta(t *testing.T) {
	p := NewParser()

	data := []byte(`{"type":"l2update","market":"GBYTE-BTC","bids":[["0.003","0"]]}`)
	ev, err := p.Parse(data)
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, venue.SourceBookDelta, ev.Type)
	// 数量为 0 的档位必须保留，由订单簿缓存按删除处理
	require.Len(t, ev.Bids, 1)
	assert.True(t, ev.Bids[0].Size.IsZero())
	assert.Empty(t, ev.Asks)
}

func TestParse_IgnoresOtherTypes(t *testing.T) {
	p := NewParser()

	ev, err := p.Parse([]byte(`{"type":"pong"}`))
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestParse_MissingMarket(t *testing.T) {
	p := NewParser()

	_, err := p.Parse([]byte(`{"type":"l2snapshot","bids":[["0.003","5"]]}`))
	assert.Error(t, err)
}

func TestParse_MalformedLevel(t *testing.T) {
	p := NewParser()

	_, err := p.Parse([]byte(`{"type":"l2update","market":"GBYTE-BTC","bids":[["0.003"]]}`))
	assert.Error(t, err)

	_, err = p.Parse([]byte(`{"type":"l2update","market":"GBYTE-BTC","bids":[["abc","5"]]}`))
	assert.Error(t, err)
}

func TestParse_InvalidJSON(t *testing.T) {
	p := NewParser()

	_, err := p.Parse([]byte(`{broken`))
	assert.Error(t, err)
}
