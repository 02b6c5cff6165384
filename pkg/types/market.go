package types

import "time"

// KLine K线数据结构（通用市场数据）
type KLine struct {
	Symbol    string    `json:"symbol"`
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Interval  string    `json:"interval"` // 1m, 5m, 1h ...
}

// PriceTick 实时成交价
type PriceTick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// InstrumentRules 交易品种的下单精度规则
type InstrumentRules struct {
	InstID        string  `json:"inst_id"`
	TickSize      float64 `json:"tick_size"`      // 价格精度
	LotSize       float64 `json:"lot_size"`       // 数量步长
	MinSize       float64 `json:"min_size"`       // 最小下单数量
	ContractValue float64 `json:"contract_value"` // 合约面值，现货为1
}
