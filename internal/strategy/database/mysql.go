package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"okx-signal-trader/pkg/types"
)

// Manager 交易日志数据库
type Manager struct {
	db     *gorm.DB
	config types.MySQLConfig
}

// Decision 每个周期的聚合决策
type Decision struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Instrument string    `gorm:"type:varchar(32);not null;index:idx_inst_time" json:"instrument"`
	DecidedAt  int64     `gorm:"not null;index:idx_inst_time" json:"decided_at"`
	TotalScore float64   `gorm:"type:decimal(10,4);not null" json:"total_score"`
	Direction  string    `gorm:"type:enum('LONG','SHORT','HOLD');not null" json:"direction"`
	Threshold  float64   `gorm:"type:decimal(10,4);not null" json:"threshold"`
	Scores     string    `gorm:"type:text" json:"scores"` // 各周期得分明细JSON
	CreatedAt  time.Time `json:"created_at"`
}

// TradeEvent 开平仓记录
type TradeEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Instrument string    `gorm:"type:varchar(32);not null;index:idx_inst_time" json:"instrument"`
	EventTime  int64     `gorm:"not null;index:idx_inst_time" json:"event_time"`
	EventType  string    `gorm:"type:enum('OPENED','CLOSED');not null" json:"event_type"`
	Side       string    `gorm:"type:enum('LONG','SHORT');not null" json:"side"`
	Price      float64   `gorm:"type:decimal(20,8);not null" json:"price"`
	EntryPrice float64   `gorm:"type:decimal(20,8)" json:"entry_price"`
	Quantity   float64   `gorm:"type:decimal(20,8);not null" json:"quantity"`
	StopLoss   float64   `gorm:"type:decimal(20,8)" json:"stop_loss"`
	TakeProfit float64   `gorm:"type:decimal(20,8)" json:"take_profit"`
	Reason     *string   `gorm:"type:varchar(32)" json:"reason"`
	Score      float64   `gorm:"type:decimal(10,4)" json:"score"`
	ReturnPct  *float64  `gorm:"type:decimal(10,4)" json:"return_pct"`
	CreatedAt  time.Time `json:"created_at"`
}

// StrategyPerformance 按日汇总
type StrategyPerformance struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Instrument     string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_inst_date" json:"instrument"`
	Date           time.Time `gorm:"type:date;not null;uniqueIndex:uk_inst_date" json:"date"`
	TotalDecisions int       `gorm:"default:0" json:"total_decisions"`
	LongDecisions  int       `gorm:"default:0" json:"long_decisions"`
	ShortDecisions int       `gorm:"default:0" json:"short_decisions"`
	Opened         int       `gorm:"default:0" json:"opened"`
	Closed         int       `gorm:"default:0" json:"closed"`
	Wins           int       `gorm:"default:0" json:"wins"`
	SumReturnPct   float64   `gorm:"type:decimal(12,4);default:0" json:"sum_return_pct"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewManager 连接MySQL并迁移表结构
func NewManager(config types.MySQLConfig) (*Manager, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		config.Username,
		config.Password,
		config.Host,
		config.Port,
		config.Database,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库实例失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	manager := &Manager{db: db, config: config}
	if err := manager.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}

	zap.L().Info("✅ MySQL数据库连接成功",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("database", config.Database))

	return manager, nil
}

// AutoMigrate 自动迁移表结构
func (m *Manager) AutoMigrate() error {
	return m.db.AutoMigrate(
		&Decision{},
		&TradeEvent{},
		&StrategyPerformance{},
	)
}

// SaveDecision 保存聚合决策并累计当日统计
func (m *Manager) SaveDecision(instrument string, decision types.AggregateDecision) error {
	record, err := newDecisionRecord(instrument, decision)
	if err != nil {
		return err
	}
	if err := m.db.Create(record).Error; err != nil {
		return fmt.Errorf("保存决策失败: %w", err)
	}

	updates := map[string]int{"total_decisions": 1}
	switch decision.Direction {
	case types.DirectionLong:
		updates["long_decisions"] = 1
	case types.DirectionShort:
		updates["short_decisions"] = 1
	}
	return m.accumulate(instrument, decision.DecidedAt, updates, 0)
}

// SavePositionEvent 保存开平仓记录
func (m *Manager) SavePositionEvent(event types.PositionEvent) error {
	record := newTradeEvent(event)
	if err := m.db.Create(record).Error; err != nil {
		return fmt.Errorf("保存交易记录失败: %w", err)
	}

	if event.Type == types.EventOpened {
		return m.accumulate(event.Instrument, event.Time, map[string]int{"opened": 1}, 0)
	}

	updates := map[string]int{"closed": 1}
	ret := event.ReturnPct()
	if ret > 0 {
		updates["wins"] = 1
	}
	return m.accumulate(event.Instrument, event.Time, updates, ret)
}

// accumulate 当日统计累加，记录不存在时创建
func (m *Manager) accumulate(instrument string, at time.Time, counters map[string]int, returnPct float64) error {
	day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())

	var performance StrategyPerformance
	result := m.db.Where("instrument = ? AND date = ?", instrument, day).First(&performance)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		performance = StrategyPerformance{
			Instrument:     instrument,
			Date:           day,
			TotalDecisions: counters["total_decisions"],
			LongDecisions:  counters["long_decisions"],
			ShortDecisions: counters["short_decisions"],
			Opened:         counters["opened"],
			Closed:         counters["closed"],
			Wins:           counters["wins"],
			SumReturnPct:   returnPct,
		}
		return m.db.Create(&performance).Error
	} else if result.Error != nil {
		return result.Error
	}

	updates := map[string]interface{}{}
	for column, delta := range counters {
		updates[column] = gorm.Expr(column+" + ?", delta)
	}
	if returnPct != 0 {
		updates["sum_return_pct"] = gorm.Expr("sum_return_pct + ?", returnPct)
	}
	return m.db.Model(&performance).Where("id = ?", performance.ID).Updates(updates).Error
}

// GetTradeEvents 最近的开平仓记录
func (m *Manager) GetTradeEvents(instrument string, limit int) ([]TradeEvent, error) {
	var events []TradeEvent
	err := m.db.Where("instrument = ?", instrument).
		Order("event_time DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// GetStrategyPerformance 最近days天的统计
func (m *Manager) GetStrategyPerformance(instrument string, days int) ([]StrategyPerformance, error) {
	var performances []StrategyPerformance
	startDate := time.Now().AddDate(0, 0, -days).Truncate(24 * time.Hour)

	err := m.db.Where("instrument = ? AND date >= ?", instrument, startDate).
		Order("date DESC").
		Find(&performances).Error
	return performances, err
}

// Close 关闭数据库连接
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接健康状态
func (m *Manager) Health() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func newDecisionRecord(instrument string, decision types.AggregateDecision) (*Decision, error) {
	scores, err := json.Marshal(decision.Scores)
	if err != nil {
		return nil, fmt.Errorf("序列化周期得分失败: %w", err)
	}
	return &Decision{
		Instrument: instrument,
		DecidedAt:  decision.DecidedAt.Unix(),
		TotalScore: decision.TotalScore,
		Direction:  string(decision.Direction),
		Threshold:  decision.Threshold,
		Scores:     string(scores),
		CreatedAt:  time.Now(),
	}, nil
}

func newTradeEvent(event types.PositionEvent) *TradeEvent {
	record := &TradeEvent{
		Instrument: event.Instrument,
		EventTime:  event.Time.Unix(),
		EventType:  string(event.Type),
		Side:       string(event.Side),
		Price:      event.Price,
		EntryPrice: event.EntryPrice,
		Quantity:   event.Quantity,
		StopLoss:   event.StopLoss,
		TakeProfit: event.TakeProfit,
		Score:      event.Score,
		CreatedAt:  time.Now(),
	}
	if event.Reason != "" {
		reason := string(event.Reason)
		record.Reason = &reason
	}
	if event.Type == types.EventClosed && event.Price > 0 {
		ret := event.ReturnPct()
		record.ReturnPct = &ret
	}
	return record
}
