package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

// DecisionWindow 按时间窗口保存最近的决策
type DecisionWindow struct {
	data   []types.AggregateDecision
	maxAge time.Duration
	mutex  sync.RWMutex
}

func NewDecisionWindow(maxAge time.Duration) *DecisionWindow {
	return &DecisionWindow{
		data:   make([]types.AggregateDecision, 0, 64),
		maxAge: maxAge,
	}
}

func (w *DecisionWindow) Add(decision types.AggregateDecision) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.data = append(w.data, decision)

	// 清理超过maxAge的旧数据
	cutoff := decision.DecidedAt.Add(-w.maxAge)
	start := 0
	for start < len(w.data) && w.data[start].DecidedAt.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.data = append(w.data[:0], w.data[start:]...)
	}
}

// Recent 最近n条决策，按时间从新到旧
func (w *DecisionWindow) Recent(n int) []types.AggregateDecision {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	if n <= 0 || n > len(w.data) {
		n = len(w.data)
	}
	out := make([]types.AggregateDecision, 0, n)
	for i := len(w.data) - 1; i >= len(w.data)-n; i-- {
		out = append(out, w.data[i])
	}
	return out
}

func (w *DecisionWindow) Length() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return len(w.data)
}

// StateManager 决策与持仓状态的内存存储，配置Redis时同步镜像
type StateManager struct {
	instrument  string
	decisions   *DecisionWindow
	position    types.Position
	mutex       sync.RWMutex
	redisClient *redis.Client
	useRedis    bool
	retention   time.Duration
}

func NewStateManager(redisConfig types.RedisConfig, instrument string) *StateManager {
	sm := &StateManager{
		instrument: instrument,
		decisions:  NewDecisionWindow(24 * time.Hour),
		retention:  24 * time.Hour,
	}

	// 尝试连接Redis
	if redisConfig.URL != "" {
		sm.redisClient = redis.NewClient(&redis.Options{
			Addr:     redisConfig.URL,
			Password: redisConfig.Password,
			DB:       redisConfig.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := sm.redisClient.Ping(ctx).Result(); err != nil {
			zap.L().Warn("⚠️ Redis连接失败，使用纯内存模式", zap.Error(err))
			sm.useRedis = false
		} else {
			zap.L().Info("✅ Redis连接成功", zap.String("addr", redisConfig.URL))
			sm.useRedis = true
		}
	} else {
		zap.L().Info("🔧 未配置Redis，使用纯内存模式")
	}

	return sm
}

func (sm *StateManager) decisionKey() string {
	return fmt.Sprintf("okx:decision:%s", sm.instrument)
}

func (sm *StateManager) positionKey() string {
	return fmt.Sprintf("okx:position:%s", sm.instrument)
}

// RecordDecision 保存本周期的聚合决策
func (sm *StateManager) RecordDecision(decision types.AggregateDecision) {
	sm.decisions.Add(decision)

	// 异步备份到Redis
	if sm.useRedis {
		go sm.backupDecision(decision)
	}
}

// backupDecision 以决策时间为分数写入 Sorted Set，只保留 retention 内的数据
func (sm *StateManager) backupDecision(decision types.AggregateDecision) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	value, err := json.Marshal(decision)
	if err != nil {
		zap.L().Warn("序列化决策失败", zap.Error(err))
		return
	}

	key := sm.decisionKey()
	err = sm.redisClient.ZAdd(ctx, key, &redis.Z{
		Score:  float64(decision.DecidedAt.Unix()),
		Member: value,
	}).Err()
	if err != nil {
		zap.L().Warn("Redis存储决策失败", zap.String("key", key), zap.Error(err))
		return
	}

	sm.redisClient.Expire(ctx, key, sm.retention)
	cutoff := float64(time.Now().Add(-sm.retention).Unix())
	sm.redisClient.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%.0f", cutoff))
}

// SavePosition 保存当前持仓。平仓后保存空持仓，Redis中对应key被删除。
func (sm *StateManager) SavePosition(ctx context.Context, position types.Position) error {
	sm.mutex.Lock()
	sm.position = position
	sm.mutex.Unlock()

	if !sm.useRedis {
		return nil
	}

	if !position.IsOpen {
		return sm.redisClient.Del(ctx, sm.positionKey()).Err()
	}
	value, err := json.Marshal(position)
	if err != nil {
		return fmt.Errorf("序列化持仓失败: %w", err)
	}
	return sm.redisClient.Set(ctx, sm.positionKey(), value, 0).Err()
}

// LoadPosition 读取上次保存的持仓，启动时用于检查遗留持仓
func (sm *StateManager) LoadPosition(ctx context.Context) (types.Position, bool, error) {
	if !sm.useRedis {
		sm.mutex.RLock()
		defer sm.mutex.RUnlock()
		return sm.position, sm.position.IsOpen, nil
	}

	raw, err := sm.redisClient.Get(ctx, sm.positionKey()).Bytes()
	if err == redis.Nil {
		return types.Position{}, false, nil
	}
	if err != nil {
		return types.Position{}, false, fmt.Errorf("读取持仓失败: %w", err)
	}

	var position types.Position
	if err := json.Unmarshal(raw, &position); err != nil {
		return types.Position{}, false, fmt.Errorf("解析持仓失败: %w", err)
	}
	return position, position.IsOpen, nil
}

// RecentDecisions 最近n条决策
func (sm *StateManager) RecentDecisions(n int) []types.AggregateDecision {
	return sm.decisions.Recent(n)
}

// GetRedisStats 获取存储统计信息
func (sm *StateManager) GetRedisStats() map[string]interface{} {
	stats := map[string]interface{}{
		"redis_enabled":    sm.useRedis,
		"memory_decisions": sm.decisions.Length(),
	}

	if sm.useRedis {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		count, err := sm.redisClient.ZCard(ctx, sm.decisionKey()).Result()
		if err == nil {
			stats["redis_decisions"] = count
		} else {
			stats["redis_error"] = err.Error()
		}
	}

	return stats
}

// Close 关闭Redis连接
func (sm *StateManager) Close() error {
	if sm.redisClient != nil {
		return sm.redisClient.Close()
	}
	return nil
}
