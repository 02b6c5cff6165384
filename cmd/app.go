package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"okx-signal-trader/internal/exchange/okx"
	"okx-signal-trader/internal/exchange/paper"
	"okx-signal-trader/internal/notifier"
	"okx-signal-trader/internal/scheduler"
	"okx-signal-trader/internal/storage"
	"okx-signal-trader/internal/strategy/database"
	"okx-signal-trader/internal/strategy/engine"
	"okx-signal-trader/internal/strategy/fetcher"
	"okx-signal-trader/internal/strategy/indicators"
	"okx-signal-trader/internal/strategy/monitor"
	"okx-signal-trader/internal/strategy/position"
	"okx-signal-trader/internal/strategy/risk"
	"okx-signal-trader/internal/strategy/websocket"
	"okx-signal-trader/pkg/types"
)

// App 应用程序管理器
type App struct {
	config *types.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateManager *storage.StateManager
	dbManager    *database.Manager
	wsClient     *websocket.Client
	monitor      *monitor.PerformanceMonitor
}

// NewApp 创建应用程序实例
func NewApp(config *types.Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 组装各模块并启动调度，交易品种或杠杆初始化失败时返回错误
func (app *App) Start() error {
	tc := app.config.Trading
	zap.L().Info("🚀 OKX Signal Trader 启动中...",
		zap.String("instrument", tc.Instrument),
		zap.String("inst_type", tc.InstType),
		zap.String("mode", app.config.Exchange.Mode),
		zap.Strings("timeframes", tc.Timeframes))

	client := okx.NewClient(app.config.Exchange, app.config.Network, tc.InstType)

	bootCtx, cancel := context.WithTimeout(app.ctx, 30*time.Second)
	defer cancel()

	rules, err := client.Instrument(bootCtx, tc.Instrument)
	if err != nil {
		return fmt.Errorf("获取交易品种规则失败: %w", err)
	}
	zap.L().Info("📏 交易品种规则",
		zap.Float64("tick_size", rules.TickSize),
		zap.Float64("lot_size", rules.LotSize),
		zap.Float64("min_size", rules.MinSize),
		zap.Float64("contract_value", rules.ContractValue))

	paperMode := app.config.Exchange.Mode == types.ExchangeModePaper
	if !paperMode {
		if err := client.SetLeverage(bootCtx, tc.Instrument, tc.Leverage); err != nil {
			return fmt.Errorf("设置杠杆失败: %w", err)
		}
	}

	// 风控
	rounder := risk.NewInstrumentRounder(rules)
	calc, err := risk.NewCalculator(tc)
	if err != nil {
		return err
	}
	sizer := risk.NewSizer(tc, rules, rounder)

	// 执行方：模拟盘或实盘
	var (
		executor  position.Executor
		account   position.AccountReader
		simulator *paper.Exchange
	)
	if paperMode {
		leverage := 1.0
		if tc.InstType == types.InstTypeSwap && tc.Leverage > 1 {
			leverage = float64(tc.Leverage)
		}
		simulator = paper.NewExchange(app.config.Exchange.PaperBalance, leverage, rules.ContractValue)
		executor, account = simulator, simulator
	} else {
		executor, account = client, client
	}

	manager := position.NewManager(position.Options{
		Instrument:     tc.Instrument,
		QuoteAsset:     tc.QuoteAsset,
		ExitOnOpposite: tc.ExitOnOpposite,
		ShortEnabled:   tc.InstType == types.InstTypeSwap,
	}, calc, sizer, rounder, executor, account)

	// 状态存储。每次启动都从空仓开始，上次运行遗留的持仓只告警不恢复
	app.stateManager = storage.NewStateManager(app.config.Redis, tc.Instrument)
	notify := notifier.New(app.config.DingTalk, app.config.PushPlus)
	app.checkLeftoverPosition(bootCtx, notify)

	deps := engine.Deps{
		Snapshots: fetcher.NewSnapshotProvider(
			tc.Instrument,
			fetcher.NewHistoryKlineFetcher(client, tc.CandleLimit),
			indicators.NewSnapshotBuilder(),
		),
		Lifecycle: manager,
		Store:     app.stateManager,
		Notifier:  notify,
	}
	if simulator != nil {
		deps.Simulator = simulator
	}

	// 交易日志数据库可选
	var perfStore monitor.PerformanceStore
	if app.config.Database.MySQL.Host != "" {
		dbManager, err := database.NewManager(app.config.Database.MySQL)
		if err != nil {
			zap.L().Warn("⚠️ 数据库连接失败，交易日志不落库", zap.Error(err))
		} else {
			app.dbManager = dbManager
			deps.Journal = dbManager
			perfStore = dbManager
		}
	}

	strategyEngine := engine.NewEngine(tc, deps)

	var reconciler *engine.Reconciler
	if !paperMode {
		reconciler = engine.NewReconciler(strategyEngine, client, tc.Instrument, rules.MinSize)
		strategyEngine.SetReconciler(reconciler)
	}

	app.startPriceWatcher(strategyEngine, simulator, reconciler)

	// 调度器
	taskScheduler := scheduler.NewScheduler(strategyEngine, app.stateManager, tc.PollInterval())
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		taskScheduler.Start(app.ctx)
	}()

	// 性能监控
	app.monitor = monitor.NewPerformanceMonitor(strategyEngine, perfStore, deps.Notifier, app.config.Monitor, tc.Instrument).
		WithDecisions(app.stateManager)
	if app.wsClient != nil {
		app.monitor.WithFeed(app.wsClient)
	}
	app.monitor.Start()

	zap.L().Info("✅ OKX Signal Trader 已启动")
	return nil
}

// checkLeftoverPosition 上次运行结束时仍有持仓，提醒人工核对交易所侧仓位和条件单
func (app *App) checkLeftoverPosition(ctx context.Context, notify notifier.Interface) {
	saved, ok, err := app.stateManager.LoadPosition(ctx)
	if err != nil {
		zap.L().Warn("读取上次持仓快照失败", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	zap.L().Warn("⚠️ 上次运行遗留持仓，不做恢复",
		zap.String("side", string(saved.Side)),
		zap.Float64("entry_price", saved.EntryPrice),
		zap.Float64("quantity", saved.Quantity),
		zap.Time("opened_at", saved.OpenedAt))

	content := fmt.Sprintf("%s 上次运行遗留 %s 持仓 %.6f @ %.4f，本次启动从空仓开始，请人工核对交易所仓位和条件单。",
		app.config.Trading.Instrument, saved.Side, saved.Quantity, saved.EntryPrice)
	if err := notify.SendText("⚠️ 遗留持仓", content); err != nil {
		zap.L().Warn("发送遗留持仓提醒失败", zap.Error(err))
	}

	if err := app.stateManager.SavePosition(ctx, types.Position{}); err != nil {
		zap.L().Warn("清理持仓快照失败", zap.Error(err))
	}
}

// startPriceWatcher 订阅实时价格驱动止损止盈，连接失败时退化为按周期收盘价检查
func (app *App) startPriceWatcher(strategyEngine *engine.Engine, simulator *paper.Exchange, reconciler *engine.Reconciler) {
	if !app.config.WebSocket.Enabled {
		zap.L().Info("🔧 未启用WebSocket，止损止盈按周期检查")
		return
	}

	app.wsClient = websocket.NewClient(app.config.Network.Proxy, app.config.WebSocket)
	if err := app.wsClient.Connect(); err != nil {
		zap.L().Warn("⚠️ WebSocket连接失败，止损止盈按周期检查", zap.Error(err))
		app.wsClient = nil
		return
	}
	if err := app.wsClient.Subscribe([]string{app.config.Trading.Instrument}); err != nil {
		zap.L().Warn("⚠️ 订阅实时价格失败", zap.Error(err))
	}
	app.wsClient.StartReading()

	var watcher *engine.TriggerWatcher
	if simulator != nil {
		watcher = engine.NewTriggerWatcher(strategyEngine, app.config.Trading.Instrument, simulator, reconciler)
	} else {
		watcher = engine.NewTriggerWatcher(strategyEngine, app.config.Trading.Instrument, nil, reconciler)
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		watcher.Run(app.ctx, app.wsClient.Ticks())
	}()
}

// Stop 停止应用程序
func (app *App) Stop() {
	zap.L().Info("🛑 收到停止信号，正在优雅关闭...")
	app.cancel()

	// 等待所有goroutine结束，最多等待30秒
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		zap.L().Warn("⚠️ 强制关闭超时")
	}

	if app.monitor != nil {
		app.monitor.PrintFormattedReport()
		if raw, err := app.monitor.GetMetricsJSON(); err == nil {
			zap.L().Info("📊 本次运行指标", zap.String("metrics", raw))
		}
		app.monitor.Stop()
	}
	if app.wsClient != nil {
		if err := app.wsClient.Close(); err != nil {
			zap.L().Warn("关闭WebSocket失败", zap.Error(err))
		}
	}
	if app.stateManager != nil {
		if err := app.stateManager.Close(); err != nil {
			zap.L().Warn("关闭Redis失败", zap.Error(err))
		}
	}
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			zap.L().Warn("关闭数据库失败", zap.Error(err))
		}
	}

	zap.L().Info("✅ OKX Signal Trader 已安全关闭")
}

// WaitForShutdown 等待关闭信号
func (app *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
