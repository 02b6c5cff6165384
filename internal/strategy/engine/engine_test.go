package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"okx-signal-trader/internal/strategy/position"
	"okx-signal-trader/pkg/types"
)

type fakeSnapshots struct {
	snaps     map[string]types.IndicatorSnapshot
	err       error
	requested []string
}

func (f *fakeSnapshots) Snapshots(_ context.Context, timeframes []string) (map[string]types.IndicatorSnapshot, error) {
	f.requested = timeframes
	if f.err != nil {
		return nil, f.err
	}
	return f.snaps, nil
}

type fakeLifecycle struct {
	mu        sync.Mutex
	position  types.Position
	decisions []types.AggregateDecision
	entries   []position.EntryContext
	exits     []types.ExitReason
	fills     []float64
	outcome   position.Outcome
	err       error
}

func (f *fakeLifecycle) OnDecision(_ context.Context, d types.AggregateDecision, entry position.EntryContext) (position.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d)
	f.entries = append(f.entries, entry)
	if f.outcome.Transition == position.TransitionOpened {
		f.position = f.outcome.Position
	}
	return f.outcome, f.err
}

func (f *fakeLifecycle) ReportExit(_ context.Context, reason types.ExitReason, fill float64) (position.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.position.IsOpen {
		return position.Outcome{Transition: position.TransitionNone}, nil
	}
	f.exits = append(f.exits, reason)
	f.fills = append(f.fills, fill)
	event := &types.PositionEvent{Type: types.EventClosed, Side: f.position.Side, Price: fill, Reason: reason}
	f.position = types.Position{}
	return position.Outcome{Transition: position.TransitionClosed, Event: event}, nil
}

func (f *fakeLifecycle) Position() types.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

type fakeStore struct {
	decisions []types.AggregateDecision
	positions []types.Position
}

func (f *fakeStore) RecordDecision(d types.AggregateDecision) { f.decisions = append(f.decisions, d) }
func (f *fakeStore) SavePosition(_ context.Context, p types.Position) error {
	f.positions = append(f.positions, p)
	return nil
}

type fakeJournal struct {
	decisions int
	events    chan types.PositionEvent
}

func (f *fakeJournal) SaveDecision(string, types.AggregateDecision) error {
	f.decisions++
	return nil
}
func (f *fakeJournal) SavePositionEvent(e types.PositionEvent) error {
	f.events <- e
	return nil
}

type fakeNotifier struct {
	events []*types.PositionEvent
	texts  []string
}

func (f *fakeNotifier) SendPositionEvent(e *types.PositionEvent) error {
	f.events = append(f.events, e)
	return nil
}
func (f *fakeNotifier) SendText(title, _ string) error {
	f.texts = append(f.texts, title)
	return nil
}

func bullish(close, atr float64) types.IndicatorSnapshot {
	return types.IndicatorSnapshot{
		RSI: 15, MAShort: 105, MAShortPrev: 100, MALong: 101, MALongPrev: 100,
		MACD: 2, MACDSignal: 1, Close: close, UpperBand: close + 200, LowerBand: close - 200, ATR: atr,
	}
}

func testConfig() types.TradingConfig {
	return types.TradingConfig{
		Instrument:     "BTC-USDT",
		Timeframes:     []string{"1m", "5m"},
		EntryTimeframe: "1m",
		RiskTimeframes: []string{"5m", "15m"},
		EntryThreshold: 60,
	}
}

func testSnapshots() map[string]types.IndicatorSnapshot {
	return map[string]types.IndicatorSnapshot{
		"1m":  bullish(50000, 80),
		"5m":  bullish(50010, 100),
		"15m": {RSI: 50, Close: 50020, UpperBand: 50400, LowerBand: 49600, ATR: 150},
	}
}

func TestDataFailureSkipsLifecycle(t *testing.T) {
	src := &fakeSnapshots{err: types.ErrDataUnavailable}
	life := &fakeLifecycle{}
	store := &fakeStore{}
	e := NewEngine(testConfig(), Deps{Snapshots: src, Lifecycle: life, Store: store})

	_, err := e.RunCycle(context.Background())
	if !errors.Is(err, types.ErrDataUnavailable) {
		t.Fatalf("err=%v want ErrDataUnavailable", err)
	}
	if len(life.decisions) != 0 || len(store.decisions) != 0 {
		t.Fatalf("lifecycle/store must not be touched on data failure")
	}

	stats := e.GetStats()
	if stats["cycles"].(int64) != 1 {
		t.Fatalf("cycles=%v", stats["cycles"])
	}
	if stats["failures"].(map[string]int64)["DataUnavailable"] != 1 {
		t.Fatalf("failures=%v", stats["failures"])
	}
}

func TestRunCycleOpensLong(t *testing.T) {
	src := &fakeSnapshots{snaps: testSnapshots()}
	opened := types.Position{IsOpen: true, Side: types.SideLong, EntryPrice: 50000, Quantity: 0.02, StopLoss: 49750, TakeProfit: 50900}
	life := &fakeLifecycle{outcome: position.Outcome{
		Transition: position.TransitionOpened,
		Position:   opened,
		Event:      &types.PositionEvent{Type: types.EventOpened, Side: types.SideLong, Price: 50000},
	}}
	store := &fakeStore{}
	journal := &fakeJournal{events: make(chan types.PositionEvent, 1)}
	notify := &fakeNotifier{}

	e := NewEngine(testConfig(), Deps{Snapshots: src, Lifecycle: life, Store: store, Journal: journal, Notifier: notify})

	decision, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Direction != types.DirectionLong || decision.TotalScore != 100 {
		t.Fatalf("decision=%s score=%v want LONG 100", decision.Direction, decision.TotalScore)
	}
	if len(src.requested) != 3 {
		t.Fatalf("requested timeframes=%v want 1m,5m,15m", src.requested)
	}

	entry := life.entries[0]
	if entry.ReferencePrice != 50000 {
		t.Fatalf("reference price=%v want 50000", entry.ReferencePrice)
	}
	want := types.RiskInputs{ATRA: 100, ATRB: 150, BandRangeA: 400, BandRangeB: 800}
	if entry.Risk != want {
		t.Fatalf("risk inputs=%+v want %+v", entry.Risk, want)
	}

	if len(store.decisions) != 1 || len(store.positions) != 1 || !store.positions[0].IsOpen {
		t.Fatalf("store decisions=%d positions=%+v", len(store.decisions), store.positions)
	}
	if journal.decisions != 1 {
		t.Fatalf("journal decisions=%d", journal.decisions)
	}
	select {
	case ev := <-journal.events:
		if ev.Type != types.EventOpened {
			t.Fatalf("journal event=%+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("position event not journaled")
	}
	if len(notify.events) != 1 {
		t.Fatalf("notifications=%d want 1", len(notify.events))
	}

	stats := e.GetStats()
	if stats["opened"].(int64) != 1 || stats["long_decisions"].(int64) != 1 {
		t.Fatalf("stats=%v", stats)
	}
}

func TestHoldDoesNotPersistPosition(t *testing.T) {
	snaps := testSnapshots()
	snaps["5m"] = types.IndicatorSnapshot{RSI: 50, Close: 50010, UpperBand: 50200, LowerBand: 49800, ATR: 100}
	life := &fakeLifecycle{outcome: position.Outcome{Transition: position.TransitionNone}}
	store := &fakeStore{}
	notify := &fakeNotifier{}

	e := NewEngine(testConfig(), Deps{Snapshots: &fakeSnapshots{snaps: snaps}, Lifecycle: life, Store: store, Notifier: notify})
	decision, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Direction != types.DirectionHold {
		t.Fatalf("direction=%s want HOLD (score %v)", decision.Direction, decision.TotalScore)
	}
	if len(store.positions) != 0 || len(notify.events) != 0 {
		t.Fatalf("no position change expected")
	}
}

func TestUnprotectedOpenAlerts(t *testing.T) {
	life := &fakeLifecycle{
		outcome: position.Outcome{
			Transition: position.TransitionOpened,
			Position:   types.Position{IsOpen: true, Side: types.SideLong},
		},
		err: types.ErrExecutionFailure,
	}
	notify := &fakeNotifier{}
	e := NewEngine(testConfig(), Deps{Snapshots: &fakeSnapshots{snaps: testSnapshots()}, Lifecycle: life, Notifier: notify})

	if _, err := e.RunCycle(context.Background()); !errors.Is(err, types.ErrExecutionFailure) {
		t.Fatalf("err=%v want ErrExecutionFailure", err)
	}
	if len(notify.texts) != 1 {
		t.Fatalf("alerts=%v want 1", notify.texts)
	}
	if e.GetStats()["failures"].(map[string]int64)["ExecutionFailure"] != 1 {
		t.Fatalf("failure not counted")
	}
}

func TestMissingRiskTimeframeIsConfigError(t *testing.T) {
	cfg := testConfig()
	cfg.RiskTimeframes = []string{"5m"}
	life := &fakeLifecycle{}
	e := NewEngine(cfg, Deps{Snapshots: &fakeSnapshots{snaps: testSnapshots()}, Lifecycle: life})

	if _, err := e.RunCycle(context.Background()); !errors.Is(err, types.ErrConfig) {
		t.Fatalf("err=%v want ErrConfig", err)
	}
	if len(life.decisions) != 0 {
		t.Fatalf("lifecycle must not be called")
	}
}

func TestCrossedLevel(t *testing.T) {
	long := types.Position{IsOpen: true, Side: types.SideLong, StopLoss: 49750, TakeProfit: 50900}
	short := types.Position{IsOpen: true, Side: types.SideShort, StopLoss: 50250, TakeProfit: 49100}

	cases := []struct {
		name   string
		p      types.Position
		price  float64
		reason types.ExitReason
		level  float64
		hit    bool
	}{
		{"long inside", long, 50000, "", 0, false},
		{"long stop", long, 49700, types.ExitStopLoss, 49750, true},
		{"long take profit", long, 50900, types.ExitTakeProfit, 50900, true},
		{"short inside", short, 50000, "", 0, false},
		{"short stop", short, 50300, types.ExitStopLoss, 50250, true},
		{"short take profit", short, 49000, types.ExitTakeProfit, 49100, true},
		{"closed", types.Position{}, 1, "", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason, level, hit := CrossedLevel(tc.p, tc.price)
			if reason != tc.reason || level != tc.level || hit != tc.hit {
				t.Fatalf("got (%s,%v,%v) want (%s,%v,%v)", reason, level, hit, tc.reason, tc.level, tc.hit)
			}
		})
	}

	if reason, fill := InferExit(long, 50100); reason != types.ExitExternal || fill != 50100 {
		t.Fatalf("InferExit=(%s,%v) want EXCHANGE_FLAT at last price", reason, fill)
	}
}

type fakeSimulator struct {
	trigger float64
	prices  []float64
}

func (f *fakeSimulator) UpdatePrice(_ string, price float64) (types.ExitReason, float64, bool) {
	f.prices = append(f.prices, price)
	if price <= f.trigger {
		return types.ExitStopLoss, f.trigger, true
	}
	return "", 0, false
}

func TestTriggerWatcherSimulatedStop(t *testing.T) {
	life := &fakeLifecycle{position: types.Position{IsOpen: true, Side: types.SideLong, StopLoss: 49750}}
	store := &fakeStore{}
	e := NewEngine(testConfig(), Deps{Lifecycle: life, Store: store})
	sim := &fakeSimulator{trigger: 49750}
	w := NewTriggerWatcher(e, "BTC-USDT", sim, nil)

	ticks := make(chan types.PriceTick, 4)
	ticks <- types.PriceTick{Symbol: "ETH-USDT", Price: 1}
	ticks <- types.PriceTick{Symbol: "BTC-USDT", Price: 49900}
	ticks <- types.PriceTick{Symbol: "BTC-USDT", Price: 49700}
	close(ticks)

	w.Run(context.Background(), ticks)

	if len(sim.prices) != 2 {
		t.Fatalf("simulator prices=%v, other instruments must be ignored", sim.prices)
	}
	if len(life.exits) != 1 || life.exits[0] != types.ExitStopLoss || life.fills[0] != 49750 {
		t.Fatalf("exits=%v fills=%v", life.exits, life.fills)
	}
	if len(store.positions) != 1 || store.positions[0].IsOpen {
		t.Fatalf("closed position not persisted: %+v", store.positions)
	}
	if w.latestPrice() != 49700 {
		t.Fatalf("last price=%v", w.latestPrice())
	}
}

type fakeReader struct {
	size float64
	err  error
}

func (f *fakeReader) PositionSize(context.Context, string) (float64, error) { return f.size, f.err }

func TestReconcilerDetectsExchangeFlat(t *testing.T) {
	life := &fakeLifecycle{position: types.Position{IsOpen: true, Side: types.SideShort, StopLoss: 50250, TakeProfit: 49100}}
	e := NewEngine(testConfig(), Deps{Lifecycle: life})
	reader := &fakeReader{size: 0.02}
	r := NewReconciler(e, reader, "BTC-USDT", 0.001)

	closed, err := r.Reconcile(context.Background(), 49000)
	if err != nil || closed {
		t.Fatalf("still open on exchange: closed=%v err=%v", closed, err)
	}

	reader.size = 0
	closed, err = r.Reconcile(context.Background(), 49000)
	if err != nil || !closed {
		t.Fatalf("closed=%v err=%v", closed, err)
	}
	if life.exits[0] != types.ExitTakeProfit || life.fills[0] != 49100 {
		t.Fatalf("exit=%s fill=%v want TAKE_PROFIT at 49100", life.exits[0], life.fills[0])
	}

	// 已平仓后不再查询交易所
	reader.err = types.ErrExchangeUnavailable
	if closed, err := r.Reconcile(context.Background(), 49000); err != nil || closed {
		t.Fatalf("closed position reconcile: closed=%v err=%v", closed, err)
	}
}

func TestStaleTransitionPersistsCurrentPosition(t *testing.T) {
	// 开仓结果落盘前，实时价格路径已经平仓
	life := &fakeLifecycle{}
	store := &fakeStore{}
	e := NewEngine(testConfig(), Deps{Lifecycle: life, Store: store})

	stale := position.Outcome{
		Transition: position.TransitionOpened,
		Position:   types.Position{IsOpen: true, Side: types.SideLong, EntryPrice: 50000},
	}
	e.afterTransition(context.Background(), stale)

	if len(store.positions) != 1 || store.positions[0].IsOpen {
		t.Fatalf("persisted=%+v want the current closed state", store.positions)
	}
}
