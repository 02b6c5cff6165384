package position

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"okx-signal-trader/internal/strategy/risk"
	"okx-signal-trader/pkg/types"
)

type fakeExecutor struct {
	marketErr    error
	marketFilled bool
	marketPrice  float64
	filledQty    float64
	stopErr      error
	takeErr      error
	closeErr     error
	closeResult  *types.OrderResult

	marketCalls int
	stopCalls   int
	takeCalls   int
	closeCalls  int
	cancelled   []string
	lastQty     float64
	lastSide    types.OrderSide
	stopQty     float64
}

func (f *fakeExecutor) SubmitMarketOrder(_ context.Context, _ string, side types.OrderSide, qty float64) (types.OrderResult, error) {
	f.marketCalls++
	f.lastQty = qty
	f.lastSide = side
	if f.marketErr != nil {
		return types.OrderResult{}, f.marketErr
	}
	return types.OrderResult{OrderID: fmt.Sprintf("m%d", f.marketCalls), Filled: f.marketFilled, AvgPrice: f.marketPrice, FilledQty: f.filledQty}, nil
}

func (f *fakeExecutor) SubmitStopOrder(_ context.Context, _ string, _ types.OrderSide, _, qty float64, _ bool) (types.OrderResult, error) {
	f.stopCalls++
	f.stopQty = qty
	if f.stopErr != nil {
		return types.OrderResult{}, f.stopErr
	}
	return types.OrderResult{OrderID: "sl1"}, nil
}

func (f *fakeExecutor) SubmitTakeProfitOrder(context.Context, string, types.OrderSide, float64, float64, bool) (types.OrderResult, error) {
	f.takeCalls++
	if f.takeErr != nil {
		return types.OrderResult{}, f.takeErr
	}
	return types.OrderResult{OrderID: "tp1"}, nil
}

func (f *fakeExecutor) ClosePosition(context.Context, string, types.Side, float64) (types.OrderResult, error) {
	f.closeCalls++
	if f.closeErr != nil {
		return types.OrderResult{}, f.closeErr
	}
	if f.closeResult != nil {
		return *f.closeResult, nil
	}
	return types.OrderResult{OrderID: "c1", Filled: true, AvgPrice: 49000}, nil
}

func (f *fakeExecutor) CancelOrders(_ context.Context, _ string, ids []string) error {
	f.cancelled = append(f.cancelled, ids...)
	return nil
}

type fakeAccount struct {
	balance float64
	err     error
	calls   int
}

func (a *fakeAccount) AvailableBalance(context.Context, string) (float64, error) {
	a.calls++
	return a.balance, a.err
}

var scenarioRisk = types.RiskInputs{ATRA: 200, ATRB: 300, BandRangeA: 800, BandRangeB: 1000}

// blockingExecutor 市价单在 release 关闭前不返回
type blockingExecutor struct {
	*fakeExecutor
	entered chan struct{}
	release chan struct{}
}

func (b *blockingExecutor) SubmitMarketOrder(ctx context.Context, instrument string, side types.OrderSide, qty float64) (types.OrderResult, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.fakeExecutor.SubmitMarketOrder(ctx, instrument, side, qty)
}

func newTestManager(t *testing.T, exec Executor, account *fakeAccount) *Manager {
	t.Helper()
	tc := types.TradingConfig{
		InstType:         types.InstTypeSpot,
		MinNotionalFloor: 10,
		RiskFraction:     1,
		RiskMode:         types.RiskModeATRBand,
	}
	rules := types.InstrumentRules{InstID: "BTC-USDT", TickSize: 0.1, LotSize: 0.001, MinSize: 0.001}
	rounder := risk.NewInstrumentRounder(rules)
	calc, err := risk.NewCalculator(tc)
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	opts := Options{Instrument: "BTC-USDT", QuoteAsset: "USDT", ExitOnOpposite: true, ShortEnabled: true}
	return NewManager(opts, calc, risk.NewSizer(tc, rules, rounder), rounder, exec, account)
}

func decision(total float64) types.AggregateDecision {
	d := types.DirectionHold
	switch {
	case total >= 60:
		d = types.DirectionLong
	case total <= -60:
		d = types.DirectionShort
	}
	return types.AggregateDecision{TotalScore: total, Direction: d, Threshold: 60}
}

func entryAt(price float64) EntryContext {
	return EntryContext{ReferencePrice: price, Risk: scenarioRisk}
}

func TestOpenLongOnThreshold(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true}
	m := newTestManager(t, exec, &fakeAccount{balance: 1000})

	out, err := m.OnDecision(context.Background(), decision(65), entryAt(50000))
	if err != nil {
		t.Fatalf("OnDecision: %v", err)
	}
	if out.Transition != TransitionOpened {
		t.Fatalf("transition=%s want OPENED", out.Transition)
	}
	p := m.Position()
	if !p.IsOpen || p.Side != types.SideLong {
		t.Fatalf("position=%+v want open long", p)
	}
	if p.StopLoss != 49750 || p.TakeProfit != 50900 {
		t.Fatalf("levels sl=%v tp=%v want 49750/50900", p.StopLoss, p.TakeProfit)
	}
	if p.Quantity != 0.02 || exec.lastSide != types.OrderBuy {
		t.Fatalf("qty=%v side=%s want 0.02 buy", p.Quantity, exec.lastSide)
	}
	if p.StopOrderID != "sl1" || p.TakeProfitOrderID != "tp1" {
		t.Fatalf("protective ids=%q/%q", p.StopOrderID, p.TakeProfitOrderID)
	}
	if out.Event == nil || out.Event.Type != types.EventOpened || out.Event.Score != 65 {
		t.Fatalf("event=%+v want OPENED with score 65", out.Event)
	}
}

func TestOpenUsesFillPrice(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true, marketPrice: 50100}
	m := newTestManager(t, exec, &fakeAccount{balance: 1000})

	if _, err := m.OnDecision(context.Background(), decision(65), entryAt(50000)); err != nil {
		t.Fatalf("OnDecision: %v", err)
	}
	p := m.Position()
	if p.EntryPrice != 50100 || p.StopLoss != 49850 || p.TakeProfit != 51000 {
		t.Fatalf("position=%+v want levels from fill price", p)
	}
}

func TestSameSideSuppressesReentry(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true}
	m := newTestManager(t, exec, &fakeAccount{balance: 1000})
	ctx := context.Background()

	if _, err := m.OnDecision(ctx, decision(65), entryAt(50000)); err != nil {
		t.Fatalf("first OnDecision: %v", err)
	}
	before := m.Position()

	out, err := m.OnDecision(ctx, decision(65), entryAt(51000))
	if err != nil {
		t.Fatalf("second OnDecision: %v", err)
	}
	if out.Transition != TransitionSuppressed || out.Event != nil {
		t.Fatalf("transition=%s event=%v want SUPPRESSED", out.Transition, out.Event)
	}
	if exec.marketCalls != 1 {
		t.Fatalf("market orders=%d want 1", exec.marketCalls)
	}
	if m.Position() != before {
		t.Fatalf("position changed on suppressed re-entry")
	}
}

func TestHoldKeepsState(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true}
	account := &fakeAccount{balance: 1000}
	m := newTestManager(t, exec, account)

	out, err := m.OnDecision(context.Background(), decision(10), entryAt(50000))
	if err != nil || out.Transition != TransitionNone {
		t.Fatalf("transition=%s err=%v want NONE", out.Transition, err)
	}
	if account.calls != 0 || exec.marketCalls != 0 {
		t.Fatalf("HOLD must not touch the exchange")
	}
}

func TestInsufficientBalanceStaysClosed(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true}
	m := newTestManager(t, exec, &fakeAccount{balance: 5})

	_, err := m.OnDecision(context.Background(), decision(65), entryAt(50000))
	if !errors.Is(err, types.ErrInsufficientSize) {
		t.Fatalf("err=%v want ErrInsufficientSize", err)
	}
	if m.IsOpen() || exec.marketCalls != 0 {
		t.Fatalf("position must stay closed with no orders")
	}
}

func TestInvalidRiskInputAbortsBeforeExchange(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true}
	account := &fakeAccount{balance: 1000}
	m := newTestManager(t, exec, account)

	in := entryAt(50000)
	in.Risk.ATRA = -1
	_, err := m.OnDecision(context.Background(), decision(65), in)
	if !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("err=%v want ErrInvalidInput", err)
	}
	if account.calls != 0 || exec.marketCalls != 0 || m.IsOpen() {
		t.Fatalf("invalid input must not reach the exchange")
	}
}

func TestExecutionFailureLeavesNoPartialState(t *testing.T) {
	cases := []struct {
		name string
		exec *fakeExecutor
	}{
		{"market rejected", &fakeExecutor{marketErr: errors.New("51008 insufficient")}},
		{"market not filled", &fakeExecutor{marketFilled: false}},
		{"stop rejected", &fakeExecutor{marketFilled: true, stopErr: errors.New("bad trigger")}},
		{"take profit rejected", &fakeExecutor{marketFilled: true, takeErr: errors.New("bad trigger")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t, tc.exec, &fakeAccount{balance: 1000})
			_, err := m.OnDecision(context.Background(), decision(65), entryAt(50000))
			if !errors.Is(err, types.ErrExecutionFailure) {
				t.Fatalf("err=%v want ErrExecutionFailure", err)
			}
			if m.IsOpen() {
				t.Fatalf("position must remain closed after failure")
			}
		})
	}
}

func TestTakeProfitFailureCancelsStopAndFlattens(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true, takeErr: errors.New("rejected")}
	m := newTestManager(t, exec, &fakeAccount{balance: 1000})

	if _, err := m.OnDecision(context.Background(), decision(65), entryAt(50000)); err == nil {
		t.Fatalf("expected error")
	}
	if len(exec.cancelled) != 1 || exec.cancelled[0] != "sl1" {
		t.Fatalf("cancelled=%v want [sl1]", exec.cancelled)
	}
	if exec.closeCalls != 1 {
		t.Fatalf("close calls=%d want 1", exec.closeCalls)
	}
}

func TestUnprotectedPositionIsTrackedWhenFlattenFails(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true, stopErr: errors.New("rejected"), closeErr: errors.New("timeout")}
	m := newTestManager(t, exec, &fakeAccount{balance: 1000})

	out, err := m.OnDecision(context.Background(), decision(65), entryAt(50000))
	if !errors.Is(err, types.ErrExecutionFailure) {
		t.Fatalf("err=%v want ErrExecutionFailure", err)
	}
	if out.Transition != TransitionOpened || !m.IsOpen() {
		t.Fatalf("real exposure must be tracked, transition=%s", out.Transition)
	}
}

func TestOppositeSignalClosesPosition(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true}
	m := newTestManager(t, exec, &fakeAccount{balance: 1000})
	ctx := context.Background()

	if _, err := m.OnDecision(ctx, decision(65), entryAt(50000)); err != nil {
		t.Fatalf("open: %v", err)
	}
	out, err := m.OnDecision(ctx, decision(-70), entryAt(49000))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if out.Transition != TransitionClosed || m.IsOpen() {
		t.Fatalf("transition=%s want CLOSED", out.Transition)
	}
	if out.Event == nil || out.Event.Reason != types.ExitOpposite || out.Event.Side != types.SideLong {
		t.Fatalf("event=%+v want OPPOSITE_SIGNAL on long", out.Event)
	}
	if exec.marketCalls != 1 {
		t.Fatalf("no re-entry expected in the closing cycle, market calls=%d", exec.marketCalls)
	}
	if len(exec.cancelled) != 2 {
		t.Fatalf("cancelled=%v want both protective orders", exec.cancelled)
	}
}

func TestOppositeCloseFailureKeepsPosition(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true}
	m := newTestManager(t, exec, &fakeAccount{balance: 1000})
	ctx := context.Background()

	if _, err := m.OnDecision(ctx, decision(65), entryAt(50000)); err != nil {
		t.Fatalf("open: %v", err)
	}
	exec.closeErr = errors.New("network")
	_, err := m.OnDecision(ctx, decision(-70), entryAt(49000))
	if !errors.Is(err, types.ErrExecutionFailure) {
		t.Fatalf("err=%v want ErrExecutionFailure", err)
	}
	if !m.IsOpen() {
		t.Fatalf("position must stay open when the close order fails")
	}
}

func TestReportExit(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true}
	m := newTestManager(t, exec, &fakeAccount{balance: 1000})
	ctx := context.Background()

	out, err := m.ReportExit(ctx, types.ExitStopLoss, 49750)
	if err != nil || out.Transition != TransitionNone {
		t.Fatalf("exit without position: transition=%s err=%v", out.Transition, err)
	}

	if _, err := m.OnDecision(ctx, decision(65), entryAt(50000)); err != nil {
		t.Fatalf("open: %v", err)
	}
	out, err = m.ReportExit(ctx, types.ExitStopLoss, 49750)
	if err != nil {
		t.Fatalf("ReportExit: %v", err)
	}
	if out.Transition != TransitionClosed || m.IsOpen() {
		t.Fatalf("transition=%s want CLOSED", out.Transition)
	}
	if out.Event.Price != 49750 || out.Event.Reason != types.ExitStopLoss {
		t.Fatalf("event=%+v", out.Event)
	}

	// 平仓后可再次开仓
	if out, err := m.OnDecision(ctx, decision(-65), entryAt(49700)); err != nil || out.Transition != TransitionOpened {
		t.Fatalf("reopen: transition=%s err=%v", out.Transition, err)
	}
	if m.Position().Side != types.SideShort || exec.lastSide != types.OrderSell {
		t.Fatalf("expected short position after reopen")
	}
}


func TestSpotShortSignalOnlyExits(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true}
	account := &fakeAccount{balance: 1000}
	m := newTestManager(t, exec, account)
	m.opts.ShortEnabled = false
	ctx := context.Background()

	out, err := m.OnDecision(ctx, decision(-70), entryAt(50000))
	if err != nil || out.Transition != TransitionNone {
		t.Fatalf("transition=%s err=%v want NONE", out.Transition, err)
	}
	if exec.marketCalls != 0 || account.calls != 0 || m.IsOpen() {
		t.Fatalf("short signal must not open a spot position")
	}

	if _, err := m.OnDecision(ctx, decision(65), entryAt(50000)); err != nil {
		t.Fatalf("open long: %v", err)
	}
	out, err = m.OnDecision(ctx, decision(-70), entryAt(49000))
	if err != nil || out.Transition != TransitionClosed {
		t.Fatalf("transition=%s err=%v want CLOSED", out.Transition, err)
	}
	if out.Event == nil || out.Event.Side != types.SideLong || out.Event.Reason != types.ExitOpposite {
		t.Fatalf("event=%+v want long closed on opposite signal", out.Event)
	}

	out, err = m.OnDecision(ctx, decision(-70), entryAt(48800))
	if err != nil || out.Transition != TransitionNone || m.IsOpen() {
		t.Fatalf("transition=%s err=%v, spot must stay flat after exit", out.Transition, err)
	}
	if exec.marketCalls != 1 {
		t.Fatalf("market orders=%d want 1", exec.marketCalls)
	}
}

func TestPartialFillCommitsFilledQuantity(t *testing.T) {
	exec := &fakeExecutor{marketFilled: true, filledQty: 0.013}
	m := newTestManager(t, exec, &fakeAccount{balance: 1000})

	out, err := m.OnDecision(context.Background(), decision(65), entryAt(50000))
	if err != nil || out.Transition != TransitionOpened {
		t.Fatalf("transition=%s err=%v want OPENED", out.Transition, err)
	}
	if exec.lastQty != 0.02 {
		t.Fatalf("requested qty=%v want 0.02", exec.lastQty)
	}
	if p := m.Position(); p.Quantity != 0.013 {
		t.Fatalf("position qty=%v want filled 0.013", p.Quantity)
	}
	if exec.stopQty != 0.013 {
		t.Fatalf("stop qty=%v want filled 0.013", exec.stopQty)
	}
}

func TestFillPriceLevelFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	// 成交价远低于参考价时按 ATR 计算的止损为负
	exec := &fakeExecutor{marketFilled: true, marketPrice: 100}
	m := newTestManager(t, exec, &fakeAccount{balance: 1000})

	if _, err := m.OnDecision(context.Background(), decision(65), entryAt(50000)); err != nil {
		t.Fatalf("OnDecision: %v", err)
	}
	if p := m.Position(); p.StopLoss != 49750 || p.TakeProfit != 50900 {
		t.Fatalf("position=%+v want reference-price levels", p)
	}

	entries := logs.FilterField(zap.String("transition", "Closed→Open(LONG)")).All()
	if len(entries) != 1 {
		t.Fatalf("warn logs with transition=%d want 1, all=%v", len(entries), logs.All())
	}
	if _, ok := entries[0].ContextMap()["error"]; !ok {
		t.Fatalf("log entry missing error field: %v", entries[0].ContextMap())
	}
}

func TestEntryInFlightBlocksConcurrentTransitions(t *testing.T) {
	fake := &fakeExecutor{marketFilled: true}
	exec := &blockingExecutor{fakeExecutor: fake, entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := newTestManager(t, exec, &fakeAccount{balance: 1000})
	ctx := context.Background()

	opened := make(chan Outcome, 1)
	go func() {
		out, err := m.OnDecision(ctx, decision(65), entryAt(50000))
		if err != nil {
			t.Errorf("entry: %v", err)
		}
		opened <- out
	}()
	<-exec.entered

	exited := make(chan Outcome, 1)
	go func() {
		out, err := m.ReportExit(ctx, types.ExitStopLoss, 49750)
		if err != nil {
			t.Errorf("ReportExit: %v", err)
		}
		exited <- out
	}()
	cycle := make(chan Outcome, 1)
	go func() {
		out, err := m.OnDecision(ctx, decision(70), entryAt(50100))
		if err != nil {
			t.Errorf("second cycle: %v", err)
		}
		cycle <- out
	}()

	select {
	case out := <-exited:
		t.Fatalf("exit report finished while the entry was in flight: %s", out.Transition)
	case out := <-cycle:
		t.Fatalf("second cycle finished while the entry was in flight: %s", out.Transition)
	case <-time.After(50 * time.Millisecond):
	}

	close(exec.release)

	if out := <-opened; out.Transition != TransitionOpened {
		t.Fatalf("entry transition=%s want OPENED", out.Transition)
	}
	exitOut := <-exited
	if exitOut.Transition != TransitionClosed || exitOut.Event == nil || exitOut.Event.EntryPrice != 50000 {
		t.Fatalf("exit must see the committed position, got %s %+v", exitOut.Transition, exitOut.Event)
	}

	// 第二个周期要么在平仓前看到持仓被抑制，要么在平仓后重新开仓
	switch cycleOut := <-cycle; cycleOut.Transition {
	case TransitionSuppressed:
		if fake.marketCalls != 1 {
			t.Fatalf("market orders=%d want 1", fake.marketCalls)
		}
	case TransitionOpened:
		if fake.marketCalls != 2 {
			t.Fatalf("market orders=%d want 2", fake.marketCalls)
		}
	default:
		t.Fatalf("second cycle transition=%s", cycleOut.Transition)
	}
}

func TestOppositeCloseNotFullyFilledKeepsPosition(t *testing.T) {
	cases := []struct {
		name    string
		result  types.OrderResult
		wantQty float64
	}{
		{"not filled", types.OrderResult{OrderID: "c1"}, 0.02},
		{"partially filled", types.OrderResult{OrderID: "c1", Filled: true, AvgPrice: 49000, FilledQty: 0.005}, 0.015},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := &fakeExecutor{marketFilled: true}
			m := newTestManager(t, exec, &fakeAccount{balance: 1000})
			ctx := context.Background()

			if _, err := m.OnDecision(ctx, decision(65), entryAt(50000)); err != nil {
				t.Fatalf("open: %v", err)
			}
			result := tc.result
			exec.closeResult = &result

			out, err := m.OnDecision(ctx, decision(-70), entryAt(49000))
			if !errors.Is(err, types.ErrExecutionFailure) {
				t.Fatalf("err=%v want ErrExecutionFailure", err)
			}
			if out.Transition != TransitionHeld || !m.IsOpen() {
				t.Fatalf("transition=%s, position must stay open", out.Transition)
			}
			if got := m.Position().Quantity; got != tc.wantQty {
				t.Fatalf("remaining qty=%v want %v", got, tc.wantQty)
			}
			if len(exec.cancelled) != 0 {
				t.Fatalf("protective orders must stay while exposure remains: %v", exec.cancelled)
			}
		})
	}
}
