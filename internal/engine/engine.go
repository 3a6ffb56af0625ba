// Package engine executes ladder entry plans against an exchange: it gates
// activation, places entry ladders, reconciles fills, maintains protective
// stop and take-profit orders, and enforces cancel conditions. One engine
// instance owns every live plan; a periodic sweep ticks each plan through a
// worker pool, and all state changes are persisted immediately so a restart
// resumes exactly where the process died.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ladder-trading-bot/internal/events"
	"ladder-trading-bot/internal/exchange"
	"ladder-trading-bot/internal/journal"
	"ladder-trading-bot/internal/plan"
	"ladder-trading-bot/internal/store"
)

// maxLegs bounds how many entry orders one plan may carry.
const maxLegs = 5

// ErrPlanBusy is returned when an operation races a tick on the same plan.
var ErrPlanBusy = fmt.Errorf("plan is being processed, retry")

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	TickInterval         time.Duration // sweep period
	WorkerCount          int           // concurrent plan ticks
	TouchSafetyMarginPct float64       // gate direction-sanity margin
	MinFillKeepPct       float64       // below this, invalidation flattens the partial position
	ProtectionRetries    uint64        // attempts per protection call
	RetryInitialDelay    time.Duration
	RetentionWindow      time.Duration // terminal plans older than this are purged
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:         10 * time.Second,
		WorkerCount:          4,
		TouchSafetyMarginPct: 5.0,
		MinFillKeepPct:       20.0,
		ProtectionRetries:    3,
		RetryInitialDelay:    500 * time.Millisecond,
		RetentionWindow:      7 * 24 * time.Hour,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.TouchSafetyMarginPct <= 0 {
		c.TouchSafetyMarginPct = d.TouchSafetyMarginPct
	}
	if c.MinFillKeepPct <= 0 {
		c.MinFillKeepPct = d.MinFillKeepPct
	}
	if c.ProtectionRetries == 0 {
		c.ProtectionRetries = d.ProtectionRetries
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = d.RetryInitialDelay
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = d.RetentionWindow
	}
}

// symbolWatcher is implemented by price sources that maintain streaming
// subscriptions per symbol.
type symbolWatcher interface {
	Watch(symbol string)
}

// Engine runs the plan lifecycle.
type Engine struct {
	cfg     Config
	client  exchange.Client
	store   store.Store
	mirror  *store.RedisPlanState // optional
	journal journal.Journal
	bus     *events.Bus
	logger  zerolog.Logger

	mu       sync.Mutex
	plans    map[string]*plan.EntryPlan
	inFlight map[string]bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New wires an engine. mirror may be nil.
func New(cfg Config, client exchange.Client, st store.Store, mirror *store.RedisPlanState,
	jr journal.Journal, bus *events.Bus, logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:      cfg,
		client:   client,
		store:    st,
		mirror:   mirror,
		journal:  jr,
		bus:      bus,
		logger:   logger.With().Str("component", "ladder_engine").Logger(),
		plans:    make(map[string]*plan.EntryPlan),
		inFlight: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start recovers non-terminal plans from the store and begins sweeping.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	recovered, err := e.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("recovering plans: %w", err)
	}
	for _, p := range recovered {
		// Metrics rederive from order statuses, so a crash between an order
		// update and a metric update heals here.
		p.RecomputeMetrics()
		e.register(p)
	}
	if len(recovered) > 0 {
		e.logger.Info().Int("plans", len(recovered)).Msg("recovered active plans")
	}

	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info().Dur("tick_interval", e.cfg.TickInterval).Int("workers", e.cfg.WorkerCount).Msg("engine started")
	return nil
}

// Stop halts the sweep loop and waits for in-flight ticks to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info().Msg("engine stopped")
}

// Submit validates and registers a new plan. The plan is persisted before
// this returns; the next sweep picks it up.
func (e *Engine) Submit(ctx context.Context, p *plan.EntryPlan) error {
	if err := validatePlan(p); err != nil {
		return err
	}
	p.Status = plan.StatusPending
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	for i := range p.Orders {
		if p.Orders[i].Status == "" {
			p.Orders[i].Status = plan.OrderPending
		}
	}
	p.NormalizeWeights()

	if err := e.store.Save(ctx, p); err != nil {
		return fmt.Errorf("persisting plan: %w", err)
	}
	if e.mirror != nil {
		e.mirror.Mirror(ctx, p)
	}
	e.register(p)
	e.logger.Info().Str("plan_id", p.ID).Str("symbol", p.Symbol).Str("side", string(p.Side)).
		Int("legs", len(p.Orders)).Float64("total_qty", p.TotalQty).Msg("plan submitted")
	return nil
}

// Cancel terminates a plan on user request. Manual cancels are never
// treated as invalidation: a partial position is kept under its protection.
func (e *Engine) Cancel(ctx context.Context, planID, why string) error {
	e.mu.Lock()
	p, ok := e.plans[planID]
	if ok && e.inFlight[planID] {
		e.mu.Unlock()
		return ErrPlanBusy
	}
	if ok {
		e.inFlight[planID] = true
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("plan %s not found or already terminal", planID)
	}
	defer e.release(planID)

	reason := "manual cancel"
	if why != "" {
		reason = "manual cancel: " + why
	}
	e.cancelPlan(ctx, p, reason)
	return nil
}

// Get returns the live plan with the given id, or nil.
func (e *Engine) Get(planID string) *plan.EntryPlan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plans[planID]
}

// Active returns a snapshot of every registered plan.
func (e *Engine) Active() []*plan.EntryPlan {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*plan.EntryPlan, 0, len(e.plans))
	for _, p := range e.plans {
		out = append(out, p)
	}
	return out
}

func validatePlan(p *plan.EntryPlan) error {
	if p.ID == "" || p.Symbol == "" || p.TradeID == "" {
		return fmt.Errorf("plan needs id, trade id and symbol")
	}
	if p.Side != exchange.SideLong && p.Side != exchange.SideShort {
		return fmt.Errorf("plan %s: invalid side %q", p.ID, p.Side)
	}
	if len(p.Orders) == 0 || len(p.Orders) > maxLegs {
		return fmt.Errorf("plan %s: must have 1-%d entry orders, got %d", p.ID, maxLegs, len(p.Orders))
	}
	if p.TotalQty <= 0 {
		return fmt.Errorf("plan %s: total quantity must be positive", p.ID)
	}
	switch p.Activation.Type {
	case plan.ActivateImmediate, plan.ActivateTouch, plan.ActivatePriceAbove, plan.ActivatePriceBelow, "":
	default:
		return fmt.Errorf("plan %s: unknown activation type %q", p.ID, p.Activation.Type)
	}
	if p.Activation.Type != plan.ActivateImmediate && p.Activation.Type != "" && p.Activation.Level <= 0 {
		return fmt.Errorf("plan %s: activation %s needs a positive level", p.ID, p.Activation.Type)
	}
	for _, c := range p.CancelConditions {
		if _, _, err := parseCondition(c); err != nil {
			return fmt.Errorf("plan %s: %w", p.ID, err)
		}
	}
	for _, tp := range p.TakeProfits {
		if tp.Price <= 0 || tp.ClosePercent <= 0 || tp.ClosePercent > 100 {
			return fmt.Errorf("plan %s: invalid take-profit target %+v", p.ID, tp)
		}
	}
	return nil
}

// ==================== scheduler ====================

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	lastPurge := time.Now()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
			if time.Since(lastPurge) > time.Hour {
				lastPurge = time.Now()
				if n, err := e.store.PurgeTerminal(ctx, e.cfg.RetentionWindow); err != nil {
					e.logger.Error().Err(err).Msg("terminal plan purge failed")
				} else if n > 0 {
					e.logger.Info().Int("purged", n).Msg("terminal plans purged")
				}
			}
		}
	}
}

// Sweep ticks every registered plan once through the worker pool. A plan
// still in flight from a previous sweep is skipped, so a slow exchange call
// can never run two ticks of the same plan concurrently.
func (e *Engine) Sweep(ctx context.Context) {
	e.mu.Lock()
	batch := make([]*plan.EntryPlan, 0, len(e.plans))
	for id, p := range e.plans {
		if e.inFlight[id] {
			continue
		}
		e.inFlight[id] = true
		batch = append(batch, p)
	}
	e.mu.Unlock()

	sem := make(chan struct{}, e.cfg.WorkerCount)
	var wg sync.WaitGroup
	for _, p := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func(p *plan.EntryPlan) {
			defer wg.Done()
			defer func() { <-sem }()
			defer e.release(p.ID)
			e.tick(ctx, p)
		}(p)
	}
	wg.Wait()
}

// tick advances one plan through its lifecycle. Panics are contained so a
// single corrupt plan cannot take the sweep down.
func (e *Engine) tick(ctx context.Context, p *plan.EntryPlan) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("plan_id", p.ID).Interface("panic", r).Msg("tick panicked")
		}
	}()

	if p.IsTerminal() {
		e.unregister(p.ID)
		return
	}

	t, err := e.client.GetTicker(ctx, p.Symbol)
	if err != nil {
		e.logger.Warn().Err(err).Str("plan_id", p.ID).Str("symbol", p.Symbol).Msg("ticker unavailable, skipping tick")
		return
	}

	if p.Status == plan.StatusPending {
		// A pending plan can still expire or trip a cancel condition.
		if reason, malformed := evaluateCancelConditions(p, t); reason != "" {
			e.cancelPlan(ctx, p, reason)
			return
		} else {
			e.logMalformed(p, malformed)
		}
		d := evaluateGate(p, t, e.cfg.TouchSafetyMarginPct)
		switch {
		case d.RejectReason != "":
			e.bus.Publish(events.Event{
				Type: events.EventPlanRejected, PlanID: p.ID, UserID: p.UserID, Symbol: p.Symbol,
				Data: map[string]interface{}{"reason": d.RejectReason},
			})
			e.cancelPlan(ctx, p, d.RejectReason)
		case d.Activate:
			if err := e.activate(ctx, p); err != nil {
				e.logger.Error().Err(err).Str("plan_id", p.ID).Msg("activation failed, retrying next tick")
			}
		}
		return
	}

	if reason, malformed := evaluateCancelConditions(p, t); reason != "" {
		e.cancelPlan(ctx, p, reason)
		return
	} else {
		e.logMalformed(p, malformed)
	}

	e.reconcile(ctx, p)

	// The exchange can kill every resting leg (liquidation cleanup, symbol
	// delisting, manual cancel on the exchange UI). With nothing filled and
	// nothing resting there is no position and nothing left to wait for.
	if !p.IsTerminal() && p.FilledQuantity <= 0 && allLegsCancelled(p) {
		e.cancelPlan(ctx, p, "all_legs_cancelled")
		return
	}

	e.protect(ctx, p)

	if p.Status == plan.StatusFilled {
		e.persist(ctx, p)
		e.unregister(p.ID)
		e.logger.Info().Str("plan_id", p.ID).Str("symbol", p.Symbol).
			Float64("filled_qty", p.FilledQuantity).Float64("avg_entry", p.AverageEntryPrice).
			Dur("duration", p.Duration()).Msg("plan complete")
		e.bus.Publish(events.Event{
			Type: events.EventPlanCompleted, PlanID: p.ID, UserID: p.UserID, Symbol: p.Symbol,
			Data: map[string]interface{}{"filled_qty": p.FilledQuantity, "avg_entry": p.AverageEntryPrice},
		})
	}
}

// allLegsCancelled reports whether every leg of a non-empty order list is
// cancelled.
func allLegsCancelled(p *plan.EntryPlan) bool {
	if len(p.Orders) == 0 {
		return false
	}
	for i := range p.Orders {
		if p.Orders[i].Status != plan.OrderCancelled {
			return false
		}
	}
	return true
}

func (e *Engine) logMalformed(p *plan.EntryPlan, malformed []string) {
	for _, c := range malformed {
		e.logger.Warn().Str("plan_id", p.ID).Str("condition", c).Msg("unparseable cancel condition ignored")
	}
}

// persist saves the plan and mirrors the snapshot. Store failures are logged
// and retried implicitly on the next state change; the in-memory plan stays
// authoritative for the running process.
func (e *Engine) persist(ctx context.Context, p *plan.EntryPlan) {
	if err := e.store.Save(ctx, p); err != nil {
		e.logger.Error().Err(err).Str("plan_id", p.ID).Msg("plan save failed")
	}
	if e.mirror != nil {
		e.mirror.Mirror(ctx, p)
	}
}

func (e *Engine) register(p *plan.EntryPlan) {
	e.mu.Lock()
	e.plans[p.ID] = p
	e.mu.Unlock()
	if w, ok := e.client.(symbolWatcher); ok {
		w.Watch(p.Symbol)
	}
}

func (e *Engine) unregister(planID string) {
	e.mu.Lock()
	delete(e.plans, planID)
	e.mu.Unlock()
}

func (e *Engine) release(planID string) {
	e.mu.Lock()
	delete(e.inFlight, planID)
	e.mu.Unlock()
}
