// Package stream is the priority-slotted realtime subscription layer
// over the broker websocket. At most 40 symbols are subscribed at
// once across three tiers: 1 = held positions, 2 = daily picks,
// 3 = intraday movers. The slot table is the source of truth; after a
// reconnect every slot is resubscribed from the table.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"krx-trader/broker"
	"krx-trader/cache"
	"krx-trader/database"
	"krx-trader/events"
)

const (
	// MaxSlots is the broker-imposed realtime subscription cap.
	MaxSlots = 40

	// Priority tiers. Lower is more important.
	PriorityHolding   = 1
	PriorityDailyPick = 2
	PriorityMover     = 3

	// maxDailyPicks bounds the priority-2 tier.
	maxDailyPicks = 20

	// staleAfter marks a slot evictable when no data arrived for this
	// long.
	staleAfter = 30 * time.Minute

	// reconnectDelay is the fixed backoff between connect attempts.
	reconnectDelay = 10 * time.Second

	// handshakeAttempts bounds the startup handshake retry loop.
	handshakeAttempts = 10

	// subscribeFailureAlertAt triggers an operator alert when one
	// symbol fails to subscribe this many times inside the counter
	// window.
	subscribeFailureAlertAt = 5
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateHandshaking  State = "handshaking"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateClosed       State = "closed"
)

// Slot is one realtime subscription. Each slot carries both the
// trade-tick and order-book feeds for its symbol.
type Slot struct {
	Symbol       string
	Name         string
	Priority     int
	SubscribedAt time.Time
	LastDataAt   time.Time
}

// slotTrIDs are the realtime feeds subscribed per slot.
var slotTrIDs = [...]string{trTradeTick, trOrderBook}

// ApprovalSource issues the ephemeral websocket approval key. Every
// connect fetches a fresh one; the key is never cached.
type ApprovalSource interface {
	GetApprovalKey() (string, error)
}

// PositionLister returns the currently held positions.
type PositionLister interface {
	GetPositions() ([]database.Position, error)
}

// Alerter delivers operator warnings. May be nil.
type Alerter interface {
	Alert(title, message string)
}

// streamConn is what the manager needs from a live connection.
type streamConn interface {
	WriteJSON(v any) error
	Read() ([]byte, error)
	Close() error
}

// Manager owns the websocket connection and the slot table.
type Manager struct {
	wsURL     string
	accountNo string
	approval  ApprovalSource
	bus       *events.Bus
	market    *cache.MarketCache
	positions PositionLister
	alerter   Alerter

	mu          sync.Mutex
	slots       map[string]*Slot
	state       State
	conn        streamConn
	approvalKey string

	done chan struct{}
	wg   sync.WaitGroup

	dial func(approvalKey string) (streamConn, error)
	now  func() time.Time
}

// NewManager creates a subscription manager. alerter may be nil.
func NewManager(wsURL, accountNo string, approval ApprovalSource, bus *events.Bus, market *cache.MarketCache, positions PositionLister, alerter Alerter) *Manager {
	return &Manager{
		wsURL:     wsURL,
		accountNo: accountNo,
		approval:  approval,
		bus:       bus,
		market:    market,
		positions: positions,
		alerter:   alerter,
		slots:     make(map[string]*Slot),
		state:     StateDisconnected,
		done:      make(chan struct{}),
		dial: func(key string) (streamConn, error) {
			return Dial(wsURL, key)
		},
		now: time.Now,
	}
}

// Start performs the credential handshake (bounded retry) and launches
// the read and housekeeping loops.
func (m *Manager) Start() error {
	log.Println("🚀 Starting stream manager...")
	m.setState(StateHandshaking)

	conn, key, err := m.connect(handshakeAttempts)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("stream handshake failed: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.approvalKey = key
	m.state = StateConnected
	m.mu.Unlock()

	// Execution notices are keyed by account and consume no slot.
	if err := conn.WriteJSON(newRequest(key, trTypeSubscribe, trExecNotice, m.accountNo)); err != nil {
		log.Printf("⚠️  Execution notice subscribe failed: %v", err)
	}

	m.wg.Add(2)
	go m.readLoop()
	go m.housekeeping()

	log.Printf("✅ Stream manager started (max_slots=%d)", MaxSlots)
	return nil
}

// Stop cancels every subscription, closes the connection and waits for
// the loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	close(m.done)
	m.unsubscribeAllLocked()
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
	log.Println("🛑 Stream manager stopped")
}

// unsubscribeAllLocked drains the slot table and the execution notice
// with unsubscribe frames. A write error aborts the drain; the close
// that follows tears everything down broker-side regardless.
func (m *Manager) unsubscribeAllLocked() {
	if m.conn == nil {
		return
	}
	for code := range m.slots {
		for _, trID := range slotTrIDs {
			if err := m.writeLocked(newRequest(m.approvalKey, trTypeUnsubscribe, trID, code)); err != nil {
				log.Printf("⚠️  Unsubscribe on shutdown failed: %s: %v", code, err)
				return
			}
		}
	}
	if err := m.writeLocked(newRequest(m.approvalKey, trTypeUnsubscribe, trExecNotice, m.accountNo)); err != nil {
		log.Printf("⚠️  Execution notice unsubscribe failed: %v", err)
	}
}

// connect retries the approval fetch and dial with a fixed delay.
func (m *Manager) connect(attempts int) (streamConn, string, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-m.done:
				return nil, "", fmt.Errorf("manager closed")
			case <-time.After(reconnectDelay):
			}
		}

		key, err := m.approval.GetApprovalKey()
		if err != nil {
			lastErr = err
			log.Printf("⚠️  Approval key fetch failed (attempt %d/%d): %v", i+1, attempts, err)
			continue
		}

		conn, err := m.dial(key)
		if err != nil {
			lastErr = err
			log.Printf("⚠️  Stream connect failed (attempt %d/%d): %v", i+1, attempts, err)
			continue
		}
		return conn, key, nil
	}
	return nil, "", lastErr
}

// Subscribe adds a symbol to the slot table and sends the subscribe
// frame. Already-subscribed symbols succeed without a new slot. When
// the table is full a lower-priority slot is evicted; failure to find
// one fails the subscribe without touching the table.
func (m *Manager) Subscribe(symbol, name string, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return fmt.Errorf("stream manager closed")
	}
	if _, ok := m.slots[symbol]; ok {
		return nil
	}

	if len(m.slots) >= MaxSlots {
		if !m.evictLowestPriorityLocked(priority) {
			log.Printf("⚠️  Cannot subscribe %s: slots full, priority %d too low", symbol, priority)
			return fmt.Errorf("slots full and no evictable slot below priority %d", priority)
		}
	}

	for _, trID := range slotTrIDs {
		if err := m.writeLocked(newRequest(m.approvalKey, trTypeSubscribe, trID, symbol)); err != nil {
			m.recordSubscribeFailure(symbol)
			return fmt.Errorf("subscribe %s failed: %w", symbol, err)
		}
	}

	m.slots[symbol] = &Slot{
		Symbol:       symbol,
		Name:         name,
		Priority:     priority,
		SubscribedAt: m.now(),
	}
	log.Printf("📡 Subscribed: %s (%s) priority=%d, slots=%d/%d", symbol, name, priority, len(m.slots), MaxSlots)
	return nil
}

// Unsubscribe sends the unsubscribe frame and frees the slot.
func (m *Manager) Unsubscribe(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsubscribeLocked(symbol)
}

func (m *Manager) unsubscribeLocked(symbol string) error {
	slot, ok := m.slots[symbol]
	if !ok {
		return nil
	}
	for _, trID := range slotTrIDs {
		if err := m.writeLocked(newRequest(m.approvalKey, trTypeUnsubscribe, trID, symbol)); err != nil {
			return fmt.Errorf("unsubscribe %s failed: %w", symbol, err)
		}
	}
	delete(m.slots, symbol)
	log.Printf("🔕 Unsubscribed: %s (%s) slots=%d/%d", symbol, slot.Name, len(m.slots), MaxSlots)
	return nil
}

// evictLowestPriorityLocked frees one slot for a subscription at
// priority p: the oldest slot of strictly lower priority, or the
// oldest equal-priority slot when p <= 2. Priority-1 slots are never
// evicted for a peer.
func (m *Manager) evictLowestPriorityLocked(p int) bool {
	victim := m.oldestLocked(func(s *Slot) bool { return s.Priority > p })
	if victim == "" && p <= PriorityDailyPick {
		victim = m.oldestLocked(func(s *Slot) bool { return s.Priority == p })
	}
	if victim == "" {
		log.Println("⚠️  No slots to evict")
		return false
	}
	priority := m.slots[victim].Priority
	if err := m.unsubscribeLocked(victim); err != nil {
		return false
	}
	log.Printf("🔄 Evicted: %s (priority=%d)", victim, priority)
	return true
}

func (m *Manager) oldestLocked(match func(*Slot) bool) string {
	var symbol string
	var oldest time.Time
	for code, slot := range m.slots {
		if !match(slot) {
			continue
		}
		if symbol == "" || slot.SubscribedAt.Before(oldest) {
			symbol = code
			oldest = slot.SubscribedAt
		}
	}
	return symbol
}

// SyncWithPositions makes the priority-1 tier exactly equal to the set
// of held positions.
func (m *Manager) SyncWithPositions() error {
	positions, err := m.positions.GetPositions()
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}

	held := make(map[string]database.Position, len(positions))
	for _, p := range positions {
		held[p.Symbol] = p
	}

	m.mu.Lock()
	var current []string
	for code, slot := range m.slots {
		if slot.Priority == PriorityHolding {
			current = append(current, code)
		}
	}
	m.mu.Unlock()

	added, removed := 0, 0
	for _, code := range current {
		if _, ok := held[code]; !ok {
			if err := m.Unsubscribe(code); err == nil {
				removed++
			}
		}
	}
	currentSet := make(map[string]bool, len(current))
	for _, code := range current {
		currentSet[code] = true
	}
	for code, p := range held {
		if !currentSet[code] {
			if err := m.Subscribe(code, p.Name, PriorityHolding); err == nil {
				added++
			}
		}
	}

	log.Printf("✅ Positions synced: +%d, -%d", added, removed)
	return nil
}

// UpdateDailyPicks replaces the whole priority-2 tier with up to 20
// symbols from picks.
func (m *Manager) UpdateDailyPicks(picks []database.DailyPick) {
	m.mu.Lock()
	var old []string
	for code, slot := range m.slots {
		if slot.Priority == PriorityDailyPick {
			old = append(old, code)
		}
	}
	m.mu.Unlock()

	for _, code := range old {
		m.Unsubscribe(code)
	}
	log.Printf("🔄 Removed %d old daily picks", len(old))

	// Picks arrive ranked; keep the order stable before truncation.
	sort.SliceStable(picks, func(i, j int) bool { return picks[i].Rank < picks[j].Rank })
	if len(picks) > maxDailyPicks {
		picks = picks[:maxDailyPicks]
	}

	added := 0
	for _, pick := range picks {
		if err := m.Subscribe(pick.Symbol, pick.Name, PriorityDailyPick); err == nil {
			added++
		}
	}
	log.Printf("✅ Daily picks updated: %d stocks", added)
}

// Status is a point-in-time view of the manager.
type Status struct {
	State      State
	Used       int
	Max        int
	ByPriority map[int]int
}

// Status reports slot usage by priority.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	by := make(map[int]int, 3)
	for _, slot := range m.slots {
		by[slot.Priority]++
	}
	return Status{State: m.state, Used: len(m.slots), Max: MaxSlots, ByPriority: by}
}

// readLoop reads frames until Stop, reconnecting with a fixed delay on
// any read error.
func (m *Manager) readLoop() {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		conn := m.conn
		closed := m.state == StateClosed
		m.mu.Unlock()
		if closed {
			return
		}

		data, err := conn.Read()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			log.Printf("⚠️  Stream read error, reconnecting: %v", err)
			m.setState(StateDegraded)
			conn.Close()
			if !m.reconnect() {
				return
			}
			continue
		}
		m.routeFrame(data)
	}
}

// reconnect dials until it succeeds or the manager is stopped, then
// resubscribes every slot from the table.
func (m *Manager) reconnect() bool {
	for {
		select {
		case <-m.done:
			return false
		case <-time.After(reconnectDelay):
		}

		m.setState(StateHandshaking)
		conn, key, err := m.connect(1)
		if err != nil {
			log.Printf("❌ Reconnect failed: %v", err)
			m.setState(StateDegraded)
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.approvalKey = key
		m.state = StateConnected
		m.mu.Unlock()

		if err := conn.WriteJSON(newRequest(key, trTypeSubscribe, trExecNotice, m.accountNo)); err != nil {
			log.Printf("⚠️  Execution notice resubscribe failed: %v", err)
		}
		m.resubscribeAll()
		log.Println("✅ Stream reconnected")
		return true
	}
}

// resubscribeAll replays subscribe frames for every slot in the table.
func (m *Manager) resubscribeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code := range m.slots {
		for _, trID := range slotTrIDs {
			if err := m.writeLocked(newRequest(m.approvalKey, trTypeSubscribe, trID, code)); err != nil {
				log.Printf("⚠️  Resubscribe failed: %s: %v", code, err)
			}
		}
	}
	log.Printf("🔄 Resubscribed %d slots", len(m.slots))
}

// housekeeping evicts slots that stopped producing data. Held
// positions are exempt.
func (m *Manager) housekeeping() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			var stale []string
			for code, slot := range m.slots {
				if slot.Priority == PriorityHolding || slot.LastDataAt.IsZero() {
					continue
				}
				if m.now().Sub(slot.LastDataAt) > staleAfter {
					stale = append(stale, code)
				}
			}
			for _, code := range stale {
				log.Printf("🧹 Evicting stale slot: %s", code)
				m.unsubscribeLocked(code)
			}
			m.mu.Unlock()
		}
	}
}

// routeFrame dispatches one inbound frame by TR id. Frames for
// symbols without a slot are dropped silently.
func (m *Manager) routeFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}

	switch f.Header.TrID {
	case trPingPong:
		m.mu.Lock()
		m.writeLocked(json.RawMessage(data))
		m.mu.Unlock()

	case trExecNotice:
		m.handleExecutionNotice(f.Body.Output)

	case trTradeTick:
		m.handleTradeTick(f.Body.Output)

	case trOrderBook:
		m.handleOrderBook(f.Body.Output)

	default:
		// Subscription acks carry rt_cd; anything non-zero is a nack.
		if f.Body.RtCd != "" && f.Body.RtCd != "0" {
			log.Printf("⚠️  Subscribe rejected: %s %s: %s", f.Header.TrID, f.Header.TrKey, f.Body.Msg)
			m.recordSubscribeFailure(f.Header.TrKey)
		}
	}
}

// handleExecutionNotice publishes the fill onto the bus; the fetcher
// layer and the store consume it, not the stream manager.
func (m *Manager) handleExecutionNotice(output map[string]string) {
	symbol := output["STCK_SHRN_ISCD"]
	side := database.SideBuy
	if output["SELN_BYOV_CLS"] == "01" {
		side = database.SideSell
	}

	ev := events.NewEvent(events.ExecutionFill, symbol, map[string]any{
		"broker_order_id": output["ODNO"],
		"side":            side,
		"filled_qty":      parseInt(output["CNTG_QTY"]),
		"fill_price":      parseInt(output["CNTG_UNPR"]),
	})
	m.bus.Publish(ev)
}

func (m *Manager) handleTradeTick(output map[string]string) {
	symbol := output["MKSC_SHRN_ISCD"]
	if !m.touchSlot(symbol) {
		return
	}

	q := &broker.Quote{
		Symbol:    symbol,
		Price:     parseInt(output["STCK_PRPR"]),
		OpenPrice: parseInt(output["STCK_OPRC"]),
		ChangePct: parseFloat(output["PRDY_CTRT"]),
		Volume:    parseInt(output["ACML_VOL"]),
		Timestamp: m.now(),
	}
	if err := m.market.SetQuote(context.Background(), q); err != nil {
		log.Printf("⚠️  Quote cache write failed: %s: %v", symbol, err)
	}
}

func (m *Manager) handleOrderBook(output map[string]string) {
	symbol := output["MKSC_SHRN_ISCD"]
	if !m.touchSlot(symbol) {
		return
	}

	top := &broker.OrderBookTop{
		Symbol:    symbol,
		AskPrice:  parseInt(output["ASKP1"]),
		BidPrice:  parseInt(output["BIDP1"]),
		AskQty:    parseInt(output["ASKP_RSQN1"]),
		BidQty:    parseInt(output["BIDP_RSQN1"]),
		Timestamp: m.now(),
	}
	if err := m.market.SetOrderBookTop(context.Background(), top); err != nil {
		log.Printf("⚠️  Book cache write failed: %s: %v", symbol, err)
	}
}

// touchSlot updates last-data-at; false means no slot for the symbol.
func (m *Manager) touchSlot(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[symbol]
	if !ok {
		return false
	}
	slot.LastDataAt = m.now()
	return true
}

// recordSubscribeFailure bumps the rolling failure counter and alerts
// the operator at the threshold.
func (m *Manager) recordSubscribeFailure(symbol string) {
	if m.market == nil {
		return
	}
	n := m.market.CountSubscribeFailure(context.Background(), symbol)
	if n >= subscribeFailureAlertAt && m.alerter != nil {
		m.alerter.Alert("Stream subscribe failures",
			fmt.Sprintf("%s failed to subscribe %d times in 10 minutes", symbol, n))
	}
}

func (m *Manager) writeLocked(v any) error {
	if m.conn == nil {
		return fmt.Errorf("not connected")
	}
	return m.conn.WriteJSON(v)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
