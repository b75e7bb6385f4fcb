package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Repository handles store operations for the trading core.
type Repository struct {
	db *Database
}

// NewRepository creates a new repository.
func NewRepository(db *Database) *Repository {
	return &Repository{db: db}
}

// ─── Positions ──────────────────────────────────────────────────────

// GetPositions returns all held positions (quantity > 0).
func (r *Repository) GetPositions() ([]Position, error) {
	var positions []Position
	if err := r.db.db.Where("quantity > 0").Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("GetPositions: %w", err)
	}
	return positions, nil
}

// GetPosition returns one position or nil when not held.
func (r *Repository) GetPosition(symbol string) (*Position, error) {
	var p Position
	err := r.db.db.Where("symbol = ?", symbol).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetPosition %s: %w", symbol, err)
	}
	return &p, nil
}

// SavePosition upserts a position row.
func (r *Repository) SavePosition(p *Position) error {
	if err := r.db.db.Save(p).Error; err != nil {
		return fmt.Errorf("SavePosition %s: %w", p.Symbol, err)
	}
	return nil
}

// UpdateMaxPrice lifts the max-price-since-entry watermark. The value
// is monotonic non-decreasing while the position is held.
func (r *Repository) UpdateMaxPrice(symbol string, price int64) error {
	err := r.db.db.Model(&Position{}).
		Where("symbol = ? AND max_price < ?", symbol, price).
		Update("max_price", price).Error
	if err != nil {
		return fmt.Errorf("UpdateMaxPrice %s: %w", symbol, err)
	}
	return nil
}

// SetPartialExitStage records a taken partial-exit stage.
func (r *Repository) SetPartialExitStage(symbol string, stage int) error {
	err := r.db.db.Model(&Position{}).
		Where("symbol = ?", symbol).
		Update("partial_exit_stage", stage).Error
	if err != nil {
		return fmt.Errorf("SetPartialExitStage %s: %w", symbol, err)
	}
	return nil
}

// ─── Orders & executions ────────────────────────────────────────────

// CreateOrder inserts a new pending order record.
func (r *Repository) CreateOrder(o *Order) error {
	if o.Status == "" {
		o.Status = OrderPending
	}
	if o.PlacedAt.IsZero() {
		o.PlacedAt = time.Now()
	}
	if err := r.db.db.Create(o).Error; err != nil {
		return fmt.Errorf("CreateOrder %s: %w", o.Symbol, err)
	}
	return nil
}

// GetOrderByBrokerID looks up an order by its broker order id. Returns
// nil when unknown (execution notices for missing orders are dropped by
// the caller).
func (r *Repository) GetOrderByBrokerID(brokerOrderID string) (*Order, error) {
	var o Order
	err := r.db.db.Where("broker_order_id = ?", brokerOrderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetOrderByBrokerID %s: %w", brokerOrderID, err)
	}
	return &o, nil
}

// CountOrdersToday counts orders placed since local midnight.
func (r *Repository) CountOrdersToday(now time.Time) (int64, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var n int64
	err := r.db.db.Model(&Order{}).Where("placed_at >= ?", midnight).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("CountOrdersToday: %w", err)
	}
	return n, nil
}

// GetOpenOrders returns orders still pending or partially filled.
func (r *Repository) GetOpenOrders() ([]Order, error) {
	var orders []Order
	err := r.db.db.Where("status IN ?", []string{OrderPending, OrderPartiallyFilled}).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("GetOpenOrders: %w", err)
	}
	return orders, nil
}

// canTransition enforces monotonic order status transitions.
func canTransition(from, to string) bool {
	switch from {
	case OrderPending:
		return to == OrderPartiallyFilled || to == OrderFilled ||
			to == OrderCancelled || to == OrderRejected
	case OrderPartiallyFilled:
		return to == OrderPartiallyFilled || to == OrderFilled || to == OrderCancelled
	default:
		return false
	}
}

// Fill describes one execution notice from the broker stream.
type Fill struct {
	BrokerOrderID string
	Qty           int64
	Price         int64
	Side          string
	FilledAt      time.Time
}

// ApplyExecutionFill applies one fill as a single transaction: order
// status advance, execution append, position upsert. Unknown broker
// order ids return (nil, nil) so the caller can warn and drop.
//
// Returns the updated position (nil when the fill closed it out).
func (r *Repository) ApplyExecutionFill(f Fill) (*Position, error) {
	var result *Position

	err := r.db.db.Transaction(func(tx *gorm.DB) error {
		var o Order
		err := tx.Where("broker_order_id = ?", f.BrokerOrderID).First(&o).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return gorm.ErrRecordNotFound
		}
		if err != nil {
			return err
		}

		// Append execution.
		exec := Execution{
			BrokerOrderID: f.BrokerOrderID,
			FillQty:       f.Qty,
			FillPrice:     f.Price,
			FillAmount:    f.Qty * f.Price,
			FilledAt:      f.FilledAt,
		}
		if err := tx.Create(&exec).Error; err != nil {
			return err
		}

		// Advance order.
		prevAmount := o.FilledQty * o.AvgFillPrice
		o.FilledQty += f.Qty
		if o.FilledQty > 0 {
			o.AvgFillPrice = (prevAmount + f.Qty*f.Price) / o.FilledQty
		}
		next := OrderPartiallyFilled
		if o.FilledQty >= o.Quantity {
			next = OrderFilled
			now := f.FilledAt
			o.ExecutedAt = &now
		}
		if !canTransition(o.Status, next) {
			return fmt.Errorf("invalid order transition %s -> %s", o.Status, next)
		}
		o.Status = next
		if err := tx.Save(&o).Error; err != nil {
			return err
		}

		// Upsert position.
		var p Position
		err = tx.Where("symbol = ?", o.Symbol).First(&p).Error
		notHeld := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !notHeld {
			return err
		}

		switch f.Side {
		case SideBuy:
			if notHeld {
				p = newPositionFromEntry(&o, f)
			} else {
				p.AvgCost = weightedAvgCost(p.Quantity, p.AvgCost, f.Qty, f.Price)
				p.Quantity += f.Qty
				if p.PyramidStage < 3 {
					p.PyramidStage++
				}
				if f.Price > p.MaxPrice {
					p.MaxPrice = f.Price
				}
			}
			if err := tx.Save(&p).Error; err != nil {
				return err
			}
			result = &p
		case SideSell:
			if notHeld {
				// Sell fill for a position we do not track: warn-level
				// inconsistency, handled by the caller.
				return nil
			}
			p.Quantity -= f.Qty
			if p.Quantity <= 0 {
				// Quantity 0 implies the record is absent.
				if err := tx.Delete(&Position{}, "symbol = ?", o.Symbol).Error; err != nil {
					return err
				}
				result = nil
				return nil
			}
			if err := tx.Save(&p).Error; err != nil {
				return err
			}
			result = &p
		}
		return nil
	})

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ApplyExecutionFill %s: %w", f.BrokerOrderID, err)
	}
	return result, nil
}

// newPositionFromEntry seeds a position from the first buy fill. The
// order's entry-time scores and trap kinds ride along so the exit
// feedback can grade them later.
func newPositionFromEntry(o *Order, f Fill) Position {
	return Position{
		Symbol:          o.Symbol,
		Quantity:        f.Qty,
		AvgCost:         f.Price,
		FirstEntryAt:    f.FilledAt,
		MaxPrice:        f.Price,
		EntryQuantScore: o.QuantScore,
		EntryAIScore:    o.AIScore,
		EntryFinalScore: o.FinalScore,
		EntryTraps:      o.EntryTraps,
	}
}

// weightedAvgCost recomputes the cost-weighted mean on a position add.
func weightedAvgCost(heldQty, heldCost, addQty, addPrice int64) int64 {
	total := heldQty + addQty
	if total == 0 {
		return 0
	}
	return (heldQty*heldCost + addQty*addPrice) / total
}

// ─── Account snapshots ──────────────────────────────────────────────

// AppendSnapshot writes an account snapshot row.
func (r *Repository) AppendSnapshot(s *AccountSnapshot) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	if err := r.db.db.Create(s).Error; err != nil {
		return fmt.Errorf("AppendSnapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot or nil.
func (r *Repository) LatestSnapshot() (*AccountSnapshot, error) {
	var s AccountSnapshot
	err := r.db.db.Order("timestamp DESC").First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LatestSnapshot: %w", err)
	}
	return &s, nil
}

// ─── Trade feedback ─────────────────────────────────────────────────

// SaveFeedback persists a trade feedback row.
func (r *Repository) SaveFeedback(f *TradeFeedback) error {
	if err := r.db.db.Create(f).Error; err != nil {
		return fmt.Errorf("SaveFeedback %s: %w", f.Symbol, err)
	}
	return nil
}

// RecentFeedback returns the latest exits, newest first.
func (r *Repository) RecentFeedback(limit int) ([]TradeFeedback, error) {
	var rows []TradeFeedback
	err := r.db.db.Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("RecentFeedback: %w", err)
	}
	return rows, nil
}

// FeedbackSince returns exits recorded since t, for settlement summaries.
func (r *Repository) FeedbackSince(t time.Time) ([]TradeFeedback, error) {
	var rows []TradeFeedback
	err := r.db.db.Where("created_at >= ?", t).Order("created_at").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("FeedbackSince: %w", err)
	}
	return rows, nil
}

// ─── Trap pattern weights ───────────────────────────────────────────

// GetPatternWeights returns all learned trap weights keyed by kind.
func (r *Repository) GetPatternWeights() (map[string]TrapPatternWeight, error) {
	var rows []TrapPatternWeight
	if err := r.db.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("GetPatternWeights: %w", err)
	}
	out := make(map[string]TrapPatternWeight, len(rows))
	for _, w := range rows {
		out[w.PatternKind] = w
	}
	return out, nil
}

// SavePatternWeight upserts one learned weight row.
func (r *Repository) SavePatternWeight(w *TrapPatternWeight) error {
	w.UpdatedAt = time.Now()
	if err := r.db.db.Save(w).Error; err != nil {
		return fmt.Errorf("SavePatternWeight %s: %w", w.PatternKind, err)
	}
	return nil
}

// RecordPatternOutcome accumulates one observation for a trap pattern
// and stores the new learned weight.
func (r *Repository) RecordPatternOutcome(kind string, weight float64, correct bool) error {
	return r.db.db.Transaction(func(tx *gorm.DB) error {
		var row TrapPatternWeight
		err := tx.Where("pattern_kind = ?", kind).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = TrapPatternWeight{PatternKind: kind}
		} else if err != nil {
			return fmt.Errorf("RecordPatternOutcome %s: %w", kind, err)
		}

		row.Weight = weight
		row.Total++
		if correct {
			row.Correct++
		}
		row.Accuracy = float64(row.Correct) / float64(row.Total) * 100
		row.UpdatedAt = time.Now()

		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("RecordPatternOutcome %s: %w", kind, err)
		}
		return nil
	})
}

// ─── System config ──────────────────────────────────────────────────

// GetConfigValue reads one system-configuration value, or def when the
// key is absent.
func (r *Repository) GetConfigValue(key, def string) (string, error) {
	var row SystemConfig
	err := r.db.db.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("GetConfigValue %s: %w", key, err)
	}
	return row.Value, nil
}

// SetConfigValue upserts one system-configuration value.
func (r *Repository) SetConfigValue(key, value string) error {
	row := SystemConfig{Key: key, Value: value, UpdatedAt: time.Now()}
	if err := r.db.db.Save(&row).Error; err != nil {
		return fmt.Errorf("SetConfigValue %s: %w", key, err)
	}
	return nil
}

// ─── Decision log ───────────────────────────────────────────────────

// AppendDecision writes one commander decision to the append-only log.
func (r *Repository) AppendDecision(d *DecisionLog) error {
	if err := r.db.db.Create(d).Error; err != nil {
		return fmt.Errorf("AppendDecision %s: %w", d.Symbol, err)
	}
	return nil
}

// ─── Daily picks ────────────────────────────────────────────────────

// ReplaceDailyPicks replaces today's pick set in one transaction.
func (r *Repository) ReplaceDailyPicks(day time.Time, picks []DailyPick) error {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	err := r.db.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("date = ?", dayStart).Delete(&DailyPick{}).Error; err != nil {
			return err
		}
		for i := range picks {
			picks[i].Date = dayStart
			if err := tx.Create(&picks[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ReplaceDailyPicks: %w", err)
	}
	return nil
}

// GetDailyPicks returns the pick set for a day ordered by rank.
func (r *Repository) GetDailyPicks(day time.Time) ([]DailyPick, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	var picks []DailyPick
	err := r.db.db.Where("date = ?", dayStart).Order("rank").Find(&picks).Error
	if err != nil {
		return nil, fmt.Errorf("GetDailyPicks: %w", err)
	}
	return picks, nil
}
