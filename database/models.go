// Package database provides the transactional store for the trading
// core: positions, orders, executions, account snapshots, trade
// feedback, trap pattern weights, system configuration and the
// append-only strategy decision log.
//
// All monetary amounts are integers in won. One logical operation is
// one transaction; an execution fill updates the order, appends the
// execution and upserts the position atomically.
package database

import "time"

// Position is a held instrument. A position with quantity 0 is deleted,
// never retained.
type Position struct {
	Symbol           string    `gorm:"primaryKey;size:12"`
	Name             string    `gorm:"size:64"`
	Quantity         int64     `gorm:"not null"`
	AvgCost          int64     `gorm:"not null"` // cost-weighted mean, won
	FirstEntryAt     time.Time `gorm:"not null"`
	MaxPrice         int64     // max price seen since entry, monotonic while held
	PartialExitStage int       // 0..2
	PyramidStage     int       // 0..3
	Strategy         string    `gorm:"size:32"`

	// Entry-time decision context, copied from the opening order so the
	// exit feedback can score what the system believed going in.
	EntryQuantScore int
	EntryAIScore    int
	EntryFinalScore int
	EntryTraps      string `gorm:"size:256"` // comma-joined trap kinds

	UpdatedAt time.Time
}

// Order statuses. Transitions are monotonic: pending →
// partially_filled* → filled, or pending/partially_filled →
// cancelled/rejected.
const (
	OrderPending         = "PENDING"
	OrderPartiallyFilled = "PARTIALLY_FILLED"
	OrderFilled          = "FILLED"
	OrderCancelled       = "CANCELLED"
	OrderRejected        = "REJECTED"
)

// Order sides and venues.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	VenuePrimary   = "KRX"
	VenueAlternate = "NXT"
)

// Order is a broker order record.
type Order struct {
	ID            uint   `gorm:"primaryKey"`
	BrokerOrderID string `gorm:"uniqueIndex;size:32"`
	Symbol        string `gorm:"index;size:12"`
	Side          string `gorm:"size:4"`
	Venue         string `gorm:"size:8"`
	Quantity      int64
	LimitPrice    int64 // 0 means market order
	Status        string `gorm:"size:20;index"`
	FilledQty     int64
	AvgFillPrice  int64
	Reason        string `gorm:"size:64"` // entry signal or exit reason
	QuantScore    int    // entry-time scores; zero on sell orders
	AIScore       int
	FinalScore    int
	EntryTraps    string `gorm:"size:256"` // comma-joined trap kinds at entry
	PlacedAt      time.Time
	ExecutedAt    *time.Time
}

// Execution is an append-only fill record, child of Order by broker
// order id.
type Execution struct {
	ID            uint   `gorm:"primaryKey"`
	BrokerOrderID string `gorm:"index;size:32"`
	FillQty       int64
	FillPrice     int64
	FillAmount    int64
	FilledAt      time.Time `gorm:"index"`
}

// AccountSnapshot is an append-only balance record.
type AccountSnapshot struct {
	ID                  uint      `gorm:"primaryKey"`
	Timestamp           time.Time `gorm:"index"`
	CashBalance         int64
	TotalEquity         int64
	RealizedPnLToday    int64
	CumulativeReturnPct float64
}

// Trade outcome classes.
const (
	ResultSuccess = "SUCCESS"
	ResultNeutral = "NEUTRAL"
	ResultFailure = "FAILURE"

	DetailPerfect    = "PERFECT"
	DetailGood       = "GOOD"
	DetailBreakeven  = "BREAKEVEN"
	DetailMinorLoss  = "MINOR_LOSS"
	DetailStopLoss   = "STOP_LOSS"
	DetailSevereLoss = "SEVERE_LOSS"
)

// TradeFeedback is written on every position exit and drives the
// threshold adjustment loop.
type TradeFeedback struct {
	ID         uint   `gorm:"primaryKey"`
	Symbol     string `gorm:"index;size:12"`
	Name       string `gorm:"size:64"`
	EntryPrice int64
	ExitPrice  int64
	ReturnPct  float64
	HoldDays   int
	ExitReason string `gorm:"size:32"`

	// Entry-time scores
	QuantScore int
	AIScore    int
	FinalScore int

	ResultClass  string `gorm:"size:12;index"`
	ResultDetail string `gorm:"size:16"`
	Lesson       string `gorm:"type:text"` // reasoner narrative, failures only

	CreatedAt time.Time `gorm:"index"`
}

// TrapPatternWeight is the learned confidence for one trap pattern,
// clipped to [0.30, 0.99].
type TrapPatternWeight struct {
	PatternKind string `gorm:"primaryKey;size:24"`
	Weight      float64
	Total       int
	Correct     int
	Accuracy    float64
	UpdatedAt   time.Time
}

// SystemConfig is a key/value row for runtime-adjustable settings
// (MIN_SCORE, circuit breaker flag).
type SystemConfig struct {
	Key       string `gorm:"primaryKey;size:40"`
	Value     string `gorm:"size:128"`
	UpdatedAt time.Time
}

// DecisionLog is the append-only record of every commander decision.
type DecisionLog struct {
	ID         uint   `gorm:"primaryKey"`
	Symbol     string `gorm:"index;size:12"`
	Action     string `gorm:"size:8"`
	QuantScore int
	AIScore    int
	FinalScore int
	Confidence int
	RiskLevel  string    `gorm:"size:8"`
	Reason     string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

// DailyPick is one symbol selected by the 07:20 deep-analysis job.
type DailyPick struct {
	ID            uint      `gorm:"primaryKey"`
	Date          time.Time `gorm:"index"`
	Symbol        string    `gorm:"size:12"`
	Name          string    `gorm:"size:64"`
	Rank          int
	AIScore       int
	ExpectedEntry int64
	Executed      bool
}
