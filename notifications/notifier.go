// Package notifications delivers operator alerts to a webhook sink.
// Delivery is best-effort: a dead sink is logged and never propagates
// into the trading path.
package notifications

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"krx-trader/config"
	"krx-trader/database"
	"krx-trader/pipeline"
)

// deliverTimeout bounds one webhook POST.
const deliverTimeout = 10 * time.Second

// Notifier posts alert messages to the configured webhook. A disabled
// notifier is valid and drops everything after a log line.
type Notifier struct {
	http    *resty.Client
	url     string
	enabled bool
}

// New creates a notifier from config. An empty webhook URL disables it.
func New(cfg config.NotifyConfig) *Notifier {
	return &Notifier{
		http:    resty.New().SetTimeout(deliverTimeout),
		url:     cfg.WebhookURL,
		enabled: cfg.Enabled && cfg.WebhookURL != "",
	}
}

// Alert sends one titled message. Errors are logged, not returned.
func (n *Notifier) Alert(title, message string) {
	log.Printf("🔔 %s: %s", title, message)
	if !n.enabled {
		return
	}

	body := map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", title, message),
	}
	resp, err := n.http.R().SetBody(body).Post(n.url)
	if err != nil {
		log.Printf("⚠️  Notification delivery failed: %v", err)
		return
	}
	if resp.IsError() {
		log.Printf("⚠️  Notification sink returned %s", resp.Status())
	}
}

// OrderPlaced formats and sends an order notification.
func (n *Notifier) OrderPlaced(side, symbol string, qty, price int64, reason string) {
	n.Alert(fmt.Sprintf("Order placed: %s %s", side, symbol),
		fmt.Sprintf("%d shares at %d won (%s)", qty, price, reason))
}

// CircuitBreaker announces the breaker arming.
func (n *Notifier) CircuitBreaker(lossStreak int) {
	n.Alert("🚨 Circuit breaker armed",
		fmt.Sprintf("%d consecutive losing exits. New entries are refused until tomorrow's settlement reset.", lossStreak))
}

// BrokerAuthFailure reports a fatal token problem.
func (n *Notifier) BrokerAuthFailure(err error) {
	n.Alert("❌ Broker authentication failed", err.Error())
}

// PipelineSummary reports one pipeline run that moved money.
func (n *Notifier) PipelineSummary(res pipeline.Result) {
	if res.BuyOrders == 0 && res.SellOrders == 0 && res.FailureReason == "" {
		return
	}
	if res.FailureReason != "" {
		n.Alert("Pipeline run failed", res.FailureReason)
		return
	}
	n.Alert(fmt.Sprintf("Pipeline run (%s)", res.Trigger),
		fmt.Sprintf("%d candidates, %d validated, %d buys, %d sells in %s",
			res.Candidates, res.Validated, res.BuyOrders, res.SellOrders,
			res.Duration.Round(time.Millisecond)))
}

// SettlementSummary formats the end-of-day report from today's exits.
func (n *Notifier) SettlementSummary(day time.Time, exits []database.TradeFeedback, equity int64) {
	var b strings.Builder
	wins, losses := 0, 0
	total := 0.0
	for _, fb := range exits {
		switch fb.ResultClass {
		case database.ResultSuccess:
			wins++
		case database.ResultFailure:
			losses++
		}
		total += fb.ReturnPct
		fmt.Fprintf(&b, "%s %s %+.2f%% (%s)\n", fb.Symbol, fb.Name, fb.ReturnPct, fb.ExitReason)
	}
	if len(exits) == 0 {
		b.WriteString("No exits today.\n")
	}
	fmt.Fprintf(&b, "W/L %d/%d, sum %+.2f%%, equity %d won", wins, losses, total, equity)

	n.Alert(fmt.Sprintf("Daily settlement %s", day.Format("2006-01-02")), b.String())
}
