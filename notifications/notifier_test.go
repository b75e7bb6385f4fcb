package notifications

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"krx-trader/config"
	"krx-trader/database"
	"krx-trader/pipeline"
)

func sinkServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		texts = append(texts, body.Text)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &texts
}

func TestAlertDelivers(t *testing.T) {
	srv, texts := sinkServer(t)
	n := New(config.NotifyConfig{WebhookURL: srv.URL, Enabled: true})

	n.Alert("Title", "message body")

	if len(*texts) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(*texts))
	}
	if got := (*texts)[0]; !strings.Contains(got, "Title") || !strings.Contains(got, "message body") {
		t.Errorf("payload = %q, want title and body", got)
	}
}

func TestDisabledNotifierDropsSilently(t *testing.T) {
	srv, texts := sinkServer(t)
	n := New(config.NotifyConfig{WebhookURL: srv.URL, Enabled: false})

	n.Alert("Title", "dropped")

	if len(*texts) != 0 {
		t.Errorf("deliveries = %d, want 0 when disabled", len(*texts))
	}
}

func TestDeadSinkDoesNotPanic(t *testing.T) {
	n := New(config.NotifyConfig{WebhookURL: "http://127.0.0.1:1", Enabled: true})
	n.Alert("Title", "nobody listening") // must return, not panic
}

func TestPipelineSummarySkipsQuietRuns(t *testing.T) {
	srv, texts := sinkServer(t)
	n := New(config.NotifyConfig{WebhookURL: srv.URL, Enabled: true})

	n.PipelineSummary(pipeline.Result{Trigger: "tick"})
	if len(*texts) != 0 {
		t.Fatalf("quiet run should not notify, got %d", len(*texts))
	}

	n.PipelineSummary(pipeline.Result{Trigger: "tick", BuyOrders: 1})
	if len(*texts) != 1 {
		t.Errorf("run with orders should notify, got %d", len(*texts))
	}
}

func TestSettlementSummaryCountsOutcomes(t *testing.T) {
	srv, texts := sinkServer(t)
	n := New(config.NotifyConfig{WebhookURL: srv.URL, Enabled: true})

	day := time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)
	exits := []database.TradeFeedback{
		{Symbol: "005930", Name: "Samsung", ReturnPct: 5.5, ResultClass: database.ResultSuccess, ExitReason: "take-profit"},
		{Symbol: "000660", Name: "Hynix", ReturnPct: -3.1, ResultClass: database.ResultFailure, ExitReason: "stop-loss"},
	}
	n.SettlementSummary(day, exits, 12_000_000)

	if len(*texts) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(*texts))
	}
	got := (*texts)[0]
	for _, want := range []string{"2026-03-04", "W/L 1/1", "005930", "take-profit"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
}
