package broker

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"krx-trader/config"
)

// restTimeout is the per-call deadline for broker REST requests.
const restTimeout = 30 * time.Second

// TR id map: primary venue vs alternate venue order codes.
var trIDMap = map[string]map[string]string{
	"KRX": {"buy": "TTTC0012U", "sell": "TTTC0011U"},
	"NXT": {"buy": "TTTC0802U", "sell": "TTTC0801U"},
}

// Client is the brokerage REST client. Safe for concurrent use; the
// token is refreshed lazily under a mutex.
type Client struct {
	http *resty.Client
	cfg  config.BrokerConfig

	mu    sync.Mutex
	token *tokenCache

	now func() time.Time
}

// NewClient builds a broker client from configuration.
func NewClient(cfg config.BrokerConfig) *Client {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(restTimeout).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	return &Client{
		http: http,
		cfg:  cfg,
		now:  time.Now,
	}
}

// GetAccessToken returns a valid access token, reusing the on-disk
// cache when its expiry is still in the future. Only a cache miss or an
// expired token triggers a network call.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.valid(c.now()) {
		return c.token.AccessToken, nil
	}

	if tc, err := loadTokenCache(c.cfg.TokenCacheFile); err == nil && tc.valid(c.now()) {
		c.token = tc
		log.Println("✅ Broker: using cached access token")
		return tc.AccessToken, nil
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.cfg.AppKey,
			"appsecret":  c.cfg.AppSecret,
		}).
		SetResult(&out).
		Post("/oauth2/tokenP")
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("token request failed: %s: %s", resp.Status(), resp.String())
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	expiresIn := out.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 86400
	}
	c.token = &tokenCache{
		AccessToken: out.AccessToken,
		ExpiresAt:   c.now().Add(time.Duration(expiresIn) * time.Second),
	}
	if err := saveTokenCache(c.cfg.TokenCacheFile, c.token); err != nil {
		log.Printf("⚠️  Broker: failed to persist token cache: %v", err)
	}
	log.Printf("✅ Broker: new access token issued (expires %s)",
		c.token.ExpiresAt.Format("2006-01-02 15:04:05"))
	return c.token.AccessToken, nil
}

// GetApprovalKey fetches the ephemeral stream approval key. It is
// requested fresh on every connect and never read from config or disk.
func (c *Client) GetApprovalKey(ctx context.Context) (string, error) {
	var out struct {
		ApprovalKey string `json:"approval_key"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.cfg.AppKey,
			"secretkey":  c.cfg.AppSecret,
		}).
		SetResult(&out).
		Post("/oauth2/Approval")
	if err != nil {
		return "", fmt.Errorf("approval key request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("approval key request failed: %s", resp.Status())
	}
	if out.ApprovalKey == "" {
		return "", fmt.Errorf("approval response missing key")
	}
	return out.ApprovalKey, nil
}

func (c *Client) authorized(ctx context.Context, trID string) (*resty.Request, error) {
	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return c.http.R().
		SetContext(ctx).
		SetHeader("authorization", "Bearer "+token).
		SetHeader("appkey", c.cfg.AppKey).
		SetHeader("appsecret", c.cfg.AppSecret).
		SetHeader("tr_id", trID), nil
}

// GetCurrentPrice fetches the latest quote for one symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (*Quote, error) {
	req, err := c.authorized(ctx, "FHKST01010100")
	if err != nil {
		return nil, err
	}

	var out struct {
		Output struct {
			Price      string `json:"stck_prpr"`
			OpenPrice  string `json:"stck_oprc"`
			PrevClose  string `json:"stck_sdpr"`
			ChangePct  string `json:"prdy_ctrt"`
			Volume     string `json:"acml_vol"`
			VolumeRate string `json:"prdy_vrss_vol_rate"` // percent of yesterday's volume
			ForeignNet string `json:"frgn_ntby_qty"`
			ProgramNet string `json:"pgtr_ntby_qty"`
		} `json:"output"`
	}
	resp, err := req.
		SetQueryParams(map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
		}).
		SetResult(&out).
		Get("/uapi/domestic-stock/v1/quotations/inquire-price")
	if err != nil {
		return nil, fmt.Errorf("price request failed for %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("price request failed for %s: %s", symbol, resp.Status())
	}

	return &Quote{
		Symbol:      symbol,
		Price:       atoi64(out.Output.Price),
		OpenPrice:   atoi64(out.Output.OpenPrice),
		PrevClose:   atoi64(out.Output.PrevClose),
		ChangePct:   atof(out.Output.ChangePct),
		Volume:      atoi64(out.Output.Volume),
		VolumeRatio: atof(out.Output.VolumeRate) / 100,
		ForeignNet:  atoi64(out.Output.ForeignNet),
		ProgramNet:  atoi64(out.Output.ProgramNet),
		Timestamp:   c.now(),
	}, nil
}

// GetInvestorFlows fetches today's net buying by investor class for
// one symbol. The first output row is the current session.
func (c *Client) GetInvestorFlows(ctx context.Context, symbol string) (*InvestorFlow, error) {
	req, err := c.authorized(ctx, "FHKST01010900")
	if err != nil {
		return nil, err
	}

	var out struct {
		Output []struct {
			ForeignNet string `json:"frgn_ntby_qty"`
			InstNet    string `json:"orgn_ntby_qty"`
			PersonNet  string `json:"prsn_ntby_qty"`
		} `json:"output"`
	}
	resp, err := req.
		SetQueryParams(map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
		}).
		SetResult(&out).
		Get("/uapi/domestic-stock/v1/quotations/inquire-investor")
	if err != nil {
		return nil, fmt.Errorf("investor flow request failed for %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("investor flow request failed for %s: %s", symbol, resp.Status())
	}
	if len(out.Output) == 0 {
		return nil, fmt.Errorf("investor flow response empty for %s", symbol)
	}

	row := out.Output[0]
	return &InvestorFlow{
		Symbol:     symbol,
		ForeignNet: atoi64(row.ForeignNet),
		InstNet:    atoi64(row.InstNet),
		PersonNet:  atoi64(row.PersonNet),
	}, nil
}

// GetDailyCloses fetches up to count daily closing prices for one
// symbol, newest first, for moving-average computation.
func (c *Client) GetDailyCloses(ctx context.Context, symbol string, count int) ([]int64, error) {
	req, err := c.authorized(ctx, "FHKST03010100")
	if err != nil {
		return nil, err
	}

	// Calendar span wide enough to cover count trading days.
	to := c.now()
	from := to.AddDate(0, 0, -count*2)

	var out struct {
		Output []struct {
			Close string `json:"stck_clpr"`
		} `json:"output2"`
	}
	resp, err := req.
		SetQueryParams(map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
			"FID_INPUT_DATE_1":       from.Format("20060102"),
			"FID_INPUT_DATE_2":       to.Format("20060102"),
			"FID_PERIOD_DIV_CODE":    "D",
			"FID_ORG_ADJ_PRC":        "0",
		}).
		SetResult(&out).
		Get("/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice")
	if err != nil {
		return nil, fmt.Errorf("daily close request failed for %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("daily close request failed for %s: %s", symbol, resp.Status())
	}

	closes := make([]int64, 0, len(out.Output))
	for _, row := range out.Output {
		if v := atoi64(row.Close); v > 0 {
			closes = append(closes, v)
		}
		if len(closes) >= count {
			break
		}
	}
	return closes, nil
}

// GetOrderBookTop fetches the best bid/ask for one symbol.
func (c *Client) GetOrderBookTop(ctx context.Context, symbol string) (*OrderBookTop, error) {
	req, err := c.authorized(ctx, "FHKST01010200")
	if err != nil {
		return nil, err
	}

	var out struct {
		Output struct {
			AskPrice string `json:"askp1"`
			BidPrice string `json:"bidp1"`
			AskQty   string `json:"askp_rsqn1"`
			BidQty   string `json:"bidp_rsqn1"`
		} `json:"output1"`
	}
	resp, err := req.
		SetQueryParams(map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
		}).
		SetResult(&out).
		Get("/uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn")
	if err != nil {
		return nil, fmt.Errorf("order book request failed for %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("order book request failed for %s: %s", symbol, resp.Status())
	}

	return &OrderBookTop{
		Symbol:    symbol,
		AskPrice:  atoi64(out.Output.AskPrice),
		BidPrice:  atoi64(out.Output.BidPrice),
		AskQty:    atoi64(out.Output.AskQty),
		BidQty:    atoi64(out.Output.BidQty),
		Timestamp: c.now(),
	}, nil
}

// GetCombinedBalance fetches holdings and the balance summary block.
func (c *Client) GetCombinedBalance(ctx context.Context) (*CombinedBalance, error) {
	req, err := c.authorized(ctx, "TTTC8434R")
	if err != nil {
		return nil, err
	}

	var out struct {
		Holdings []struct {
			Symbol   string `json:"pdno"`
			Name     string `json:"prdt_name"`
			Quantity string `json:"hldg_qty"`
			AvgCost  string `json:"pchs_avg_pric"`
			CurPrice string `json:"prpr"`
		} `json:"output1"`
		Summary []struct {
			Cash          string `json:"dnca_tot_amt"`
			OrderableCash string `json:"ord_psbl_cash"`
			TotalEquity   string `json:"tot_evlu_amt"`
			PnLToday      string `json:"asst_icdc_amt"`
		} `json:"output2"`
	}
	resp, err := req.
		SetQueryParams(map[string]string{
			"CANO":         c.cfg.AccountNo,
			"ACNT_PRDT_CD": c.cfg.AccountProduct,
			"INQR_DVSN":    "02",
		}).
		SetResult(&out).
		Get("/uapi/domestic-stock/v1/trading/inquire-balance")
	if err != nil {
		return nil, fmt.Errorf("balance request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("balance request failed: %s", resp.Status())
	}

	cb := &CombinedBalance{}
	for _, h := range out.Holdings {
		qty := atoi64(h.Quantity)
		if qty == 0 {
			continue
		}
		cb.Holdings = append(cb.Holdings, Holding{
			Symbol:   h.Symbol,
			Name:     h.Name,
			Quantity: qty,
			AvgCost:  atoi64(h.AvgCost),
			CurPrice: atoi64(h.CurPrice),
		})
	}
	if len(out.Summary) > 0 {
		s := out.Summary[0]
		cb.Summary = BalanceSummary{
			Cash:          atoi64(s.Cash),
			OrderableCash: atoi64(s.OrderableCash),
			TotalEquity:   atoi64(s.TotalEquity),
			PnLToday:      atoi64(s.PnLToday),
		}
	}
	return cb, nil
}

// PlaceOrder submits one order. Market orders (price 0) are not
// accepted on the alternate venue; the current best opposite-side price
// is substituted instead.
func (c *Client) PlaceOrder(ctx context.Context, or OrderRequest) (*OrderResult, error) {
	venue := or.Venue
	if venue == "" {
		venue = "KRX"
	}
	trs, ok := trIDMap[venue]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", venue)
	}

	price := or.Price
	if venue == "NXT" && price == 0 {
		top, err := c.GetOrderBookTop(ctx, or.Symbol)
		if err != nil {
			return nil, fmt.Errorf("market order on %s needs book price: %w", venue, err)
		}
		if or.Side == "BUY" {
			price = top.AskPrice
		} else {
			price = top.BidPrice
		}
		log.Printf("⚠️  Broker: market order not allowed on %s, using book price %d", venue, price)
	}

	side := "sell"
	if or.Side == "BUY" {
		side = "buy"
	}
	req, err := c.authorized(ctx, trs[side])
	if err != nil {
		return nil, err
	}

	ordDvsn := "00" // limit
	if price == 0 {
		ordDvsn = "01" // market
	}

	var out struct {
		Output struct {
			OrderID string `json:"ODNO"`
		} `json:"output"`
		ReturnCode string `json:"rt_cd"`
		Message    string `json:"msg1"`
	}
	resp, err := req.
		SetBody(map[string]string{
			"CANO":         c.cfg.AccountNo,
			"ACNT_PRDT_CD": c.cfg.AccountProduct,
			"PDNO":         or.Symbol,
			"ORD_DVSN":     ordDvsn,
			"ORD_QTY":      strconv.FormatInt(or.Quantity, 10),
			"ORD_UNPR":     strconv.FormatInt(price, 10),
		}).
		SetResult(&out).
		Post("/uapi/domestic-stock/v1/trading/order-cash")
	if err != nil {
		return nil, fmt.Errorf("order request failed for %s: %w", or.Symbol, err)
	}
	if resp.IsError() || out.ReturnCode != "0" {
		return nil, fmt.Errorf("order rejected for %s: %s", or.Symbol, out.Message)
	}

	log.Printf("✅ Broker: %s order placed %s x%d @ %d won (%s)",
		or.Side, or.Symbol, or.Quantity, price, venue)
	return &OrderResult{
		BrokerOrderID: out.Output.OrderID,
		Symbol:        or.Symbol,
		Side:          or.Side,
		Venue:         venue,
		Quantity:      or.Quantity,
		Price:         price,
		PlacedAt:      c.now(),
	}, nil
}

// GetTopMovers fetches the intraday volume/change-rate leader board,
// strongest first.
func (c *Client) GetTopMovers(ctx context.Context) ([]Mover, error) {
	req, err := c.authorized(ctx, "FHPST01710000")
	if err != nil {
		return nil, err
	}

	var out struct {
		Output []struct {
			Symbol    string `json:"mksc_shrn_iscd"`
			Name      string `json:"hts_kor_isnm"`
			Price     string `json:"stck_prpr"`
			ChangePct string `json:"prdy_ctrt"`
			Volume    string `json:"acml_vol"`
		} `json:"output"`
	}
	resp, err := req.
		SetQueryParams(map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_COND_SCR_DIV_CODE":  "20171",
			"FID_INPUT_ISCD":         "0000",
			"FID_DIV_CLS_CODE":       "0",
			"FID_BLNG_CLS_CODE":      "0",
		}).
		SetResult(&out).
		Get("/uapi/domestic-stock/v1/quotations/volume-rank")
	if err != nil {
		return nil, fmt.Errorf("movers request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("movers request failed: %s", resp.Status())
	}

	movers := make([]Mover, 0, len(out.Output))
	for _, m := range out.Output {
		movers = append(movers, Mover{
			Symbol:    m.Symbol,
			Name:      m.Name,
			Price:     atoi64(m.Price),
			ChangePct: atof(m.ChangePct),
			Volume:    atoi64(m.Volume),
		})
	}
	return movers, nil
}

// GetOpenOrders returns today's unfilled orders.
func (c *Client) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	req, err := c.authorized(ctx, "TTTC8036R")
	if err != nil {
		return nil, err
	}

	var out struct {
		Output []struct {
			OrderID   string `json:"odno"`
			Symbol    string `json:"pdno"`
			Side      string `json:"sll_buy_dvsn_cd"` // 01=sell, 02=buy
			Quantity  string `json:"ord_qty"`
			FilledQty string `json:"tot_ccld_qty"`
			Price     string `json:"ord_unpr"`
		} `json:"output"`
	}
	resp, err := req.
		SetQueryParams(map[string]string{
			"CANO":         c.cfg.AccountNo,
			"ACNT_PRDT_CD": c.cfg.AccountProduct,
		}).
		SetResult(&out).
		Get("/uapi/domestic-stock/v1/trading/inquire-psbl-rvsecncl")
	if err != nil {
		return nil, fmt.Errorf("open orders request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("open orders request failed: %s", resp.Status())
	}

	orders := make([]OpenOrder, 0, len(out.Output))
	for _, o := range out.Output {
		side := "SELL"
		if o.Side == "02" {
			side = "BUY"
		}
		orders = append(orders, OpenOrder{
			BrokerOrderID: o.OrderID,
			Symbol:        o.Symbol,
			Side:          side,
			Quantity:      atoi64(o.Quantity),
			FilledQty:     atoi64(o.FilledQty),
			Price:         atoi64(o.Price),
		})
	}
	return orders, nil
}

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func atof(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
