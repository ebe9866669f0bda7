package stream

import (
	"encoding/json"
	"time"
)

// Ops
const (
	OpConnection         = "connection"
	OpStatus             = "status"
	OpMCM                = "mcm"
	OpAuthentication     = "authentication"
	OpMarketSubscription = "marketSubscription"
	OpHeartbeat          = "heartbeat"
)

// Change types carried in ct
const (
	ChangeHeartbeat   = "HEARTBEAT"
	ChangeSubImage    = "SUB_IMAGE"
	ChangeResubDelta  = "RESUB_DELTA"
	StatusSuccess     = "SUCCESS"
	StatusFailure     = "FAILURE"
	ErrInvalidSession = "INVALID_SESSION_INFORMATION"
	ErrNoSession      = "NO_SESSION"
)

// Market data fields for the subscription filter
const (
	FieldBestOffers     = "EX_BEST_OFFERS"
	FieldAllOffers      = "EX_ALL_OFFERS"
	FieldTraded         = "EX_TRADED"
	FieldTradedVolume   = "EX_TRADED_VOL"
	FieldMarketDef      = "EX_MARKET_DEF"
	FieldLastTradePrice = "EX_LTP"
)

// DefaultFields 与下单前的 REST 快照保持一致：最优报价 + 成交量 + 市场定义
var DefaultFields = []string{FieldBestOffers, FieldTraded, FieldMarketDef}

type authenticationMessage struct {
	Op      string `json:"op"`
	ID      int64  `json:"id"`
	AppKey  string `json:"appKey"`
	Session string `json:"session"`
}

type marketFilter struct {
	MarketIDs []string `json:"marketIds"`
}

type marketDataFilter struct {
	Fields       []string `json:"fields"`
	LadderLevels int      `json:"ladderLevels,omitempty"`
}

type marketSubscriptionMessage struct {
	Op               string           `json:"op"`
	ID               int64            `json:"id"`
	MarketFilter     marketFilter     `json:"marketFilter"`
	MarketDataFilter marketDataFilter `json:"marketDataFilter"`
	InitialClk       string           `json:"initialClk,omitempty"`
	Clk              string           `json:"clk,omitempty"`
	HeartbeatMs      int              `json:"heartbeatMs,omitempty"`
	ConflateMs       int              `json:"conflateMs,omitempty"`
}

// Frame is any server→client message; fields not used by an op stay zero.
type Frame struct {
	Op string `json:"op"`
	ID int64  `json:"id,omitempty"`

	// connection
	ConnectionID string `json:"connectionId,omitempty"`

	// status
	StatusCode       string `json:"statusCode,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	ConnectionClosed bool   `json:"connectionClosed,omitempty"`

	// mcm
	Ct          string         `json:"ct,omitempty"`
	Clk         string         `json:"clk,omitempty"`
	InitialClk  string         `json:"initialClk,omitempty"`
	Pt          int64          `json:"pt,omitempty"`
	HeartbeatMs int            `json:"heartbeatMs,omitempty"`
	ConflateMs  int            `json:"conflateMs,omitempty"`
	Mc          []MarketChange `json:"mc,omitempty"`
}

// PublishTime converts pt (epoch millis) to time.
func (f Frame) PublishTime() time.Time {
	if f.Pt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(f.Pt).UTC()
}

// IsHeartbeat reports whether the frame only signals liveness.
func (f Frame) IsHeartbeat() bool {
	return f.Op == OpHeartbeat || f.Ct == ChangeHeartbeat
}

type MarketChange struct {
	ID               string            `json:"id"`
	Img              bool              `json:"img,omitempty"`
	Tv               float64           `json:"tv,omitempty"`
	Con              bool              `json:"con,omitempty"`
	MarketDefinition *MarketDefinition `json:"marketDefinition,omitempty"`
	Rc               []RunnerChange    `json:"rc,omitempty"`
}

type MarketDefinition struct {
	Status      string             `json:"status,omitempty"`
	InPlay      bool               `json:"inPlay,omitempty"`
	BetDelay    int                `json:"betDelay,omitempty"`
	EventTypeID string             `json:"eventTypeId,omitempty"`
	EventID     string             `json:"eventId,omitempty"`
	MarketTime  *time.Time         `json:"marketTime,omitempty"`
	Runners     []RunnerDefinition `json:"runners,omitempty"`
}

type RunnerDefinition struct {
	ID           int64   `json:"id"`
	Status       string  `json:"status,omitempty"`
	SortPriority int     `json:"sortPriority,omitempty"`
	Hc           float64 `json:"hc,omitempty"`
}

// RunnerChange carries ladder deltas for one selection.
//
// atb/atl/trd are [price, size] pairs keyed by price; batb/batl are
// [level, price, size] triples keyed by level. Size 0 removes the entry.
type RunnerChange struct {
	ID   int64       `json:"id"`
	Hc   float64     `json:"hc,omitempty"`
	Tv   float64     `json:"tv,omitempty"`
	Ltp  float64     `json:"ltp,omitempty"`
	Atb  [][]float64 `json:"atb,omitempty"`
	Atl  [][]float64 `json:"atl,omitempty"`
	Batb [][]float64 `json:"batb,omitempty"`
	Batl [][]float64 `json:"batl,omitempty"`
	Trd  [][]float64 `json:"trd,omitempty"`
}

// Cursor is a subscription and its resume position. Clocks are only
// meaningful for the market set they were issued for.
type Cursor struct {
	MarketIDs  []string `json:"marketIds,omitempty"`
	InitialClk string   `json:"initialClk,omitempty"`
	Clk        string   `json:"clk,omitempty"`
}

// Resumable reports whether both clocks are known.
func (c Cursor) Resumable() bool {
	return c.InitialClk != "" && c.Clk != ""
}

// Update is one market change message forwarded to consumers.
type Update struct {
	Ct          string
	Clk         string
	PublishTime time.Time
	Markets     []MarketChange
	ReceivedAt  time.Time
}

// MarketIDs lists the markets touched by the update.
func (u Update) MarketIDs() []string {
	out := make([]string, 0, len(u.Markets))
	for _, m := range u.Markets {
		out = append(out, m.ID)
	}
	return out
}

func decodeFrame(line []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(line, &f)
	return f, err
}
