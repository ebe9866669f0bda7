package api

import "time"

// MarketFilter selects markets for the list* operations.
type MarketFilter struct {
	TextQuery       string     `json:"textQuery,omitempty"`
	EventTypeIDs    []string   `json:"eventTypeIds,omitempty"`
	EventIDs        []string   `json:"eventIds,omitempty"`
	CompetitionIDs  []string   `json:"competitionIds,omitempty"`
	MarketIDs       []string   `json:"marketIds,omitempty"`
	MarketCountries []string   `json:"marketCountries,omitempty"`
	MarketTypeCodes []string   `json:"marketTypeCodes,omitempty"`
	MarketStartTime *TimeRange `json:"marketStartTime,omitempty"`
	InPlayOnly      *bool      `json:"inPlayOnly,omitempty"`
}

type TimeRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

type EventType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type EventTypeResult struct {
	EventType   EventType `json:"eventType"`
	MarketCount int       `json:"marketCount"`
}

type Event struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CountryCode string     `json:"countryCode,omitempty"`
	Timezone    string     `json:"timezone,omitempty"`
	Venue       string     `json:"venue,omitempty"`
	OpenDate    *time.Time `json:"openDate,omitempty"`
}

type EventResult struct {
	Event       Event `json:"event"`
	MarketCount int   `json:"marketCount"`
}

type Competition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type RunnerCatalog struct {
	SelectionID  int64   `json:"selectionId"`
	RunnerName   string  `json:"runnerName"`
	Handicap     float64 `json:"handicap"`
	SortPriority int     `json:"sortPriority"`
}

type MarketCatalogue struct {
	MarketID        string          `json:"marketId"`
	MarketName      string          `json:"marketName"`
	MarketStartTime *time.Time      `json:"marketStartTime,omitempty"`
	TotalMatched    float64         `json:"totalMatched"`
	Runners         []RunnerCatalog `json:"runners,omitempty"`
	EventType       *EventType      `json:"eventType,omitempty"`
	Competition     *Competition    `json:"competition,omitempty"`
	Event           *Event          `json:"event,omitempty"`
}

// Market projections for listMarketCatalogue.
const (
	ProjectionCompetition     = "COMPETITION"
	ProjectionEvent           = "EVENT"
	ProjectionEventType       = "EVENT_TYPE"
	ProjectionMarketStartTime = "MARKET_START_TIME"
	ProjectionRunnerDescr     = "RUNNER_DESCRIPTION"
)

type PriceSize struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type ExchangePrices struct {
	AvailableToBack []PriceSize `json:"availableToBack,omitempty"`
	AvailableToLay  []PriceSize `json:"availableToLay,omitempty"`
	TradedVolume    []PriceSize `json:"tradedVolume,omitempty"`
}

type RunnerBook struct {
	SelectionID     int64           `json:"selectionId"`
	Handicap        float64         `json:"handicap"`
	Status          string          `json:"status"`
	LastPriceTraded float64         `json:"lastPriceTraded,omitempty"`
	TotalMatched    float64         `json:"totalMatched,omitempty"`
	Ex              *ExchangePrices `json:"ex,omitempty"`
}

type MarketBook struct {
	MarketID              string       `json:"marketId"`
	IsMarketDataDelayed   bool         `json:"isMarketDataDelayed"`
	Status                string       `json:"status"`
	BetDelay              int          `json:"betDelay"`
	Inplay                bool         `json:"inplay"`
	TotalMatched          float64      `json:"totalMatched"`
	TotalAvailable        float64      `json:"totalAvailable"`
	NumberOfRunners       int          `json:"numberOfRunners"`
	NumberOfActiveRunners int          `json:"numberOfActiveRunners"`
	LastMatchTime         *time.Time   `json:"lastMatchTime,omitempty"`
	Runners               []RunnerBook `json:"runners"`
}

const (
	RunnerStatusActive = "ACTIVE"

	PriceDataBestOffers = "EX_BEST_OFFERS"
	PriceDataTraded     = "EX_TRADED"
)

type PriceProjection struct {
	PriceData []string `json:"priceData"`
}

const (
	OrderTypeLimit       = "LIMIT"
	PersistenceTypeLapse = "LAPSE"
)

type LimitOrder struct {
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	PersistenceType string  `json:"persistenceType"`
}

type PlaceInstruction struct {
	OrderType        string      `json:"orderType"`
	SelectionID      int64       `json:"selectionId"`
	Handicap         float64     `json:"handicap"`
	Side             string      `json:"side"`
	LimitOrder       *LimitOrder `json:"limitOrder,omitempty"`
	CustomerOrderRef string      `json:"customerOrderRef,omitempty"`
}

type PlaceInstructionReport struct {
	Status              string           `json:"status"`
	ErrorCode           string           `json:"errorCode,omitempty"`
	OrderStatus         string           `json:"orderStatus,omitempty"`
	Instruction         PlaceInstruction `json:"instruction"`
	BetID               string           `json:"betId,omitempty"`
	PlacedDate          *time.Time       `json:"placedDate,omitempty"`
	AveragePriceMatched float64          `json:"averagePriceMatched,omitempty"`
	SizeMatched         float64          `json:"sizeMatched,omitempty"`
}

type PlaceExecutionReport struct {
	CustomerRef        string                   `json:"customerRef,omitempty"`
	Status             string                   `json:"status"`
	ErrorCode          string                   `json:"errorCode,omitempty"`
	MarketID           string                   `json:"marketId"`
	InstructionReports []PlaceInstructionReport `json:"instructionReports,omitempty"`
}

const (
	ExecutionSuccess = "SUCCESS"
	ExecutionFailure = "FAILURE"
)

type AccountFunds struct {
	AvailableToBetBalance float64 `json:"availableToBetBalance"`
	Exposure              float64 `json:"exposure"`
	RetainedCommission    float64 `json:"retainedCommission"`
	ExposureLimit         float64 `json:"exposureLimit"`
	DiscountRate          float64 `json:"discountRate"`
	PointsBalance         int     `json:"pointsBalance"`
	Wallet                string  `json:"wallet,omitempty"`
}
