package persistence

import "time"

// The payload types below are the JSON shapes Record.Payload carries for
// each table. Keeping them here rather than in internal/engine or
// internal/backtest lets both the live writer (internal/engine) and the
// replay reader (internal/backtest) depend on one schema without a cycle
// between those two packages.

// LevelPayload mirrors book.Level with price/size serialized as strings,
// matching how venue.PriceLevel already carries price/size over the wire,
// to avoid float round-tripping through JSON.
type LevelPayload struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookSnapshotPayload is one ApplySnapshot call's worth of state, persisted
// so BacktestHarness can replay the same book evolution the live engine saw
// (spec.md §4.11).
type BookSnapshotPayload struct {
	MarketID   string         `json:"market_id"`
	TokenID    string         `json:"token_id"`
	Bids       []LevelPayload `json:"bids"`
	Asks       []LevelPayload `json:"asks"`
	Sequence   uint64         `json:"sequence"`
	CapturedAt time.Time      `json:"captured_at"`
}

// OrderIntentPayload records a Strategy decision before submission,
// including withheld decisions (spec.md §4.5/§4.11 "edge predicted vs
// realised").
type OrderIntentPayload struct {
	CorrelationID string `json:"correlation_id"`
	MarketID      string `json:"market_id"`
	PredictedEdge string `json:"predicted_edge"`
	Size          string `json:"size"`
	Withheld      bool   `json:"withheld"`
	Reason        string `json:"reason,omitempty"`
}

// FillPayload records one execution against a tracked order.
type FillPayload struct {
	ClientOrderID string `json:"client_order_id"`
	MarketID      string `json:"market_id"`
	TokenID       string `json:"token_id"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	Fee           string `json:"fee"`
}

// OrderPayload records an order lifecycle transition.
type OrderPayload struct {
	ClientOrderID string `json:"client_order_id"`
	VenueOrderID  string `json:"venue_order_id"`
	MarketID      string `json:"market_id"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

// PositionPayload is a point-in-time position snapshot.
type PositionPayload struct {
	MarketID    string `json:"market_id"`
	TokenID     string `json:"token_id"`
	Qty         string `json:"qty"`
	AvgPrice    string `json:"avg_price"`
	RealizedPnL string `json:"realized_pnl"`
}

// PnLSnapshotPayload is a periodic equity/PnL snapshot.
type PnLSnapshotPayload struct {
	Mode           string `json:"mode"`
	HighWaterMark  string `json:"high_water_mark"`
	CumulativeCash string `json:"cumulative_cash"`
	HourlyRealized string `json:"hourly_realized"`
	DailyRealized  string `json:"daily_realized"`
}

// LatencyMetricPayload records one measured operation latency.
type LatencyMetricPayload struct {
	Operation  string `json:"operation"`
	DurationMs int64  `json:"duration_ms"`
}

// ErrorPayload records one component-boundary error, for post-mortem
// analysis of a run (spec.md §6).
type ErrorPayload struct {
	Component     string `json:"component"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Message       string `json:"message"`
}
