// Package api serves the operational HTTP surface: health, prometheus
// metrics, and read-only snapshots of the universe and the active model.
package api

import "time"

// Health statuses. DEGRADED means the pipeline is running on the REST
// fallback; UNHEALTHY means no market data is flowing at all.
const (
	StatusHealthy   = "HEALTHY"
	StatusDegraded  = "DEGRADED"
	StatusUnhealthy = "UNHEALTHY"
)

// Health is the /health response body.
type Health struct {
	Status              string    `json:"status"`
	StreamState         string    `json:"stream_state"`
	CircuitState        string    `json:"circuit_state"`
	ActiveSubscriptions int       `json:"active_subscriptions"`
	Tickers             int       `json:"tickers"`
	ModelVersion        int       `json:"model_version"` // 0 before first publication
	StartedAt           time.Time `json:"started_at"`
}

// SymbolSummary is one row of the /api/universe response.
type SymbolSummary struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	ChangePct   float64   `json:"change_pct"`
	CumVolume   float64   `json:"cum_volume"`
	Subscribed  bool      `json:"subscribed"`
	LastQuoteAt time.Time `json:"last_quote_at"`
}

// ModelInfo is the /api/model response body.
type ModelInfo struct {
	Version       int        `json:"version"`
	SchemaVersion int        `json:"schema_version"`
	Threshold     float64    `json:"threshold"`
	Weights       [3]float64 `json:"weights"`
	TrainedAt     time.Time  `json:"trained_at"`
	WindowDays    int        `json:"window_days"`
	Samples       int        `json:"samples"`
	ValidationAUC float64    `json:"validation_auc"`
	ValidationF1  float64    `json:"validation_f1"`
	RunID         string     `json:"run_id"`
}

// Provider is the read surface the engine exposes to this server.
type Provider interface {
	Health() Health
	Universe() []SymbolSummary
	Model() (ModelInfo, bool)
}
