package config

// Application info
const (
	AppName        = "StockPulse"
	AppDescription = "Staged stock analysis pipeline with weighted progress"
)

// Categories accepted for market-heat defaults
var Categories = []string{"A", "HK", "US"}
