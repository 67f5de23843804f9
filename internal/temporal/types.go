package temporal

import (
	"time"

	"github.com/jordanhubbard/taskhub/internal/store"
	"github.com/jordanhubbard/taskhub/internal/usage"
)

// UsageInput is the input for UsageWorkflow.
type UsageInput struct {
	Event usage.Event `json:"event"`
}

// SummaryInput is the input for SummaryWorkflow.
type SummaryInput struct {
	Since time.Time `json:"since"`
}

// SummaryOutput is the output of SummaryWorkflow.
type SummaryOutput struct {
	Since   time.Time            `json:"since"`
	Rows    []store.UsageSummary `json:"rows"`
	Calls   int64                `json:"calls"`
	CostUSD float64              `json:"cost_usd"`
}
