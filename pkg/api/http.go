package api

// HTTP response envelopes used by the API server

type (
	CompositionsListResponse struct {
		Compositions []*Composition `json:"compositions"`
		Count        int            `json:"count"`
	}

	MetricsListResponse struct {
		CompositionID CompositionID      `json:"composition_id"`
		Records       []*ExecutionRecord `json:"records"`
		Count         int                `json:"count"`
	}

	HealthResponse struct {
		Service string `json:"service"`
		Version string `json:"version"`
		Status  string `json:"status"`
	}
)
