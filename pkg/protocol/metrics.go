package protocol

import (
	"encoding/json"
	"fmt"
)

// MetricsSample is one reply from the agent's get_agent_metrics RPC. A sample
// is replaced wholesale on every successful poll; consumers holding a nil
// sample know there is no live value, never a stale one.
type MetricsSample struct {
	AvgFirstTokenLatencyMs float64 `json:"avgFirstTokenLatencyMs"`
	AvgTokensPerSecond     float64 `json:"avgTokensPerSecond"`
	ErrorRate24hPercent    float64 `json:"errorRate24hPercent"`
	Timestamp              string  `json:"timestamp"`
	Status                 string  `json:"status"`
}

// ParseMetricsSample decodes an RPC reply into a sample. Replies that are not
// a JSON object, or that carry an explicit error field, are rejected.
func ParseMetricsSample(payload string) (*MetricsSample, error) {
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		return nil, fmt.Errorf("parse metrics reply: %w", err)
	}
	if probe.Error != "" {
		return nil, fmt.Errorf("agent metrics error: %s", probe.Error)
	}

	var sample MetricsSample
	if err := json.Unmarshal([]byte(payload), &sample); err != nil {
		return nil, fmt.Errorf("parse metrics reply: %w", err)
	}
	if sample.Status == "" {
		return nil, fmt.Errorf("metrics reply missing status")
	}
	return &sample, nil
}
