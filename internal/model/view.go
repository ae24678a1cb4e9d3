package model

import "time"

// ViewWindow is the bounded slice of a series handed to a renderer.
// StartIndex and EndIndex address the reduced (compressed/sampled) series;
// EndIndex is exclusive.
type ViewWindow struct {
	Visible           []Candle `json:"visible"`
	TotalSourceLength int      `json:"totalSourceLength"`
	StartIndex        int      `json:"startIndex"`
	EndIndex          int      `json:"endIndex"`
	CompressionRatio  float64  `json:"compressionRatio"`
}

// PerformanceMetrics is a point-in-time snapshot of render pipeline health.
type PerformanceMetrics struct {
	MemoryUsageMB    float64   `json:"memoryUsage"`
	RenderTimeMs     float64   `json:"renderTime"`
	DataPoints       int       `json:"dataPoints"`
	CompressionRatio float64   `json:"compressionRatio"`
	FPS              float64   `json:"fps"`
	RenderP50Ms      float64   `json:"renderP50"`
	RenderP95Ms      float64   `json:"renderP95"`
	RenderP99Ms      float64   `json:"renderP99"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
