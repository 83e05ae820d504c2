package domain

import "time"

// BoundingRegion locates a defect within the inspected image, in pixels.
type BoundingRegion struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefectFinding is a single defect reported by the vision subsystem.
type DefectFinding struct {
	Type       string         `json:"type"`
	Confidence float64        `json:"confidence"`
	Region     BoundingRegion `json:"region"`
}

// InspectionEvent is the vision subsystem's verdict on one inspected part.
// The engine treats it as read-only once received. CaptureTime must be in the
// same clock domain as machine ingestion timestamps (UTC, millisecond
// resolution).
type InspectionEvent struct {
	MachineID   string          `json:"machine_id"`
	PartID      string          `json:"part_id"`
	Defects     []DefectFinding `json:"defects,omitempty"`
	Score       float64         `json:"score"`
	Passed      bool            `json:"passed"`
	CaptureTime time.Time       `json:"capture_time"`
}

// MaxDefectConfidence returns the highest defect confidence, or 0 when the
// inspection found no defects.
func (e *InspectionEvent) MaxDefectConfidence() float64 {
	var max float64
	for _, d := range e.Defects {
		if d.Confidence > max {
			max = d.Confidence
		}
	}
	return max
}
