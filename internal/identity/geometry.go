package identity

// duplicateFaceIoU is the overlap above which two detections in the same media
// are treated as the same face.
const duplicateFaceIoU = 0.9

// ValidBBox reports whether bbox is [x1, y1, x2, y2] with a positive area.
// A missing box is accepted; the detector may omit it for embedding-only input.
func ValidBBox(bbox []float64) bool {
	if len(bbox) == 0 {
		return true
	}
	return len(bbox) == 4 && bbox[2] > bbox[0] && bbox[3] > bbox[1]
}

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 []float64) float64 {
	if len(bbox1) != 4 || len(bbox2) != 4 {
		return 0
	}

	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection

	if union <= 0 {
		return 0
	}
	return intersection / union
}
