package detect

// Postprocessor filters or modifies a slice of detections.
type Postprocessor func([]Detection) []Detection

// NewClassFilter keeps only detections of the given class.
func NewClassFilter(classID int) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.ClassID == classID {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewScoreFilter drops detections below a confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Confidence >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// Chain applies postprocessors in order. Nil entries are skipped.
func Chain(ps ...Postprocessor) Postprocessor {
	return func(in []Detection) []Detection {
		for _, p := range ps {
			if p != nil {
				in = p(in)
			}
		}
		return in
	}
}
