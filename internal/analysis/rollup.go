package analysis

// MaxMean returns the maximum and arithmetic mean of values, both 0 when
// values is empty.
func MaxMean(values []float64) (max, mean float64) {
	if len(values) == 0 {
		return 0, 0
	}
	max = values[0]
	var sum float64
	for _, v := range values {
		if v > max {
			max = v
		}
		sum += v
	}
	return max, sum / float64(len(values))
}

// OptionalMaxMean is MaxMean over the non-nil values. Both results are nil
// when no value is present.
func OptionalMaxMean(values []*float64) (max, mean *float64) {
	present := make([]float64, 0, len(values))
	for _, v := range values {
		if v != nil {
			present = append(present, *v)
		}
	}
	if len(present) == 0 {
		return nil, nil
	}
	mx, mn := MaxMean(present)
	return &mx, &mn
}

// RPMRollup returns the fastest fan and the mean speed, nil without fans.
func RPMRollup(speeds []int64) (max *int64, mean *float64) {
	if len(speeds) == 0 {
		return nil, nil
	}
	mx := speeds[0]
	var sum float64
	for _, s := range speeds {
		if s > mx {
			mx = s
		}
		sum += float64(s)
	}
	avg := sum / float64(len(speeds))
	return &mx, &avg
}
