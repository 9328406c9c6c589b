package domain

// qualityWeights scores how much a populated field tells downstream
// consumers. Heart rate, power, and GPS outrank distance/duration-only data.
var qualityWeights = map[string]float64{
	MetricHeartRateAvg:      0.15,
	MetricHeartRateMax:      0.10,
	MetricPowerAvg:          0.15,
	MetricCadenceAvg:        0.05,
	MetricElevationGain:     0.05,
	MetricCalories:          0.10,
	MetricDistance:          0.10,
	MetricDuration:          0.10,
	MetricTrainingLoad:      0.05,
	MetricPerceivedExertion: 0.05,
}

const routeQualityWeight = 0.20

// ComputeQuality scores a workout's data completeness in [0,1] as the
// weighted share of populated high-value fields.
func ComputeQuality(w *Workout) float64 {
	total := routeQualityWeight
	for _, weight := range qualityWeights {
		total += weight
	}

	populated := 0.0
	for field := range w.Metrics {
		populated += qualityWeights[field]
	}
	if w.HasRoute() {
		populated += routeQualityWeight
	}

	score := populated / total
	if score > 1 {
		score = 1
	}
	return score
}
