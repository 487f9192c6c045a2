package model

// Score computes accuracy and macro-averaged F1 of predictions against
// labels. Classes that never occur in either slice do not contribute to the
// macro average.
func Score(preds, labels []int, numClasses int) (accuracy, f1 float64) {
	if len(labels) == 0 || len(preds) != len(labels) {
		return 0, 0
	}
	tp := make([]float64, numClasses)
	fp := make([]float64, numClasses)
	fn := make([]float64, numClasses)

	correct := 0
	for i, y := range labels {
		p := preds[i]
		if p == y {
			correct++
			tp[y]++
			continue
		}
		if p >= 0 && p < numClasses {
			fp[p]++
		}
		if y >= 0 && y < numClasses {
			fn[y]++
		}
	}

	sum, present := 0.0, 0
	for c := 0; c < numClasses; c++ {
		if tp[c]+fp[c]+fn[c] == 0 {
			continue
		}
		present++
		denom := 2*tp[c] + fp[c] + fn[c]
		sum += 2 * tp[c] / denom
	}
	accuracy = float64(correct) / float64(len(labels))
	if present > 0 {
		f1 = sum / float64(present)
	}
	return accuracy, f1
}
