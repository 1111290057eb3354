package scoring

import (
	"math"
	"slices"
	"strconv"
	"strings"
)

const epsilon = 1e-8

func categoricalScore(truth, pred string) float64 {
	if truth == pred {
		return 1
	}
	return 0
}

// stringScore is a case and whitespace insensitive exact match.
func stringScore(truth, pred string) float64 {
	if strings.EqualFold(strings.TrimSpace(truth), strings.TrimSpace(pred)) {
		return 1
	}
	return 0
}

// numberScore is 1 - relative error, floored at 0. Non-numeric input scores 0.
func numberScore(truth, pred string) float64 {
	t, errT := parseNumber(truth)
	p, errP := parseNumber(pred)
	if errT != nil || errP != nil {
		return 0
	}
	return math.Max(0, 1-math.Abs(t-p)/(math.Abs(t)+epsilon))
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, strconv.ErrRange
	}
	return v, nil
}

// macroF1 averages per-label F1 over every label seen in either vector.
// Labels with no true positives contribute 0.
func macroF1(truth, pred []string) float64 {
	if len(truth) == 0 || len(truth) != len(pred) {
		return 0
	}
	labels := make([]string, 0)
	for _, l := range append(slices.Clone(truth), pred...) {
		if !slices.Contains(labels, l) {
			labels = append(labels, l)
		}
	}
	var sum float64
	for _, l := range labels {
		var tp, fp, fn float64
		for i := range truth {
			switch {
			case truth[i] == l && pred[i] == l:
				tp++
			case pred[i] == l:
				fp++
			case truth[i] == l:
				fn++
			}
		}
		if tp == 0 {
			continue
		}
		precision := tp / (tp + fp)
		recall := tp / (tp + fn)
		sum += 2 * precision * recall / (precision + recall)
	}
	return sum / float64(len(labels))
}

// r2 is the coefficient of determination. A constant truth column scores 1
// for a perfect prediction and 0 otherwise.
func r2(truth, pred []float64) float64 {
	if len(truth) == 0 || len(truth) != len(pred) {
		return 0
	}
	var mean float64
	for _, v := range truth {
		mean += v
	}
	mean /= float64(len(truth))

	var ssRes, ssTot float64
	for i := range truth {
		ssRes += (truth[i] - pred[i]) * (truth[i] - pred[i])
		ssTot += (truth[i] - mean) * (truth[i] - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}
