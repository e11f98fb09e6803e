package training

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ClassMetrics struct {
	Label     string  `yaml:"label"`
	Precision float64 `yaml:"precision"`
	Recall    float64 `yaml:"recall"`
	F1        float64 `yaml:"f1"`
	Support   int     `yaml:"support"`
}

type Average struct {
	Precision float64 `yaml:"precision"`
	Recall    float64 `yaml:"recall"`
	F1        float64 `yaml:"f1"`
}

type Report struct {
	Accuracy    float64        `yaml:"accuracy"`
	Total       int            `yaml:"total"`
	Classes     []ClassMetrics `yaml:"classes"`
	MacroAvg    Average        `yaml:"macroAvg"`
	WeightedAvg Average        `yaml:"weightedAvg"`
}

// NewReport scores predicted against truth. A score whose denominator is
// zero (no predictions or no support for a class) counts as 0.
func NewReport(labels []string, truth, predicted []int) (*Report, error) {
	if len(truth) != len(predicted) {
		return nil, fmt.Errorf("%d ground-truth labels but %d predictions", len(truth), len(predicted))
	}
	if len(truth) == 0 {
		return nil, errors.New("nothing to score")
	}

	k := len(labels)
	tp := make([]int, k)
	predCount := make([]int, k)
	support := make([]int, k)
	correct := 0

	for i := range truth {
		t, p := truth[i], predicted[i]
		if t < 0 || t >= k || p < 0 || p >= k {
			return nil, fmt.Errorf("label index out of range at %d: truth %d, predicted %d", i, t, p)
		}
		support[t]++
		predCount[p]++
		if t == p {
			tp[t]++
			correct++
		}
	}

	r := &Report{
		Accuracy: float64(correct) / float64(len(truth)),
		Total:    len(truth),
		Classes:  make([]ClassMetrics, k),
	}
	for c := range labels {
		m := ClassMetrics{
			Label:     labels[c],
			Precision: ratio(tp[c], predCount[c]),
			Recall:    ratio(tp[c], support[c]),
			Support:   support[c],
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		r.Classes[c] = m

		r.MacroAvg.Precision += m.Precision / float64(k)
		r.MacroAvg.Recall += m.Recall / float64(k)
		r.MacroAvg.F1 += m.F1 / float64(k)

		w := float64(m.Support) / float64(r.Total)
		r.WeightedAvg.Precision += m.Precision * w
		r.WeightedAvg.Recall += m.Recall * w
		r.WeightedAvg.F1 += m.F1 * w
	}
	return r, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func (r *Report) Format() string {
	width := len("weighted avg")
	for _, c := range r.Classes {
		width = max(width, len(c.Label))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%*s %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")
	for _, c := range r.Classes {
		fmt.Fprintf(&b, "%*s %9.2f %9.2f %9.2f %9d\n", width, c.Label, c.Precision, c.Recall, c.F1, c.Support)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%*s %9s %9s %9.2f %9d\n", width, "accuracy", "", "", r.Accuracy, r.Total)
	fmt.Fprintf(&b, "%*s %9.2f %9.2f %9.2f %9d\n", width, "macro avg",
		r.MacroAvg.Precision, r.MacroAvg.Recall, r.MacroAvg.F1, r.Total)
	fmt.Fprintf(&b, "%*s %9.2f %9.2f %9.2f %9d\n", width, "weighted avg",
		r.WeightedAvg.Precision, r.WeightedAvg.Recall, r.WeightedAvg.F1, r.Total)
	return b.String()
}

func (r *Report) Write(path string) error {
	raw, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}
