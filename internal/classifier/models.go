package classifier

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Logistic is a multinomial logistic regression. A single coefficient row
// is the binary form, where the row scores class 1 against class 0.
type Logistic struct {
	Coef      [][]float64
	Intercept []float64
}

func (m Logistic) Predict(x []float64) (int, []float64, error) {
	if len(m.Coef) == 0 {
		return 0, nil, errors.New("logistic: no coefficients")
	}
	if len(m.Intercept) != len(m.Coef) {
		return 0, nil, fmt.Errorf("logistic: %d intercepts for %d coefficient rows", len(m.Intercept), len(m.Coef))
	}
	scores := make([]float64, len(m.Coef))
	for k, row := range m.Coef {
		if len(row) != len(x) {
			return 0, nil, fmt.Errorf("logistic: got %d features, fitted on %d", len(x), len(row))
		}
		z := m.Intercept[k]
		for i, w := range row {
			z += w * x[i]
		}
		scores[k] = z
	}

	var proba []float64
	if len(scores) == 1 {
		p := 1 / (1 + math.Exp(-scores[0]))
		proba = []float64{1 - p, p}
	} else {
		proba = softmax(scores)
	}
	if err := checkFinite(proba); err != nil {
		return 0, nil, fmt.Errorf("logistic: %w", err)
	}
	return argmax(proba), proba, nil
}

func softmax(z []float64) []float64 {
	maxZ := math.Inf(-1)
	for _, v := range z {
		if v > maxZ {
			maxZ = v
		}
	}
	out := make([]float64, len(z))
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - maxZ)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// argmax returns the first index of the largest value.
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// KNN is a k-nearest-neighbours classifier over points already in scaled
// space. Each of the K nearest points (Euclidean) casts one vote; the
// probability of a class is its share of votes.
type KNN struct {
	K        int
	Points   [][]float64
	Classes  []int // class index of each point
	NClasses int
}

func (m KNN) Predict(x []float64) (int, []float64, error) {
	if len(m.Points) == 0 || m.K < 1 {
		return 0, nil, errors.New("knn: empty model")
	}

	type neighbour struct {
		idx  int
		dist float64
	}
	ns := make([]neighbour, len(m.Points))
	for i, p := range m.Points {
		if len(p) != len(x) {
			return 0, nil, fmt.Errorf("knn: got %d features, fitted on %d", len(x), len(p))
		}
		var d float64
		for j := range p {
			diff := p[j] - x[j]
			d += diff * diff
		}
		ns[i] = neighbour{idx: i, dist: d}
	}
	sort.SliceStable(ns, func(a, b int) bool { return ns[a].dist < ns[b].dist })

	k := min(m.K, len(ns))
	votes := make([]int, m.NClasses)
	for _, n := range ns[:k] {
		votes[m.Classes[n.idx]]++
	}
	proba := make([]float64, m.NClasses)
	for c, v := range votes {
		proba[c] = float64(v) / float64(k)
	}
	return argmax(proba), proba, nil
}
