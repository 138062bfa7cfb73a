package forecast

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// naiveSigma is the log-space dispersion applied when history is too thin
// to estimate one, wide enough that downstream consumers see the
// uncertainty instead of false precision.
const naiveSigma = 0.35

// minFittedSigma floors the fitted log-space dispersion so degenerate
// histories (identical observations) still produce spread scenarios.
const minFittedSigma = 0.05

// demandModel is a per-SKU lognormal demand generator. A fitted model
// carries log-space parameters estimated from history; a naive model
// anchors on the last observation (or a caller-supplied level) with
// inflated variance.
type demandModel struct {
	mu    float64
	sigma float64
	naive bool
	level float64
}

// fitDemand estimates a demand model from history. Non-positive
// observations cannot feed a lognormal fit and are dropped first. With
// fewer than minObs usable observations the model degrades to the naive
// form; it never fails.
func fitDemand(history []float64, fallbackLevel float64, minObs int) demandModel {
	usable := make([]float64, 0, len(history))
	for _, v := range history {
		if v > 0 {
			usable = append(usable, v)
		}
	}

	if len(usable) < minObs {
		level := fallbackLevel
		if len(usable) > 0 {
			level = usable[len(usable)-1]
		}
		if level < 0 {
			level = 0
		}
		return demandModel{naive: true, level: level, sigma: naiveSigma}
	}

	logs := make([]float64, len(usable))
	for i, v := range usable {
		logs[i] = math.Log(v)
	}
	mu := stat.Mean(logs, nil)
	sigma := stat.StdDev(logs, nil)
	if math.IsNaN(sigma) || sigma < minFittedSigma {
		sigma = minFittedSigma
	}
	return demandModel{mu: mu, sigma: sigma}
}

// sample draws one demand value.
func (m demandModel) sample(src *DeterministicPRNG) float64 {
	if m.naive {
		if m.level <= 0 {
			return 0
		}
		ln := distuv.LogNormal{Mu: math.Log(m.level), Sigma: m.sigma, Src: src}
		return ln.Rand()
	}
	ln := distuv.LogNormal{Mu: m.mu, Sigma: m.sigma, Src: src}
	return ln.Rand()
}

// leadTimeModel is a shifted-Poisson generator over observed lead times:
// the minimum observed lead time plus Poisson-distributed extra periods.
type leadTimeModel struct {
	shift  int
	lambda float64
	ok     bool
}

func fitLeadTime(history []int) leadTimeModel {
	if len(history) == 0 {
		return leadTimeModel{}
	}
	minLead := history[0]
	sum := 0
	for _, v := range history {
		if v < minLead {
			minLead = v
		}
		sum += v
	}
	if minLead < 0 {
		minLead = 0
	}
	mean := float64(sum) / float64(len(history))
	lambda := mean - float64(minLead)
	if lambda < 0 {
		lambda = 0
	}
	return leadTimeModel{shift: minLead, lambda: lambda, ok: true}
}

// sample draws one lead time in periods.
func (m leadTimeModel) sample(src *DeterministicPRNG) int {
	if !m.ok {
		return 0
	}
	if m.lambda == 0 {
		return m.shift
	}
	p := distuv.Poisson{Lambda: m.lambda, Src: src}
	return m.shift + int(p.Rand())
}
