package noise

import "github.com/firezone/tunnel-core/internal/ids"

// lossWeights are the per-session weights applied from the current
// session backwards across the ring, geometric with ratio 1/3 starting at
// 9: 9, 3, 1, 1/3, ...
var lossWeights = func() [ids.RingSize]float64 {
	var w [ids.RingSize]float64
	v := 9.0
	for i := range w {
		w[i] = v
		v /= 3
	}
	return w
}()

// LossEstimate is a smoothed, weighted estimate of packet loss across the
// sessions a Tunn has seen, most recent first.
type LossEstimate struct {
	Expected uint64
	Received uint64
}

// Ratio returns the fraction of expected packets not received, in [0, 1].
func (l LossEstimate) Ratio() float64 {
	if l.Expected == 0 {
		return 0
	}
	return 1 - float64(l.Received)/float64(l.Expected)
}

// weightedLoss combines the per-session expected/received counters
// (ordered newest-first) into a single smoothed ratio.
func weightedLoss(sessions []*Session) float64 {
	var weightedExpected, weightedReceived, totalWeight float64
	for i, s := range sessions {
		if s == nil {
			continue
		}
		w := 1.0
		if i < len(lossWeights) {
			w = lossWeights[i]
		}
		weightedExpected += w * float64(s.expected)
		weightedReceived += w * float64(s.received)
		totalWeight += w
	}
	if weightedExpected == 0 || totalWeight == 0 {
		return 0
	}
	return 1 - weightedReceived/weightedExpected
}
