package retransmit

import "math"

// omfbDelay implements the RFC 5401 Optimal Multicast Feedback (OMFB)
// backoff distribution named by spec.md §4.5:
//
//	lambda = ln(groupSize) + 1
//	x uniform in (lambda/maxBackoff, lambda*exp(lambda)/(maxBackoff*(exp(lambda)-1)))
//	delay  = (maxBackoff/lambda) * ln(x*(exp(lambda)-1)*(maxBackoff/lambda))
//
// randFloat64 must return a value uniformly distributed in [0, 1); callers
// pass in a *rand.Rand so the generator is not a hidden package-level global
// shared across every retransmit Handler.
func omfbDelay(groupSize int, maxBackoffNs float64, randFloat64 func() float64) float64 {
	if groupSize < 1 {
		groupSize = 1
	}
	lambda := math.Log(float64(groupSize)) + 1
	expLambda := math.Exp(lambda)

	lo := lambda / maxBackoffNs
	hi := lambda * expLambda / (maxBackoffNs * (expLambda - 1))
	x := lo + randFloat64()*(hi-lo)

	return (maxBackoffNs / lambda) * math.Log(x*(expLambda-1)*(maxBackoffNs/lambda))
}

// UnicastDelay is the constant small delay used for point-to-point channels,
// per spec.md §4.5 ("Unicast uses a constant small delay").
const UnicastDelayNs = 1_000_000 // 1ms
