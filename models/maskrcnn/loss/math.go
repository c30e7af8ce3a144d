package loss

import "github.com/chewxy/math32"

// minLog matches the floor binary cross-entropy applies to log terms.
const minLog = -100

// crossEntropy returns -log softmax(logits)[label] and adds
// scale * (softmax - onehot) into grad.
func crossEntropy(logits []float32, label int, grad []float32, scale float32) float32 {
	peak := logits[0]
	for _, v := range logits[1:] {
		peak = max(peak, v)
	}
	var z float32
	for _, v := range logits {
		z += math32.Exp(v - peak)
	}
	logZ := math32.Log(z) + peak

	for j, v := range logits {
		p := math32.Exp(v - logZ)
		if j == label {
			p--
		}
		grad[j] += scale * p
	}
	return logZ - logits[label]
}

// smoothL1 is the Huber loss with delta 1 and its derivative in d.
func smoothL1(d float32) (float32, float32) {
	a := math32.Abs(d)
	switch {
	case a < 1:
		return 0.5 * d * d, d
	case d > 0:
		return a - 0.5, 1
	default:
		return a - 0.5, -1
	}
}

// binaryCrossEntropy returns -(y log p + (1-y) log(1-p)) with logs floored
// at minLog, and its derivative in p.
func binaryCrossEntropy(p, y float32) (float32, float32) {
	logP := max(math32.Log(p), minLog)
	log1P := max(math32.Log(1-p), minLog)
	loss := -(y*logP + (1-y)*log1P)

	const eps = 1e-12
	den := max(p*(1-p), eps)
	return loss, (p - y) / den
}
