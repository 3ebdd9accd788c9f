package agent

// TargetRate is the sample rate the intake socket expects.
const TargetRate = 16000

// Mix sums the active tracks sample-wise into one composite stream,
// clamping to [-1, 1]. Tracks may differ in length; the result is as
// long as the longest track.
func Mix(tracks [][]float32) []float32 {
	longest := 0
	for _, t := range tracks {
		if len(t) > longest {
			longest = len(t)
		}
	}
	if longest == 0 {
		return nil
	}

	out := make([]float32, longest)
	for _, t := range tracks {
		for i, s := range t {
			out[i] += s
		}
	}
	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	return out
}

// Resample converts in from fromRate to toRate by linear
// interpolation, preserving the first and last samples. Non-positive
// rates yield nil.
func Resample(in []float32, fromRate, toRate int) []float32 {
	if len(in) == 0 || fromRate <= 0 || toRate <= 0 {
		return nil
	}
	if fromRate == toRate || len(in) == 1 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	n := len(in) * toRate / fromRate
	if n < 2 {
		return []float32{in[0]}
	}

	out := make([]float32, n)
	spring := float64(len(in)-1) / float64(n-1)
	out[0] = in[0]
	out[n-1] = in[len(in)-1]
	for i := 1; i < n-1; i++ {
		pos := float64(i) * spring
		left := int(pos)
		right := left + 1
		frac := pos - float64(left)
		out[i] = in[left] + float32(float64(in[right]-in[left])*frac)
	}
	return out
}
