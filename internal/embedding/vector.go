package embedding

import "math"

// Cosine returns the cosine similarity of two vectors. Vectors with zero
// norm (including the zero vector for blank text) score 0.0 against
// anything, never a division fault.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MeanVector returns the component-wise arithmetic mean of the given
// vectors, the representative vector used for document-to-document
// similarity. Nil when the input is empty.
func MeanVector(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sums := make([]float64, dim)
	for _, vec := range vectors {
		for i := 0; i < dim && i < len(vec); i++ {
			sums[i] += float64(vec[i])
		}
	}
	mean := make([]float32, dim)
	for i, sum := range sums {
		mean[i] = float32(sum / float64(len(vectors)))
	}
	return mean
}
