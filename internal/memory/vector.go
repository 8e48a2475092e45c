package memory

import "math"

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1,1]. Mismatched lengths or a zero vector yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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

// KeywordFraction returns |query ∩ slice| / |query|: the fraction of query
// keywords present on the slice. No query keywords means 0. Matching is
// exact after the stores' canonical lowercasing.
func KeywordFraction(queryKeywords, sliceKeywords []string) float64 {
	if len(queryKeywords) == 0 {
		return 0
	}
	have := make(map[string]struct{}, len(sliceKeywords))
	for _, k := range sliceKeywords {
		have[k] = struct{}{}
	}
	matched := 0
	for _, k := range queryKeywords {
		if _, ok := have[k]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryKeywords))
}
