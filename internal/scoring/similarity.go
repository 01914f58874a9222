package scoring

import (
	"context"
	"fmt"
	"math"
)

// TextSimilarity scores free text by TF-IDF cosine similarity against the
// question's reference answers. The best matching reference wins.
type TextSimilarity struct{}

// Name returns the method name.
func (TextSimilarity) Name() string { return MethodTextSimilarity }

// Grade returns marks × max cosine similarity over the reference corpus.
func (TextSimilarity) Grade(ctx context.Context, in Input) (Result, error) {
	refs := in.Question.ReferenceAnswers()
	if len(refs) == 0 {
		return Result{
			Feedback: "Unable to grade: no reference answer available; manual review required.",
			Metadata: map[string]interface{}{"method": MethodTextSimilarity},
		}, nil
	}

	corpus := make([][]string, 0, len(refs))
	for _, ref := range refs {
		corpus = append(corpus, tokenize(ref))
	}

	similarity := 0.0
	best := -1
	if candidate := tokenize(in.AnswerText); len(candidate) > 0 {
		idf := inverseDocumentFrequency(corpus)
		candidateVec := weightedVector(candidate, idf, len(corpus))
		for i, doc := range corpus {
			if err := ctx.Err(); err != nil {
				return Result{}, Timeout(MethodTextSimilarity, err)
			}
			score := cosine(candidateVec, weightedVector(doc, idf, len(corpus)))
			if score > similarity {
				similarity = score
				best = i
			}
		}
	}

	similarity = math.Min(1, math.Round(similarity*1e9)/1e9)

	metadata := map[string]interface{}{
		"method":     MethodTextSimilarity,
		"similarity": similarity,
	}
	if best >= 0 {
		metadata["reference_index"] = best
	}

	return Result{
		Score:      round2(in.Question.Marks * similarity),
		Feedback:   similarityFeedback(similarity),
		Confidence: clampPercent(similarity * 100),
		Metadata:   metadata,
	}, nil
}

// inverseDocumentFrequency uses the smoothed form ln((1+N)/(1+df)) + 1 so that a
// single-document corpus still produces non-zero weights.
func inverseDocumentFrequency(corpus [][]string) map[string]float64 {
	df := make(map[string]int)
	for _, doc := range corpus {
		seen := make(map[string]struct{}, len(doc))
		for _, term := range doc {
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			df[term]++
		}
	}

	n := float64(len(corpus))
	idf := make(map[string]float64, len(df))
	for term, count := range df {
		idf[term] = math.Log((1+n)/(1+float64(count))) + 1
	}
	return idf
}

func weightedVector(terms []string, idf map[string]float64, corpusSize int) map[string]float64 {
	unseen := math.Log(float64(1+corpusSize)) + 1
	vec := make(map[string]float64, len(terms))
	for _, term := range terms {
		vec[term]++
	}
	for term, tf := range vec {
		weight, ok := idf[term]
		if !ok {
			weight = unseen
		}
		vec[term] = tf * weight
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for term, wa := range a {
		dot += wa * b[term]
	}
	if dot == 0 {
		return 0
	}
	return dot / (norm(a) * norm(b))
}

func norm(v map[string]float64) float64 {
	var sum float64
	for _, w := range v {
		sum += w * w
	}
	return math.Sqrt(sum)
}

func similarityFeedback(similarity float64) string {
	prefix := fmt.Sprintf("Text similarity: %.1f%%. ", similarity*100)
	switch {
	case similarity >= 0.8:
		return prefix + "Very similar to the expected answer."
	case similarity >= 0.5:
		return prefix + "Partially correct, some key points present."
	default:
		return prefix + "Answer differs significantly from the expected response."
	}
}
