// Package domain holds the resume matching model: documents, embedding
// vectors and the similarity scoring applied to them.
package domain

import (
	"math"
	"strings"
)

// Resume is the candidate document submitted for optimization.
type Resume struct {
	Content string
}

// JobDescription is the target posting the resume is scored against.
type JobDescription struct {
	Content string
}

// NewResume validates and normalizes resume content.
func NewResume(content string) (Resume, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Resume{}, ErrEmptyDocument
	}
	return Resume{Content: content}, nil
}

// NewJobDescription validates and normalizes job posting content.
func NewJobDescription(content string) (JobDescription, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return JobDescription{}, ErrEmptyDocument
	}
	return JobDescription{Content: content}, nil
}

// MatchResult is the outcome of scoring a resume against a job.
type MatchResult struct {
	Score       float64
	Suggestions []string
}

// CosineSimilarity returns the cosine of the angle between two equal
// length vectors, in [-1, 1].
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, ErrEmptyVector
	}
	if len(a) != len(b) {
		return 0, ErrVectorDimensionMismatch
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, ErrEmptyVector
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// MatchScore maps cosine similarity to a 0-100 score. Negative
// similarity means the documents are unrelated and scores zero.
func MatchScore(similarity float64) float64 {
	if similarity <= 0 {
		return 0
	}
	if similarity >= 1 {
		return 100
	}
	return math.Round(similarity*1000) / 10
}
