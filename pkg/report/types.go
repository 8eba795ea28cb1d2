// Package report holds the result payloads of the analysis steps and
// exports them as workbooks or JSON to a local directory or S3.
package report

import (
	"fmt"
	"sort"
	"strings"
)

// Kind names a result payload shape.
type Kind string

const (
	KindJobPosting Kind = "job_posting"
	KindRanking    Kind = "ranking"
	KindAnalysis   Kind = "analysis"
)

// Kinds lists every known result kind.
func Kinds() []Kind {
	return []Kind{KindJobPosting, KindRanking, KindAnalysis}
}

// New allocates an empty payload for kind, ready to be decoded into.
func New(kind Kind) (any, error) {
	switch kind {
	case KindJobPosting:
		return &JobPosting{}, nil
	case KindRanking:
		return &Ranking{}, nil
	case KindAnalysis:
		return &CandidateAnalysis{}, nil
	default:
		return nil, fmt.Errorf("unknown result kind %q", kind)
	}
}

// JobPosting is the structured job description extracted by the backend.
type JobPosting struct {
	Title                string   `json:"title"`
	Company              string   `json:"company,omitempty"`
	Location             string   `json:"location,omitempty"`
	RequiredExperience   []string `json:"required_experience"`
	RequiredEducation    []string `json:"required_education"`
	RequiredDuties       []string `json:"required_duties"`
	NiceToHaveExperience []string `json:"nice_to_have_experience"`
	NiceToHaveEducation  []string `json:"nice_to_have_education"`
	NiceToHaveDuties     []string `json:"nice_to_have_duties"`
	Description          string   `json:"description"`
}

// Scores are the per-dimension evaluation scores of one CV.
type Scores struct {
	ExperienceScore      float64 `json:"experience_score"`   // 0-50
	EducationScore       float64 `json:"education_score"`    // 0-20
	DutiesScore          float64 `json:"duties_score"`       // 0-20
	CoverLetterScore     float64 `json:"cover_letter_score"` // 0-10
	TotalScore           float64 `json:"total_score"`        // 0-100
	ExperienceReasoning  string  `json:"experience_reasoning,omitempty"`
	EducationReasoning   string  `json:"education_reasoning,omitempty"`
	DutiesReasoning      string  `json:"duties_reasoning,omitempty"`
	CoverLetterReasoning string  `json:"cover_letter_reasoning,omitempty"`
}

// Band buckets a total score.
func (s Scores) Band() string {
	switch {
	case s.TotalScore >= 90:
		return "excellent"
	case s.TotalScore >= 70:
		return "good"
	case s.TotalScore >= 50:
		return "fair"
	default:
		return "poor"
	}
}

// RankedCandidate is one scored CV in a ranking.
type RankedCandidate struct {
	Name      string   `json:"name"`
	Filename  string   `json:"filename,omitempty"`
	Rank      int      `json:"rank"`
	Scores    Scores   `json:"scores"`
	Summary   string   `json:"summary,omitempty"`
	Strengths []string `json:"strengths,omitempty"`
	Gaps      []string `json:"gaps,omitempty"`
}

// Ranking is the interviewer flow's final payload.
type Ranking struct {
	SessionID  string            `json:"session_id,omitempty"`
	JobTitle   string            `json:"job_title"`
	Timestamp  string            `json:"timestamp,omitempty"`
	Candidates []RankedCandidate `json:"candidates"`
	Errors     []string          `json:"errors,omitempty"`
}

// Sort orders candidates by total score, highest first, and renumbers
// ranks from 1. Ties keep name order.
func (r *Ranking) Sort() {
	sort.SliceStable(r.Candidates, func(i, j int) bool {
		a, b := r.Candidates[i], r.Candidates[j]
		if a.Scores.TotalScore != b.Scores.TotalScore {
			return a.Scores.TotalScore > b.Scores.TotalScore
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	for i := range r.Candidates {
		r.Candidates[i].Rank = i + 1
	}
}

// Stats summarizes the score distribution.
type Stats struct {
	Count   int
	Average float64
	Highest float64
	Lowest  float64
	Bands   map[string]int
}

// Stats computes the score distribution of the ranking.
func (r *Ranking) Stats() Stats {
	st := Stats{Count: len(r.Candidates), Bands: map[string]int{}}
	if st.Count == 0 {
		return st
	}
	st.Highest = r.Candidates[0].Scores.TotalScore
	st.Lowest = st.Highest

	var sum float64
	for _, c := range r.Candidates {
		score := c.Scores.TotalScore
		sum += score
		if score > st.Highest {
			st.Highest = score
		}
		if score < st.Lowest {
			st.Lowest = score
		}
		st.Bands[c.Scores.Band()]++
	}
	st.Average = sum / float64(st.Count)
	return st
}

// CandidateAnalysis is the candidate flow's final payload.
type CandidateAnalysis struct {
	SessionID       string   `json:"session_id,omitempty"`
	CandidateName   string   `json:"candidate_name"`
	TargetRole      string   `json:"target_role,omitempty"`
	OverallScore    float64  `json:"overall_score"`
	Summary         string   `json:"summary"`
	Strengths       []string `json:"strengths,omitempty"`
	Improvements    []string `json:"improvements,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	ReportCode      string   `json:"report_code,omitempty"`
}
