package sim

import (
	"hash/fnv"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/cvflow/pkg/report"
)

func buildResult(s *session, job *Job) any {
	switch job.Kind {
	case report.KindJobPosting:
		return jobPosting(s)
	case report.KindRanking:
		return ranking(s, job)
	case report.KindAnalysis:
		return analysis(s, job)
	default:
		return summary(job)
	}
}

// summary is the completion summary of a job.
func summary(job *Job) map[string]any {
	out := map[string]any{
		"step":      job.Step,
		"processed": job.Total,
	}
	if len(job.Files) > 0 {
		out["files"] = job.Files
	}
	return out
}

func jobPosting(s *session) *report.JobPosting {
	desc := strings.TrimSpace(s.fields["job_description"])
	jp := &report.JobPosting{
		Title:       jobTitle(s),
		Company:     s.fields["company"],
		Location:    s.fields["location"],
		Description: desc,
	}
	for _, line := range strings.Split(desc, "\n") {
		line = strings.TrimSpace(line)
		item := strings.TrimSpace(strings.TrimLeft(line, "-*•"))
		if item == "" || item == line {
			continue
		}
		lower := strings.ToLower(item)
		switch {
		case strings.Contains(lower, "degree") || strings.Contains(lower, "education"):
			jp.RequiredEducation = append(jp.RequiredEducation, item)
		case strings.Contains(lower, "year") || strings.Contains(lower, "experience"):
			jp.RequiredExperience = append(jp.RequiredExperience, item)
		case strings.Contains(lower, "nice to have") || strings.Contains(lower, "bonus"):
			jp.NiceToHaveDuties = append(jp.NiceToHaveDuties, item)
		default:
			jp.RequiredDuties = append(jp.RequiredDuties, item)
		}
	}
	return jp
}

func ranking(s *session, job *Job) *report.Ranking {
	r := &report.Ranking{
		SessionID: s.id,
		JobTitle:  jobTitle(s),
		Timestamp: job.StartedAt.UTC().Format(time.RFC3339),
	}
	for _, f := range job.Files {
		sc := scores(f)
		r.Candidates = append(r.Candidates, report.RankedCandidate{
			Name:     displayName(f),
			Filename: f,
			Scores:   sc,
			Summary:  "Simulated evaluation of " + f,
		})
	}
	r.Sort()
	return r
}

func analysis(s *session, job *Job) *report.CandidateAnalysis {
	name := s.fields["full_name"]
	if name == "" {
		name = "Candidate"
	}
	role := job.Fields["target_role"]
	sc := scores(name + "/" + role)
	return &report.CandidateAnalysis{
		SessionID:     s.id,
		CandidateName: name,
		TargetRole:    role,
		OverallScore:  sc.TotalScore,
		Summary:       "Simulated analysis for the " + role + " role.",
		Strengths:     []string{"Relevant experience", "Clear CV structure"},
		Improvements:  []string{"Quantify achievements"},
		ReportCode:    strings.ToUpper(s.id[:8]),
	}
}

func jobTitle(s *session) string {
	if t := strings.TrimSpace(s.fields["job_title"]); t != "" {
		return t
	}
	desc := strings.TrimSpace(s.fields["job_description"])
	if desc == "" {
		return "Untitled position"
	}
	first, _, _ := strings.Cut(desc, "\n")
	first = strings.TrimSpace(first)
	if len(first) > 80 {
		first = first[:80]
	}
	return first
}

// scores derives stable pseudo-random scores from key.
func scores(key string) report.Scores {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	v := h.Sum32()

	sc := report.Scores{
		ExperienceScore:  float64(20 + v%31),
		EducationScore:   float64(8 + (v>>5)%13),
		DutiesScore:      float64(8 + (v>>10)%13),
		CoverLetterScore: float64((v >> 15) % 11),
	}
	sc.TotalScore = sc.ExperienceScore + sc.EducationScore + sc.DutiesScore + sc.CoverLetterScore
	return sc
}

func displayName(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	words := strings.FieldsFunc(base, func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	if len(words) == 0 {
		return filename
	}
	return strings.Join(words, " ")
}
