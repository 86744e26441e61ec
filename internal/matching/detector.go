package matching

import (
	"time"

	"github.com/google/uuid"

	"github.com/caseharbor/caseharbor-api/internal/domain"
)

// DefaultThreshold is the fuzzy name similarity floor used when the caller
// supplies no duplicate settings.
const DefaultThreshold = 0.82

// Candidate is one existing entity of the tenant's snapshot, reduced to the
// fields matching inspects. Phone and Email must already be normalized.
type Candidate struct {
	ID          uuid.UUID
	FirstName   string
	LastName    string
	Phone       string
	Email       string
	Zip         string
	DateOfBirth string
	UpdatedAt   time.Time
}

// Verdict classifies one row against the snapshot.
type Verdict struct {
	Verdict     domain.DuplicateVerdict `json:"verdict"`
	CandidateID *uuid.UUID              `json:"candidate_id,omitempty"`
	Score       float64                 `json:"score"`
}

// Detector holds an indexed snapshot of the tenant's entities. DetectRow
// never mutates the snapshot; Add is for the executor, which feeds freshly
// created entities back in so later rows of the same batch match them.
type Detector struct {
	scorer    Scorer
	threshold float64

	byPhone map[string][]*Candidate
	byEmail map[string][]*Candidate
	all     []*Candidate
}

func NewDetector(snapshot []Candidate, settings domain.DuplicateSettings, scorer Scorer) *Detector {
	threshold := settings.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if scorer == nil {
		scorer = TokenSetScorer{}
	}

	d := &Detector{
		scorer:    scorer,
		threshold: threshold,
		byPhone:   make(map[string][]*Candidate),
		byEmail:   make(map[string][]*Candidate),
	}
	for i := range snapshot {
		d.Add(snapshot[i])
	}
	return d
}

// Add indexes one more candidate. Used by the executor after each create so
// duplicate detection inside a batch is stable by row order.
func (d *Detector) Add(c Candidate) {
	cand := c
	d.all = append(d.all, &cand)
	if cand.Phone != "" {
		d.byPhone[cand.Phone] = append(d.byPhone[cand.Phone], &cand)
	}
	if cand.Email != "" {
		d.byEmail[cand.Email] = append(d.byEmail[cand.Email], &cand)
	}
}

// DetectRow classifies one mapped row. Tier 1: exact normalized phone or
// email match -> CERTAIN. Tier 2: name similarity above the threshold plus
// a secondary signal (same zip or date of birth) -> PROBABLE. Otherwise NEW.
// Multiple matches resolve to the highest score, ties to the most recently
// updated candidate.
func (d *Detector) DetectRow(fields domain.ClientFields) Verdict {
	var exact []*Candidate
	if fields.Phone != nil {
		if phone := NormalizePhone(*fields.Phone); phone != "" {
			exact = append(exact, d.byPhone[phone]...)
		}
	}
	if fields.Email != nil {
		if email := NormalizeEmail(*fields.Email); email != "" {
			exact = append(exact, d.byEmail[email]...)
		}
	}
	if len(exact) > 0 {
		best := mostRecent(exact)
		return Verdict{Verdict: domain.DuplicateVerdictCertain, CandidateID: &best.ID, Score: 1}
	}

	name := FullName(deref(fields.FirstName), deref(fields.LastName))
	if name == "" {
		return Verdict{Verdict: domain.DuplicateVerdictNew}
	}

	var best *Candidate
	bestScore := 0.0
	for _, cand := range d.all {
		if !secondarySignal(fields, cand) {
			continue
		}
		score := d.scorer.Score(name, FullName(cand.FirstName, cand.LastName))
		if score < d.threshold {
			continue
		}
		if score > bestScore || (score == bestScore && best != nil && cand.UpdatedAt.After(best.UpdatedAt)) {
			best, bestScore = cand, score
		}
	}
	if best != nil {
		return Verdict{Verdict: domain.DuplicateVerdictProbable, CandidateID: &best.ID, Score: bestScore}
	}
	return Verdict{Verdict: domain.DuplicateVerdictNew}
}

// Detect classifies every row against the snapshot as-is. It is pure: the
// snapshot is not extended between rows, so re-invoking it with the same
// inputs yields the same verdicts.
func Detect(rows []domain.ClientFields, snapshot []Candidate, settings domain.DuplicateSettings, scorer Scorer) []Verdict {
	d := NewDetector(snapshot, settings, scorer)
	out := make([]Verdict, len(rows))
	for i, row := range rows {
		out[i] = d.DetectRow(row)
	}
	return out
}

func secondarySignal(fields domain.ClientFields, cand *Candidate) bool {
	if fields.Zip != nil && cand.Zip != "" && equalTrimmed(*fields.Zip, cand.Zip) {
		return true
	}
	if fields.DateOfBirth != nil && cand.DateOfBirth != "" && equalTrimmed(*fields.DateOfBirth, cand.DateOfBirth) {
		return true
	}
	return false
}

func mostRecent(cands []*Candidate) *Candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	return best
}

func equalTrimmed(a, b string) bool {
	return len(a) > 0 && len(b) > 0 &&
		trimLower(a) == trimLower(b)
}

func trimLower(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == ' ' || r == '\t' {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
