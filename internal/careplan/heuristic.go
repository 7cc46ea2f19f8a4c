package careplan

import (
	"context"
	"fmt"
	"strings"
)

// Band classifies a vital sign. Values at or beyond an Emergent bound are
// emergent, at or beyond an Urgent bound are urgent, otherwise routine.
type Band struct {
	EmergentLow  float64
	UrgentLow    float64
	UrgentHigh   float64
	EmergentHigh float64
}

func (b Band) classify(v float64) TriageLevel {
	switch {
	case v >= b.EmergentHigh || v <= b.EmergentLow:
		return Emergent
	case v >= b.UrgentHigh || v <= b.UrgentLow:
		return Urgent
	default:
		return Routine
	}
}

// KeywordRule maps a symptom phrase to a severity.
type KeywordRule struct {
	Phrase string
	Level  TriageLevel
}

// Policy holds the clinical thresholds of the heuristic planner.
type Policy struct {
	Keywords    []KeywordRule
	HeartRate   Band
	SystolicBP  Band
	DiastolicBP Band
	Temperature Band

	CardiacTerms     []string
	RespiratoryTerms []string
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Keywords: []KeywordRule{
			{"chest pain", Emergent},
			{"shortness of breath", Emergent},
			{"difficulty breathing", Emergent},
			{"loss of consciousness", Emergent},
			{"uncontrolled bleeding", Emergent},
			{"seizure", Emergent},
			{"high fever", Urgent},
			{"severe pain", Urgent},
			{"severe headache", Urgent},
			{"persistent vomiting", Urgent},
			{"abdominal pain", Urgent},
			{"fainting", Urgent},
			{"mild headache", Routine},
			{"follow-up", Routine},
			{"refill", Routine},
		},
		HeartRate:   Band{EmergentLow: 40, UrgentLow: 50, UrgentHigh: 110, EmergentHigh: 130},
		SystolicBP:  Band{EmergentLow: 80, UrgentLow: 90, UrgentHigh: 160, EmergentHigh: 180},
		DiastolicBP: Band{EmergentLow: 40, UrgentLow: 50, UrgentHigh: 100, EmergentHigh: 120},
		Temperature: Band{EmergentLow: 32, UrgentLow: 35, UrgentHigh: 38.5, EmergentHigh: 40},

		CardiacTerms:     []string{"chest", "heart", "cardiac", "palpitation"},
		RespiratoryTerms: []string{"cough", "breath", "respiratory", "wheez"},
	}
}

var (
	CardiacTests     = []string{"ECG", "Cardiac enzymes", "Chest X-ray"}
	RespiratoryTests = []string{"Chest X-ray", "Pulse oximetry", "Spirometry"}
	GeneralTests     = []string{"CBC", "Comprehensive metabolic panel", "Urinalysis"}
	ObservationTests = []string{"Clinical observation"}
)

// Heuristic is the I/O-free planner used as default and fallback.
type Heuristic struct {
	policy Policy
}

func NewHeuristic() Heuristic {
	return Heuristic{policy: DefaultPolicy()}
}

func NewHeuristicWithPolicy(p Policy) Heuristic {
	return Heuristic{policy: p}
}

// GeneratePlan implements Planner. It never fails for a valid request.
func (h Heuristic) GeneratePlan(_ context.Context, req IntakeRequest) (CarePlan, error) {
	return h.Plan(req.Symptoms, req.Vitals, req.Tone), nil
}

// Assessment is the clinical half of a plan, before any wording is applied.
type Assessment struct {
	SymptomLevel TriageLevel
	VitalsLevel  TriageLevel
	Level        TriageLevel
	Cardiac      bool
	Respiratory  bool
}

// Assess scores symptoms and vitals independently and keeps the maximum.
func (h Heuristic) Assess(symptoms []string, v Vitals) Assessment {
	a := Assessment{SymptomLevel: Routine, VitalsLevel: Routine}
	for _, s := range symptoms {
		padded := " " + s + " "
		for _, rule := range h.policy.Keywords {
			if strings.Contains(padded, " "+rule.Phrase+" ") {
				a.SymptomLevel = maxLevel(a.SymptomLevel, rule.Level)
			}
		}
		if containsAny(s, h.policy.CardiacTerms) {
			a.Cardiac = true
		}
		if containsAny(s, h.policy.RespiratoryTerms) {
			a.Respiratory = true
		}
	}

	hr := h.policy.HeartRate.classify(v.HeartRateBPM)
	bp := maxLevel(h.policy.SystolicBP.classify(v.SystolicBP), h.policy.DiastolicBP.classify(v.DiastolicBP))
	temp := h.policy.Temperature.classify(v.TemperatureC)
	a.VitalsLevel = maxLevel(hr, bp, temp)
	if hr != Routine || bp != Routine {
		a.Cardiac = true
	}

	a.Level = maxLevel(a.SymptomLevel, a.VitalsLevel)
	return a
}

// Plan is the pure form of GeneratePlan.
func (h Heuristic) Plan(symptoms []string, v Vitals, tone Tone) CarePlan {
	a := h.Assess(symptoms, v)
	tests := suggestTests(a)
	return CarePlan{
		TriageLevel:    a.Level,
		SuggestedTests: tests,
		Summary:        summarize(tone, a.Level, symptoms, tests),
	}
}

func suggestTests(a Assessment) []string {
	var groups [][]string
	if a.Cardiac {
		groups = append(groups, CardiacTests)
	}
	if a.Respiratory {
		groups = append(groups, RespiratoryTests)
	}
	if len(groups) == 0 {
		if a.Level == Routine {
			groups = append(groups, ObservationTests)
		} else {
			groups = append(groups, GeneralTests)
		}
	}

	out := []string{}
	seen := map[string]struct{}{}
	for _, g := range groups {
		for _, t := range g {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// summaryTemplates take the symptom list then the test list.
var summaryTemplates = map[Tone]map[TriageLevel]string{
	ToneNeutral: {
		Emergent: "Emergent triage. Reported %s require immediate escalation; stabilize vitals and obtain %s.",
		Urgent:   "Urgent triage. Reported %s warrant same-day clinical evaluation; obtain %s and monitor vitals trend.",
		Routine:  "Routine triage. Presentation of %s appears stable; plan %s and schedule routine follow-up.",
	},
	ToneCompassionate: {
		Emergent: "We understand this is frightening. The %s you describe need immediate attention, so the care team is escalating now and will run %s.",
		Urgent:   "Thank you for sharing how you feel. Your %s should be looked at today; we will arrange %s and keep a close eye on your vitals.",
		Routine:  "Thank you for checking in. Your %s look stable for now; we suggest %s and a routine follow-up visit.",
	},
	ToneConfident: {
		Emergent: "Emergent presentation: %s. Activate emergency response and complete %s without delay.",
		Urgent:   "Urgent presentation: %s. Book same-day evaluation and complete %s.",
		Routine:  "Stable presentation: %s. Proceed with %s and routine follow-up.",
	},
	ToneReassuring: {
		Emergent: "Help is on the way. Because of %s we are escalating your care immediately and will perform %s.",
		Urgent:   "You are in good hands. Your %s need a same-day visit, and %s will help us understand what is going on.",
		Routine:  "Nothing here looks alarming. Your %s appear stable; %s and a routine follow-up are all that is needed.",
	},
}

func summarize(tone Tone, level TriageLevel, symptoms, tests []string) string {
	byLevel, ok := summaryTemplates[tone]
	if !ok {
		byLevel = summaryTemplates[ToneNeutral]
	}
	symptomList := "no specific symptoms"
	if len(symptoms) > 0 {
		symptomList = strings.Join(symptoms, ", ")
	}
	return fmt.Sprintf(byLevel[level], symptomList, strings.Join(tests, ", "))
}
