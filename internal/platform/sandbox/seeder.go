// Package sandbox loads deterministic synthetic clinical data into a
// tenant. Resources go through the regular write path, so seeded data is
// versioned, indexed and searchable exactly like client-submitted data.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/store"
)

// Config sizes a seed run. The same Seed value always produces the same
// resources, which keeps demo environments reproducible.
type Config struct {
	Patients               int
	ObservationsPerPatient int
	ConditionsPerPatient   int
	MedicationsPerPatient  int
	Practitioners          int
	Organizations          int
	Seed                   int64
}

func DefaultConfig() Config {
	return Config{
		Patients:               10,
		ObservationsPerPatient: 3,
		ConditionsPerPatient:   1,
		MedicationsPerPatient:  1,
		Practitioners:          3,
		Organizations:          2,
		Seed:                   1,
	}
}

// Creator is the slice of the resource service the seeder needs.
type Creator interface {
	Create(ctx context.Context, resourceType string, res map[string]interface{}, ifNoneExist string) (*store.Stored, error)
}

// Result counts what a seed run produced.
type Result struct {
	Organizations      int
	Practitioners      int
	Patients           int
	Encounters         int
	Observations       int
	Conditions         int
	MedicationRequests int
	Duration           time.Duration
}

func (r *Result) Total() int {
	return r.Organizations + r.Practitioners + r.Patients + r.Encounters +
		r.Observations + r.Conditions + r.MedicationRequests
}

type Seeder struct {
	svc Creator
	cfg Config
	gen *generator
	log zerolog.Logger
}

func New(svc Creator, cfg Config, log zerolog.Logger) *Seeder {
	return &Seeder{
		svc: svc,
		cfg: cfg,
		gen: newGenerator(cfg.Seed),
		log: log.With().Str("component", "sandbox").Logger(),
	}
}

// Run creates the configured population. Each patient gets a general
// practitioner, a managing organization, one encounter, and the configured
// number of observations, conditions and medication requests, so chained
// and reverse-chained searches have something to bite on.
func (s *Seeder) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	orgIDs := make([]string, 0, s.cfg.Organizations)
	for i := 0; i < s.cfg.Organizations; i++ {
		id, err := s.create(ctx, "Organization", s.gen.organization())
		if err != nil {
			return nil, err
		}
		orgIDs = append(orgIDs, id)
		res.Organizations++
	}

	practitionerIDs := make([]string, 0, s.cfg.Practitioners)
	for i := 0; i < s.cfg.Practitioners; i++ {
		id, err := s.create(ctx, "Practitioner", s.gen.practitioner())
		if err != nil {
			return nil, err
		}
		practitionerIDs = append(practitionerIDs, id)
		res.Practitioners++
	}

	for i := 0; i < s.cfg.Patients; i++ {
		gpRef := "Practitioner/" + s.gen.pick(practitionerIDs)
		orgRef := ""
		if len(orgIDs) > 0 {
			orgRef = "Organization/" + s.gen.pick(orgIDs)
		}

		patientID, err := s.create(ctx, "Patient", s.gen.patient(gpRef, orgRef))
		if err != nil {
			return nil, err
		}
		res.Patients++
		patientRef := "Patient/" + patientID

		encounterID, err := s.create(ctx, "Encounter", s.gen.encounter(patientRef, gpRef))
		if err != nil {
			return nil, err
		}
		res.Encounters++
		encounterRef := "Encounter/" + encounterID

		for j := 0; j < s.cfg.ObservationsPerPatient; j++ {
			if _, err := s.create(ctx, "Observation", s.gen.observation(patientRef, encounterRef)); err != nil {
				return nil, err
			}
			res.Observations++
		}
		for j := 0; j < s.cfg.ConditionsPerPatient; j++ {
			if _, err := s.create(ctx, "Condition", s.gen.condition(patientRef)); err != nil {
				return nil, err
			}
			res.Conditions++
		}
		for j := 0; j < s.cfg.MedicationsPerPatient; j++ {
			if _, err := s.create(ctx, "MedicationRequest", s.gen.medicationRequest(patientRef, gpRef)); err != nil {
				return nil, err
			}
			res.MedicationRequests++
		}
	}

	res.Duration = time.Since(start)
	s.log.Info().Int("resources", res.Total()).Dur("took", res.Duration).Msg("seed complete")
	return res, nil
}

func (s *Seeder) create(ctx context.Context, resourceType string, body map[string]interface{}) (string, error) {
	st, err := s.svc.Create(ctx, resourceType, body, "")
	if err != nil {
		return "", fmt.Errorf("seeding %s: %w", resourceType, err)
	}
	return st.FHIRID, nil
}

// generator produces resource bodies from fixed pools under a seeded rng.
type generator struct {
	rng *rand.Rand
}

func newGenerator(seed int64) *generator {
	return &generator{rng: rand.New(rand.NewSource(seed))}
}

func (g *generator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *generator) pickCode(pool []codeEntry) codeEntry {
	return pool[g.rng.Intn(len(pool))]
}

// randomDate returns an ISO date between the two years, inclusive.
func (g *generator) randomDate(minYear, maxYear int) string {
	year := minYear + g.rng.Intn(maxYear-minYear+1)
	month := 1 + g.rng.Intn(12)
	day := 1 + g.rng.Intn(28)
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

func (g *generator) randomDateTime(minYear, maxYear int) string {
	return fmt.Sprintf("%sT%02d:%02d:00Z", g.randomDate(minYear, maxYear),
		g.rng.Intn(24), g.rng.Intn(60))
}

type codeEntry struct {
	code    string
	display string
}

type observationDef struct {
	code    string
	display string
	unit    string
	low     float64
	high    float64
}

var (
	givenNames = []string{
		"James", "Mary", "Robert", "Patricia", "John", "Jennifer", "Michael",
		"Linda", "David", "Elizabeth", "William", "Susan", "Richard", "Jessica",
		"Thomas", "Sarah", "Daniel", "Karen", "Emma", "Lucas",
	}
	familyNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
		"Davis", "Rodriguez", "Martinez", "Wilson", "Anderson", "Taylor",
		"Thomas", "Moore", "Jackson", "Martin", "Lee", "Nguyen", "Walker",
	}
	orgNames = []string{
		"Riverside Medical Center", "Lakeview Community Hospital",
		"Summit Family Practice", "Harbor Health Clinic",
		"Cedar Grove Primary Care", "Northgate Medical Group",
	}
	cities = []string{
		"Springfield", "Riverton", "Lakewood", "Fairview", "Georgetown",
		"Clayton", "Ashland", "Milton",
	}
	states = []string{"NY", "CA", "IL", "TX", "WA", "OH", "NC", "CO"}

	loincVitals = []observationDef{
		{"8867-4", "Heart rate", "beats/minute", 50, 110},
		{"8310-5", "Body temperature", "Cel", 36.0, 38.5},
		{"29463-7", "Body weight", "kg", 45, 140},
		{"8480-6", "Systolic blood pressure", "mm[Hg]", 95, 175},
		{"8462-4", "Diastolic blood pressure", "mm[Hg]", 55, 105},
		{"2708-6", "Oxygen saturation in Arterial blood", "%", 92, 100},
		{"9279-1", "Respiratory rate", "breaths/minute", 10, 24},
		{"2339-0", "Glucose [Mass/volume] in Blood", "mg/dL", 65, 240},
	}
	icd10Conditions = []codeEntry{
		{"E11.9", "Type 2 diabetes mellitus without complications"},
		{"I10", "Essential (primary) hypertension"},
		{"J45.909", "Unspecified asthma, uncomplicated"},
		{"E78.5", "Hyperlipidemia, unspecified"},
		{"M54.5", "Low back pain"},
		{"K21.0", "Gastro-esophageal reflux disease with esophagitis"},
		{"G43.909", "Migraine, unspecified, not intractable"},
		{"J30.9", "Allergic rhinitis, unspecified"},
	}
	rxnormMedications = []codeEntry{
		{"197361", "Metformin 500 MG Oral Tablet"},
		{"310798", "Lisinopril 10 MG Oral Tablet"},
		{"197381", "Atorvastatin 20 MG Oral Tablet"},
		{"311700", "Omeprazole 20 MG Delayed Release Oral Capsule"},
		{"314076", "Amlodipine 5 MG Oral Tablet"},
		{"312961", "Sertraline 50 MG Oral Tablet"},
		{"197517", "Gabapentin 300 MG Oral Capsule"},
		{"198240", "Montelukast 10 MG Oral Tablet"},
	}
)

func (g *generator) humanName() (given, family string) {
	return g.pick(givenNames), g.pick(familyNames)
}

func (g *generator) gender() string {
	if g.rng.Intn(2) == 0 {
		return "male"
	}
	return "female"
}

func (g *generator) organization() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Organization",
		"active":       true,
		"name":         g.pick(orgNames),
		"identifier": []interface{}{
			map[string]interface{}{
				"system": "http://example.org/org-id",
				"value":  fmt.Sprintf("ORG-%04d", g.rng.Intn(10000)),
			},
		},
	}
}

func (g *generator) practitioner() map[string]interface{} {
	given, family := g.humanName()
	return map[string]interface{}{
		"resourceType": "Practitioner",
		"active":       true,
		"gender":       g.gender(),
		"name": []interface{}{
			map[string]interface{}{
				"use":    "official",
				"family": family,
				"given":  []interface{}{given},
				"prefix": []interface{}{"Dr."},
			},
		},
		"identifier": []interface{}{
			map[string]interface{}{
				"system": "http://hl7.org/fhir/sid/us-npi",
				"value":  fmt.Sprintf("%010d", g.rng.Intn(1_000_000_000)),
			},
		},
	}
}

func (g *generator) patient(gpRef, orgRef string) map[string]interface{} {
	given, family := g.humanName()
	p := map[string]interface{}{
		"resourceType": "Patient",
		"active":       true,
		"gender":       g.gender(),
		"birthDate":    g.randomDate(1940, 2012),
		"name": []interface{}{
			map[string]interface{}{
				"use":    "official",
				"family": family,
				"given":  []interface{}{given},
			},
		},
		"address": []interface{}{
			map[string]interface{}{
				"use":     "home",
				"city":    g.pick(cities),
				"state":   g.pick(states),
				"country": "US",
			},
		},
		"identifier": []interface{}{
			map[string]interface{}{
				"system": "http://example.org/mrn",
				"value":  fmt.Sprintf("MRN-%08d", g.rng.Intn(100_000_000)),
			},
		},
		"generalPractitioner": []interface{}{
			map[string]interface{}{"reference": gpRef},
		},
	}
	if orgRef != "" {
		p["managingOrganization"] = map[string]interface{}{"reference": orgRef}
	}
	return p
}

func (g *generator) encounter(patientRef, practitionerRef string) map[string]interface{} {
	start := g.randomDateTime(2023, 2025)
	return map[string]interface{}{
		"resourceType": "Encounter",
		"status":       "finished",
		"class": map[string]interface{}{
			"system": "http://terminology.hl7.org/CodeSystem/v3-ActCode",
			"code":   "AMB",
		},
		"subject": map[string]interface{}{"reference": patientRef},
		"participant": []interface{}{
			map[string]interface{}{
				"individual": map[string]interface{}{"reference": practitionerRef},
			},
		},
		"period": map[string]interface{}{"start": start},
	}
}

func (g *generator) observation(patientRef, encounterRef string) map[string]interface{} {
	def := loincVitals[g.rng.Intn(len(loincVitals))]
	value := def.low + g.rng.Float64()*(def.high-def.low)
	return map[string]interface{}{
		"resourceType": "Observation",
		"status":       "final",
		"category": []interface{}{
			map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{
						"system": "http://terminology.hl7.org/CodeSystem/observation-category",
						"code":   "vital-signs",
					},
				},
			},
		},
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{
					"system":  "http://loinc.org",
					"code":    def.code,
					"display": def.display,
				},
			},
		},
		"subject":           map[string]interface{}{"reference": patientRef},
		"encounter":         map[string]interface{}{"reference": encounterRef},
		"effectiveDateTime": g.randomDateTime(2023, 2025),
		"valueQuantity": map[string]interface{}{
			"value":  float64(int(value*10)) / 10,
			"unit":   def.unit,
			"system": "http://unitsofmeasure.org",
			"code":   def.unit,
		},
	}
}

func (g *generator) condition(patientRef string) map[string]interface{} {
	entry := g.pickCode(icd10Conditions)
	return map[string]interface{}{
		"resourceType": "Condition",
		"clinicalStatus": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{
					"system": "http://terminology.hl7.org/CodeSystem/condition-clinical",
					"code":   "active",
				},
			},
		},
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{
					"system":  "http://hl7.org/fhir/sid/icd-10-cm",
					"code":    entry.code,
					"display": entry.display,
				},
			},
			"text": entry.display,
		},
		"subject":      map[string]interface{}{"reference": patientRef},
		"recordedDate": g.randomDate(2022, 2025),
	}
}

func (g *generator) medicationRequest(patientRef, practitionerRef string) map[string]interface{} {
	entry := g.pickCode(rxnormMedications)
	return map[string]interface{}{
		"resourceType": "MedicationRequest",
		"status":       "active",
		"intent":       "order",
		"medicationCodeableConcept": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{
					"system":  "http://www.nlm.nih.gov/research/umls/rxnorm",
					"code":    entry.code,
					"display": entry.display,
				},
			},
			"text": entry.display,
		},
		"subject":    map[string]interface{}{"reference": patientRef},
		"requester":  map[string]interface{}{"reference": practitionerRef},
		"authoredOn": g.randomDate(2023, 2025),
	}
}
