// Package handoff delivers completed discoveries to the external automation
// workflow and ingests the callbacks it sends back.
package handoff

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
	"github.com/logiwatch/incident-orchestrator/internal/geo"
)

// CallbackPath is where the automation workflow reports progress.
const CallbackPath = "/api/v1/automation/callback"

// Payload is the body of the single outbound automation call.
type Payload struct {
	IncidentID  string             `json:"incident_id"`
	Incident    IncidentSummary    `json:"incident"`
	Facilities  []CandidateSummary `json:"facilities"`
	Drivers     []CandidateSummary `json:"drivers"`
	CallbackURL string             `json:"callback_url"`
}

// IncidentSummary describes the incident and the affected order.
type IncidentSummary struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Order       Order  `json:"order"`
}

// Order carries the shipment's position and economics.
type Order struct {
	ShipmentID       string          `json:"shipment_id"`
	Reference        string          `json:"reference"`
	Carrier          string          `json:"carrier"`
	Progress         float64         `json:"progress"`
	RiskScore        float64         `json:"risk_score"`
	Position         domain.Point    `json:"position"`
	CargoValue       decimal.Decimal `json:"cargo_value"`
	DelayCostPerHour decimal.Decimal `json:"delay_cost_per_hour"`
	DailyExposure    decimal.Decimal `json:"daily_exposure"`
}

// CandidateSummary is one ranked resource in the payload.
type CandidateSummary struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Rank          int          `json:"rank"`
	DistanceMiles float64      `json:"distance_miles"`
	Location      domain.Point `json:"location"`
	Capacity      int          `json:"capacity,omitempty"`
	Contact       string       `json:"contact,omitempty"`
}

var hoursPerDay = decimal.NewFromInt(24)

// BuildPayload assembles the outbound payload from the incident's cached
// candidates and its shipment.
func BuildPayload(inc domain.Incident, s domain.Shipment, callbackURL string) Payload {
	p := Payload{
		IncidentID: inc.ID,
		Incident: IncidentSummary{
			Title:       inc.Title,
			Description: inc.Description,
			Order: Order{
				ShipmentID:       s.ID,
				Reference:        s.Reference,
				Carrier:          s.Carrier,
				Progress:         s.Progress,
				RiskScore:        s.RiskScore,
				Position:         geo.ResolvePosition(s),
				CargoValue:       s.CargoValue,
				DelayCostPerHour: s.DelayCostPerHour,
				DailyExposure:    s.DelayCostPerHour.Mul(hoursPerDay),
			},
		},
		Facilities:  make([]CandidateSummary, 0, len(inc.Candidates)),
		Drivers:     make([]CandidateSummary, 0, len(inc.Candidates)),
		CallbackURL: callbackURL,
	}
	for _, c := range inc.Candidates {
		sum := CandidateSummary{
			ID:            c.ID,
			Name:          c.Name,
			Rank:          c.Rank,
			DistanceMiles: math.Round(c.DistanceMiles*100) / 100,
			Location:      c.Location,
			Capacity:      c.Capacity,
			Contact:       c.Contact,
		}
		if c.Kind == domain.KindAsset {
			p.Drivers = append(p.Drivers, sum)
		} else {
			p.Facilities = append(p.Facilities, sum)
		}
	}
	return p
}
