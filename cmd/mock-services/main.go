// Package main implements the downstream business-service stubs the
// coordinator dispatches to: customer lookup, pricing, availability, and
// insurance, all on one mux with simple deterministic responses. Each
// call leaves a line in the shared trace log carrying the propagated
// correlation id and jwt, so end-to-end traces interleave with the
// coordinator's own events.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/c360studio/coordinator/audit"
)

// customer is one row of the customer fixture table.
type customer struct {
	ID           int            `json:"id"`
	CustomerTier string         `json:"customer_tier"`
	Preferences  map[string]any `json:"preferences"`
}

// customers is the built-in fixture table.
var customers = []customer{
	{ID: 42, CustomerTier: "gold", Preferences: map[string]any{"vehicle": "SUV", "transmission": "automatic"}},
	{ID: 7, CustomerTier: "platinum", Preferences: map[string]any{"vehicle": "Sedan", "transmission": "manual"}},
	{ID: 2345, CustomerTier: "basic", Preferences: map[string]any{"vehicle": "Golf"}},
}

// Insurance rate tables.
var tierBase = map[string]float64{
	"platinum": 10,
	"gold":     15,
	"premium":  20,
	"basic":    30,
	"under_18": 50,
}

var vehicleMult = map[string]float64{
	"SUV":   2.0,
	"Sedan": 1.5,
	"Golf":  1.2,
}

type services struct {
	trail *audit.Logger
}

func main() {
	port := flag.Int("port", 9000, "port to listen on")
	logPath := flag.String("trace-log", audit.DefaultPath, "shared trace log path")
	flag.Parse()

	s := &services{trail: audit.New(*logPath)}
	defer s.trail.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /customer/{customer_id}", s.handleCustomer)
	mux.HandleFunc("POST /pricing", s.handlePricing)
	mux.HandleFunc("POST /availability", s.handleAvailability)
	mux.HandleFunc("POST /insurance", s.handleInsurance)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock services listening on %s (trace log: %s)", addr, *logPath)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// POST /customer/{customer_id} → tier and preferences for a known id.
func (s *services) handleCustomer(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)

	id, err := strconv.Atoi(r.PathValue("customer_id"))
	response := map[string]any{"error": "Customer not found"}
	if err == nil {
		for _, c := range customers {
			if c.ID == id {
				response = map[string]any{
					"customer_tier": c.CustomerTier,
					"preferences":   c.Preferences,
				}
				break
			}
		}
	}

	s.logEvent("customer-service", r, body, response)
	writeJSON(w, response)
}

// POST /pricing → days × base(vehicle) × tier multiplier.
func (s *services) handlePricing(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)

	vehicleType, _ := body["vehicle_type"].(string)
	days, _ := body["days"].(float64)
	tier, _ := body["customer_tier"].(string)

	basePrice := 30.0
	if vehicleType == "SUV" {
		basePrice = 50.0
	}
	multiplier := 1.0
	if tier == "platinum" {
		multiplier = 0.8
	}
	response := map[string]any{"price": days * basePrice * multiplier}

	s.logEvent("pricing-service", r, body, response)
	writeJSON(w, response)
}

// POST /availability → the static vehicle list.
func (s *services) handleAvailability(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)

	response := map[string]any{
		"vehicles": []map[string]any{
			{"type": "SUV", "available": true},
			{"type": "Sedan", "available": true},
		},
	}

	s.logEvent("rental-service", r, body, response)
	writeJSON(w, response)
}

// POST /insurance → tier base × vehicle multiplier, echoing the inputs.
func (s *services) handleInsurance(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)

	vehicleType, _ := body["vehicle_type"].(string)
	tier, _ := body["customer_tier"].(string)

	base, ok := tierBase[tier]
	if !ok {
		base = 25
	}
	mult, ok := vehicleMult[vehicleType]
	if !ok {
		mult = 1.5
	}
	response := map[string]any{
		"vehicle_type":   vehicleType,
		"customer_tier":  tier,
		"insurance_cost": math.Round(base*mult*100) / 100,
	}

	s.logEvent("insurance-service", r, body, response)
	writeJSON(w, response)
}

// logEvent writes one slim trace line: the coordinator-only fields stay
// empty.
func (s *services) logEvent(service string, r *http.Request, request, response map[string]any) {
	correlationID := r.Header.Get("x-correlation-id")
	if correlationID == "" {
		correlationID = "none"
	}
	jwt := map[string]any{}
	if raw := r.Header.Get("x-jwt"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &jwt)
	}

	s.trail.Log(audit.Event{
		Service:       service,
		CorrelationID: correlationID,
		JWT:           jwt,
		Request:       request,
		Response:      response,
	})
}

func decodeBody(r *http.Request) map[string]any {
	body := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
