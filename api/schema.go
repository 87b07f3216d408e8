package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/xeipuuv/gojsonschema"
)

// Request body schemas. Shape only; business rules live in the services.
var (
	createBookingSchema = mustSchema(`{
		"type": "object",
		"properties": {
			"user_id":     {"type": "string"},
			"train_id":    {"type": "string", "minLength": 1},
			"seat_number": {"type": ["string", "integer"]}
		},
		"required": ["train_id", "seat_number"],
		"additionalProperties": false
	}`)

	updateBookingSchema = mustSchema(`{
		"type": "object",
		"properties": {
			"user_id":     {"type": "string"},
			"train_id":    {"type": "string"},
			"seat_number": {"type": ["string", "integer"]},
			"status":      {"type": "string", "enum": ["booked", "cancelled", "waiting"]}
		},
		"additionalProperties": false
	}`)

	registerSchema = mustSchema(`{
		"type": "object",
		"properties": {
			"name":     {"type": "string", "minLength": 1, "maxLength": 200},
			"email":    {"type": "string", "minLength": 3, "maxLength": 320},
			"phone":    {"type": "string", "maxLength": 32},
			"password": {"type": "string", "minLength": 1, "maxLength": 72}
		},
		"required": ["name", "email", "password"],
		"additionalProperties": false
	}`)

	loginSchema = mustSchema(`{
		"type": "object",
		"properties": {
			"email":    {"type": "string"},
			"password": {"type": "string"}
		},
		"required": ["email", "password"],
		"additionalProperties": false
	}`)

	updateUserSchema = mustSchema(`{
		"type": "object",
		"properties": {
			"name":     {"type": "string", "maxLength": 200},
			"email":    {"type": "string", "maxLength": 320},
			"phone":    {"type": "string", "maxLength": 32},
			"password": {"type": "string", "maxLength": 72},
			"role":     {"type": "string", "enum": ["user", "admin"]}
		},
		"additionalProperties": false
	}`)

	createTrainSchema = mustSchema(`{
		"type": "object",
		"properties": {
			"train_number":   {"type": "string", "minLength": 1},
			"train_name":     {"type": "string", "minLength": 1},
			"source":         {"type": "string", "minLength": 1},
			"destination":    {"type": "string", "minLength": 1},
			"departure_time": {"type": "string", "format": "date-time"},
			"arrival_time":   {"type": "string", "format": "date-time"},
			"total_seats":    {"type": "integer", "minimum": 1},
			"fare":           {"type": ["string", "number"]}
		},
		"required": ["train_number", "train_name", "source", "destination",
		             "departure_time", "arrival_time", "total_seats"],
		"additionalProperties": false
	}`)

	updateTrainSchema = mustSchema(`{
		"type": "object",
		"properties": {
			"train_number":   {"type": "string"},
			"train_name":     {"type": "string"},
			"source":         {"type": "string"},
			"destination":    {"type": "string"},
			"departure_time": {"type": "string", "format": "date-time"},
			"arrival_time":   {"type": "string", "format": "date-time"},
			"total_seats":    {"type": "integer"},
			"fare":           {"type": ["string", "number"]}
		},
		"additionalProperties": false
	}`)

	loadScenarioSchema = mustSchema(`{
		"type": "object",
		"properties": {"scenario_id": {"type": "string", "minLength": 1}},
		"required": ["scenario_id"]
	}`)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return s
}

// errInvalidBody carries schema violations to the client.
type errInvalidBody struct {
	problems []string
}

func (e *errInvalidBody) Error() string {
	return fmt.Sprintf("invalid request body: %d problem(s)", len(e.problems))
}

const maxBodyBytes = 1 << 20

// decodeBody validates the request body against schema and decodes it into
// dst. On failure it writes a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, schema *gojsonschema.Schema, dst any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return false
	}
	if err := validateBody(schema, raw); err != nil {
		var ib *errInvalidBody
		if errors.As(err, &ib) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: ib.problems})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	return true
}

func validateBody(schema *gojsonschema.Schema, raw []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return &errInvalidBody{problems: problems}
}
