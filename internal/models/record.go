package models

import (
	"time"
)

// Record lifecycle states persisted by the queue store.
const (
	StatusPending      = "pending"
	StatusNeedsConfirm = "needs_confirm"
	StatusCancelled    = "cancelled"
	StatusBlockedAuth  = "blocked_auth"
	StatusErrorLastTry = "error_last_try"
)

// OverwriteKey is the payload field the server reads as "replace a finalized mesa".
const OverwriteKey = "overwrite"

// ValidStatus reports whether s is one of the known record states.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusNeedsConfirm, StatusCancelled, StatusBlockedAuth, StatusErrorLastTry:
		return true
	}
	return false
}

// Record is one buffered vote submission.
type Record struct {
	ID         int64          `json:"id"`
	Payload    map[string]any `json:"payload"`
	Credential string         `json:"-"`
	Status     string         `json:"status"`
	LastStatus int            `json:"last_status,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Attempts   int            `json:"attempts"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Eligible reports whether the drainer may attempt this record.
func (r Record) Eligible() bool {
	return r.Status == StatusPending
}

// Overwrite reports whether the payload carries the overwrite marker.
func (r Record) Overwrite() bool {
	v, ok := r.Payload[OverwriteKey].(bool)
	return ok && v
}

// MesaID extracts the target polling station from the payload, if present.
// JSON numbers decode as float64, callers building payloads in Go may use ints.
func (r Record) MesaID() (int64, bool) {
	switch v := r.Payload["mesa_id"].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

// NewRecord is what callers hand to Store.Add. The store assigns id, status and timestamps.
type NewRecord struct {
	Payload    map[string]any
	Credential string
}

// Patch holds the fields an Update merges into an existing record. Nil fields are left alone.
type Patch struct {
	Status     *string
	LastStatus *int
	LastError  *string
	Attempts   *int
	Payload    map[string]any
	Credential *string
}

// StatusPatch is shorthand for a patch that only moves the status.
func StatusPatch(status string) Patch {
	return Patch{Status: &status}
}

// WithOverwrite returns a copy of payload carrying the overwrite marker.
func WithOverwrite(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[OverwriteKey] = true
	return out
}

// Submission is the vote payload the operator panel builds. The queue treats it as opaque;
// the API decodes it only to validate and to find the target mesa.
type Submission struct {
	MesaID          int64          `json:"mesa_id"`
	VotosCargo      []VotoCargo    `json:"votos_cargo"`
	VotosEspeciales []VotoEspecial `json:"votos_especiales"`
	ResumenMesa     ResumenMesa    `json:"resumen_mesa"`
	Overwrite       bool           `json:"overwrite,omitempty"`
}

// VotoCargo is the count for one party list on one cargo.
type VotoCargo struct {
	PartidoPostulacionID int64 `json:"partido_postulacion_id"`
	CargoID              int64 `json:"cargo_id"`
	Votos                int   `json:"votos"`
}

// VotoEspecial is a blank, null, contested or similar count for one cargo.
type VotoEspecial struct {
	Tipo               string `json:"tipo"`
	CargoPostulacionID int64  `json:"cargo_postulacion_id"`
	Votos              int    `json:"votos"`
}

// ResumenMesa holds the mesa summary figures.
type ResumenMesa struct {
	ElectoresVotaron  int `json:"electores_votaron"`
	SobresEncontrados int `json:"sobres_encontrados"`
	Diferencia        int `json:"diferencia"`
}

// MesaInfo is what the lookup endpoint returns for a station number.
type MesaInfo struct {
	Escuela string `json:"escuela"`
	// Circuito comes back as a number or a code depending on the deployment.
	Circuito any `json:"circuito"`
}
