package consent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	activeReservationsPath = "/personvern/Personverninnstillinger/HentInnbyggereAktivePiForDefinisjon/v2"
	setReservationPath     = "/personvern/Personverninnstillinger/SettInnbyggersPersonvernInnstilling/v2"

	typeReservation = "reservasjon"

	// Error codes returned by the registry.
	CodeUnknownCitizen    = "EPVK-101518"
	CodeInvalidDefinition = "EPVK-101500"
)

// ActiveReservation is one entry of the active-reservation feed. Every entry in
// the feed is reserved; absence from the feed means not reserved.
type ActiveReservation struct {
	NationalID     string
	IsReserved     bool
	EventTime      time.Time
	CreatedAt      time.Time
	SequenceNumber int
}

type activeReservationsPage struct {
	DefinitionGUID  string         `json:"definisjonGuid"`
	DefinitionName  string         `json:"definisjonNavn"`
	PartCode        string         `json:"partKode"`
	Type            string         `json:"typePi"`
	PagingReference *int64         `json:"pagingReference"`
	Settings        []privacyEntry `json:"personvernInnstillinger"`
}

type privacyEntry struct {
	NationalID     string       `json:"innbyggerFnr"`
	SequenceNumber int          `json:"sekvensnummer"`
	CreatedAt      registryTime `json:"opprettetTidspunkt"`
	LastChangedAt  registryTime `json:"sistEndretTidspunkt"`
}

type setReservationPayload struct {
	NationalID     string `json:"innbyggerFnr"`
	DefinitionGUID string `json:"definisjonGuid"`
	DefinitionName string `json:"definisjonNavn"`
	PartCode       string `json:"partKode"`
	Type           string `json:"typePi"`
	Active         bool   `json:"aktiv"`
	Timestamp      string `json:"tidspunkt"`
	ProofMimeType  string `json:"signertBevisMimeType,omitempty"`
	ProofContent   string `json:"signertBevisInnhold,omitempty"`
}

type setReservationResponse struct {
	ReturnCode      string `json:"returKode"`
	InstanceChanged string `json:"instansEndret"`
}

type errorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	ErrorCategory string `json:"errorCategory"`
}

// SetReservationRequest is also the JSON shape of the CLI request file.
type SetReservationRequest struct {
	NationalID string    `json:"innbyggerFnr"`
	Active     bool      `json:"aktiv"`
	Timestamp  time.Time `json:"datetime"`
	ProofPath  string    `json:"pathToBevisInnhold,omitempty"`
}

type SetReservationResult struct {
	Success      bool
	Changed      bool
	ErrorCode    string
	ErrorMessage string
}

// registryTime accepts RFC 3339 timestamps as well as the registry's local
// form without an offset, which is read as UTC.
type registryTime struct {
	time.Time
}

var registryTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
}

func (t *registryTime) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range registryTimeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp %q", raw)
}
