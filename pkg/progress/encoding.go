package progress

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/progresso/progresso/pkg/engine"
)

// Format is a progress artifact encoding.
type Format string

const (
	FormatXML  Format = "xml"
	FormatJSON Format = "json"
)

// Ext returns the file extension for f.
func (f Format) Ext() string {
	if f == FormatJSON {
		return "json"
	}
	return "xml"
}

// ParseFormat accepts "xml" or "json".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatXML, FormatJSON:
		return Format(s), nil
	case "":
		return FormatXML, nil
	default:
		return "", fmt.Errorf("unsupported progress format %q (must be xml or json)", s)
	}
}

type xmlRecord struct {
	XMLName    xml.Name   `xml:"Progresso"`
	RunID      string     `xml:"run_id,attr"`
	Source     string     `xml:"source,attr,omitempty"`
	StartedAt  string     `xml:"started_at,attr"`
	FinishedAt string     `xml:"finished_at,attr,omitempty"`
	Outcome    string     `xml:"outcome,attr,omitempty"`
	Services   []xmlEntry `xml:"Service"`
}

type xmlEntry struct {
	Position            int    `xml:"position,attr"`
	Name                string `xml:"name"`
	StartMode           string `xml:"start_mode,omitempty"`
	EndMode             string `xml:"end_mode,omitempty"`
	Action              string `xml:"action"`
	StartProcessingTime string `xml:"start_processing_time,omitempty"`
	StopTime            string `xml:"stop_time,omitempty"`
	CPUResponsiveTime   string `xml:"cpu_responsive_time,omitempty"`
	EndTime             string `xml:"end_time,omitempty"`
	GateOutcome         string `xml:"gate_outcome,omitempty"`
	CPUSample           string `xml:"cpu_sample,omitempty"`
	Outcome             string `xml:"outcome"`
	ErrorDetail         string `xml:"error_detail,omitempty"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Encode renders record in the given format.
func Encode(record *engine.ProgressRecord, format Format) ([]byte, error) {
	if record == nil {
		return nil, engine.NewSerializationError("no progress record", nil)
	}
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			return nil, engine.NewSerializationError("failed to encode progress record", err)
		}
		return append(data, '\n'), nil

	case FormatXML, "":
		doc := xmlRecord{
			RunID:      record.RunID,
			Source:     record.Source,
			StartedAt:  record.StartedAt.Format(time.RFC3339Nano),
			FinishedAt: formatTime(record.FinishedAt),
			Outcome:    string(record.Outcome),
			Services:   make([]xmlEntry, 0, len(record.Entries)),
		}
		for _, e := range record.Entries {
			x := xmlEntry{
				Position:            e.Position,
				Name:                e.Name,
				StartMode:           string(e.StartMode),
				EndMode:             string(e.EndMode),
				Action:              string(e.Action),
				StartProcessingTime: formatTime(e.StartProcessingTime),
				StopTime:            formatTime(e.StopTime),
				CPUResponsiveTime:   formatTime(e.CPUResponsiveTime),
				EndTime:             formatTime(e.EndTime),
				GateOutcome:         string(e.GateOutcome),
				Outcome:             string(e.Outcome),
				ErrorDetail:         e.ErrorDetail,
			}
			if e.CPUSample != nil {
				x.CPUSample = strconv.FormatFloat(*e.CPUSample, 'f', -1, 64)
			}
			doc.Services = append(doc.Services, x)
		}
		data, err := xml.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, engine.NewSerializationError("failed to encode progress record", err)
		}
		out := append([]byte(xml.Header), data...)
		return append(out, '\n'), nil

	default:
		return nil, engine.NewSerializationError(fmt.Sprintf("unsupported progress format %q", format), nil)
	}
}

// Decode parses an artifact produced by Encode.
func Decode(data []byte, format Format) (*engine.ProgressRecord, error) {
	switch format {
	case FormatJSON:
		var record engine.ProgressRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, engine.NewSerializationError("failed to decode progress record", err)
		}
		return &record, nil

	case FormatXML, "":
		var doc xmlRecord
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, engine.NewSerializationError("failed to decode progress record", err)
		}
		record, err := fromXML(doc)
		if err != nil {
			return nil, engine.NewSerializationError("invalid progress record", err)
		}
		return record, nil

	default:
		return nil, engine.NewSerializationError(fmt.Sprintf("unsupported progress format %q", format), nil)
	}
}

func fromXML(doc xmlRecord) (*engine.ProgressRecord, error) {
	started, err := time.Parse(time.RFC3339Nano, doc.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("started_at: %w", err)
	}
	finished, err := parseTime(doc.FinishedAt)
	if err != nil {
		return nil, fmt.Errorf("finished_at: %w", err)
	}

	record := &engine.ProgressRecord{
		RunID:      doc.RunID,
		Source:     doc.Source,
		StartedAt:  started,
		FinishedAt: finished,
		Outcome:    engine.RunOutcome(doc.Outcome),
		Entries:    make([]engine.ProgressEntry, 0, len(doc.Services)),
	}

	for _, x := range doc.Services {
		e := engine.ProgressEntry{
			Position:    x.Position,
			Name:        x.Name,
			StartMode:   engine.StartMode(x.StartMode),
			EndMode:     engine.StartMode(x.EndMode),
			Action:      engine.Action(x.Action),
			GateOutcome: engine.GateOutcome(x.GateOutcome),
			Outcome:     engine.Outcome(x.Outcome),
			ErrorDetail: x.ErrorDetail,
		}
		fields := []struct {
			name string
			raw  string
			dst  **time.Time
		}{
			{"start_processing_time", x.StartProcessingTime, &e.StartProcessingTime},
			{"stop_time", x.StopTime, &e.StopTime},
			{"cpu_responsive_time", x.CPUResponsiveTime, &e.CPUResponsiveTime},
			{"end_time", x.EndTime, &e.EndTime},
		}
		for _, f := range fields {
			t, err := parseTime(f.raw)
			if err != nil {
				return nil, fmt.Errorf("%s of %q: %w", f.name, x.Name, err)
			}
			*f.dst = t
		}
		if x.CPUSample != "" {
			v, err := strconv.ParseFloat(x.CPUSample, 64)
			if err != nil {
				return nil, fmt.Errorf("cpu_sample of %q: %w", x.Name, err)
			}
			e.CPUSample = &v
		}
		record.Entries = append(record.Entries, e)
	}
	return record, nil
}
