package targets

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/progresso/progresso/pkg/engine"
)

// Format is a target list encoding.
type Format string

const (
	FormatXML  Format = "xml"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the encoding from the file extension. Anything that is
// not YAML or JSON is read as XML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatXML
	}
}

// xmlDocument is the ordem.target.xml document shape.
type xmlDocument struct {
	XMLName  xml.Name        `xml:"OrdemTargets"`
	Services []serviceRecord `xml:"Service"`
}

// listDocument is the YAML and JSON document shape.
type listDocument struct {
	Services []serviceRecord `yaml:"services" json:"services"`
}

// serviceRecord is one entry as stored on disk. Every field is free text so that
// unrecognised modes survive a load and can be reported.
type serviceRecord struct {
	Name        string `xml:"name" yaml:"name" json:"name" validate:"max=256"`
	Description string `xml:"description,omitempty" yaml:"description,omitempty" json:"description,omitempty" validate:"max=4096"`
	Status      string `xml:"status,omitempty" yaml:"status,omitempty" json:"status,omitempty" validate:"max=64"`
	StartMode   string `xml:"start_mode,omitempty" yaml:"start_mode,omitempty" json:"start_mode,omitempty" validate:"max=64"`
	EndMode     string `xml:"end_mode,omitempty" yaml:"end_mode,omitempty" json:"end_mode,omitempty" validate:"max=64"`
	LogOnAs     string `xml:"log_on_as,omitempty" yaml:"log_on_as,omitempty" json:"log_on_as,omitempty" validate:"max=256"`
	Path        string `xml:"path,omitempty" yaml:"path,omitempty" json:"path,omitempty" validate:"max=4096"`
}

func (r serviceRecord) toEntry() engine.TargetEntry {
	entry := engine.TargetEntry{
		ServiceDescriptor: engine.ServiceDescriptor{
			Name:        strings.TrimSpace(r.Name),
			Description: r.Description,
			LogOnAs:     r.LogOnAs,
			Path:        r.Path,
		},
	}
	if strings.TrimSpace(r.Status) != "" {
		entry.Status = engine.ParseServiceStatus(r.Status)
	}
	entry.StartMode, _ = engine.ParseStartMode(r.StartMode)
	entry.EndMode, _ = engine.ParseStartMode(r.EndMode)
	return entry
}

func recordFromEntry(e engine.TargetEntry) serviceRecord {
	return serviceRecord{
		Name:        e.Name,
		Description: e.Description,
		Status:      string(e.Status),
		StartMode:   string(e.StartMode),
		EndMode:     string(e.EndMode),
		LogOnAs:     e.LogOnAs,
		Path:        e.Path,
	}
}

// decode parses data in the given format.
func decode(data []byte, format Format) ([]serviceRecord, error) {
	switch format {
	case FormatYAML:
		var doc listDocument
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc.Services, nil
	case FormatJSON:
		var doc listDocument
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		return doc.Services, nil
	case FormatXML:
		var doc xmlDocument
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc.Services, nil
	default:
		return nil, fmt.Errorf("unsupported target list format %q", format)
	}
}

// encode renders records in the given format.
func encode(records []serviceRecord, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(listDocument{Services: records}); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatJSON:
		data, err := json.MarshalIndent(listDocument{Services: records}, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case FormatXML:
		data, err := xml.MarshalIndent(xmlDocument{Services: records}, "", "  ")
		if err != nil {
			return nil, err
		}
		out := append([]byte(xml.Header), data...)
		return append(out, '\n'), nil
	default:
		return nil, fmt.Errorf("unsupported target list format %q", format)
	}
}
