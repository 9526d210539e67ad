package progress

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/progresso/progresso/pkg/engine"
)

func sampleRecord() *engine.ProgressRecord {
	started := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	t1 := started.Add(time.Second)
	t2 := started.Add(3 * time.Second)
	t3 := started.Add(4 * time.Second)
	finished := started.Add(10 * time.Second)
	sample := 42.5

	return &engine.ProgressRecord{
		RunID:      "run-1",
		Source:     "/etc/ordem/ordem.target.xml",
		StartedAt:  started,
		FinishedAt: &finished,
		Outcome:    engine.RunAllCompletedWithFailures,
		Entries: []engine.ProgressEntry{
			{
				Position:            0,
				Name:                "Spooler",
				StartMode:           engine.StartModeManual,
				EndMode:             engine.StartModeAutomatic,
				Action:              engine.Action("set_start_mode+start"),
				StartProcessingTime: &t1,
				CPUResponsiveTime:   &t2,
				EndTime:             &t3,
				GateOutcome:         engine.GatePassed,
				CPUSample:           &sample,
				Outcome:             engine.OutcomeSuccess,
			},
			{
				Position:    1,
				Name:        "",
				EndMode:     engine.StartModeManual,
				Action:      engine.ActionNone,
				Outcome:     engine.OutcomeSkipped,
				ErrorDetail: "empty service name",
			},
			{
				Position:            2,
				Name:                "Fax & <Co>",
				StartMode:           engine.StartModeAutomatic,
				EndMode:             engine.StartModeDisabled,
				Action:              engine.Action("stop+set_start_mode"),
				StartProcessingTime: &t3,
				StopTime:            &t3,
				EndTime:             &finished,
				Outcome:             engine.OutcomeFailed,
				ErrorDetail:         "set_start_mode Fax & <Co>: access denied",
			},
		},
	}
}

func TestWriter_FileName(t *testing.T) {
	w := NewWriter(t.TempDir(), "", "", nil)
	got := w.FileName(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC))
	if got != "progresso.20240309.140507.xml" {
		t.Errorf("FileName() = %s", got)
	}

	w = NewWriter(t.TempDir(), "nightly", FormatJSON, nil)
	got = w.FileName(time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC))
	if got != "nightly.20241231.235959.json" {
		t.Errorf("FileName() = %s", got)
	}
}

func TestWriter_OpenNeverOverwrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	w := NewWriter(dir, "", FormatXML, nil)
	started := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

	a, err := w.Open(started)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := a.Update(sampleRecord()); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	before, _ := os.ReadFile(a.Path())

	_, err = w.Open(started)
	if !errors.Is(err, engine.ErrIOFailed) {
		t.Fatalf("Expected ErrIOFailed for existing artifact, got %v", err)
	}
	if !engine.IsCannotRecord(err) {
		t.Error("Expected a cannot_record error")
	}

	after, _ := os.ReadFile(a.Path())
	if string(before) != string(after) {
		t.Error("Existing artifact was modified")
	}
}

func TestArtifact_UpdateAndDigest(t *testing.T) {
	w := NewWriter(t.TempDir(), "", FormatXML, nil)
	record := sampleRecord()

	a, err := w.Open(record.StartedAt)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if a.Digest() != "" {
		t.Error("Expected empty digest before first update")
	}

	partial := record.Clone()
	partial.Entries = partial.Entries[:1]
	partial.FinishedAt = nil
	if err := a.Checkpoint(context.Background(), partial); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	first := a.Digest()

	if err := a.Update(record); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if a.Digest() == first {
		t.Error("Expected digest to change after update")
	}
	if a.Writes() != 2 {
		t.Errorf("Expected 2 writes, got %d", a.Writes())
	}

	onDisk, err := DigestFile(a.Path())
	if err != nil {
		t.Fatalf("DigestFile() error = %v", err)
	}
	if onDisk != a.Digest() {
		t.Errorf("DigestFile() = %s, want %s", onDisk, a.Digest())
	}

	entries, _ := os.ReadDir(filepath.Dir(a.Path()))
	if len(entries) != 1 {
		t.Errorf("Expected only the artifact in the output dir, found %d files", len(entries))
	}
}

func TestEncodeXML(t *testing.T) {
	data, err := Encode(sampleRecord(), FormatXML)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	doc := string(data)

	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<Progresso run_id="run-1"`,
		`started_at="2024-03-09T14:05:07Z"`,
		`outcome="AllCompletedWithFailures"`,
		`<Service position="0">`,
		`<name>Spooler</name>`,
		`<start_processing_time>2024-03-09T14:05:08Z</start_processing_time>`,
		`<cpu_responsive_time>2024-03-09T14:05:10Z</cpu_responsive_time>`,
		`<cpu_sample>42.5</cpu_sample>`,
		`<gate_outcome>Passed</gate_outcome>`,
		`<name>Fax &amp; &lt;Co&gt;</name>`,
		`<outcome>Failed</outcome>`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("Expected XML to contain %q\n%s", want, doc)
		}
	}
	if strings.Count(doc, "<Service ") != 3 {
		t.Errorf("Expected 3 Service elements")
	}
}

func TestEncodeXML_SubSecondTimes(t *testing.T) {
	record := sampleRecord()
	started := *record.Entries[0].StartProcessingTime
	stopped := started.Add(250 * time.Millisecond)
	record.Entries[0].StopTime = &stopped

	data, err := Encode(record, FormatXML)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(data), `<stop_time>2024-03-09T14:05:08.25Z</stop_time>`) {
		t.Errorf("Expected fractional stop time in XML\n%s", data)
	}

	got, err := Decode(data, FormatXML)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Entries[0].StopTime == nil || !got.Entries[0].StopTime.Equal(stopped) {
		t.Errorf("StopTime = %v, want %v", got.Entries[0].StopTime, stopped)
	}
	if !got.Entries[0].StopTime.After(*got.Entries[0].StartProcessingTime) {
		t.Error("Expected stop time after start processing time")
	}
}

func TestRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatXML, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			w := NewWriter(t.TempDir(), "", format, nil)
			want := sampleRecord()

			path, err := w.Write(want)
			if err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if !strings.HasSuffix(path, "."+format.Ext()) {
				t.Errorf("Unexpected path %s", path)
			}

			got, err := ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if got.RunID != want.RunID || got.Outcome != want.Outcome || !got.StartedAt.Equal(want.StartedAt) {
				t.Errorf("Header mismatch: %+v", got)
			}
			if len(got.Entries) != len(want.Entries) {
				t.Fatalf("Expected %d entries, got %d", len(want.Entries), len(got.Entries))
			}
			if got.Entries[0].CPUSample == nil || *got.Entries[0].CPUSample != 42.5 {
				t.Errorf("CPU sample not preserved: %+v", got.Entries[0])
			}
			if got.Entries[1].StartProcessingTime != nil {
				t.Error("Expected absent time to stay absent")
			}
			if got.Entries[2].Name != "Fax & <Co>" || got.Entries[2].ErrorDetail != want.Entries[2].ErrorDetail {
				t.Errorf("Entry 2 mismatch: %+v", got.Entries[2])
			}
			if got.Summary() != want.Summary() {
				t.Errorf("Summary() = %v, want %v", got.Summary(), want.Summary())
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("<Progresso run_id='x' started_at='yesterday'></Progresso>"), FormatXML)
	if !errors.Is(err, engine.ErrSerializationFailed) {
		t.Errorf("Expected ErrSerializationFailed, got %v", err)
	}
	_, err = Decode([]byte("{"), FormatJSON)
	if !errors.Is(err, engine.ErrSerializationFailed) {
		t.Errorf("Expected ErrSerializationFailed, got %v", err)
	}
}

func TestWriter_UnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	w := NewWriter(file, "", FormatXML, nil)
	if _, err := w.Write(sampleRecord()); !errors.Is(err, engine.ErrIOFailed) {
		t.Errorf("Expected ErrIOFailed, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatXML {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if _, err := ParseFormat("csv"); err == nil {
		t.Error("Expected error for csv")
	}
}
