package export

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONExporter writes the whole transcript as one indented document.
type JSONExporter struct{}

func (JSONExporter) Export(t Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t); err != nil {
		return fmt.Errorf("encode json transcript: %w", err)
	}
	return nil
}

func (JSONExporter) Extension() string   { return "json" }
func (JSONExporter) ContentType() string { return "application/json" }

// JSONLExporter writes one entry per line.
type JSONLExporter struct{}

func (JSONLExporter) Export(t Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)
	for i, entry := range t.Entries {
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("encode entry %d: %w", i, err)
		}
	}
	return nil
}

func (JSONLExporter) Extension() string   { return "jsonl" }
func (JSONLExporter) ContentType() string { return "application/x-ndjson" }
