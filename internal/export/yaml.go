package export

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLExporter writes the transcript as a YAML document.
type YAMLExporter struct{}

func (YAMLExporter) Export(t Transcript, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		_ = enc.Close()
		return fmt.Errorf("encode yaml transcript: %w", err)
	}
	return enc.Close()
}

func (YAMLExporter) Extension() string   { return "yaml" }
func (YAMLExporter) ContentType() string { return "application/yaml" }
