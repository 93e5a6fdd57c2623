// Package flowfile reads flow definitions from JSON and YAML files.
package flowfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dukex/convoflow/pkg/models"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("unsupported flow file format")

// Format is the encoding of a flow file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Load reads one flow file, or every flow file directly inside a directory in
// name order.
func Load(path string) ([]*models.FlowDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if !info.IsDir() {
		flow, err := LoadFile(path)
		if err != nil {
			return nil, err
		}

		return []*models.FlowDefinition{flow}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", path, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var flows []*models.FlowDefinition

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if _, err := FormatOf(entry.Name()); err != nil {
			continue
		}

		flow, err := LoadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	return flows, nil
}

// LoadFile reads a single flow file. A missing id is taken from the file name.
func LoadFile(path string) (*models.FlowDefinition, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	flow, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if flow.ID == "" {
		flow.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return flow, nil
}

// Decode parses a flow definition. YAML goes through its JSON form so node
// configs decode by their type tag. Files are loaded to be run: an empty
// status means active.
func Decode(data []byte, format Format) (*models.FlowDefinition, error) {
	switch format {
	case FormatJSON:
	case FormatYAML:
		var document any

		err := yaml.Unmarshal(data, &document)
		if err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}

		data, err = json.Marshal(document)
		if err != nil {
			return nil, fmt.Errorf("yaml document is not representable as json: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	var flow models.FlowDefinition

	err := json.Unmarshal(data, &flow)
	if err != nil {
		return nil, fmt.Errorf("invalid flow definition: %w", err)
	}

	if flow.Status == "" {
		flow.Status = models.FlowStatusActive
	}

	if flow.Trigger.Kind == "" {
		flow.Trigger.Kind = models.TriggerKindManual
	}

	return &flow, nil
}
