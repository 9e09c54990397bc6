package plan

import (
	"fmt"
	"os"

	"github.com/strongdm/aos/internal/llm"
)

// ParseWorkOrder decodes and normalizes a single work-order JSON document,
// enforcing the shape invariants.
func ParseWorkOrder(data []byte) (*WorkOrder, error) {
	var raw any
	if err := llm.DecodeBounded(data, &raw); err != nil {
		return nil, err
	}
	if err := workOrderSchema.Validate(raw); err != nil {
		findings := schemaFindings("", err)
		return nil, fmt.Errorf("invalid work order: %s", findings[0].Message)
	}
	var w WorkOrder
	if err := llm.DecodeBounded(data, &w); err != nil {
		return nil, err
	}
	w.Normalize()
	return &w, nil
}

// LoadWorkOrder reads a work-order file. The factory loads its contract
// this way.
func LoadWorkOrder(path string) (*WorkOrder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	w, err := ParseWorkOrder(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// LoadManifest reads a manifest file and returns the normalized plan plus
// any validation findings from decoding.
func LoadManifest(path string) (*Manifest, []ValidationError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	m, findings := DecodeManifest(data)
	return m, findings, nil
}
