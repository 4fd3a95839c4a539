// Package ccf decodes the car configuration file retrieved from the unit
// and compares it against a reference image.
package ccf

import (
	"context"
	"fmt"

	"github.com/LoveWonYoung/x260diag/routine"
)

const retrieveRoutineID = 0x0E00

// Option describes one configuration byte: its offset in the CCF image,
// human naming, and the known value labels.
type Option struct {
	ID     int
	Name   string
	Group  string
	Values map[byte]string
}

// The decode table covers the options this tool cares about; offsets and
// labels come from the vehicle configuration documentation. Unknown bytes
// still decode, with a hex fallback label.
var table = []Option{
	{ID: 0x00, Name: "Market", Group: "vehicle", Values: map[byte]string{0x01: "UK", 0x02: "Europe", 0x03: "North America", 0x04: "China", 0x05: "Rest of world"}},
	{ID: 0x03, Name: "Steering position", Group: "vehicle", Values: map[byte]string{0x00: "Left hand drive", 0x01: "Right hand drive"}},
	{ID: 0x05, Name: "Fuel type", Group: "vehicle", Values: map[byte]string{0x01: "Petrol", 0x02: "Diesel", 0x03: "Hybrid"}},
	{ID: 0x0A, Name: "Speed units", Group: "display", Values: map[byte]string{0x00: "km/h", 0x01: "mph"}},
	{ID: 0x11, Name: "Navigation fitted", Group: "infotainment", Values: map[byte]string{0x00: "Not fitted", 0x01: "Fitted"}},
	{ID: 0x12, Name: "DAB radio fitted", Group: "infotainment", Values: map[byte]string{0x00: "Not fitted", 0x01: "Fitted"}},
	{ID: 0x13, Name: "Premium audio", Group: "infotainment", Values: map[byte]string{0x00: "Not fitted", 0x01: "Fitted"}},
	{ID: 0x18, Name: "Rear camera", Group: "driver assistance", Values: map[byte]string{0x00: "Not fitted", 0x01: "Fitted"}},
	{ID: 0x19, Name: "Front camera", Group: "driver assistance", Values: map[byte]string{0x00: "Not fitted", 0x01: "Fitted"}},
	{ID: 0x1A, Name: "Park assist", Group: "driver assistance", Values: map[byte]string{0x00: "Not fitted", 0x01: "Fitted"}},
	{ID: 0x21, Name: "Sunroof", Group: "body", Values: map[byte]string{0x00: "Not fitted", 0x01: "Fitted"}},
	{ID: 0x24, Name: "Towbar", Group: "body", Values: map[byte]string{0x00: "Not fitted", 0x01: "Fitted"}},
}

// Entry is one decoded configuration value.
type Entry struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group"`
	Raw   byte   `json:"raw"`
	Value string `json:"value"`
}

// Decode extracts the table's options from a raw CCF image. Options past
// the end of a short image are skipped.
func Decode(data []byte) []Entry {
	out := make([]Entry, 0, len(table))
	for _, opt := range table {
		if opt.ID >= len(data) {
			continue
		}
		raw := data[opt.ID]
		value, ok := opt.Values[raw]
		if !ok {
			value = fmt.Sprintf("unknown (0x%02X)", raw)
		}
		out = append(out, Entry{
			ID:    opt.ID,
			Name:  opt.Name,
			Group: opt.Group,
			Raw:   raw,
			Value: value,
		})
	}
	return out
}

// Mismatch is one difference between the live configuration and a
// reference image.
type Mismatch struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Got  string `json:"got"`
	Want string `json:"want"`
}

// Compare decodes both images and reports options whose bytes differ.
func Compare(current, reference []byte) []Mismatch {
	var out []Mismatch
	for _, opt := range table {
		if opt.ID >= len(current) || opt.ID >= len(reference) {
			continue
		}
		got := current[opt.ID]
		want := reference[opt.ID]
		if got == want {
			continue
		}
		label := func(b byte) string {
			if v, ok := opt.Values[b]; ok {
				return v
			}
			return fmt.Sprintf("unknown (0x%02X)", b)
		}
		out = append(out, Mismatch{
			ID:   opt.ID,
			Name: opt.Name,
			Got:  label(got),
			Want: label(want),
		})
	}
	return out
}

// Service retrieves the CCF from the unit through the routine orchestrator.
type Service struct {
	runner *routine.Runner
}

func NewService(runner *routine.Runner) *Service {
	return &Service{runner: runner}
}

// Read pulls the stored CCF image and decodes it. Retrieval goes through
// the pending-capable routine path: the unit acknowledges with 0x78 while
// it collects the file.
func (s *Service) Read(ctx context.Context) ([]Entry, []byte, error) {
	result, err := s.runner.Run(ctx, retrieveRoutineID, nil)
	if err != nil {
		return nil, nil, err
	}
	return Decode(result.Raw), result.Raw, nil
}

// CompareWithReference reads the live image and diffs it against the
// supplied reference bytes.
func (s *Service) CompareWithReference(ctx context.Context, reference []byte) ([]Mismatch, error) {
	_, raw, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	return Compare(raw, reference), nil
}
