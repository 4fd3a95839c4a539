// Package routine holds the RoutineControl catalog and the start/monitor
// orchestrator built on the session engine.
package routine

import (
	"fmt"
	"sort"
	"strings"
)

// Descriptor is one known routine. The catalog is immutable and resolved
// once at startup; human metadata rides along for the UI layer.
type Descriptor struct {
	ID            uint16 `json:"routineId"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	NeedsSecurity bool   `json:"needsSecurity"`
	NeedsPending  bool   `json:"needsPending"`
	// DefaultParams is sent when the caller supplies no parameter record.
	DefaultParams []byte `json:"-"`
}

var catalog = map[uint16]Descriptor{
	0x6038: {ID: 0x6038, Name: "CONFIGURE_LINUX", Description: "Reconfigure the Linux partition set", Category: "system", NeedsSecurity: true, NeedsPending: true},
	0x603D: {ID: 0x603D, Name: "ENG_SCREEN_LVL2", Description: "Enable level 2 engineering screens", Category: "system", NeedsSecurity: true},
	0x603E: {ID: 0x603E, Name: "SSH_ENABLE", Description: "Start the SSH service on the unit", Category: "network", NeedsSecurity: true, NeedsPending: true, DefaultParams: []byte{0x01}},
	0x603F: {ID: 0x603F, Name: "DVD_RECOVER", Description: "Recover the DVD drive state", Category: "system", NeedsSecurity: true},
	0x6041: {ID: 0x6041, Name: "FAN_CONTROL", Description: "Override cooling fan duty", Category: "system", NeedsSecurity: true},
	0x6042: {ID: 0x6042, Name: "RESET_PIN", Description: "Reset the pairing PIN", Category: "system", NeedsSecurity: true},
	0x6043: {ID: 0x6043, Name: "POWER_OVERRIDE", Description: "Hold the unit awake regardless of ignition", Category: "system", NeedsSecurity: true},
	0x6045: {ID: 0x6045, Name: "GEN_KEY", Description: "Generate a fresh unit key pair", Category: "security"},
	0x6046: {ID: 0x6046, Name: "SHARED_SECRET", Description: "Report the shared secret fingerprint", Category: "security"},
	0x0404: {ID: 0x0404, Name: "VIN_LEARN", Description: "Learn the vehicle VIN", Category: "vehicle"},
	0x0E00: {ID: 0x0E00, Name: "RETRIEVE_CCF", Description: "Read the stored car configuration file", Category: "ccf", NeedsPending: true},
	0x0E01: {ID: 0x0E01, Name: "REPORT_CCF", Description: "Report the active car configuration", Category: "ccf", NeedsPending: true},
	0x0E02: {ID: 0x0E02, Name: "LIST_CCF", Description: "List car configuration identifiers", Category: "ccf", NeedsPending: true},
}

// Lookup resolves a routine id against the catalog.
func Lookup(id uint16) (Descriptor, bool) {
	d, ok := catalog[id]
	return d, ok
}

// Catalog lists all known routines sorted by id.
func Catalog() []Descriptor {
	out := make([]Descriptor, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Result is the outcome of one routine run.
type Result struct {
	RoutineID   uint16 `json:"routineId"`
	Success     bool   `json:"success"`
	Description string `json:"description"`
	Raw         []byte `json:"rawBytes"`
}

// configure-linux status bytes.
var configureStatusNames = map[byte]string{
	0x10: "finished",
	0x20: "completed",
	0x21: "aborted",
	0x22: "active",
}

var configureResultNames = map[byte]string{
	0x01: "completed",
	0x02: "in progress",
	0x03: "failed",
}

// configureErrorBits labels the CONFIGURE_LINUX failure bitmask.
var configureErrorBits = []struct {
	bit  byte
	name string
}{
	{0x01, "Boot parameter"},
	{0x02, "Kernel image"},
	{0x04, "Root filesystem"},
	{0x08, "System configuration"},
	{0x10, "Display firmware"},
	{0x20, "Navigation data"},
	{0x40, "Network stack"},
	{0x80, "Application manager LCF"},
}

// describeConfigureLinux renders the 0x6038 completion record:
// status, result, then an error bitmask when the result reports failure.
func describeConfigureLinux(data []byte) string {
	if len(data) == 0 {
		return "no status data"
	}
	status, ok := configureStatusNames[data[0]]
	if !ok {
		status = fmt.Sprintf("status 0x%02X", data[0])
	}
	parts := []string{status}

	if len(data) > 1 {
		result, ok := configureResultNames[data[1]]
		if !ok {
			result = fmt.Sprintf("result 0x%02X", data[1])
		}
		parts = append(parts, result)
	}
	if len(data) > 2 && data[2] != 0 {
		var failed []string
		for _, e := range configureErrorBits {
			if data[2]&e.bit != 0 {
				failed = append(failed, e.name)
			}
		}
		parts = append(parts, "failed: "+strings.Join(failed, ", "))
	}
	return strings.Join(parts, ", ")
}

var vinLearnStatusNames = map[byte]string{
	0x00: "idle",
	0x01: "learned",
	0x02: "in progress",
	0x03: "rejected",
}

func describeVinLearn(data []byte) string {
	if len(data) == 0 {
		return "no status data"
	}
	if name, ok := vinLearnStatusNames[data[0]]; ok {
		return name
	}
	return fmt.Sprintf("status 0x%02X", data[0])
}

// ResultSuccess interprets the completion record for routines whose
// record encodes a failure state. Routines without a known failure
// encoding count any positive response as success.
func ResultSuccess(id uint16, data []byte) bool {
	switch id {
	case 0x6038:
		if len(data) > 0 && data[0] == 0x21 { // aborted
			return false
		}
		if len(data) > 1 && data[1] == 0x03 { // result: failed
			return false
		}
		if len(data) > 2 && data[2] != 0 { // error bitmask
			return false
		}
		return true
	case 0x0404:
		return len(data) == 0 || data[0] != 0x03 // rejected
	default:
		return true
	}
}

// DescribeResult renders the routine-specific completion record.
func DescribeResult(id uint16, data []byte) string {
	switch id {
	case 0x6038:
		return describeConfigureLinux(data)
	case 0x0404:
		return describeVinLearn(data)
	default:
		if len(data) == 0 {
			return "completed"
		}
		return fmt.Sprintf("completed, status %02X", data)
	}
}
