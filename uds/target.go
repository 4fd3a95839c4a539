package uds

import (
	"fmt"
	"sort"
)

// Target is one diagnosable ECU: its name, physical request/response
// arbitration id pair and the bit rate of the bus segment it sits on.
type Target struct {
	Name       string `json:"name"`
	RequestID  uint32 `json:"requestId"`
	ResponseID uint32 `json:"responseId"`
	BusSpeed   uint32 `json:"busSpeed"`
}

// All supported units live on the 125 kbit/s medium-speed bus.
const msCanBitRate = 125_000

// X260 medium-speed bus addressing.
var targets = map[string]Target{
	"imc": {Name: "imc", RequestID: 0x7B3, ResponseID: 0x7BB, BusSpeed: msCanBitRate},
	"gwm": {Name: "gwm", RequestID: 0x716, ResponseID: 0x71E, BusSpeed: msCanBitRate},
	"bcm": {Name: "bcm", RequestID: 0x726, ResponseID: 0x72E, BusSpeed: msCanBitRate},
	"ipc": {Name: "ipc", RequestID: 0x720, ResponseID: 0x728, BusSpeed: msCanBitRate},
}

// TargetByName resolves a known ECU identifier.
func TargetByName(name string) (Target, error) {
	t, ok := targets[name]
	if !ok {
		return Target{}, &ConfigurationError{Reason: fmt.Sprintf("unknown ECU %q", name)}
	}
	return t, nil
}

// Targets lists the known ECUs in stable order.
func Targets() []Target {
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
