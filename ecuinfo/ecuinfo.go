// Package ecuinfo reads and renders the identification and status data
// identifiers of the supported ECUs.
package ecuinfo

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/LoveWonYoung/x260diag/uds"
)

// Format selects how a DID record renders for humans.
type Format int

const (
	FormatString Format = iota
	FormatHex
	FormatSession
	FormatUnitStatus
	FormatVoltage
	FormatSoC
	FormatTemperature
)

// CatalogEntry describes one identifier worth querying on an ECU. The
// catalog is static; returned values are transient and per-call.
type CatalogEntry struct {
	Label    string
	DID      uint16
	Category string
	Format   Format
}

var imcCatalog = []CatalogEntry{
	{Label: "VIN", DID: 0xF190, Category: "identification", Format: FormatString},
	{Label: "Spare part number", DID: 0xF187, Category: "identification", Format: FormatString},
	{Label: "ECU software number", DID: 0xF188, Category: "identification", Format: FormatString},
	{Label: "ECU hardware number", DID: 0xF191, Category: "identification", Format: FormatString},
	{Label: "Boot software number", DID: 0xF120, Category: "identification", Format: FormatString},
	{Label: "Application software number", DID: 0xF121, Category: "identification", Format: FormatString},
	{Label: "Build configuration", DID: 0xF1A5, Category: "identification", Format: FormatHex},
	{Label: "Boot software version", DID: 0xF180, Category: "identification", Format: FormatString},
	{Label: "ECU serial number", DID: 0xF18C, Category: "identification", Format: FormatString},
	{Label: "Hardware part number", DID: 0xF113, Category: "identification", Format: FormatString},
	{Label: "Active diagnostic session", DID: 0xD100, Category: "status", Format: FormatSession},
	{Label: "Unit status", DID: 0x0202, Category: "status", Format: FormatUnitStatus},
}

var bcmCatalog = []CatalogEntry{
	{Label: "VIN", DID: 0xF190, Category: "identification", Format: FormatString},
	{Label: "Battery voltage", DID: 0x402A, Category: "battery", Format: FormatVoltage},
	{Label: "Battery state of charge", DID: 0x4028, Category: "battery", Format: FormatSoC},
	{Label: "Battery temperature", DID: 0x4029, Category: "battery", Format: FormatTemperature},
	{Label: "Ignition state", DID: 0x4030, Category: "body", Format: FormatHex},
	{Label: "Door status", DID: 0x4032, Category: "body", Format: FormatHex},
}

// CatalogFor returns the query list for a known ECU.
func CatalogFor(ecu string) ([]CatalogEntry, error) {
	switch ecu {
	case "imc":
		return imcCatalog, nil
	case "bcm":
		return bcmCatalog, nil
	default:
		return nil, &uds.ConfigurationError{Reason: fmt.Sprintf("no DID catalog for ECU %q", ecu)}
	}
}

var unitStatusNames = map[byte]string{
	0x00: "off",
	0x01: "booting",
	0x02: "running",
	0x03: "shutting down",
}

// FormatValue renders a raw DID record according to the entry's format.
func FormatValue(f Format, raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	switch f {
	case FormatString:
		return printableString(raw)
	case FormatSession:
		return uds.SessionType(raw[0]).String()
	case FormatUnitStatus:
		if name, ok := unitStatusNames[raw[0]]; ok {
			return name
		}
		return fmt.Sprintf("status 0x%02X", raw[0])
	case FormatVoltage:
		// Big-endian tenths of a volt.
		v := 0
		for _, b := range raw {
			v = v<<8 | int(b)
		}
		return fmt.Sprintf("%.1f V", float64(v)/10)
	case FormatSoC:
		return fmt.Sprintf("%d %%", raw[len(raw)-1])
	case FormatTemperature:
		// Offset encoding: 0x00 means -40 degrees.
		return fmt.Sprintf("%d °C", int(raw[len(raw)-1])-40)
	default:
		return strings.ToUpper(fmt.Sprintf("% x", raw))
	}
}

// printableString trims padding and drops non-printable bytes.
func printableString(raw []byte) string {
	var b strings.Builder
	for _, c := range raw {
		if c == 0x00 || c == 0xFF {
			continue
		}
		if unicode.IsPrint(rune(c)) {
			b.WriteByte(c)
		}
	}
	return strings.TrimSpace(b.String())
}

// InfoEntry is one labeled result row for the UI layer.
type InfoEntry struct {
	Label    string `json:"label"`
	DidHex   string `json:"didHex"`
	Category string `json:"category"`
	Value    string `json:"value,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Reader walks an ECU's catalog over an established session.
type Reader struct {
	client *uds.Client
}

func NewReader(client *uds.Client) *Reader {
	return &Reader{client: client}
}

// ReadAll queries every catalog entry. Per-DID failures land in that row's
// Error field; the walk continues so one bad identifier does not hide the
// rest.
func (r *Reader) ReadAll(ctx context.Context, ecu string) ([]InfoEntry, error) {
	catalog, err := CatalogFor(ecu)
	if err != nil {
		return nil, err
	}

	out := make([]InfoEntry, 0, len(catalog))
	for _, entry := range catalog {
		row := InfoEntry{
			Label:    entry.Label,
			DidHex:   fmt.Sprintf("%04X", entry.DID),
			Category: entry.Category,
		}
		raw, err := r.client.ReadDataByIdentifier(ctx, entry.DID)
		if err != nil {
			row.Error = err.Error()
		} else {
			row.Value = FormatValue(entry.Format, raw)
		}
		out = append(out, row)
	}
	return out, nil
}

// ReadDid reads a single identifier and returns the raw record.
func (r *Reader) ReadDid(ctx context.Context, did uint16) ([]byte, error) {
	return r.client.ReadDataByIdentifier(ctx, did)
}
