// Package discovery finds network-attached lab instruments via mDNS.
//
// LXI-class instruments announce themselves as "_lxi._tcp" (and often
// "_scpi-raw._tcp" for their raw socket port) with identity metadata in
// TXT records. Browsing yields one Service per announced instrument,
// aggregated across network interfaces.
package discovery

import (
	"strings"
	"time"
)

// mDNS service types announced by LXI instruments.
const (
	ServiceLXI     = "_lxi._tcp"
	ServiceSCPIRaw = "_scpi-raw._tcp"
	ServiceVXI11   = "_vxi-11._tcp"
	ServiceHiSLIP  = "_hislip._tcp"

	// Domain is the mDNS domain.
	Domain = "local."
)

// BrowseTimeout is the default timeout for browse operations.
const BrowseTimeout = 10 * time.Second

// TXT record keys defined by the LXI discovery specification.
const (
	txtManufacturer = "Manufacturer"
	txtModel        = "Model"
	txtSerialNumber = "SerialNumber"
	txtFirmware     = "FirmwareVersion"
)

// Service is one discovered instrument endpoint.
type Service struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string

	Manufacturer    string
	Model           string
	SerialNumber    string
	FirmwareVersion string
}

// Identity returns a human-readable one-line identity, in the spirit of
// a *IDN? response.
func (s *Service) Identity() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{s.Manufacturer, s.Model, s.SerialNumber, s.FirmwareVersion} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return s.InstanceName
	}
	return strings.Join(parts, ",")
}

// DecodeTXT extracts instrument identity from mDNS TXT records.
// Unknown keys are ignored; missing keys leave fields empty.
func DecodeTXT(records []string, svc *Service) {
	for _, record := range records {
		key, value, found := strings.Cut(record, "=")
		if !found {
			continue
		}
		switch key {
		case txtManufacturer:
			svc.Manufacturer = value
		case txtModel:
			svc.Model = value
		case txtSerialNumber:
			svc.SerialNumber = value
		case txtFirmware:
			svc.FirmwareVersion = value
		}
	}
}

// EncodeTXT builds the TXT records for an instrument identity.
// Empty fields are omitted.
func EncodeTXT(svc *Service) []string {
	var records []string
	add := func(key, value string) {
		if value != "" {
			records = append(records, key+"="+value)
		}
	}
	add(txtManufacturer, svc.Manufacturer)
	add(txtModel, svc.Model)
	add(txtSerialNumber, svc.SerialNumber)
	add(txtFirmware, svc.FirmwareVersion)
	return records
}

// mergeAddresses combines two address lists without duplicates,
// preserving order of first appearance.
func mergeAddresses(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, addr := range existing {
		seen[addr] = struct{}{}
	}
	for _, addr := range incoming {
		if _, ok := seen[addr]; !ok {
			existing = append(existing, addr)
			seen[addr] = struct{}{}
		}
	}
	return existing
}

// removeAddresses drops the given addresses from the list.
func removeAddresses(existing, gone []string) []string {
	drop := make(map[string]struct{}, len(gone))
	for _, addr := range gone {
		drop[addr] = struct{}{}
	}
	out := existing[:0]
	for _, addr := range existing {
		if _, ok := drop[addr]; !ok {
			out = append(out, addr)
		}
	}
	return out
}
