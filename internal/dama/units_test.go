package dama

import (
	"testing"
	"time"
)

func TestConverterRoundTrip(t *testing.T) {
	c, err := NewConverter(53*time.Millisecond, 188)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	// 1024 kbit/s over 53 ms is 54272 bits, 36.09 packets of 1504 bits.
	if got := c.KbpsToPktpf(1024); got != 37 {
		t.Fatalf("KbpsToPktpf(1024) = %d, want 37", got)
	}
	if got := c.PktpfToKbps(37); got < 1024 {
		t.Fatalf("PktpfToKbps(37) = %d, want >= 1024", got)
	}
	if got := c.KbpsToPktpf(0); got != 0 {
		t.Fatalf("KbpsToPktpf(0) = %d, want 0", got)
	}
	if got := c.KbitsToPkt(3); got != 2 {
		t.Fatalf("KbitsToPkt(3) = %d, want 2", got)
	}
	if got := c.PktToKbits(2); got != 4 {
		t.Fatalf("PktToKbits(2) = %d, want 4", got)
	}
}

func TestNewConverterRejectsZeroValues(t *testing.T) {
	if _, err := NewConverter(0, 188); err == nil {
		t.Fatalf("expected error for zero frame duration")
	}
	if _, err := NewConverter(time.Millisecond, 0); err == nil {
		t.Fatalf("expected error for zero packet length")
	}
}

func TestParseAccessType(t *testing.T) {
	cases := map[string]AccessType{
		"DAMA_RBDC": AccessDAMARBDC,
		"dama_vbdc": AccessDAMAVBDC,
		"SALOHA":    AccessSaloha,
		"DAMA_CRA":  AccessDAMACRA,
		"ACM":       AccessACM,
		"VCM0":      AccessVCM,
		"VCM3":      AccessVCM + 3,
	}
	for name, want := range cases {
		got, err := ParseAccessType(name)
		if err != nil {
			t.Fatalf("ParseAccessType(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("ParseAccessType(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseAccessType("VCMx"); err == nil {
		t.Fatalf("expected error for VCMx")
	}
	if got := (AccessVCM + 2).String(); got != "VCM2" {
		t.Fatalf("String() = %q, want VCM2", got)
	}
}
