// Package dama holds the identifiers, access categories and unit conversions
// shared by the terminal-side agent and the NCC-side controller.
package dama

import (
	"fmt"
	"strconv"
	"strings"
)

// TalID identifies a terminal (its logon id).
type TalID uint16

// GroupID identifies a group of terminals sharing a time plan.
type GroupID uint8

func (id TalID) String() string { return "ST" + strconv.Itoa(int(id)) }

// AccessType tells which allocation category funds the traffic of a queue.
type AccessType int

const (
	AccessDAMARBDC AccessType = iota
	AccessDAMAVBDC
	AccessSaloha
	AccessDAMACRA
	AccessACM
	// AccessVCM is the first VCM queue; VCMn maps to AccessVCM+n.
	AccessVCM
)

const maxVCM = 16

func (a AccessType) String() string {
	switch {
	case a == AccessDAMARBDC:
		return "DAMA_RBDC"
	case a == AccessDAMAVBDC:
		return "DAMA_VBDC"
	case a == AccessSaloha:
		return "SALOHA"
	case a == AccessDAMACRA:
		return "DAMA_CRA"
	case a == AccessACM:
		return "ACM"
	case a >= AccessVCM && a < AccessVCM+maxVCM:
		return "VCM" + strconv.Itoa(int(a-AccessVCM))
	default:
		return fmt.Sprintf("AccessType(%d)", int(a))
	}
}

// IsDAMA reports whether the queue is funded by a DAMA category.
func (a AccessType) IsDAMA() bool {
	return a == AccessDAMARBDC || a == AccessDAMAVBDC || a == AccessDAMACRA
}

// ParseAccessType maps configuration names to access types.
func ParseAccessType(name string) (AccessType, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DAMA_RBDC":
		return AccessDAMARBDC, nil
	case "DAMA_VBDC":
		return AccessDAMAVBDC, nil
	case "SALOHA":
		return AccessSaloha, nil
	case "DAMA_CRA":
		return AccessDAMACRA, nil
	case "ACM":
		return AccessACM, nil
	}
	upper := strings.ToUpper(strings.TrimSpace(name))
	if rest, ok := strings.CutPrefix(upper, "VCM"); ok {
		n, err := strconv.Atoi(rest)
		if err == nil && n >= 0 && n < maxVCM {
			return AccessVCM + AccessType(n), nil
		}
	}
	return 0, fmt.Errorf("unknown access type %q", name)
}

// Category is one of the four DAMA allocation categories.
type Category int

const (
	CategoryCRA Category = iota
	CategoryRBDC
	CategoryVBDC
	CategoryFCA
)

func (c Category) String() string {
	switch c {
	case CategoryCRA:
		return "cra"
	case CategoryRBDC:
		return "rbdc"
	case CategoryVBDC:
		return "vbdc"
	case CategoryFCA:
		return "fca"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}
