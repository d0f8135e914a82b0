package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// SERIAL GENERATOR
// =============================================================================
//
// Grammar (one formal grammar for every serial):
//
//	CEDULA DD MM YYYY DD MM YYYY [_vN] [-RN]
//
// _vN disambiguates accidental duplicates, -RN numbers resubmissions. When
// both appear, _v comes first. Dates must be real calendar dates.

var (
	cedulaPattern = regexp.MustCompile(`^\d{7,11}$`)
	serialPattern = regexp.MustCompile(`^(\d{7,11}) (\d{2}) (\d{2}) (\d{4}) (\d{2}) (\d{2}) (\d{4})(?:_v(\d+))?(?:-R(\d+))?$`)
)

// SerialRequest carries the generator inputs.
type SerialRequest struct {
	Cedula            string
	FechaInicio       Date
	FechaFin          Date
	Resubmission      bool
	ResubmissionIndex int // 1-based attempt number; required when Resubmission
}

// SerialInfo is a parsed serial.
type SerialInfo struct {
	Cedula            string
	FechaInicio       Date
	FechaFin          Date
	Version           int // 0 when no _v suffix
	ResubmissionIndex int // 0 when no -R suffix
}

// Base strips both suffixes.
func (si SerialInfo) Base() string {
	s, _ := BaseSerial(si.Cedula, si.FechaInicio, si.FechaFin)
	return s
}

// ValidCedula reports whether s is a 7 to 11 digit national ID.
func ValidCedula(s string) bool { return cedulaPattern.MatchString(s) }

// BaseSerial formats the unsuffixed serial.
func BaseSerial(cedula string, inicio, fin Date) (string, error) {
	cedula = strings.TrimSpace(cedula)
	if !cedulaPattern.MatchString(cedula) {
		return "", &InvalidInputError{Field: "cedula", Value: cedula, Reason: "must be 7 to 11 digits"}
	}
	if inicio.IsZero() {
		return "", &InvalidInputError{Field: "fecha_inicio", Reason: "required"}
	}
	if fin.IsZero() {
		return "", &InvalidInputError{Field: "fecha_fin", Reason: "required"}
	}
	if fin.Before(inicio) {
		return "", &InvalidInputError{Field: "fecha_fin", Value: fin.String(), Reason: "before fecha_inicio"}
	}
	return fmt.Sprintf("%s %s %s", cedula, inicio.Time.Format("02 01 2006"), fin.Time.Format("02 01 2006")), nil
}

// GenerateSerial returns the first free serial for the request.
func GenerateSerial(ctx context.Context, lookup SerialLookup, req SerialRequest) (string, error) {
	base, err := BaseSerial(req.Cedula, req.FechaInicio, req.FechaFin)
	if err != nil {
		return "", err
	}

	suffix := ""
	if req.Resubmission {
		if req.ResubmissionIndex < 1 {
			return "", &InvalidInputError{Field: "resubmission_index", Value: strconv.Itoa(req.ResubmissionIndex), Reason: "must be at least 1"}
		}
		suffix = fmt.Sprintf("-R%d", req.ResubmissionIndex)
	}

	candidate := base + suffix
	taken, err := lookup.SerialExists(ctx, candidate)
	if err != nil {
		return "", fmt.Errorf("serial lookup failed: %w", err)
	}
	if !taken {
		return candidate, nil
	}

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s_v%d%s", base, n, suffix)
		taken, err := lookup.SerialExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("serial lookup failed: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}
}

// IsValidSerial checks the grammar and the calendar validity of both dates.
func IsValidSerial(s string) bool {
	_, err := ParseSerial(s)
	return err == nil
}

// ParseSerial splits a serial into its parts.
func ParseSerial(s string) (SerialInfo, error) {
	m := serialPattern.FindStringSubmatch(s)
	if m == nil {
		return SerialInfo{}, &InvalidInputError{Field: "serial", Value: s, Reason: "expected 'CEDULA DD MM YYYY DD MM YYYY'"}
	}
	inicio, ok := calendarDate(m[2], m[3], m[4])
	if !ok {
		return SerialInfo{}, &InvalidInputError{Field: "serial", Value: s, Reason: "invalid start date"}
	}
	fin, ok := calendarDate(m[5], m[6], m[7])
	if !ok {
		return SerialInfo{}, &InvalidInputError{Field: "serial", Value: s, Reason: "invalid end date"}
	}
	info := SerialInfo{Cedula: m[1], FechaInicio: inicio, FechaFin: fin}
	if m[8] != "" {
		info.Version, _ = strconv.Atoi(m[8])
		if info.Version < 1 {
			return SerialInfo{}, &InvalidInputError{Field: "serial", Value: s, Reason: "version must be positive"}
		}
	}
	if m[9] != "" {
		info.ResubmissionIndex, _ = strconv.Atoi(m[9])
		if info.ResubmissionIndex < 1 {
			return SerialInfo{}, &InvalidInputError{Field: "serial", Value: s, Reason: "resubmission index must be positive"}
		}
	}
	return info, nil
}

func calendarDate(dd, mm, yyyy string) (Date, bool) {
	t, err := time.Parse("02 01 2006", dd+" "+mm+" "+yyyy)
	if err != nil {
		return Date{}, false
	}
	return DateOf(t), true
}
