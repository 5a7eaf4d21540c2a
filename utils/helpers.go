package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"attendance_go/models"
)

// ParseUintParam parses an optional numeric id. An empty value is zero.
func ParseUintParam(raw string) (uint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(v), nil
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(raw string) (time.Time, error) {
	return time.Parse(models.DateLayout, strings.TrimSpace(raw))
}

// FormatDate formats a time as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(models.DateLayout)
}

// DefaultReportRange is the last 30 days ending today.
func DefaultReportRange(now time.Time) (string, string) {
	return FormatDate(now.AddDate(0, 0, -29)), FormatDate(now)
}

// IsValidRole checks if a role is valid
func IsValidRole(role string) bool {
	validRoles := []string{models.RoleOwner, models.RoleAdmin, models.RoleTeacher}
	for _, validRole := range validRoles {
		if role == validRole {
			return true
		}
	}
	return false
}

// ParseBool reads "true"/"1" as true and everything else as false.
func ParseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

// SanitizeString removes dangerous characters from string
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
