package config

import (
	"os"
	"strings"
)

// ScheduledPassesEnabled controls whether the in-process scheduler triggers
// periodic sync passes. Disable when running multiple replicas behind an
// external scheduler (Cloud Scheduler hitting the trigger endpoint).
//
// Set via env:
// - SCHEDULED_PASSES_ENABLED=false
func ScheduledPassesEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SCHEDULED_PASSES_ENABLED")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// AuditEnabled controls whether the periodic audit reconciler runs.
//
// Set via env:
// - SYNC_AUDIT_ENABLED=false
func AuditEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SYNC_AUDIT_ENABLED")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
