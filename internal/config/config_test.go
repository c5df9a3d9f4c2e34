package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.RotationInterval != 30*time.Second {
		t.Fatalf("rotation interval %s, want 30s", cfg.RotationInterval)
	}
	if cfg.ValidityWindow != 300*time.Second {
		t.Fatalf("validity window %s, want 300s", cfg.ValidityWindow)
	}
	if cfg.SkewTolerance != 5*time.Second {
		t.Fatalf("skew tolerance %s, want 5s", cfg.SkewTolerance)
	}
	if cfg.MaxDistanceMeters != 50 {
		t.Fatalf("max distance %g, want 50", cfg.MaxDistanceMeters)
	}
	if !cfg.GeofenceEnabled {
		t.Fatal("geofence should default on")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ROTATION_INTERVAL", "10s")
	t.Setenv("VALIDITY_WINDOW", "60s")
	t.Setenv("GEOFENCE_ENABLED", "false")
	t.Setenv("MAX_DISTANCE_METERS", "120.5")
	t.Setenv("STORE_RETRIES", "5")

	cfg := Load()
	if cfg.RotationInterval != 10*time.Second {
		t.Fatalf("rotation interval %s, want 10s", cfg.RotationInterval)
	}
	if cfg.ValidityWindow != time.Minute {
		t.Fatalf("validity window %s, want 1m", cfg.ValidityWindow)
	}
	if cfg.GeofenceEnabled {
		t.Fatal("geofence should be disabled")
	}
	if cfg.MaxDistanceMeters != 120.5 {
		t.Fatalf("max distance %g, want 120.5", cfg.MaxDistanceMeters)
	}
	if cfg.StoreRetries != 5 {
		t.Fatalf("store retries %d, want 5", cfg.StoreRetries)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("ROTATION_INTERVAL", "soon")
	t.Setenv("GEOFENCE_ENABLED", "maybe")
	t.Setenv("STORE_RETRIES", "many")

	cfg := Load()
	if cfg.RotationInterval != 30*time.Second {
		t.Fatalf("bad duration should fall back, got %s", cfg.RotationInterval)
	}
	if !cfg.GeofenceEnabled {
		t.Fatal("bad bool should fall back to default")
	}
	if cfg.StoreRetries != 3 {
		t.Fatalf("bad int should fall back, got %d", cfg.StoreRetries)
	}
}
