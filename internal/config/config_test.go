package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tangzhangming/titan/internal/gc"
)

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatalf("LoadConfig on a missing file should fail")
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	c := GenerateDefault()
	c.GC.AllowParallel = false
	c.GC.MaxWorkers = 6
	c.GC.TimeLimitMs = 5.0
	c.GC.GarbageReferenceTracking = 2
	c.GC.LogLevel = "debug"
	c.GC.DebugServerAddr = "127.0.0.1:7788"

	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := c.Save(path); err != nil {
		t.Fatalf("Save returned %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned %v", err)
	}
	if *loaded != *c {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", loaded.GC, c.GC)
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	// 文件里没写的字段保持默认值
	path := filepath.Join(t.TempDir(), ConfigFileName)
	content := "[gc]\nmax_workers = 3\nlog_level = \"warn\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile returned %v", err)
	}

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned %v", err)
	}
	if c.GC.MaxWorkers != 3 || c.GC.LogLevel != "warn" {
		t.Errorf("explicit fields not applied: %+v", c.GC)
	}
	def := GenerateDefault()
	if c.GC.AllowParallel != def.GC.AllowParallel ||
		c.GC.TimeLimitMs != def.GC.TimeLimitMs ||
		c.GC.NumRetriesBeforeForcing != def.GC.NumRetriesBeforeForcing {
		t.Errorf("unset fields lost their defaults: %+v", c.GC)
	}
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte("not = [valid toml"), 0644); err != nil {
		t.Fatalf("WriteFile returned %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("LoadConfig should reject malformed TOML")
	}
}

func TestSettingsConversion(t *testing.T) {
	c := GCConfig{
		AllowParallel:                true,
		MaxWorkers:                   4,
		TimeLimitMs:                  2.5,
		NumRetriesBeforeForcing:      7,
		AdditionalFinishDestroyTimeS: 40.0,
		TimeoutOnPendingDestroy:      true,
		GarbageReferenceTracking:     2,
		ClustersEnabled:              true,
	}
	s := c.Settings()

	if s.TimeLimit != 2500*time.Microsecond {
		t.Errorf("TimeLimit = %v, want 2.5ms", s.TimeLimit)
	}
	if s.AdditionalFinishDestroyTime != 40*time.Second {
		t.Errorf("AdditionalFinishDestroyTime = %v, want 40s", s.AdditionalFinishDestroyTime)
	}
	if s.MaxWorkersOverride != 4 || s.NumRetriesBeforeForcing != 7 {
		t.Errorf("worker settings not carried over: %+v", s)
	}
	if s.GarbageTracking != gc.TrackingDeduped {
		t.Errorf("GarbageTracking = %v, want TrackingDeduped", s.GarbageTracking)
	}
	if !s.AllowParallel || !s.ClustersEnabled || !s.TimeoutOnPendingDestroy {
		t.Errorf("boolean settings not carried over: %+v", s)
	}
}
