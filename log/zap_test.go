package log

import (
	"path/filepath"
	"testing"
)

func TestInit(t *testing.T) {
	zf := Config{
		STDOUT:     true,
		File:       filepath.Join(t.TempDir(), "zap.log"),
		Level:      0,
		MaxAge:     1,
		MaxSize:    1,
		MaxBackups: 1,
		Compress:   true,
		JsonFormat: false,
	}
	if err := Init(zf); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	Sugar.Info("zap log", "success", true, 1)
	Sugar.Infof("zap log success %t %d", true, 1)
	Sugar.Infow("zap log", "success", true)
}

func TestInitWithoutSyncer(t *testing.T) {
	if err := Init(Config{}); err == nil {
		t.Error("Init() error = nil, want write syncer needed")
	}
}

func TestInitBadLevel(t *testing.T) {
	zf := Config{
		STDOUT: true,
		Level:  99, // out of range, falls back to info
	}
	if err := Init(zf); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if !Logger.Core().Enabled(0) {
		t.Error("Init() info should stay enabled after a bad level")
	}
	if Logger.Core().Enabled(-1) {
		t.Error("Init() debug should stay disabled after a bad level")
	}
}
