package main

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/abworrall/starfield-align/pkg/starfield"
)

func TestParseRect(t *testing.T) {
	r, err := parseRect("10,20,300,400")
	if err != nil || r != image.Rect(10, 20, 300, 400) {
		t.Errorf("got %s %v", r, err)
	}
	for _, bad := range []string{"", "10,20", "a,b,c,d", "10,10,10,50"} {
		if _, err := parseRect(bad); err == nil {
			t.Errorf("parsed %q", bad)
		}
	}
}

func TestLoadConfigFlagsWin(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "c.yaml")
	os.WriteFile(filename, []byte("verbosity: 1\ndebugdir: /from/file\nmatcher:\n  radius: 5\n"), 0644)

	rf := &rootFlags{configFile: filename, verbosity: -1, debugDir: "/from/flag", crop: "0,0,64,64"}
	cfg, err := rf.loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Verbosity != 1 || cfg.DebugDir != "/from/flag" || cfg.Matcher.Radius != 5 || cfg.Crop != image.Rect(0, 0, 64, 64) {
		t.Errorf("got %+v", cfg)
	}

	rf.verbosity = 0
	if cfg, _ := rf.loadConfig(); cfg.Verbosity != 0 {
		t.Errorf("verbosity flag ignored")
	}

	rf.crop = "junk"
	if _, err := rf.loadConfig(); err == nil {
		t.Errorf("bad crop accepted")
	}
}

func TestWindow(t *testing.T) {
	rf := &rootFlags{from: "2015-07-13T05:00:00Z"}
	tr, err := rf.window()
	if err != nil {
		t.Fatal(err)
	}
	if !tr.From.Equal(time.Date(2015, 7, 13, 5, 0, 0, 0, time.UTC)) || !tr.To.IsZero() {
		t.Errorf("got %s", tr)
	}
	if !tr.Contains(tr.From.Add(time.Hour)) {
		t.Errorf("open ended window should contain later times")
	}

	rf.to = "yesterday"
	if _, err := rf.window(); err == nil {
		t.Errorf("bad --to accepted")
	}
}

func TestAlignFlags(t *testing.T) {
	af := &alignFlags{}
	cmd := &cobra.Command{Use: "align"}
	af.register(cmd)
	if err := cmd.ParseFlags([]string{"--stack", "4h", "--minstars", "6", "--radius", "7.5", "--chain"}); err != nil {
		t.Fatal(err)
	}

	cfg := starfield.NewConfig()
	cfg.Estimator.Tolerance = 1.5 // as if from a config file
	if err := af.apply(cmd, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.StackInterval != 4*time.Hour || cfg.Detector.MinStars != 6 || cfg.Matcher.Radius != 7.5 || !cfg.Pipeline.Chain {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.Estimator.Tolerance != 1.5 || cfg.Pipeline.Seed != starfield.NewConfig().Pipeline.Seed {
		t.Errorf("unset flags overrode the config: %+v", cfg)
	}

	bad := &alignFlags{}
	cmd = &cobra.Command{Use: "align"}
	bad.register(cmd)
	if err := cmd.ParseFlags([]string{"--stack=-1h"}); err != nil {
		t.Fatal(err)
	}
	cfg = starfield.NewConfig()
	if err := bad.apply(cmd, &cfg); err == nil {
		t.Errorf("negative stack interval accepted")
	}
}
