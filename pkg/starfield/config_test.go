package starfield

import (
	"image"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := NewConfig().Validate(); err != nil {
		t.Errorf("defaults don't validate: %v", err)
	}
}

func TestConfigYamlRoundTrip(t *testing.T) {
	c := NewConfig()
	c.Verbosity = 2
	c.DebugDir = "/tmp/sf"
	c.Crop = image.Rect(10, 20, 300, 400)
	c.Detector.Threshold = ThresholdFraction
	c.Detector.Dilate = 1
	c.Estimator.Model = ModelAffine
	c.Pipeline.Chain = true
	c.Pipeline.Seed = 99
	c.Pipeline.StackInterval = 4 * time.Hour
	c.Detector.MinStars = 6

	c2, err := newConfigFromYaml([]byte(c.AsYaml()))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c, c2) {
		t.Errorf("round trip differs:\n%s\n%s", c.AsYaml(), c2.AsYaml())
	}
}

func TestLoadConfigPartial(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "starfield.yaml")
	contents := `
matcher:
  radius: 6
estimator:
  model: rigid
pipeline:
  chain: true
  stackinterval: 90m
`
	if err := os.WriteFile(filename, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadConfig(filename)
	if err != nil {
		t.Fatal(err)
	}
	if c.Matcher.Radius != 6 || c.Estimator.Model != ModelRigid || !c.Pipeline.Chain || c.Pipeline.StackInterval != 90*time.Minute {
		t.Errorf("file values not applied: %+v", c)
	}

	// Everything not in the file keeps its default
	def := NewConfig()
	if c.Estimator.Trials != def.Estimator.Trials || c.Detector != def.Detector || c.Pipeline.Seed != def.Pipeline.Seed {
		t.Errorf("defaults lost: %+v", c)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadConfig(filepath.Join(dir, "nope.yaml")); err == nil {
		t.Errorf("missing file loaded")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("estimator:\n  model: homography\n"), 0644)
	if _, err := LoadConfig(bad); err == nil {
		t.Errorf("unknown model validated")
	}

	garbled := filepath.Join(dir, "garbled.yaml")
	os.WriteFile(garbled, []byte("matcher: [radius"), 0644)
	if _, err := LoadConfig(garbled); err == nil {
		t.Errorf("garbled yaml parsed")
	}
}

func TestConfigValidate(t *testing.T) {
	bad := []func(*Config){
		func(c *Config) { c.Matcher.Radius = 0 },
		func(c *Config) { c.Estimator.Trials = 0 },
		func(c *Config) { c.Estimator.Tolerance = -1 },
		func(c *Config) { c.Pipeline.Workers = -2 },
		func(c *Config) { c.Crop = image.Rect(-5, 0, 10, 10) },
		func(c *Config) { c.Detector.MaxStars = -1 },
		func(c *Config) { c.Detector.MinStars = -1 },
		func(c *Config) { c.Detector.MinStars = c.Detector.MaxStars + 1 },
		func(c *Config) { c.Pipeline.StackInterval = -time.Second },
	}
	for i, f := range bad {
		c := NewConfig()
		f(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: bad config validated", i)
		}
	}
}
