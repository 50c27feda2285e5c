package starfield

import (
	"fmt"
	"image"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

/* Example config file ...

verbosity: 1
debugdir: /tmp/starfield-debug
crop:
  min:
    x: 100
    y: 40
  max:
    x: 900
    y: 980
detector:
  threshold: fraction
  fraction: 0.025
  bias: 0.0078
  dilate: 1
  minpixels: 2
  maxpixels: 400
  maxstars: 150
matcher:
  radius: 12
estimator:
  model: similarity
  trials: 500
  tolerance: 2.5
  mininliers: 5
pipeline:
  workers: 8
  seed: 42
  chain: true
  stackinterval: 4h

*/

type PipelineConfig struct {
	Workers       int           // size of the worker pool; 0 means GOMAXPROCS
	Seed          int64         // frame i's estimator is seeded with Seed+i
	Chain         bool          // retry failed frames against recently aligned frames
	ChainRetries  int           // how many recent frames to try when chaining
	StackInterval time.Duration // output frames this close together are averaged into one; 0 disables
}

func NewPipelineConfig() PipelineConfig {
	return PipelineConfig{Seed: 1, ChainRetries: 3}
}

type Config struct {
	Verbosity int
	DebugDir  string          // if set, star overlays for every frame get written here
	Crop      image.Rectangle // applied to every frame before detection; empty means no crop

	Detector  DetectorConfig
	Matcher   MatcherConfig
	Estimator EstimatorConfig
	Resampler ResamplerConfig
	Pipeline  PipelineConfig
}

func NewConfig() Config {
	return Config{
		Detector:  NewDetectorConfig(),
		Matcher:   NewMatcherConfig(),
		Estimator: NewEstimatorConfig(),
		Pipeline:  NewPipelineConfig(),
	}
}

func newConfigFromYaml(b []byte) (Config, error) {
	c := NewConfig()
	err := yaml.Unmarshal(b, &c)
	return c, err
}

// LoadConfig reads a yaml file on top of the defaults, so it only
// needs to mention the values it changes.
func LoadConfig(filename string) (Config, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return NewConfig(), fmt.Errorf("read '%s': %w", filename, err)
	}

	c, err := newConfigFromYaml(contents)
	if err != nil {
		return c, fmt.Errorf("parse '%s': %w", filename, err)
	}

	return c, c.Validate()
}

func (c Config) AsYaml() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("# can't marshal config yaml: %v\n", err)
	}
	return string(b)
}

// Validate does the sanity checks on the values, including the ones
// that came from command line flags.
func (c Config) Validate() error {
	if err := c.Detector.Validate(); err != nil {
		return err
	}
	if err := c.Matcher.Validate(); err != nil {
		return err
	}
	if err := c.Estimator.Validate(); err != nil {
		return err
	}
	if c.Pipeline.Workers < 0 || c.Pipeline.ChainRetries < 0 {
		return fmt.Errorf("pipeline: negative workers / chainretries")
	}
	if c.Pipeline.StackInterval < 0 {
		return fmt.Errorf("pipeline: negative stackinterval %s", c.Pipeline.StackInterval)
	}
	if c.Crop.Min.X < 0 || c.Crop.Min.Y < 0 {
		return fmt.Errorf("crop %s has negative origin", c.Crop)
	}
	return nil
}
