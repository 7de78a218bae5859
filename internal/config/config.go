// Package config loads the optional YAML config file. Flags always win over
// file values; the file exists so deployments can check tunables into source
// control instead of maintaining long command lines.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts Go duration strings ("30s", "1h") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// File mirrors the YAML layout. Zero values mean "not set" so the caller can
// tell a file-provided value from an absent one.
type File struct {
	Server  ServerSection  `yaml:"server"`
	Store   StoreSection   `yaml:"store"`
	Backend BackendSection `yaml:"backend"`
	Engine  EngineSection  `yaml:"engine"`
	Ingest  IngestSection  `yaml:"ingest"`
	Tracing TracingSection `yaml:"tracing"`
}

type ServerSection struct {
	Bind             string   `yaml:"bind"`
	MaxChunkBytes    int64    `yaml:"maxChunkBytes"`
	RateLimitEnabled *bool    `yaml:"rateLimitEnabled"`
	RateLimit        int      `yaml:"rateLimit"`
	RateLimitWindow  Duration `yaml:"rateLimitWindow"`
}

type StoreSection struct {
	DataDir       string   `yaml:"dataDir"`
	RetentionTTL  Duration `yaml:"retentionTTL"`
	ChunkTTL      Duration `yaml:"chunkTTL"`
	SweepInterval Duration `yaml:"sweepInterval"`
	SyncWrites    *bool    `yaml:"syncWrites"`
}

type BackendSection struct {
	ImportURL          string   `yaml:"importURL"`
	Timeout            Duration `yaml:"timeout"`
	CertFile           string   `yaml:"certFile"`
	KeyFile            string   `yaml:"keyFile"`
	CAFile             string   `yaml:"caFile"`
	InsecureSkipVerify bool     `yaml:"insecureSkipVerify"`
}

type EngineSection struct {
	BatchSize   int      `yaml:"batchSize"`
	MaxInFlight int      `yaml:"maxInFlight"`
	StartDelay  Duration `yaml:"startDelay"`
}

type IngestSection struct {
	MaxObjectsPerChunk int    `yaml:"maxObjectsPerChunk"`
	ObjectSchema       string `yaml:"objectSchema"`
}

type TracingSection struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Load reads and parses the YAML file at path. Unknown keys are rejected so a
// typoed tunable fails loudly instead of silently using the default.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &f, nil
}
