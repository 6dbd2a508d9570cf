package config

import (
	"fmt"
	"os"
	"time"

	"brb/internal/filter"
	"brb/internal/util"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gopkg.in/yaml.v3"
)

type Job struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Source      string   `yaml:"source"`
	Destination string   `yaml:"destination"`
	Subvolumes  []string `yaml:"subvolumes"`
	KeepFor     string   `yaml:"keep_for,omitempty"`
	SendFilters []string `yaml:"send_filters,omitempty"`
	RecvFilters []string `yaml:"recv_filters,omitempty"`
	SnapshotExt string   `yaml:"snapshot_ext,omitempty"`
	RemoteCmd   string   `yaml:"remote_cmd,omitempty"`
	ReadStderr  *bool    `yaml:"read_stderr,omitempty"`
	Enabled     bool     `yaml:"enabled"`
}

type Config struct {
	BaseDir string   `yaml:"base_dir"`
	Btrfs   string   `yaml:"btrfs,omitempty"`
	S3      S3Config `yaml:"s3"`
	Jobs    []Job    `yaml:"jobs"`
}

type S3Config struct {
	Enabled      bool               `yaml:"enabled"`
	Bucket       string             `yaml:"bucket"`
	Prefix       string             `yaml:"prefix"`
	Region       string             `yaml:"region"`
	Endpoint     string             `yaml:"endpoint"`
	StorageClass types.StorageClass `yaml:"storage_class"`
	Retry        struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if len(c.Jobs) == 0 {
		return fmt.Errorf("at least one job is required")
	}
	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		if err := j.Validate(); err != nil {
			return fmt.Errorf("jobs[%d].%w", i, err)
		}
		if seen[j.Name] {
			return fmt.Errorf("jobs[%d].name %q is not unique", i, j.Name)
		}
		seen[j.Name] = true
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when s3 is enabled")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("s3.region is required when s3 is enabled")
		}
		if c.S3.StorageClass == "" {
			return fmt.Errorf("s3.storage_class is required when s3 is enabled")
		}
	}
	return nil
}

// Validate checks a single job. Errors are phrased relative to the job so
// that Config.Validate can prefix them with the job index.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("name is required")
	}
	if j.Source == "" {
		return fmt.Errorf("source is required")
	}
	if j.Destination == "" {
		return fmt.Errorf("destination is required")
	}
	if len(j.Subvolumes) == 0 {
		return fmt.Errorf("subvolumes must have at least one entry")
	}
	if j.KeepFor != "" {
		if _, err := util.ParseDuration(j.KeepFor); err != nil {
			return fmt.Errorf("keep_for: %w", err)
		}
	}
	if _, err := filter.Parse(j.SendFilters); err != nil {
		return fmt.Errorf("send_filters: %w", err)
	}
	recv, err := filter.Parse(j.RecvFilters)
	if err != nil {
		return fmt.Errorf("recv_filters: %w", err)
	}
	if j.SnapshotExt != "" {
		if err := filter.CheckLast(recv); err != nil {
			return fmt.Errorf("recv_filters: %w", err)
		}
	}
	return nil
}

// Retention returns the parsed keep_for, or zero when purging is disabled.
func (j *Job) Retention() (time.Duration, error) {
	if j.KeepFor == "" {
		return 0, nil
	}
	return util.ParseDuration(j.KeepFor)
}

func (j *Job) ReadsStderr() bool {
	return j.ReadStderr == nil || *j.ReadStderr
}

func (c *Config) FindJob(name string) (*Job, error) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return &j, nil
		}
	}
	return nil, fmt.Errorf("job not found: %s", name)
}

func (c *Config) S3RetryAttempts() int {
	if c.S3.Retry.MaxAttempts > 0 {
		return c.S3.Retry.MaxAttempts
	}
	return 3
}
