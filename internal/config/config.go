// Package config holds the validated, immutable configuration of the
// bridge and loads it from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphi011/rpbridge/internal/model"
	"go.uber.org/multierr"
)

// Config is constructed once at startup and passed by value (or read-only
// pointer) into every component. Field tags carry the option names of the
// configuration file.
type Config struct {
	LogLevel             string   `toml:"rp_log_level" yaml:"rp_log_level"`
	APIKey               string   `toml:"rp_uuid" yaml:"rp_uuid"`
	Endpoint             string   `toml:"rp_endpoint" yaml:"rp_endpoint"`
	Project              string   `toml:"rp_project" yaml:"rp_project"`
	Launch               string   `toml:"rp_launch" yaml:"rp_launch"`
	LaunchID             string   `toml:"rp_launch_id" yaml:"rp_launch_id"`
	LaunchAttributes     []string `toml:"rp_launch_attributes" yaml:"rp_launch_attributes"`
	TestsAttributes      []string `toml:"rp_tests_attributes" yaml:"rp_tests_attributes"`
	LaunchDescription    string   `toml:"rp_launch_description" yaml:"rp_launch_description"`
	LogBatchSize         int      `toml:"rp_log_batch_size" yaml:"rp_log_batch_size"`
	IgnoreErrors         []string `toml:"rp_ignore_errors" yaml:"rp_ignore_errors"`
	IgnoreAttributes     []string `toml:"rp_ignore_attributes" yaml:"rp_ignore_attributes"`
	IsSkippedAnIssue     bool     `toml:"rp_is_skipped_an_issue" yaml:"rp_is_skipped_an_issue"`
	HierarchyDirsLevel   int      `toml:"rp_hierarchy_dirs_level" yaml:"rp_hierarchy_dirs_level"`
	HierarchyDirs        bool     `toml:"rp_hierarchy_dirs" yaml:"rp_hierarchy_dirs"`
	HierarchyModule      bool     `toml:"rp_hierarchy_module" yaml:"rp_hierarchy_module"`
	HierarchyClass       bool     `toml:"rp_hierarchy_class" yaml:"rp_hierarchy_class"`
	HierarchyParametrize bool     `toml:"rp_hierarchy_parametrize" yaml:"rp_hierarchy_parametrize"`
	IssueMarks           []string `toml:"rp_issue_marks" yaml:"rp_issue_marks"`
	IssueSystemURL       string   `toml:"rp_issue_system_url" yaml:"rp_issue_system_url"`
	VerifySSL            bool     `toml:"rp_verify_ssl" yaml:"rp_verify_ssl"`
	DisplaySuiteTestFile bool     `toml:"rp_display_suite_test_file" yaml:"rp_display_suite_test_file"`
	IssueIDMarks         bool     `toml:"rp_issue_id_marks" yaml:"rp_issue_id_marks"`
	ParentItemID         string   `toml:"rp_parent_item_id" yaml:"rp_parent_item_id"`

	// Retries is how often a failed call to the reporting service is retried.
	Retries int    `toml:"retries" yaml:"retries"`
	Rerun   bool   `toml:"rp_rerun" yaml:"rp_rerun"`
	RerunOf string `toml:"rp_rerun_of" yaml:"rp_rerun_of"`

	Mode                string   `toml:"rp_mode" yaml:"rp_mode"`
	LaunchSync          string   `toml:"rp_launch_sync" yaml:"rp_launch_sync"`
	LaunchSyncKey       string   `toml:"rp_launch_sync_key" yaml:"rp_launch_sync_key"`
	LaunchWaitTimeout   Duration `toml:"rp_launch_wait_timeout" yaml:"rp_launch_wait_timeout"`
	LaunchWaitInterval  Duration `toml:"rp_launch_wait_interval" yaml:"rp_launch_wait_interval"`
	LogFlushSchedule    string   `toml:"rp_log_flush_schedule" yaml:"rp_log_flush_schedule"`
	ElasticURL          string   `toml:"rp_elastic_url" yaml:"rp_elastic_url"`
	ElasticIndex        string   `toml:"rp_elastic_index" yaml:"rp_elastic_index"`
	MetricsTextfilePath string   `toml:"-" yaml:"-"`

	// Enabled is set by --reportportal, reporting stays off without it.
	Enabled bool `toml:"-" yaml:"-"`
	// DryRun is set when tests are only collected and not executed.
	DryRun bool `toml:"-" yaml:"-"`
}

// Options returns the file option names in the order they are documented.
func Options() []string {
	return []string{
		"rp_log_level",
		"rp_uuid",
		"rp_endpoint",
		"rp_project",
		"rp_launch",
		"rp_launch_id",
		"rp_launch_attributes",
		"rp_tests_attributes",
		"rp_launch_description",
		"rp_log_batch_size",
		"rp_ignore_errors",
		"rp_ignore_attributes",
		"rp_is_skipped_an_issue",
		"rp_hierarchy_dirs_level",
		"rp_hierarchy_dirs",
		"rp_hierarchy_module",
		"rp_hierarchy_class",
		"rp_hierarchy_parametrize",
		"rp_issue_marks",
		"rp_issue_system_url",
		"rp_verify_ssl",
		"rp_display_suite_test_file",
		"rp_issue_id_marks",
		"rp_parent_item_id",
		"retries",
		"rp_rerun",
		"rp_rerun_of",
	}
}

// Flags returns the command-line override names in the order they are
// registered.
func Flags() []string {
	return []string{
		"rp-launch",
		"rp-launch-id",
		"rp-launch-description",
		"rp-rerun",
		"rp-rerun-of",
		"rp-parent-item-id",
		"rp-project",
		"reportportal",
		"rp-log-level",
	}
}

func Default() Config {
	return Config{
		LogLevel:             "INFO",
		Launch:               "Go Test Launch",
		LogBatchSize:         20,
		IsSkippedAnIssue:     true,
		HierarchyModule:      true,
		HierarchyClass:       true,
		IssueMarks:           []string{"issue"},
		VerifySSL:            true,
		DisplaySuiteTestFile: true,
		IssueIDMarks:         true,
		Retries:              2,
		Mode:                 string(model.ModeDefault),
		LaunchSync:           "file:.rpbridge",
		LaunchSyncKey:        "default",
		LaunchWaitTimeout:    Duration(10 * time.Second),
		LaunchWaitInterval:   Duration(time.Second),
		ElasticIndex:         "rpbridge-logs",
	}
}

var ErrMissingOption = errors.New("missing required option")

// Validate checks that the options required to talk to the reporting
// service are present. All problems are reported at once.
func (c Config) Validate() error {
	var err error

	required := []struct {
		name  string
		value string
	}{
		{name: "rp_endpoint", value: c.Endpoint},
		{name: "rp_project", value: c.Project},
		{name: "rp_uuid", value: c.APIKey},
	}

	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			err = multierr.Append(err, fmt.Errorf("%w: %s", ErrMissingOption, r.name))
		}
	}

	if c.LogBatchSize < 1 {
		err = multierr.Append(err, fmt.Errorf("rp_log_batch_size must be positive, got %d", c.LogBatchSize))
	}

	if c.Retries < 0 {
		err = multierr.Append(err, fmt.Errorf("retries must not be negative, got %d", c.Retries))
	}

	if _, lerr := parseLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, lerr)
	}

	switch model.LaunchMode(strings.ToUpper(c.Mode)) {
	case model.ModeDefault, model.ModeDebug, "":
	default:
		err = multierr.Append(err, fmt.Errorf("invalid rp_mode %q", c.Mode))
	}

	return err
}

// Level returns the minimum level of log records forwarded to the service.
func (c Config) Level() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}

	return l
}

func (c Config) LaunchMode() model.LaunchMode {
	if c.Mode == "" {
		return model.ModeDefault
	}

	return model.LaunchMode(strings.ToUpper(c.Mode))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level

	if s == "" {
		return slog.LevelInfo, nil
	}

	// WARNING is accepted for compatibility with other agents.
	if strings.EqualFold(s, "warning") {
		s = "WARN"
	}

	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("invalid rp_log_level %q: %w", s, err)
	}

	return l, nil
}

// Duration is a time.Duration that decodes from strings like "10s".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
