// v2
// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"aquagrid/engine/internal/regen"
)

// AppConfig holds everything the engine reads from the environment plus the
// tunables loaded from the properties file. Environment values are fixed at
// startup; properties can be reloaded at runtime.
type AppConfig struct {
	HTTPBind               string
	KafkaBrokers           []string
	ReadingsTopic          string
	CommandTopic           string
	FeedbackTopic          string
	LedgerTopic            string
	LedgerDBPath           string
	PropertiesPath         string
	PollIntervalSec        int
	CollaboratorTimeoutSec int
	FetchParallelism       int
	CleanupRetentionMin    int
	TopicReplication       int

	InfluxURL   string
	InfluxToken string
	InfluxDB    string
	InfluxOrg   string

	Segments []string
	Rules    regen.Rules
}

// LoadEnvAndFiles reads the environment and then the properties file named by
// PROPERTIES_PATH.
func LoadEnvAndFiles() (*AppConfig, error) {
	c := &AppConfig{
		HTTPBind:               getenv("HTTP_BIND", ":8080"),
		KafkaBrokers:           split(getenv("KAFKA_BROKERS", ""), ","),
		ReadingsTopic:          getenv("READINGS_TOPIC", "field.waterlevel"),
		CommandTopic:           getenv("COMMAND_TOPIC", "device.commands"),
		FeedbackTopic:          getenv("FEEDBACK_TOPIC", "device.feedback"),
		LedgerTopic:            getenv("LEDGER_TOPIC", "batch.ledger"),
		LedgerDBPath:           getenv("LEDGER_DB_PATH", "./data/engine-ledger.db"),
		PropertiesPath:         getenv("PROPERTIES_PATH", "./configs/engine.properties"),
		PollIntervalSec:        geti("POLL_INTERVAL_SEC", 30),
		CollaboratorTimeoutSec: geti("COLLABORATOR_TIMEOUT_SEC", 30),
		FetchParallelism:       geti("FETCH_PARALLELISM", 4),
		CleanupRetentionMin:    geti("CLEANUP_RETENTION_MIN", 1440),
		TopicReplication:       geti("TOPIC_REPLICATION", 1),
		InfluxURL:              os.Getenv("INFLUXDB_URL"),
		InfluxToken:            os.Getenv("INFLUXDB_TOKEN"),
		InfluxDB:               getenv("INFLUXDB_DATABASE", "irrigation"),
		InfluxOrg:              os.Getenv("INFLUXDB_ORG"),
		Rules:                  regen.DefaultRules(),
	}
	if len(c.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS required")
	}
	if c.PollIntervalSec < 1 {
		return nil, errors.New("POLL_INTERVAL_SEC must be >= 1")
	}
	if err := c.loadProperties(c.PropertiesPath); err != nil {
		return nil, err
	}
	return c, nil
}

// ReloadProperties re-reads the properties file in place. Environment-derived
// fields are untouched.
func (c *AppConfig) ReloadProperties() error { return c.loadProperties(c.PropertiesPath) }

func (c *AppConfig) loadProperties(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	rules := regen.DefaultRules()
	var segments []string
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		switch k {
		case "segments":
			segments = split(v, ",")
		case "regen.threshold.mm":
			if x, err := strconv.ParseFloat(v, 64); err == nil {
				rules.WaterLevelThresholdMM = x
			}
		case "regen.tolerance.mm":
			if x, err := strconv.ParseFloat(v, 64); err == nil {
				rules.TargetToleranceMM = x
			}
		case "regen.duration.min":
			if x, err := strconv.ParseFloat(v, 64); err == nil {
				rules.MinIrrigationDurationMin = x
			}
		case "regen.duration.max":
			if x, err := strconv.ParseFloat(v, 64); err == nil {
				rules.MaxIrrigationDurationMin = x
			}
		case "regen.flow.ratio":
			if x, err := strconv.ParseFloat(v, 64); err == nil {
				rules.MaxFlowAdjustRatio = x
			}
		case "regen.moderate.factor":
			if x, err := strconv.ParseFloat(v, 64); err == nil {
				rules.ModerateFactor = x
			}
		}
	}
	if err := s.Err(); err != nil {
		return err
	}
	if len(segments) == 0 {
		return errors.New("segments must be set in properties")
	}
	if rules.MinIrrigationDurationMin > rules.MaxIrrigationDurationMin {
		return fmt.Errorf("regen.duration.min %v exceeds regen.duration.max %v",
			rules.MinIrrigationDurationMin, rules.MaxIrrigationDurationMin)
	}
	if rules.MaxFlowAdjustRatio < 1 {
		return errors.New("regen.flow.ratio must be >= 1")
	}
	c.Segments = segments
	c.Rules = rules
	return nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
func geti(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return d
}
func split(s, sep string) []string {
	if s == "" {
		return nil
	}
	p := strings.Split(s, sep)
	out := make([]string, 0, len(p))
	for _, x := range p {
		x = strings.TrimSpace(x)
		if x != "" {
			out = append(out, x)
		}
	}
	return out
}
