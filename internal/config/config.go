package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config lists the tunable parameters for the Blunav positioning server.
type Config struct {
	HTTPPort        int
	MQTTBrokerURL   string
	MQTTTopicPrefix string
	DatabasePath    string
	LogLevel        string
	AnchorsFile     string

	// RSSI propagation model. Model is either "python_fit" or
	// "log_distance"; the python-fit slope is ignored for log_distance.
	RSSIModel    string
	RSSIRef      float64
	RSSISlope    float64
	PathLossExp  float64
	DistanceUnit string
}

const (
	defaultHTTPPort        = 3000
	defaultMQTTBrokerURL   = "" // empty disables MQTT ingestion
	defaultMQTTTopicPrefix = "signals"
	defaultDatabasePath    = "data/blunav.db"
	defaultLogLevel        = "info"
	defaultAnchorsFile     = "config/anchors.yaml"

	// Seed calibration from the reference deployment.
	defaultRSSIModel    = "python_fit"
	defaultRSSIRef      = -49.656
	defaultRSSISlope    = -43.284
	defaultPathLossExp  = 4.328
	defaultDistanceUnit = "cm"
)

// Load derives configuration values from environment variables, falling
// back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBrokerURL:   defaultMQTTBrokerURL,
		MQTTTopicPrefix: defaultMQTTTopicPrefix,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		AnchorsFile:     defaultAnchorsFile,
		RSSIModel:       defaultRSSIModel,
		RSSIRef:         defaultRSSIRef,
		RSSISlope:       defaultRSSISlope,
		PathLossExp:     defaultPathLossExp,
		DistanceUnit:    defaultDistanceUnit,
	}

	if v := os.Getenv("BLUNAV_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BLUNAV_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("BLUNAV_MQTT_BROKER"); v != "" {
		cfg.MQTTBrokerURL = v
	}

	if v := os.Getenv("BLUNAV_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTTTopicPrefix = v
	}

	if v := os.Getenv("BLUNAV_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("BLUNAV_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("BLUNAV_ANCHORS_FILE"); v != "" {
		cfg.AnchorsFile = v
	}

	if v := os.Getenv("BLUNAV_RSSI_MODEL"); v != "" {
		if v != "python_fit" && v != "log_distance" {
			return Config{}, fmt.Errorf("invalid BLUNAV_RSSI_MODEL %q (want python_fit or log_distance)", v)
		}
		cfg.RSSIModel = v
	}

	for _, fv := range []struct {
		env string
		dst *float64
	}{
		{"BLUNAV_RSSI_REF", &cfg.RSSIRef},
		{"BLUNAV_RSSI_SLOPE", &cfg.RSSISlope},
		{"BLUNAV_PATH_LOSS_EXPONENT", &cfg.PathLossExp},
	} {
		if v := os.Getenv(fv.env); v != "" {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", fv.env, err)
			}
			*fv.dst = parsed
		}
	}

	if v := os.Getenv("BLUNAV_DISTANCE_UNIT"); v != "" {
		if v != "cm" && v != "m" {
			return Config{}, fmt.Errorf("invalid BLUNAV_DISTANCE_UNIT %q (want cm or m)", v)
		}
		cfg.DistanceUnit = v
	}

	return cfg, nil
}
