// Package config loads the orchestration worker's environment-provided
// configuration, with an optional YAML overlay file for local development,
// following the per-component Config struct convention used throughout this
// codebase.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Redis struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
		DB   int    `yaml:"db"`
	} `yaml:"redis"`

	BackendBaseURL string `yaml:"backend_base_url"`
	GatewayURL     string `yaml:"gateway_url"`
	RegistryURL    string `yaml:"registry_url"`
	AuthServiceURL string `yaml:"auth_service_url"`
	LLMAPIKey      string `yaml:"llm_api_key"`

	ObservabilityInjectionEnabled bool   `yaml:"observability_injection_enabled"`
	ObservabilityTracingEnabled   bool   `yaml:"observability_tracing_enabled"`
	ObservabilityCollectorURL     string `yaml:"observability_collector_endpoint"`
	TracingInjectorBinary         string `yaml:"tracing_injector_binary"`
	AgentCardGeneratorBinary      string `yaml:"agentcard_generator_binary"`

	ConsumerName string `yaml:"consumer_name"`
	Namespace    string `yaml:"kube_namespace"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Load builds a Config from the environment, then applies a YAML overlay
// from CONFIG_FILE if that variable is set. Environment variables always
// take precedence over file defaults for values present in both; the
// overlay is read first so env can win by applying after.
func Load() (*Config, error) {
	cfg := &Config{
		BackendBaseURL:           "http://backend:8080",
		GatewayURL:               "http://gateway:8000",
		RegistryURL:              "http://registry:5000",
		AuthServiceURL:           "http://auth:8081",
		ConsumerName:             hostname(),
		Namespace:                "default",
		LogLevel:                 "info",
		MetricsAddr:              ":9090",
		TracingInjectorBinary:    "tracing-injector",
		AgentCardGeneratorBinary: "agentcard-generator",
	}
	cfg.Redis.Host = "localhost"
	cfg.Redis.Port = "6379"

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading overlay %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing overlay %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Redis.Host, "REDIS_HOST")
	setStr(&cfg.Redis.Port, "REDIS_PORT")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setStr(&cfg.BackendBaseURL, "BACKEND_BASE_URL")
	setStr(&cfg.GatewayURL, "GATEWAY_URL")
	setStr(&cfg.RegistryURL, "REGISTRY_URL")
	setStr(&cfg.AuthServiceURL, "AUTH_SERVICE_URL")
	setStr(&cfg.LLMAPIKey, "LLM_API_KEY")
	setBool(&cfg.ObservabilityInjectionEnabled, "OBSERVABILITY_INJECTION_ENABLED")
	setBool(&cfg.ObservabilityTracingEnabled, "OBSERVABILITY_TRACING_ENABLED")
	setStr(&cfg.ObservabilityCollectorURL, "OBSERVABILITY_COLLECTOR_ENDPOINT")
	setStr(&cfg.ConsumerName, "HOSTNAME")
	setStr(&cfg.Namespace, "KUBE_NAMESPACE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setBool(&cfg.LogJSON, "LOG_JSON")
	setStr(&cfg.MetricsAddr, "METRICS_ADDR")
}

func setStr(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok {
		*dst = v
	}
}

func setBool(dst *bool, env string) {
	if v, ok := os.LookupEnv(env); ok {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func setInt(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "orchestrator"
	}
	return h
}
