// Package observability implements the optional pre-build transform: stage
// the agent's source, run the external tracing injector over it, validate
// the result, and publish the (possibly instrumented) tree as a config-map
// for the build job.
package observability

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cuemby/agentctl/internal/cluster"
	"github.com/cuemby/agentctl/internal/metrics"
	"github.com/cuemby/agentctl/internal/obslog"
	"github.com/cuemby/agentctl/internal/tarball"
	"github.com/cuemby/agentctl/internal/workerutil"
)

// Downloader fetches an agent's source tarball, optionally version-pinned.
type Downloader interface {
	DownloadAgentTarball(ctx context.Context, agentName, version string) ([]byte, error)
}

// Stager runs the observability pre-build transform.
type Stager struct {
	downloader      Downloader
	driver          cluster.Driver
	injectorBinary  string
	collectorURL    string
	tracingEnabled  bool
	injectionEnabled bool
}

// Config configures a Stager.
type Config struct {
	InjectorBinary   string
	CollectorURL     string
	TracingEnabled   bool
	InjectionEnabled bool
}

// New constructs a Stager.
func New(downloader Downloader, driver cluster.Driver, cfg Config) *Stager {
	return &Stager{
		downloader:       downloader,
		driver:           driver,
		injectorBinary:   cfg.InjectorBinary,
		collectorURL:     cfg.CollectorURL,
		tracingEnabled:   cfg.TracingEnabled,
		injectionEnabled: cfg.InjectionEnabled,
	}
}

// Enabled reports whether staging should run at all.
func (s *Stager) Enabled() bool { return s.injectionEnabled }

// Stage downloads agentName's source (pinned to version if non-empty),
// runs the tracing injector over it if tracing is enabled, and publishes
// the resulting tree as a config-map named agent-files-<agentName>-<ts>.
// On any failure it returns ok=false rather than an error: the Dispatcher
// must continue with the uninstrumented source instead of failing the
// command.
func (s *Stager) Stage(ctx context.Context, agentName, version string, namespace string) (configMapName string, ok bool) {
	scratch, err := os.MkdirTemp("", "agent-observability-*")
	if err != nil {
		obslog.Errorf("observability: create scratch dir", err)
		return "", false
	}
	defer os.RemoveAll(scratch)

	data, err := s.downloader.DownloadAgentTarball(ctx, agentName, version)
	if err != nil {
		obslog.Errorf(fmt.Sprintf("observability: download tarball for %s", agentName), err)
		return "", false
	}
	if err := tarball.Extract(data, scratch); err != nil {
		obslog.Errorf(fmt.Sprintf("observability: extract tarball for %s", agentName), err)
		return "", false
	}

	if s.tracingEnabled {
		if err := s.runInjector(ctx, scratch); err != nil {
			obslog.Warn(fmt.Sprintf("observability: injector failed for %s, falling back: %v", agentName, err))
			metrics.ObservabilityFallbackTotal.Inc()
			return "", false
		}
		if !dockerfileValid(scratch) {
			obslog.Warn(fmt.Sprintf("observability: injector left an invalid Dockerfile for %s, falling back", agentName))
			metrics.ObservabilityFallbackTotal.Inc()
			return "", false
		}
	}

	files, err := tarball.WalkFiles(scratch)
	if err != nil {
		obslog.Errorf(fmt.Sprintf("observability: walk staged tree for %s", agentName), err)
		return "", false
	}

	name := fmt.Sprintf("agent-files-%s-%d", agentName, time.Now().Unix())
	encoded := make(map[string]string, len(files))
	for relPath, content := range files {
		encoded[EncodeKey(relPath)] = base64.StdEncoding.EncodeToString(content)
	}

	if err := s.driver.CreateConfigMapWithFiles(ctx, name, encoded, namespace); err != nil {
		obslog.Errorf(fmt.Sprintf("observability: publish config-map for %s", agentName), err)
		return "", false
	}
	return name, true
}

// runInjector invokes the external tracing injector off the main
// goroutine, since it is a heavyweight blocking subprocess.
func (s *Stager) runInjector(ctx context.Context, dir string) error {
	resultCh := workerutil.RunOffLoop(ctx, func(ctx context.Context) (interface{}, error) {
		cmd := exec.CommandContext(ctx, s.injectorBinary, dir)
		if s.collectorURL != "" {
			cmd.Env = append(os.Environ(), "OBSERVABILITY_COLLECTOR_ENDPOINT="+s.collectorURL)
		}
		output, err := cmd.CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("injector: %w (output: %s)", err, strings.TrimSpace(string(output)))
		}
		return nil, nil
	})

	select {
	case res := <-resultCh:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dockerfileValid(dir string) bool {
	info, err := os.Stat(dir + "/Dockerfile")
	if err != nil {
		return false
	}
	return info.Size() > 0
}

// EncodeKey base64-encodes a relative file path, then substitutes the
// characters that cannot survive as a ConfigMap key (=, +, /) so arbitrary
// paths, including dunder-prefixed ones, round-trip intact.
func EncodeKey(relPath string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(relPath))
	encoded = strings.ReplaceAll(encoded, "=", "_eq_")
	encoded = strings.ReplaceAll(encoded, "+", "_plus_")
	encoded = strings.ReplaceAll(encoded, "/", "_slash_")
	return encoded
}

// DecodeKey reverses EncodeKey.
func DecodeKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "_slash_", "/")
	key = strings.ReplaceAll(key, "_plus_", "+")
	key = strings.ReplaceAll(key, "_eq_", "=")
	data, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("observability: decode key %q: %w", key, err)
	}
	return string(data), nil
}
