// Package agentcard resolves the registry document for a deployed agent:
// parse its AgentCard.json if present, else synthesize one via an external
// generator, else emit a minimal capability document.
package agentcard

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cuemby/agentctl/internal/obslog"
	"github.com/cuemby/agentctl/internal/tarball"
	"github.com/cuemby/agentctl/internal/workerutil"
)

const agentCardFilename = "AgentCard.json"

// Downloader fetches an agent's source tarball, optionally version-pinned.
type Downloader interface {
	DownloadAgentTarball(ctx context.Context, agentName, version string) ([]byte, error)
}

// Resolver produces the registry document to upsert for an agent.
type Resolver struct {
	downloader       Downloader
	generatorBinary  string
	llmAPIKeyPresent bool
}

// New constructs a Resolver. llmAPIKeyPresent gates whether the external
// generator is attempted at all when no AgentCard.json is found.
func New(downloader Downloader, generatorBinary string, llmAPIKeyPresent bool) *Resolver {
	return &Resolver{downloader: downloader, generatorBinary: generatorBinary, llmAPIKeyPresent: llmAPIKeyPresent}
}

// Resolve produces a JSON-compatible capability document for agentName.
// publicURL, deploymentType("kubernetes") and id(agentName) are always
// overwritten on the final document, and owner_id is set when ownerID is
// non-empty; everything else from a discovered or synthesized AgentCard
// passes through verbatim.
func (r *Resolver) Resolve(ctx context.Context, agentName, version, ownerID, publicURL string) map[string]interface{} {
	doc, err := r.resolveBase(ctx, agentName, version)
	if err != nil {
		obslog.Warn(fmt.Sprintf("agentcard: falling back to minimal document for %s: %v", agentName, err))
		doc = minimalDocument()
	}

	doc["id"] = agentName
	doc["url"] = publicURL
	doc["deployment_type"] = "kubernetes"
	if ownerID != "" {
		doc["owner_id"] = ownerID
	}
	return doc
}

func (r *Resolver) resolveBase(ctx context.Context, agentName, version string) (map[string]interface{}, error) {
	scratch, err := os.MkdirTemp("", "agentcard-*")
	if err != nil {
		return nil, fmt.Errorf("agentcard: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	data, err := r.downloader.DownloadAgentTarball(ctx, agentName, version)
	if err != nil {
		return nil, fmt.Errorf("agentcard: download tarball: %w", err)
	}
	if err := tarball.Extract(data, scratch); err != nil {
		return nil, fmt.Errorf("agentcard: extract tarball: %w", err)
	}

	if doc, err := readAgentCard(scratch); err == nil {
		return doc, nil
	}

	if !r.llmAPIKeyPresent {
		return nil, fmt.Errorf("agentcard: no AgentCard.json and no LLM API key configured")
	}

	return r.generate(ctx, scratch)
}

func readAgentCard(dir string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(dir, agentCardFilename))
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("agentcard: parse %s: %w", agentCardFilename, err)
	}
	return doc, nil
}

// generate invokes the external AgentCard generator off the main
// goroutine, since it is CPU- and I/O-heavy and may call out to a
// language model.
func (r *Resolver) generate(ctx context.Context, dir string) (map[string]interface{}, error) {
	resultCh := workerutil.RunOffLoop(ctx, func(ctx context.Context) (interface{}, error) {
		cmd := exec.CommandContext(ctx, r.generatorBinary, dir)
		output, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("agentcard generator: %w", err)
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(output, &doc); err != nil {
			return nil, fmt.Errorf("agentcard generator: parse output: %w", err)
		}
		return doc, nil
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Value.(map[string]interface{}), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func minimalDocument() map[string]interface{} {
	return map[string]interface{}{
		"name":    "",
		"version": "1.0.0",
		"tools":   []interface{}{},
		"prompts": []interface{}{},
		"skills":  []interface{}{},
	}
}
