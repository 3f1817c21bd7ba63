package fsm

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"campaignd/campaign"
)

const (
	submitFileName = "bps_submit.yaml"
	scriptFileName = "launch.sh"
	// quantumGraphFile is where a submission leaves its resumable quantum
	// graph unless the configuration names another location.
	quantumGraphFile = "quantum_graph.qgraph"
)

// launchScript returns the path of the workspace's launch script.
func launchScript(workspace string) string {
	return filepath.Join(workspace, scriptFileName)
}

// buildWorkspace lays down the node's artifact directory: the rendered BPS
// submission document and the launch script the WMS runs. Building is
// idempotent; re-preparing a node rewrites the same files.
//
// When the configuration names a quantum_graph file it must already exist
// in the workspace, otherwise the submission would fail late and
// expensively on the batch side.
func (m *Machine) buildWorkspace(env *runEnv) (string, error) {
	dir := filepath.Join(m.artifactRoot, env.camp.Name, env.node.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}

	doc := env.cfg.Copy()
	if doc == nil {
		doc = campaign.Mapping{}
	}
	payload := campaign.Mapping{
		"outputCollection": outputChain(env.camp.Name, env.node.Name),
	}
	if predicate, ok := env.cfg["predicate"].(string); ok {
		payload["dataQuery"] = predicate
	}
	doc["payload"] = payload
	rendered, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", submitFileName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, submitFileName), rendered, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", submitFileName, err)
	}

	if qg, ok := env.cfg["quantum_graph"].(string); ok {
		path := qg
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return "", campaign.Errorf(campaign.ErrNotProcessable,
				"quantum graph %s is not readable: %w", qg, err)
		}
	}

	command, _ := env.cfg["command"].(string)
	if command == "" {
		command = "bps submit " + submitFileName
	}
	script := fmt.Sprintf("#!/bin/sh\nset -e\ncd %q\n%s\n", dir, command)
	if err := os.WriteFile(launchScript(dir), []byte(script), 0o755); err != nil {
		return "", fmt.Errorf("write %s: %w", scriptFileName, err)
	}
	return dir, nil
}

// restartArtifact is the quantum-graph path a restart needs from the prior
// attempt.
func restartArtifact(env *runEnv) string {
	if qg, ok := env.cfg["quantum_graph"].(string); ok {
		if filepath.IsAbs(qg) {
			return qg
		}
		return filepath.Join(env.snap.Workspace, qg)
	}
	return filepath.Join(env.snap.Workspace, quantumGraphFile)
}

// writeRestartScript rewrites the workspace launch script to resume the
// prior WMS run instead of submitting a fresh one.
func writeRestartScript(env *runEnv) error {
	command, _ := env.cfg["restart_command"].(string)
	if command == "" {
		command = "bps restart --id " + env.snap.WMSID
	}
	dir := env.snap.Workspace
	script := fmt.Sprintf("#!/bin/sh\nset -e\ncd %q\n%s\n", dir, command)
	if err := os.WriteFile(launchScript(dir), []byte(script), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", scriptFileName, err)
	}
	return nil
}
