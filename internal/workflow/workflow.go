// Package workflow loads ComfyUI workflow graphs and patches the request's
// parameters into the well-known nodes before submission. Node ids are fixed
// by the workflow templates shipped in the data directory.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// Well-known node ids in the shipped workflow templates.
const (
	nodePrompt     = "69"
	nodeResolution = "258"
	nodeLoraLoader = "271"
	nodeUpscale    = "264"
	nodeSeed       = "198:2"
)

// ErrResolutionNotFound is returned when a resolution key is missing from
// the ratios configuration.
var ErrResolutionNotFound = errors.New("resolution not found in ratios configuration")

// Graph is a ComfyUI workflow: node id → node body. Nodes not touched by
// patching pass through unchanged.
type Graph map[string]map[string]any

// Lora describes one installed LoRA add-on.
type Lora struct {
	File   string  `json:"file"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// LoraConfig is the lora.json schema.
type LoraConfig struct {
	AvailableLoras []Lora `json:"available_loras"`
}

// Ratio is one base resolution from ratios.json.
type Ratio struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RatioConfig is the ratios.json schema.
type RatioConfig struct {
	Ratios map[string]Ratio `json:"ratios"`
}

// Params are the request values patched into a workflow graph.
type Params struct {
	Prompt        string
	Resolution    string
	Loras         []string
	UpscaleFactor int
	Seed          int64
}

// Dir resolves workflow and configuration files under a data directory.
type Dir struct {
	path   string
	logger *slog.Logger
}

// NewDir creates a workflow directory rooted at path.
func NewDir(path string, logger *slog.Logger) *Dir {
	return &Dir{path: path, logger: logger}
}

// Load reads and parses the named workflow file.
func (d *Dir) Load(filename string) (Graph, error) {
	data, err := os.ReadFile(filepath.Join(d.path, filename))
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", filename, err)
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", filename, err)
	}
	return g, nil
}

// Remove deletes a per-request workflow file after the job finishes.
func (d *Dir) Remove(filename string) error {
	return os.Remove(filepath.Join(d.path, filename))
}

// LoadLoraConfig reads lora.json.
func (d *Dir) LoadLoraConfig() (*LoraConfig, error) {
	data, err := os.ReadFile(filepath.Join(d.path, "lora.json"))
	if err != nil {
		return nil, fmt.Errorf("read lora config: %w", err)
	}

	var cfg LoraConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse lora config: %w", err)
	}
	return &cfg, nil
}

// LoadRatioConfig reads ratios.json.
func (d *Dir) LoadRatioConfig() (*RatioConfig, error) {
	data, err := os.ReadFile(filepath.Join(d.path, "ratios.json"))
	if err != nil {
		return nil, fmt.Errorf("read ratios config: %w", err)
	}

	var cfg RatioConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse ratios config: %w", err)
	}
	return &cfg, nil
}

// DisplayName returns the display name for a LoRA file, falling back to the
// file reference when it is not in the config.
func (c *LoraConfig) DisplayName(file string) string {
	for _, l := range c.AvailableLoras {
		if l.File == file {
			return l.Name
		}
	}
	return file
}

// UpscaledResolution computes the final "WxH" display string for a base
// resolution key scaled by an integer factor.
func (c *RatioConfig) UpscaledResolution(resolution string, factor int) (string, error) {
	base, ok := c.Ratios[resolution]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrResolutionNotFound, resolution)
	}
	return fmt.Sprintf("%dx%d", base.Width*factor, base.Height*factor), nil
}

// Patch writes the request parameters into the graph's well-known nodes.
// Missing nodes are logged and skipped; workflow templates vary and a
// missing node is not fatal.
func (d *Dir) Patch(g Graph, loras *LoraConfig, p Params) {
	d.setInput(g, nodePrompt, "prompt", p.Prompt)
	d.setInput(g, nodeResolution, "ratio_selected", p.Resolution)
	d.setInput(g, nodeUpscale, "scale_by", p.UpscaleFactor)
	d.setInput(g, nodeSeed, "noise_seed", p.Seed)
	d.patchLoras(g, loras, p.Loras)
}

func (d *Dir) setInput(g Graph, node, key string, value any) {
	n, ok := g[node]
	if !ok {
		d.logger.Warn("node not found in workflow", "node", node)
		return
	}
	inputs, ok := n["inputs"].(map[string]any)
	if !ok {
		d.logger.Warn("node has no inputs", "node", node)
		return
	}
	inputs[key] = value
}

// patchLoras clears the loader node's existing lora_N slots and fills them
// from the selection, in order.
func (d *Dir) patchLoras(g Graph, cfg *LoraConfig, selected []string) {
	n, ok := g[nodeLoraLoader]
	if !ok {
		if len(selected) > 0 {
			d.logger.Warn("node not found in workflow", "node", nodeLoraLoader)
		}
		return
	}
	inputs, ok := n["inputs"].(map[string]any)
	if !ok {
		d.logger.Warn("node has no inputs", "node", nodeLoraLoader)
		return
	}

	for key := range inputs {
		if strings.HasPrefix(key, "lora_") {
			delete(inputs, key)
		}
	}

	byFile := make(map[string]Lora, len(cfg.AvailableLoras))
	for _, l := range cfg.AvailableLoras {
		byFile[l.File] = l
	}

	slot := 0
	for _, file := range selected {
		info, ok := byFile[file]
		if !ok {
			d.logger.Warn("selected lora not in config", "lora", file)
			continue
		}
		slot++
		inputs[fmt.Sprintf("lora_%d", slot)] = map[string]any{
			"on":       true,
			"lora":     info.File,
			"strength": info.Weight,
		}
	}
}

// RandomSeed generates a seed in the range ComfyUI samplers accept.
func RandomSeed() int64 {
	return rand.Int63n(1 << 53)
}
