// Package config implements the orchestrator's configuration loader
// (spec.md §6): a left-biased, idempotent merge of defaults, the user
// config, the repo config, an explicit --config file, and CLI flags, with
// total schema validation (unknown keys fail). Grounded on the teacher's
// own layered-config instincts generalized to this project's schema, using
// gopkg.in/yaml.v3 strict decoding for unknown-key rejection per layer,
// github.com/santhosh-tekuri/jsonschema/v6 for a total schema check of the
// merged document, and github.com/go-playground/validator/v10 for
// value-level constraints (enums, positive durations) the JSON Schema
// doesn't conveniently express.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	validatorpkg "github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Config is the fully merged, validated orchestrator configuration.
type Config struct {
	ConfigVersion int                         `yaml:"configVersion" validate:"required"`
	ThinkLevel    string                      `yaml:"thinkLevel" validate:"omitempty,oneof=L0 L1 L2 L3"`
	Providers     map[string]ProviderConfig   `yaml:"providers"`
	Defaults      RoleDefaults                `yaml:"defaults"`
	Budget        BudgetConfig                `yaml:"budget"`
	Context       ContextConfig               `yaml:"context"`
	Indexing      IndexingConfig              `yaml:"indexing"`
	Memory        MemoryConfig                `yaml:"memory"`
	Patch         PatchConfig                 `yaml:"patch"`
	Execution     ExecutionConfig             `yaml:"execution"`
	Verification  VerificationConfig          `yaml:"verification"`
	L3            L3Config                    `yaml:"l3"`
	Escalation    EscalationConfig            `yaml:"escalation"`
	Security      SecurityConfig              `yaml:"security"`
	Telemetry     TelemetryConfig             `yaml:"telemetry"`
}

type ProviderConfig struct {
	Type       string         `yaml:"type" validate:"required"`
	Model      string         `yaml:"model"`
	Command    []string       `yaml:"command"`
	APIKey     string         `yaml:"api_key"`
	APIKeyEnv  string         `yaml:"api_key_env"`
	Pricing    *PricingConfig `yaml:"pricing"`
}

type PricingConfig struct {
	InputPerMTokUSD  float64 `yaml:"inputPerMTokUsd"`
	OutputPerMTokUSD float64 `yaml:"outputPerMTokUsd"`
}

type RoleDefaults struct {
	Planner  string `yaml:"planner"`
	Executor string `yaml:"executor"`
	Reviewer string `yaml:"reviewer"`
}

type BudgetConfig struct {
	Iterations int     `yaml:"iterations"`
	ToolCalls  int     `yaml:"toolCalls"`
	TimeSec    int     `yaml:"timeSec"`
	CostUSD    float64 `yaml:"costUsd"`
}

type ContextConfig struct {
	TokenBudget int      `yaml:"tokenBudget"`
	Exclude     []string `yaml:"exclude"`
	RgPath      string   `yaml:"rgPath"`
}

type IndexingConfig struct {
	Enabled             bool           `yaml:"enabled"`
	Path                string         `yaml:"path"`
	AutoUpdateOnRun     bool           `yaml:"autoUpdateOnRun"`
	MaxAutoUpdateFiles  int            `yaml:"maxAutoUpdateFiles"`
	Semantic            SemanticConfig `yaml:"semantic"`
}

type SemanticConfig struct {
	Enabled bool `yaml:"enabled"`
	TopK    int  `yaml:"topK"`
}

type MemoryConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	WritePolicy WritePolicyConfig `yaml:"writePolicy"`
	Storage     StorageConfig     `yaml:"storage"`
	Embedder    string            `yaml:"embedder"`
}

type RetrievalConfig struct {
	TopK          int  `yaml:"topK"`
	StaleDownrank bool `yaml:"staleDownrank"`
}

type WritePolicyConfig struct {
	Enabled       bool `yaml:"enabled"`
	StoreEpisodes bool `yaml:"storeEpisodes"`
}

type StorageConfig struct {
	Path           string `yaml:"path"`
	EncryptAtRest  bool   `yaml:"encryptAtRest"`
}

type PatchConfig struct {
	MaxFilesChanged int  `yaml:"maxFilesChanged"`
	MaxLinesChanged int  `yaml:"maxLinesChanged"`
	AllowBinary     bool `yaml:"allowBinary"`
}

type ExecutionConfig struct {
	Tools         ToolsConfig      `yaml:"tools"`
	ReviewLoop    ReviewLoopConfig `yaml:"reviewLoop"`
	NoCheckpoints bool             `yaml:"noCheckpoints"`
}

type ToolsConfig struct {
	Enabled             bool   `yaml:"enabled"`
	RequireConfirmation bool   `yaml:"requireConfirmation"`
	NetworkPolicy       string `yaml:"networkPolicy" validate:"omitempty,oneof=allow deny"`
	AllowShell          bool   `yaml:"allowShell"`
}

type ReviewLoopConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxReviews int  `yaml:"maxReviews"`
}

type VerificationConfig struct {
	Enabled bool             `yaml:"enabled"`
	Mode    string           `yaml:"mode" validate:"omitempty,oneof=auto custom"`
	Steps   []string         `yaml:"steps"`
	Auto    AutoVerifyConfig `yaml:"auto"`
}

type AutoVerifyConfig struct {
	EnableLint              bool   `yaml:"enableLint"`
	EnableTypecheck         bool   `yaml:"enableTypecheck"`
	EnableTests             bool   `yaml:"enableTests"`
	TestScope               string `yaml:"testScope"`
	MaxCommandsPerIteration int    `yaml:"maxCommandsPerIteration"`
}

type L3Config struct {
	BestOfN       int              `yaml:"bestOfN"`
	EnableJudge   bool             `yaml:"enableJudge"`
	EnableReviewer bool            `yaml:"enableReviewer"`
	Diagnosis     DiagnosisConfig  `yaml:"diagnosis"`
}

type DiagnosisConfig struct {
	Enabled                  bool `yaml:"enabled"`
	TriggerOnRepeatedFailures int  `yaml:"triggerOnRepeatedFailures"`
	MaxToTBranches           int  `yaml:"maxToTBranches"`
}

type EscalationConfig struct {
	Enabled                          bool `yaml:"enabled"`
	MaxEscalations                   int  `yaml:"maxEscalations"`
	ToL3AfterNonImprovingIterations  int  `yaml:"toL3AfterNonImprovingIterations"`
	ToL3AfterPatchApplyFailures      int  `yaml:"toL3AfterPatchApplyFailures"`
}

type SecurityConfig struct {
	Redaction  RedactionConfig  `yaml:"redaction"`
	Encryption EncryptionConfig `yaml:"encryption"`
}

type RedactionConfig struct {
	Enabled bool `yaml:"enabled"`
}

type EncryptionConfig struct {
	KeyEnv string `yaml:"keyEnv"`
}

type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"`
}

// Default returns the spec.md §6 baseline: {configVersion:1,
// thinkLevel:"L1", budget: DEFAULT_BUDGET}.
func Default() Config {
	return Config{
		ConfigVersion: 1,
		ThinkLevel:    "L1",
		Budget:        BudgetConfig{Iterations: 4, ToolCalls: 6, TimeSec: 600},
		Context:       ContextConfig{TokenBudget: 8000},
		Verification:  VerificationConfig{Mode: "auto"},
		L3:            L3Config{BestOfN: 3, Diagnosis: DiagnosisConfig{TriggerOnRepeatedFailures: 2}},
		Escalation:    EscalationConfig{ToL3AfterNonImprovingIterations: 2, ToL3AfterPatchApplyFailures: 2},
	}
}

// Sources names the four file/flag layers Load merges on top of defaults,
// highest precedence last.
type Sources struct {
	RepoRoot     string
	ExplicitPath string          // --config <path>; empty to skip
	Flags        map[string]any  // parsed CLI flag overrides, already keyed like the YAML schema
}

// compileSchema builds the total JSON Schema (additionalProperties: false
// at every level) that the merged config document must satisfy, following
// the registry package's compile-then-validate idiom.
func compileSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(configSchemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("config: decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("orchestrator-config.json", doc); err != nil {
		return nil, fmt.Errorf("config: add schema resource: %w", err)
	}
	return c.Compile("orchestrator-config.json")
}

// Load merges defaults → user (~/.orchestrator/config.yaml) → repo
// (<repoRoot>/.orchestrator.yaml) → explicit (--config) → CLI flags, each
// layer strictly decoded (unknown keys fail), then validates the merged
// result against both a JSON Schema (total: additionalProperties false)
// and struct-level constraints.
func Load(src Sources) (Config, error) {
	merged := map[string]any{}

	defaultsRaw, err := structToMap(Default())
	if err != nil {
		return Config{}, fmt.Errorf("config: encode defaults: %w", err)
	}
	merged = deepMerge(merged, defaultsRaw)

	if home, herr := os.UserHomeDir(); herr == nil {
		if layer, lerr := loadLayer(filepath.Join(home, ".orchestrator", "config.yaml")); lerr != nil {
			return Config{}, lerr
		} else if layer != nil {
			merged = deepMerge(merged, layer)
		}
	}

	if layer, lerr := loadLayer(filepath.Join(src.RepoRoot, ".orchestrator.yaml")); lerr != nil {
		return Config{}, lerr
	} else if layer != nil {
		merged = deepMerge(merged, layer)
	}

	if src.ExplicitPath != "" {
		layer, lerr := loadLayer(src.ExplicitPath)
		if lerr != nil {
			return Config{}, lerr
		}
		if layer == nil {
			return Config{}, fmt.Errorf("config: explicit config file %q not found", src.ExplicitPath)
		}
		merged = deepMerge(merged, layer)
	}

	if len(src.Flags) > 0 {
		merged = deepMerge(merged, src.Flags)
	}

	schema, err := compileSchema()
	if err != nil {
		return Config{}, err
	}
	if err := schema.Validate(merged); err != nil {
		return Config{}, fmt.Errorf("config: schema validation: %w", err)
	}

	var cfg Config
	if err := remarshal(merged, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode merged config: %w", err)
	}

	if err := validatorpkg.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid value: %w", err)
	}
	return cfg, nil
}

// loadLayer reads and strictly decodes path, returning (nil, nil) when the
// file does not exist (every layer but defaults is optional).
func loadLayer(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Strict-decode into the typed struct first so unknown keys in this
	// layer fail fast with a file-scoped error, before merging.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var probe Config
	if err := dec.Decode(&probe); err != nil {
		return nil, fmt.Errorf("config: %s: unknown or invalid key: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return toStringKeyed(raw), nil
}

// deepMerge overlays src onto dst, recursing into nested maps and
// otherwise letting src win. It is idempotent when src is empty, satisfying
// spec.md §8's config merge law.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok2 := out[k].(map[string]any); ok2 {
				out[k] = deepMerge(existing, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// toStringKeyed recursively converts map[interface{}]any (a shape yaml.v3
// can still produce from merge keys) into map[string]any so deepMerge and
// the JSON Schema validator can operate on it uniformly.
func toStringKeyed(v any) map[string]any {
	out := map[string]any{}
	switch m := v.(type) {
	case map[string]any:
		for k, val := range m {
			out[k] = normalize(val)
		}
	case map[any]any:
		for k, val := range m {
			out[fmt.Sprint(k)] = normalize(val)
		}
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return toStringKeyed(t)
	case map[any]any:
		return toStringKeyed(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func structToMap(v any) (map[string]any, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return toStringKeyed(raw), nil
}

func remarshal(m map[string]any, out *Config) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// configSchemaJSON is the total JSON Schema for the merged configuration
// document: every object level sets additionalProperties:false, so a typo'd
// or removed key fails loudly instead of being silently ignored, per
// spec.md §6.
const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "configVersion": {"type": "integer"},
    "thinkLevel": {"type": "string", "enum": ["L0", "L1", "L2", "L3"]},
    "providers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "type": {"type": "string"},
          "model": {"type": "string"},
          "command": {"type": "array", "items": {"type": "string"}},
          "api_key": {"type": "string"},
          "api_key_env": {"type": "string"},
          "pricing": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "inputPerMTokUsd": {"type": "number"},
              "outputPerMTokUsd": {"type": "number"}
            }
          }
        }
      }
    },
    "defaults": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "planner": {"type": "string"},
        "executor": {"type": "string"},
        "reviewer": {"type": "string"}
      }
    },
    "budget": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "iterations": {"type": "integer"},
        "toolCalls": {"type": "integer"},
        "timeSec": {"type": "integer"},
        "costUsd": {"type": "number"}
      }
    },
    "context": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "tokenBudget": {"type": "integer"},
        "exclude": {"type": "array", "items": {"type": "string"}},
        "rgPath": {"type": "string"}
      }
    },
    "indexing": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "path": {"type": "string"},
        "autoUpdateOnRun": {"type": "boolean"},
        "maxAutoUpdateFiles": {"type": "integer"},
        "semantic": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "topK": {"type": "integer"}
          }
        }
      }
    },
    "memory": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "embedder": {"type": "string"},
        "retrieval": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "topK": {"type": "integer"},
            "staleDownrank": {"type": "boolean"}
          }
        },
        "writePolicy": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "storeEpisodes": {"type": "boolean"}
          }
        },
        "storage": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "path": {"type": "string"},
            "encryptAtRest": {"type": "boolean"}
          }
        }
      }
    },
    "patch": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "maxFilesChanged": {"type": "integer"},
        "maxLinesChanged": {"type": "integer"},
        "allowBinary": {"type": "boolean"}
      }
    },
    "execution": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "noCheckpoints": {"type": "boolean"},
        "tools": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "requireConfirmation": {"type": "boolean"},
            "networkPolicy": {"type": "string", "enum": ["allow", "deny"]},
            "allowShell": {"type": "boolean"}
          }
        },
        "reviewLoop": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "maxReviews": {"type": "integer"}
          }
        }
      }
    },
    "verification": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "mode": {"type": "string", "enum": ["auto", "custom"]},
        "steps": {"type": "array", "items": {"type": "string"}},
        "auto": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enableLint": {"type": "boolean"},
            "enableTypecheck": {"type": "boolean"},
            "enableTests": {"type": "boolean"},
            "testScope": {"type": "string"},
            "maxCommandsPerIteration": {"type": "integer"}
          }
        }
      }
    },
    "l3": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "bestOfN": {"type": "integer"},
        "enableJudge": {"type": "boolean"},
        "enableReviewer": {"type": "boolean"},
        "diagnosis": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "triggerOnRepeatedFailures": {"type": "integer"},
            "maxToTBranches": {"type": "integer"}
          }
        }
      }
    },
    "escalation": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "maxEscalations": {"type": "integer"},
        "toL3AfterNonImprovingIterations": {"type": "integer"},
        "toL3AfterPatchApplyFailures": {"type": "integer"}
      }
    },
    "security": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "redaction": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"}
          }
        },
        "encryption": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "keyEnv": {"type": "string"}
          }
        }
      }
    },
    "telemetry": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "mode": {"type": "string"}
      }
    }
  }
}`
