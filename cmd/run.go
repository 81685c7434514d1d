package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/inference-sim/engine"
	_ "github.com/inference-sim/inference-sim/engine/hostpages"
)

var (
	runConfigPath   string
	runScenarioPath string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a scripted multi-step session through the engine end to end",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := engine.LoadEngineConfigYAML(runConfigPath)
		if err != nil {
			logrus.Fatalf("loading engine config: %v", err)
		}
		scenario, err := loadScenario(runScenarioPath)
		if err != nil {
			logrus.Fatalf("loading scenario: %v", err)
		}
		if err := runScenario(cfg, scenario); err != nil {
			logrus.Fatalf("running scenario: %v", err)
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to an engine config YAML file")
	runCmd.Flags().StringVar(&runScenarioPath, "scenario", "", "path to a scenario script YAML file")
	_ = runCmd.MarkFlagRequired("config")
	_ = runCmd.MarkFlagRequired("scenario")
}

// scenarioAction is one step of a scripted session. Exactly one of Admit,
// Extend, Terminate, or Step should be set.
type scenarioAction struct {
	Admit *struct {
		Request string  `yaml:"request"`
		Tokens  []int64 `yaml:"tokens"`
	} `yaml:"admit"`
	Extend *struct {
		Request   string  `yaml:"request"`
		AllTokens []int64 `yaml:"all_tokens"`
	} `yaml:"extend"`
	Terminate *struct {
		Request string `yaml:"request"`
	} `yaml:"terminate"`
	Step *struct {
		Requests []scenarioRequest `yaml:"requests"`
	} `yaml:"step"`
}

type scenarioRequest struct {
	Request  string `yaml:"request"`
	IsPrompt bool   `yaml:"is_prompt"`
	SeqLen   int64  `yaml:"seq_len"`
	QueryLen int64  `yaml:"query_len"`
}

type scenario struct {
	Actions []scenarioAction `yaml:"actions"`
}

// loadScenario reads a scenario script with the same strict-YAML
// convention as LoadEngineConfigYAML: unknown keys are typos, not
// forward-compatible extensions.
func loadScenario(path string) (*scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}
	var s scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	return &s, nil
}

type logOnlyWriter struct{}

func (logOnlyWriter) WriteCells(_ engine.Reservation, _ engine.CacheLayout, layer int64, offsets []int64, rows []engine.KVRow) error {
	logrus.Debugf("write_kv: layer=%d cells=%d", layer, len(offsets))
	return nil
}

func runScenario(cfg engine.EngineConfig, s *scenario) error {
	e, err := engine.New(cfg, logOnlyWriter{})
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}
	slots := map[string]int64{}

	for i, action := range s.Actions {
		switch {
		case action.Admit != nil:
			a := action.Admit
			if err := e.Admit(a.Request, int64(len(a.Tokens)), a.Tokens); err != nil {
				return fmt.Errorf("action %d: admit %s: %w", i, a.Request, err)
			}
			if slot, ok := e.SlotOf(a.Request); ok {
				slots[a.Request] = slot
			}
			logrus.Infof("admitted %s (%d tokens)", a.Request, len(a.Tokens))

		case action.Extend != nil:
			a := action.Extend
			if err := e.Extend(a.Request, int64(len(a.AllTokens)), a.AllTokens); err != nil {
				return fmt.Errorf("action %d: extend %s: %w", i, a.Request, err)
			}
			logrus.Infof("extended %s (%d tokens)", a.Request, len(a.AllTokens))

		case action.Terminate != nil:
			a := action.Terminate
			if err := e.Terminate(a.Request); err != nil {
				return fmt.Errorf("action %d: terminate %s: %w", i, a.Request, err)
			}
			delete(slots, a.Request)
			logrus.Infof("terminated %s", a.Request)

		case action.Step != nil:
			reqs := make([]engine.RequestDescriptor, 0, len(action.Step.Requests))
			for _, r := range action.Step.Requests {
				desc := engine.RequestDescriptor{
					ID: r.Request, IsPrompt: r.IsPrompt, SeqLen: r.SeqLen, QueryLen: r.QueryLen,
				}
				if slot, ok := slots[r.Request]; ok {
					desc.Slot = slot
				} else {
					desc.BlockTable = e.BlockTableOf(r.Request)
				}
				reqs = append(reqs, desc)
			}
			m, err := e.BuildStep(reqs, engine.BuildStepOptions{})
			if err != nil {
				return fmt.Errorf("action %d: build_step: %w", i, err)
			}
			if m == nil {
				continue
			}
			rows := make([]engine.KVRow, m.NumTokens())
			for j := range rows {
				rows[j] = make(engine.KVRow, cfg.NumKVHeads*cfg.HeadDim*cfg.ElemBytes)
			}
			for layer := int64(0); layer < cfg.NumLayers; layer++ {
				if err := e.WriteKV(layer, rows, rows, m); err != nil {
					return fmt.Errorf("action %d: write_kv layer %d: %w", i, layer, err)
				}
			}
			logrus.Infof("step: num_prefills=%d num_prefill_tokens=%d num_decode_tokens=%d",
				m.NumPrefills, m.NumPrefillTokens, m.NumDecodeTokens)

		default:
			return fmt.Errorf("action %d: no recognized action set", i)
		}
	}
	return nil
}
