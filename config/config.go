// Package config reads the YAML model config of a latent diffusion model and
// maps it onto the options of each component.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/ollama/ldm/basis"
	"github.com/ollama/ldm/checkpoint"
	"github.com/ollama/ldm/conditioning"
	"github.com/ollama/ldm/diffusion"
	"github.com/ollama/ldm/envconfig"
	"github.com/ollama/ldm/loss"
	"github.com/ollama/ldm/ml"
	"github.com/ollama/ldm/sampler"
	"github.com/ollama/ldm/schedule"
)

var ErrInvalid = errors.New("config: invalid model config")

// Config mirrors the params block of an LDM model config. Keys not listed
// here (network, first stage and data configs) are ignored.
type Config struct {
	Timesteps        int       `mapstructure:"timesteps"`
	BetaSchedule     string    `mapstructure:"beta_schedule"`
	LinearStart      float64   `mapstructure:"linear_start"`
	LinearEnd        float64   `mapstructure:"linear_end"`
	CosineS          float64   `mapstructure:"cosine_s"`
	GivenBetas       []float64 `mapstructure:"given_betas"`
	VPosterior       float64   `mapstructure:"v_posterior"`
	Parameterization string    `mapstructure:"parameterization"`

	LossType           string  `mapstructure:"loss_type"`
	LSimpleWeight      float64 `mapstructure:"l_simple_weight"`
	OriginalELBOWeight float64 `mapstructure:"original_elbo_weight"`
	LogvarInit         float64 `mapstructure:"logvar_init"`
	LearnLogvar        bool    `mapstructure:"learn_logvar"`

	ClipDenoised    bool    `mapstructure:"clip_denoised"`
	ScaleFactor     float64 `mapstructure:"scale_factor"`
	ScaleByStd      bool    `mapstructure:"scale_by_std"`
	ConditioningKey string  `mapstructure:"conditioning_key"`
	UseEMA          bool    `mapstructure:"use_ema"`
	LogEveryT       int     `mapstructure:"log_every_t"`

	CkptPath   string   `mapstructure:"ckpt_path"`
	IgnoreKeys []string `mapstructure:"ignore_keys"`

	UseLayerwiseEmbedding bool `mapstructure:"use_layerwise_embedding"`
	UseAdaEmbedding       bool `mapstructure:"use_ada_embedding"`
	NumUnetLayers         int  `mapstructure:"num_unet_layers"`

	EmbeddingRegWeight            float64 `mapstructure:"embedding_reg_weight"`
	CompositionRegsIterGap        int     `mapstructure:"composition_regs_iter_gap"`
	CompositionDeltaRegWeight     float64 `mapstructure:"composition_delta_reg_weight"`
	CompositionPromptMixRegWeight float64 `mapstructure:"composition_prompt_mix_reg_weight"`
	ClsPromptMixWeightMax         float64 `mapstructure:"cls_prompt_mix_weight_max"`
	WarmUpSteps                   int     `mapstructure:"warm_up_steps"`
	AdaDeltaPolicyWeight          float64 `mapstructure:"ada_delta_policy_weight"`
	PromptMixPolicyWeight         float64 `mapstructure:"prompt_mix_policy_weight"`
	NoiseImageProb                float64 `mapstructure:"noise_image_prob"`

	// Basis is set when the config has a subj_basis_generator block.
	Basis *basis.Config `mapstructure:"subj_basis_generator"`
}

func Default() *Config {
	lo := loss.DefaultOptions()
	mix := conditioning.DefaultOptions()
	return &Config{
		Timesteps:        1000,
		BetaSchedule:     schedule.Linear.String(),
		LinearStart:      1e-4,
		LinearEnd:        2e-2,
		CosineS:          schedule.DefaultCosineS,
		Parameterization: string(schedule.Eps),

		LossType:      string(lo.Type),
		LSimpleWeight: lo.LSimpleWeight,

		ClipDenoised:    true,
		ScaleFactor:     1,
		ConditioningKey: diffusion.KeyCrossAttn.String(),
		UseEMA:          true,
		LogEveryT:       100,

		NumUnetLayers: mix.Layers,

		CompositionRegsIterGap: lo.Policy.IterGap,
		ClsPromptMixWeightMax:  mix.MixWeightMax,
		WarmUpSteps:            lo.Policy.WarmUpSteps,
		AdaDeltaPolicyWeight:   lo.Policy.AdaDeltaWeight,
		PromptMixPolicyWeight:  lo.Policy.PromptMixWeight,
		NoiseImageProb:         lo.NoiseImageProb,
	}
}

// Load reads a config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	slog.Info("loaded model config", "path", path, "timesteps", c.Timesteps, "parameterization", c.Parameterization)
	return c, nil
}

// FromEnv loads the config named by LDM_CONFIG, or the defaults when it is
// unset.
func FromEnv() (*Config, error) {
	if path := envconfig.ConfigPath(); path != "" {
		return Load(path)
	}
	return Default(), nil
}

// Parse decodes a YAML config over the defaults. Both a full config with a
// model.params block and a bare params map are accepted.
func Parse(r io.Reader) (*Config, error) {
	var raw map[string]any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	params := raw
	if model, ok := raw["model"].(map[string]any); ok {
		if p, ok := model["params"].(map[string]any); ok {
			params = p
		}
	}

	c := Default()
	if _, ok := params["subj_basis_generator"]; ok {
		b := basis.DefaultConfig()
		c.Basis = &b
	}

	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         &md,
		Result:           c,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}

	if err := dec.Decode(params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if len(md.Unused) > 0 {
		slog.Debug("ignored config keys", "keys", md.Unused)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Timesteps <= 0 {
		return fmt.Errorf("%w: timesteps must be positive, got %d", ErrInvalid, c.Timesteps)
	}
	if len(c.GivenBetas) > 0 && len(c.GivenBetas) != c.Timesteps {
		return fmt.Errorf("%w: %d given betas for %d timesteps", schedule.ErrLengthMismatch, len(c.GivenBetas), c.Timesteps)
	}
	if _, err := schedule.ParseFamily(c.BetaSchedule); err != nil {
		return err
	}
	if p := schedule.Parameterization(c.Parameterization); !p.Valid() {
		return fmt.Errorf("%w: %q", diffusion.ErrUnsupportedParameterization, c.Parameterization)
	}
	if t := loss.Type(c.LossType); t != loss.L1 && t != loss.L2 {
		return fmt.Errorf("%w %q", loss.ErrUnknownLossType, c.LossType)
	}
	if _, err := diffusion.ParseConditioningKey(c.ConditioningKey); err != nil {
		return err
	}

	for name, v := range map[string]float64{
		"cls_prompt_mix_weight_max": c.ClsPromptMixWeightMax,
		"noise_image_prob":          c.NoiseImageProb,
		"v_posterior":               c.VPosterior,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be in [0, 1], got %v", ErrInvalid, name, v)
		}
	}

	if c.Basis != nil {
		if err := c.Basis.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

func (c *Config) Schedule() (schedule.Options, error) {
	family, err := schedule.ParseFamily(c.BetaSchedule)
	if err != nil {
		return schedule.Options{}, err
	}

	return schedule.Options{
		Family:           family,
		Timesteps:        c.Timesteps,
		LinearStart:      c.LinearStart,
		LinearEnd:        c.LinearEnd,
		CosineS:          c.CosineS,
		VPosterior:       c.VPosterior,
		Parameterization: schedule.Parameterization(c.Parameterization),
		Betas:            c.GivenBetas,
	}, nil
}

// Diffusion returns the core options. The first stage and EMA are attached
// by the caller.
func (c *Config) Diffusion() (diffusion.Options, error) {
	s, err := c.Schedule()
	if err != nil {
		return diffusion.Options{}, err
	}

	return diffusion.Options{
		Schedule:     s,
		LogvarInit:   c.LogvarInit,
		LearnLogvar:  c.LearnLogvar,
		ClipDenoised: c.ClipDenoised,
		ScaleFactor:  c.ScaleFactor,
		ScaleByStd:   c.ScaleByStd,
		Source:       ml.NewSource(envconfig.Seed()),
	}, nil
}

// Restore applies the EMA and checkpoint settings to core. ema is attached
// when use_ema is set and detached otherwise. With a ckpt_path the
// checkpoint is loaded, dropping keys under ignore_keys; the report is nil
// without one.
func (c *Config) Restore(core *diffusion.Core, ema diffusion.EMA) (*checkpoint.Report, error) {
	if c.UseEMA {
		if ema == nil {
			return nil, fmt.Errorf("%w: use_ema is set but no EMA was given", ErrInvalid)
		}
		core.EMA = ema
		slog.Info("keeping EMA weights")
	} else {
		core.EMA = nil
	}

	if c.CkptPath == "" {
		return nil, nil
	}

	report, err := core.Restore(c.CkptPath, c.IgnoreKeys)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", c.CkptPath, err)
	}
	return report, nil
}

func (c *Config) Key() (diffusion.ConditioningKey, error) {
	return diffusion.ParseConditioningKey(c.ConditioningKey)
}

func (c *Config) Loss() loss.Options {
	o := loss.DefaultOptions()
	o.Type = loss.Type(c.LossType)
	o.LSimpleWeight = c.LSimpleWeight
	o.OriginalELBOWeight = c.OriginalELBOWeight
	o.EmbeddingRegWeight = c.EmbeddingRegWeight
	o.CompositionDeltaRegWeight = c.CompositionDeltaRegWeight
	o.PromptMixRegWeight = c.CompositionPromptMixRegWeight
	o.NoiseImageProb = c.NoiseImageProb
	o.Policy = loss.Policy{
		AdaDeltaWeight:  c.AdaDeltaPolicyWeight,
		PromptMixWeight: c.PromptMixPolicyWeight,
		IterGap:         c.CompositionRegsIterGap,
		WarmUpSteps:     c.WarmUpSteps,
	}
	return o
}

func (c *Config) Mixer() conditioning.Options {
	return conditioning.Options{
		UseLayerwise: c.UseLayerwiseEmbedding,
		UseAda:       c.UseAdaEmbedding,
		Layers:       c.NumUnetLayers,
		MixWeightMax: c.ClsPromptMixWeightMax,
	}
}

// Sampler returns the sampling defaults of the model.
func (c *Config) Sampler() sampler.Options {
	clip := c.ClipDenoised
	return sampler.Options{LogEveryT: c.LogEveryT, Clip: &clip}
}
