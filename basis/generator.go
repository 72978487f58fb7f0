// Package basis generates personalized token embeddings from identity
// features. Latent queries attend to face or object identity tokens, and a
// low rank to high rank projection expands them into a fixed number of
// basis vectors.
package basis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/ldm/checkpoint"
	"github.com/ollama/ldm/conditioning"
	"github.com/ollama/ldm/envconfig"
	"github.com/ollama/ldm/format"
	"github.com/ollama/ldm/ml"
)

var (
	ErrNoFaceProjector = errors.New("basis: face inputs need a face projector")
	ErrNoInput         = errors.New("basis: no identity embeddings or image features")
)

type Config struct {
	Depth    int `mapstructure:"depth"`
	NumHeads int `mapstructure:"num_heads"`

	NumIDVecs        int `mapstructure:"num_id_vecs"`
	NumOutQueries    int `mapstructure:"num_out_queries"`
	NumLatentQueries int `mapstructure:"num_latent_queries"`

	ImageEmbeddingDim int `mapstructure:"image_embedding_dim"`
	DinoEmbeddingDim  int `mapstructure:"dino_embedding_dim"`
	InitProjDim       int `mapstructure:"init_proj_dim"`
	OutputDim         int `mapstructure:"output_dim"`

	NumPromptModes    int `mapstructure:"num_prompt2token_emb_modes"`
	NumLora2HiraModes int `mapstructure:"num_lora2hira_modes"`

	ElementwiseAffine bool `mapstructure:"elementwise_affine"`
	UseFFN            bool `mapstructure:"use_ffn"`

	// PlaceholderIsBg generates background bases from image features only.
	PlaceholderIsBg bool `mapstructure:"placeholder_is_bg"`
}

func DefaultConfig() Config {
	return Config{
		Depth:             1,
		NumHeads:          6,
		NumIDVecs:         16,
		NumOutQueries:     234,
		NumLatentQueries:  64,
		ImageEmbeddingDim: 768,
		DinoEmbeddingDim:  384,
		InitProjDim:       2048,
		OutputDim:         768,
		NumPromptModes:    4,
		NumLora2HiraModes: 4,
		ElementwiseAffine: true,
	}
}

func (c Config) Validate() error {
	for name, v := range map[string]int{
		"depth":                      c.Depth,
		"num_heads":                  c.NumHeads,
		"num_id_vecs":                c.NumIDVecs,
		"num_out_queries":            c.NumOutQueries,
		"num_latent_queries":         c.NumLatentQueries,
		"image_embedding_dim":        c.ImageEmbeddingDim,
		"dino_embedding_dim":         c.DinoEmbeddingDim,
		"init_proj_dim":              c.InitProjDim,
		"output_dim":                 c.OutputDim,
		"num_prompt2token_emb_modes": c.NumPromptModes,
		"num_lora2hira_modes":        c.NumLora2HiraModes,
	} {
		if v <= 0 {
			return fmt.Errorf("basis: %s must be positive, got %d", name, v)
		}
	}

	if c.OutputDim%c.NumHeads != 0 {
		return fmt.Errorf("basis: output_dim %d is not divisible by %d heads", c.OutputDim, c.NumHeads)
	}
	return nil
}

func (c Config) kind() string {
	if c.PlaceholderIsBg {
		return "bg"
	}
	return "subj"
}

// FaceProjector maps face identity embeddings [B, d] to identity tokens
// [B, N, InitProjDim]. Its weights are owned by the caller.
type FaceProjector interface {
	Project(ctx context.Context, ids *ml.Tensor) (*ml.Tensor, error)
}

type Block struct {
	Attn *CrossAttention
	FFN  *FeedForward

	// Queries are the latent queries of the block, [NumLatentQueries, OutputDim].
	Queries   *mat.Dense
	QueryNorm *LayerNorm
}

type Generator struct {
	cfg  Config
	Face FaceProjector

	ProjIn     *Linear
	ProjInNorm *LayerNorm

	// Nil for background generators.
	ObjProjIn  *ExpandEmbs
	PromptProj *MultimodeProjection

	Blocks    []*Block
	Lora2Hira *Lora2Hira

	src ml.Source
}

// New builds a randomly initialized generator. face may be nil when only
// object or image inputs are used.
func New(cfg Config, face FaceProjector, src ml.Source) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		src = ml.NewSource(envconfig.Seed())
	}

	affine := cfg.ElementwiseAffine
	g := &Generator{
		cfg:        cfg,
		Face:       face,
		ProjIn:     newLinear(src, cfg.ImageEmbeddingDim, cfg.OutputDim, false),
		ProjInNorm: newLayerNorm(cfg.OutputDim, affine),
		Lora2Hira:  newLora2Hira(src, cfg.NumLatentQueries, cfg.NumOutQueries, cfg.OutputDim, cfg.NumLora2HiraModes, affine),
		src:        src,
	}

	if !cfg.PlaceholderIsBg {
		g.ObjProjIn = newExpandEmbs(src, cfg.DinoEmbeddingDim, cfg.OutputDim, cfg.NumIDVecs, affine)
		g.PromptProj = newMultimodeProjection(src, cfg.InitProjDim, cfg.OutputDim, cfg.NumPromptModes, affine)
	}

	for range cfg.Depth {
		b := &Block{
			Attn: &CrossAttention{
				Heads:      cfg.NumHeads,
				ToOut:      newLinear(src, cfg.OutputDim, cfg.OutputDim, false),
				OutHasSkip: true,
			},
			Queries:   latentQueries(src, cfg.NumLatentQueries, cfg.OutputDim, cfg.OutputDim),
			QueryNorm: newLayerNorm(cfg.OutputDim, affine),
		}
		if cfg.UseFFN {
			b.FFN = newFeedForward(src, cfg.OutputDim, 1, affine)
		}
		g.Blocks = append(g.Blocks, b)
	}

	slog.Info("basis generator", "kind", cfg.kind(), "depth", cfg.Depth, "ffn", cfg.UseFFN,
		"latent_queries", cfg.NumLatentQueries, "out_queries", cfg.NumOutQueries,
		"params", format.HumanNumber(uint64(g.NumParams())))
	return g, nil
}

// latentQueries draws n queries with standard deviation 1/sqrt(scale).
func latentQueries(src ml.Source, n, dim, scale int) *mat.Dense {
	q := mat.NewDense(n, dim, ml.Randn(src, n, dim).Floats())
	q.Scale(1/math.Sqrt(float64(scale)), q)
	return q
}

func (g *Generator) Config() Config {
	return g.cfg
}

type Inputs struct {
	// ClipFeatures are image features [B, L, ImageEmbeddingDim]. They are the
	// context when there are no identity embeddings.
	ClipFeatures *ml.Tensor

	// IDEmbs are face embeddings [B, d] or object features
	// [B, DinoEmbeddingDim].
	IDEmbs *ml.Tensor
	IsFace bool

	// ExtraTokens [B, OutputDim] are appended to the identity tokens.
	ExtraTokens *ml.Tensor
}

// Forward returns the basis vectors [B, NumOutQueries, OutputDim].
func (g *Generator) Forward(ctx context.Context, in Inputs) (*ml.Tensor, error) {
	contexts, err := g.contexts(ctx, in)
	if err != nil {
		return nil, err
	}

	n, dim := g.cfg.NumOutQueries, g.cfg.OutputDim
	out := ml.Zeros(len(contexts), n, dim)
	scale := 1 / math.Sqrt(float64(dim))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(envconfig.NumThreads())
	for i, c := range contexts {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			q, err := g.forwardSample(c)
			if err != nil {
				return fmt.Errorf("sample %d: %w", i, err)
			}

			dst := out.Floats()[i*n*dim : (i+1)*n*dim]
			copy(dst, q.RawMatrix().Data)
			floats.Scale(scale, dst)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Generator) forwardSample(c *mat.Dense) (*mat.Dense, error) {
	for _, b := range g.Blocks {
		q := b.QueryNorm.Forward(b.Queries)

		var err error
		if c, err = b.Attn.Forward(q, c); err != nil {
			return nil, err
		}

		if b.FFN != nil {
			c.Add(b.FFN.Forward(c), c)
			c.Scale(0.5, c)
		}
	}

	return g.Lora2Hira.Forward(c), nil
}

// contexts builds the per-sample token context the latent queries attend to.
func (g *Generator) contexts(ctx context.Context, in Inputs) ([]*mat.Dense, error) {
	if g.cfg.PlaceholderIsBg || in.IDEmbs == nil {
		if in.ClipFeatures == nil {
			return nil, ErrNoInput
		}

		feats, err := samples(in.ClipFeatures, g.cfg.ImageEmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("image features: %w", err)
		}

		out := make([]*mat.Dense, len(feats))
		for i, f := range feats {
			out[i] = g.ProjInNorm.Forward(g.ProjIn.Forward(f))
		}
		return out, nil
	}

	var out []*mat.Dense
	var err error
	if in.IsFace {
		out, err = g.faceContexts(ctx, in.IDEmbs)
	} else {
		out, err = g.objectContexts(in.IDEmbs)
	}
	if err != nil {
		return nil, err
	}

	if in.ExtraTokens != nil {
		extra, err := samples(in.ExtraTokens, g.cfg.OutputDim)
		if err != nil {
			return nil, fmt.Errorf("extra tokens: %w", err)
		}
		if len(extra) != len(out) {
			return nil, fmt.Errorf("%w: %d extra tokens for %d identities", ml.ErrShapeMismatch, len(extra), len(out))
		}

		for i, e := range extra {
			var s mat.Dense
			s.Stack(out[i], e)
			out[i] = &s
		}
	}

	return out, nil
}

func (g *Generator) objectContexts(ids *ml.Tensor) ([]*mat.Dense, error) {
	rows, err := samples(ids, g.cfg.DinoEmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("object features: %w", err)
	}

	out := make([]*mat.Dense, len(rows))
	for i, r := range rows {
		if n, _ := r.Dims(); n != 1 {
			return nil, fmt.Errorf("%w: object features %v", ml.ErrShapeMismatch, ids.Shape())
		}
		out[i] = g.ObjProjIn.Forward(r.RawRowView(0))
	}
	return out, nil
}

// faceContexts projects face embeddings relative to the projection of a
// zero face, then L2 normalizes every token.
func (g *Generator) faceContexts(ctx context.Context, ids *ml.Tensor) ([]*mat.Dense, error) {
	if g.Face == nil {
		return nil, ErrNoFaceProjector
	}

	pos, err := g.Face.Project(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("face projection: %w", err)
	}

	zero := ml.Zeros(append([]int{1}, ids.Shape()[1:]...)...)
	neg, err := g.Face.Project(ctx, zero)
	if err != nil {
		return nil, fmt.Errorf("face projection: %w", err)
	}

	posRows, err := samples(pos, g.cfg.InitProjDim)
	if err != nil {
		return nil, fmt.Errorf("face tokens: %w", err)
	}
	negRows, err := samples(neg, g.cfg.InitProjDim)
	if err != nil {
		return nil, fmt.Errorf("face tokens: %w", err)
	}

	out := make([]*mat.Dense, len(posRows))
	for i, p := range posRows {
		if !sameDims(p, negRows[0]) {
			return nil, fmt.Errorf("%w: face tokens %v and %v", ml.ErrShapeMismatch, pos.Shape(), neg.Shape())
		}

		var d mat.Dense
		d.Sub(p, negRows[0])
		r, _ := d.Dims()
		for j := range r {
			row := d.RawRowView(j)
			if norm := floats.Norm(row, 2); norm > 1e-12 {
				floats.Scale(1/norm, row)
			}
		}
		out[i] = g.PromptProj.Forward(&d)
	}
	return out, nil
}

func sameDims(a, b mat.Matrix) bool {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	return ar == br && ac == bc
}

// samples views a [B, ..., dim] tensor as B matrices of dim columns.
func samples(t *ml.Tensor, dim int) ([]*mat.Dense, error) {
	shape := t.Shape()
	if len(shape) < 2 || shape[len(shape)-1] != dim {
		return nil, fmt.Errorf("%w: %v does not end in %d", ml.ErrShapeMismatch, shape, dim)
	}

	b := shape[0]
	size := t.Len() / b
	d := t.Floats()
	out := make([]*mat.Dense, b)
	for i := range out {
		out[i] = mat.NewDense(size/dim, dim, slices.Clone(d[i*size:(i+1)*size]))
	}
	return out, nil
}

// ExtendLatentQueries grows every block to n latent queries. Existing
// queries and their projection columns are kept; new ones are random.
func (g *Generator) ExtendLatentQueries(n int) error {
	old := g.cfg.NumLatentQueries
	if n <= old {
		return fmt.Errorf("basis: new latent query count %d must exceed %d", n, old)
	}

	dim := g.cfg.OutputDim
	for _, b := range g.Blocks {
		q := latentQueries(g.src, n, dim, n)
		q.Slice(0, old, 0, dim).(*mat.Dense).Copy(b.Queries)
		b.Queries = q
	}

	proj := newLinear(g.src, n, g.cfg.NumOutQueries*g.cfg.NumLora2HiraModes, false)
	rows, _ := g.Lora2Hira.Proj.Weight.Dims()
	proj.Weight.Slice(0, rows, 0, old).(*mat.Dense).Copy(g.Lora2Hira.Proj.Weight)
	g.Lora2Hira.Proj = proj

	slog.Info("extended latent queries", "kind", g.cfg.kind(), "from", old, "to", n)
	g.cfg.NumLatentQueries = n
	return nil
}

// Params returns the generator weights keyed by checkpoint name. The
// tensors share storage with the generator.
func (g *Generator) Params() map[string]*ml.Tensor {
	p := params{}
	g.ProjIn.params("proj_in.0", p)
	g.ProjInNorm.params("proj_in.1", p)

	if g.ObjProjIn != nil {
		g.ObjProjIn.params("obj_proj_in", p)
	}
	if g.PromptProj != nil {
		g.PromptProj.params("prompt2token_emb_proj", p)
	}

	for i, b := range g.Blocks {
		idx := strconv.Itoa(i)
		b.Attn.params("layers."+idx+".0", p)
		if b.FFN != nil {
			b.FFN.params("layers."+idx+".1", p)
		}

		r, c := b.Queries.Dims()
		p.dense("latent_queries."+idx, b.Queries, 1, r, c)
		b.QueryNorm.params("latent_query_lns."+idx, p)
	}

	g.Lora2Hira.params("lora2hira", p)
	return p
}

func (g *Generator) NumParams() int {
	var n int
	for _, t := range g.Params() {
		n += t.Len()
	}
	return n
}

// Load copies matching tensors of sd into the generator.
func (g *Generator) Load(sd checkpoint.StateDict) *checkpoint.Report {
	r := checkpoint.Apply(g.Params(), sd)
	slog.Info("loaded basis generator", "kind", g.cfg.kind(), "missing", len(r.Missing),
		"unexpected", len(r.Unexpected), "mismatched", len(r.Mismatched))
	return r
}

// Publish writes the basis vectors of a subject into the token table read by
// the text encoder.
func Publish(table conditioning.TokenTable, token string, bases *ml.Tensor) error {
	if token == "" {
		return errors.New("basis: empty placeholder token")
	}
	if err := table.SetTokenEmbedding(token, bases); err != nil {
		return fmt.Errorf("publish %q: %w", token, err)
	}
	return nil
}
