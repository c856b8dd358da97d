// Package transformers implements the ruDALL-E text+image transformer in GoMLX.
//
// The model is a decoder-only transformer over a sequence of TextSeqLength text tokens followed by
// ImageTokensPerDim^2 image tokens, predicting logits over the text vocabulary followed by the image vocabulary.
// Its variables are named after the PyTorch state dict of the released checkpoints, so weights can be loaded
// directly (see package weights).
package transformers

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Module is what the model factory returns: either a *Model or a *HalfModel wrapping one.
type Module interface {
	// Config of the architecture.
	Config() *Config

	// Context holding the model variables.
	Context() *context.Context

	// ForwardGraph builds the logits for inputIDs (int32[batchSize, seqLen]), shaped
	// [batchSize, seqLen, Config.TotalVocabSize()].
	ForwardGraph(ctx *context.Context, inputIDs *Node) *Node

	// Call executes the forward pass on the model's device.
	Call(inputIDs *tensors.Tensor) (*tensors.Tensor, error)

	// Eval switches the model to evaluation mode: dropout is disabled.
	Eval()

	// Train switches the model to training mode.
	Train()

	// IsTraining returns whether the model is in training mode.
	IsTraining() bool

	// To binds the model to the given device ("cpu", "cuda", "cuda:1").
	To(device string) error

	// Device the model is bound to.
	Device() Device

	// NumParameters is the total number of scalars in the model variables.
	NumParameters() int
}

// Model is the ruDALL-E transformer.
type Model struct {
	config *Config
	ctx    *context.Context
	masks  *MaskCache

	// training mode, PyTorch modules start in training mode.
	training bool

	// computeDType of activations and forwardFn used by Call, both changed by HalfModel.
	computeDType dtypes.DType
	forwardFn    func(ctx *context.Context, inputIDs *Node) *Node

	mu      sync.Mutex
	device  Device
	backend backends.Backend
	exec    *context.Exec
}

var _ Module = (*Model)(nil)

// New creates a model for config and declares all its variables. Variables are only initialized
// (randomly) on first use, so creating even large models is cheap, and loading weights afterward
// doesn't pay for the random initialization.
func New(config Config) (m *Model, err error) {
	if err = config.Validate(); err != nil {
		return nil, err
	}
	m = &Model{
		config:       &config,
		ctx:          context.New(),
		training:     true,
		computeDType: dtypes.Float32,
		device:       CPU,
	}
	m.forwardFn = m.ForwardGraph
	if config.FP16 && !config.PBRelax {
		klog.Warningf("model configured for float16 without cogview_pb_relax: attention scores may overflow")
	}
	m.masks, err = NewMaskCache(m.config)
	if err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](m.declareVariables)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to declare transformer variables")
	}
	return m, nil
}

func (m *Model) declareVariables() {
	c, ctx := m.config, m.ctx
	declareEmbedding(ctx.In("text_embeddings"), c.VocabSize, c.HiddenSize)
	declareEmbedding(ctx.In("image_embeddings"), c.ImageVocabSize, c.HiddenSize)
	declareEmbedding(ctx.In("text_pos_embeddings"), c.TextSeqLength+1, c.HiddenSize)
	declareEmbedding(ctx.In("image_row_embeddings"), c.ImageTokensPerDim, c.HiddenSize)
	declareEmbedding(ctx.In("image_col_embeddings"), c.ImageTokensPerDim, c.HiddenSize)
	transformerCtx := ctx.In("transformer")
	for layerIdx := range c.NumLayers {
		declareTransformerLayer(transformerCtx.In("layers").In(strconv.Itoa(layerIdx)), c)
	}
	declareLayerNorm(transformerCtx.In("final_layernorm"), c.HiddenSize)
	declareLayerNorm(ctx.In("to_logits").In("0"), c.HiddenSize)
	declareLinear(ctx.In("to_logits").In("1"), c.HiddenSize, c.TotalVocabSize())
}

// Config implements Module.
func (m *Model) Config() *Config { return m.config }

// Context implements Module.
func (m *Model) Context() *context.Context { return m.ctx }

// Masks used by the model.
func (m *Model) Masks() *MaskCache { return m.masks }

// ForwardGraph implements Module.
// It reads the training mode without locking, since Call holds the model lock while building graphs.
func (m *Model) ForwardGraph(ctx *context.Context, inputIDs *Node) *Node {
	g := inputIDs.Graph()
	c := m.config
	ctx.SetTraining(g, m.training)
	if inputIDs.Rank() != 2 {
		exceptions.Panicf("inputIDs must be shaped [batchSize, seqLen], got %s", inputIDs.Shape())
	}
	seqLen := inputIDs.Shape().Dimensions[1]
	if seqLen > c.TotalSeqLength() {
		exceptions.Panicf("sequence length %d larger than the model's maximum %d", seqLen, c.TotalSeqLength())
	}
	if !inputIDs.DType().IsInt() {
		exceptions.Panicf("inputIDs must be integer, got %s", inputIDs.DType())
	}
	dtype := m.computeDType

	textLen := min(seqLen, c.TextSeqLength)
	textIDs := Slice(inputIDs, AxisRange(), AxisRange(0, textLen))
	textPositions := Slice(ConstTensor(g, m.masks.Positions("text")), AxisRange(0, textLen))
	x := embed(ctx.In("text_embeddings"), textIDs, dtype)
	x = Add(x, ExpandLeftToRank(embed(ctx.In("text_pos_embeddings"), textPositions, dtype), 3))

	if imageLen := seqLen - textLen; imageLen > 0 {
		imageIDs := Slice(inputIDs, AxisRange(), AxisRange(textLen, seqLen))
		rows := Slice(ConstTensor(g, m.masks.Positions("image_row")), AxisRange(0, imageLen))
		cols := Slice(ConstTensor(g, m.masks.Positions("image_col")), AxisRange(0, imageLen))
		imagePositions := Add(
			embed(ctx.In("image_row_embeddings"), rows, dtype),
			embed(ctx.In("image_col_embeddings"), cols, dtype))
		image := embed(ctx.In("image_embeddings"), imageIDs, dtype)
		image = Add(image, ExpandLeftToRank(imagePositions, 3))
		x = Concatenate([]*Node{x, image}, 1)
	}
	x = dropout(ctx, x, c.EmbeddingDropoutProb)

	masks := make(map[string]*Node)
	transformerCtx := ctx.In("transformer")
	for layerIdx := range c.NumLayers {
		maskName := m.masks.LayerMaskName(layerIdx)
		mask, found := masks[maskName]
		if !found {
			mask = Slice(ConstTensor(g, m.masks.Mask(maskName)), AxisRange(0, seqLen), AxisRange(0, seqLen))
			masks[maskName] = mask
		}
		x = transformerLayer(transformerCtx.In("layers").In(strconv.Itoa(layerIdx)), c, x, mask)
	}
	x = layerNorm(transformerCtx.In("final_layernorm"), x)

	logits := layerNorm(ctx.In("to_logits").In("0"), x)
	return linear(ctx.In("to_logits").In("1"), logits)
}

// Call implements Module.
func (m *Model) Call(inputIDs *tensors.Tensor) (*tensors.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var logits *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		backend := m.backendLocked()
		m.ctx.InitializeVariables(backend)
		if m.exec == nil {
			m.exec = context.NewExec(backend, m.ctx, m.forwardFn).InDevice(m.device.DeviceNum())
		}
		logits = m.exec.Call(inputIDs)[0]
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to execute model on %s", m.device)
	}
	return logits, nil
}

// Backend returns the GoMLX backend for the model's device, creating it on first use.
// The environment variable GOMLX_BACKEND, if set, takes precedence.
func (m *Model) Backend() (backend backends.Backend, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err = exceptions.TryCatch[error](func() { backend = m.backendLocked() })
	return
}

func (m *Model) backendLocked() backends.Backend {
	if m.backend == nil {
		if os.Getenv("GOMLX_BACKEND") != "" {
			m.backend = backends.New()
		} else {
			m.backend = backends.NewWithConfig(m.device.BackendConfig())
		}
		klog.V(1).Infof("created backend %q for device %s", m.backend.Name(), m.device)
	}
	return m.backend
}

// Eval implements Module.
func (m *Model) Eval() { m.setTraining(false) }

// Train implements Module.
func (m *Model) Train() { m.setTraining(true) }

func (m *Model) setTraining(training bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.training != training {
		// The training flag is baked in the compiled graphs.
		m.training = training
		m.exec = nil
	}
}

// IsTraining implements Module.
func (m *Model) IsTraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.training
}

// To implements Module. The device index selects the accelerator the executor runs on.
func (m *Model) To(device string) error {
	d, err := ParseDevice(device)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if d != m.device {
		m.device = d
		m.backend = nil
		m.exec = nil
	}
	return nil
}

// Device implements Module.
func (m *Model) Device() Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// NumParameters implements Module.
func (m *Model) NumParameters() int {
	var total int
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		total += v.Shape().Size()
	})
	return total
}

// String returns a one-line summary of the model.
func (m *Model) String() string {
	c := m.config
	return fmt.Sprintf("ruDALL-E transformer: %d layers, hidden %d, %d heads, %s parameters, %s",
		c.NumLayers, c.HiddenSize, c.NumAttentionHeads, humanize.Comma(int64(m.NumParameters())), m.computeDType)
}
