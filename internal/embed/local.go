package embed

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

const maxSeqLen = 512

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime() error {
	ortInitOnce.Do(func() {
		if lib := os.Getenv("STRATIFY_ONNX_LIB"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// Local runs a sentence-transformer ONNX model in-process. The model
// directory must contain model.onnx and tokenizer.json. GPU execution is
// probed at session creation and the session falls back to CPU when the
// CUDA provider is unavailable.
type Local struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	tk      *tokenizer.Tokenizer
	dims    int
	gpu     bool
}

// NewLocal loads the model and tokenizer from dir.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("model directory is required for the local embedder")
	}
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("initializing onnx runtime: %w", err)
	}

	tk, err := pretrained.FromFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	modelPath := filepath.Join(dir, "model.onnx")
	inputs := []string{"input_ids", "attention_mask"}
	outputs := []string{"last_hidden_state"}

	session, gpu, err := newSession(modelPath, inputs, outputs)
	if err != nil {
		return nil, err
	}
	return &Local{session: session, tk: tk, gpu: gpu}, nil
}

// newSession tries a CUDA-backed session first and falls back to CPU.
func newSession(modelPath string, inputs, outputs []string) (*ort.DynamicAdvancedSession, bool, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, false, fmt.Errorf("creating session options: %w", err)
	}
	defer opts.Destroy()

	gpu := false
	if cudaOpts, err := ort.NewCUDAProviderOptions(); err == nil {
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err == nil {
			gpu = true
		}
		cudaOpts.Destroy()
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, opts)
	if err != nil {
		if !gpu {
			return nil, false, fmt.Errorf("loading model %s: %w", modelPath, err)
		}
		// CUDA was appended but the session refused it; retry on CPU.
		cpuOpts, optErr := ort.NewSessionOptions()
		if optErr != nil {
			return nil, false, fmt.Errorf("creating session options: %w", optErr)
		}
		defer cpuOpts.Destroy()
		session, err = ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, cpuOpts)
		if err != nil {
			return nil, false, fmt.Errorf("loading model %s: %w", modelPath, err)
		}
		gpu = false
	}
	return session, gpu, nil
}

// GPU reports whether the session runs on the CUDA provider.
func (l *Local) GPU() bool { return l.gpu }

// Dimensions returns the vector width, 0 before the first call.
func (l *Local) Dimensions() int { return l.dims }

// Close releases the session.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		err := l.session.Destroy()
		l.session = nil
		return err
	}
	return nil
}

// EmbedBatch tokenizes, runs the model, and mean-pools token states into
// one normalized vector per text. Blank texts produce nil vectors.
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	result := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		vec, err := l.embedOne(text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		result[i] = vec
		l.dims = len(vec)
	}
	return result, nil
}

func (l *Local) embedOne(text string) ([]float32, error) {
	enc, err := l.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, fmt.Errorf("tokenizing: %w", err)
	}
	ids := enc.Ids
	mask := enc.AttentionMask
	if len(ids) > maxSeqLen {
		ids = ids[:maxSeqLen]
		mask = mask[:maxSeqLen]
	}
	seqLen := len(ids)
	if seqLen == 0 {
		return nil, fmt.Errorf("tokenizer produced no tokens")
	}

	inputIDs := make([]int64, seqLen)
	attention := make([]int64, seqLen)
	for i := range ids {
		inputIDs[i] = int64(ids[i])
		attention[i] = int64(mask[i])
	}

	shape := ort.NewShape(1, int64(seqLen))
	idTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("creating input tensor: %w", err)
	}
	defer idTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, attention)
	if err != nil {
		return nil, fmt.Errorf("creating mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil, fmt.Errorf("embedder is closed")
	}

	outputs := []ort.Value{nil}
	if err := l.session.Run([]ort.Value{idTensor, maskTensor}, outputs); err != nil {
		return nil, fmt.Errorf("running model: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	defer out.Destroy()

	dims := out.GetShape()
	if len(dims) != 3 || dims[0] != 1 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	hidden := int(dims[2])
	data := out.GetData()

	// Mean pooling over attended tokens, then L2 normalization.
	vec := make([]float32, hidden)
	var count float32
	for tok := 0; tok < seqLen; tok++ {
		if attention[tok] == 0 {
			continue
		}
		base := tok * hidden
		for d := 0; d < hidden; d++ {
			vec[d] += data[base+d]
		}
		count++
	}
	if count > 0 {
		for d := range vec {
			vec[d] /= count
		}
	}
	normalize(vec)
	return vec, nil
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
