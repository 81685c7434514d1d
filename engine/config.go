package engine

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// CacheDtype names the element type stored in the cache spaces.
type CacheDtype string

const (
	DtypeAuto    CacheDtype = "auto"
	DtypeFP16    CacheDtype = "fp16"
	DtypeBF16    CacheDtype = "bf16"
	DtypeFP8E4M3 CacheDtype = "fp8_e4m3"
)

var dtypeElemBytes = map[CacheDtype]int64{
	DtypeAuto:    2,
	DtypeFP16:    2,
	DtypeBF16:    2,
	DtypeFP8E4M3: 1,
}

func (d CacheDtype) quantized() bool { return d == DtypeFP8E4M3 }

// AttentionType names the attention role a component plays.
type AttentionType string

const (
	AttentionDecoder        AttentionType = "decoder"
	AttentionEncoder        AttentionType = "encoder"
	AttentionEncoderOnly    AttentionType = "encoder_only"
	AttentionEncoderDecoder AttentionType = "encoder_decoder"
)

var supportedHeadSizes = map[int64]bool{
	32: true, 64: true, 96: true, 128: true, 160: true, 192: true, 224: true, 256: true,
}

// AttentionKernelVariant names which fused-attention backend revision the
// caller will invoke. Only KernelVariantQuantAware accepts quantized caches.
type AttentionKernelVariant string

const (
	KernelVariantLegacy    AttentionKernelVariant = "legacy"
	KernelVariantQuantAware AttentionKernelVariant = "quant-aware"
)

// EngineConfig is the configuration surface required at engine construction.
// Every field is required; Validate fills in derived fields (ElemBytes,
// rounded MaxSeqLen) and returns a *Error of kind ConfigInvalid or
// UnsupportedFeature on any violation.
type EngineConfig struct {
	MaxBatchSize int64
	MaxSeqLen    int64
	NumLayers    int64
	NumKVHeads   int64
	HeadDim      int64

	CacheDtype CacheDtype
	ElemBytes  int64 // derived from CacheDtype by Validate; leave zero

	// UseVMM selects the addressing mode. When true, BlockBytesSize is the
	// VMM page granularity candidate (must divide S_slot); PageBytes is the
	// granularity actually selected (rounded up to the allocator's smallest
	// supported granularity >= BlockBytesSize). When false, BlockSize is the
	// legacy block size in tokens (must be a multiple of 16) and NumBlocks
	// sizes the shared block pool.
	UseVMM bool

	// VMM-only.
	BlockBytesSize int64

	// Legacy-only.
	BlockSize int64
	NumBlocks int64

	AttentionType   AttentionType
	KernelVariant   AttentionKernelVariant
	Logger          *logrus.Logger // optional; defaults to logrus's standard logger

	// resolved by Validate
	pageBytes int64
}

// Validate checks EngineConfig against every constraint in the
// configuration surface and returns a ready-to-use, internally consistent
// copy (rounding MaxSeqLen up to a multiple of BlockSize when in legacy
// mode, deriving ElemBytes from CacheDtype).
func (c EngineConfig) Validate() (EngineConfig, error) {
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.MaxBatchSize <= 0 {
		return c, newErr(ConfigInvalid, "max_batch_size must be > 0, got %d", c.MaxBatchSize)
	}
	if c.MaxSeqLen <= 0 {
		return c, newErr(ConfigInvalid, "max_seq_len must be > 0, got %d", c.MaxSeqLen)
	}
	if c.NumLayers <= 0 {
		return c, newErr(ConfigInvalid, "num_layers must be > 0, got %d", c.NumLayers)
	}
	if c.NumKVHeads <= 0 {
		return c, newErr(ConfigInvalid, "num_kv_heads must be > 0, got %d", c.NumKVHeads)
	}
	if !supportedHeadSizes[c.HeadDim] {
		return c, newErr(UnsupportedFeature, "head_dim %d outside supported set %v", c.HeadDim, sortedHeadSizes())
	}

	elemBytes, ok := dtypeElemBytes[c.CacheDtype]
	if !ok {
		return c, newErr(ConfigInvalid, "unrecognized cache_dtype %q", c.CacheDtype)
	}
	c.ElemBytes = elemBytes

	if c.CacheDtype.quantized() && c.KernelVariant != KernelVariantQuantAware {
		return c, newErr(UnsupportedFeature,
			"quantized cache_dtype %q requires the quant-aware attention kernel variant, got %q",
			c.CacheDtype, c.KernelVariant)
	}

	switch c.AttentionType {
	case AttentionDecoder, AttentionEncoder, AttentionEncoderOnly, AttentionEncoderDecoder:
	default:
		return c, newErr(UnsupportedFeature, "unrecognized attention_type %q", c.AttentionType)
	}

	if c.UseVMM {
		if c.BlockBytesSize <= 0 {
			return c, newErr(ConfigInvalid, "block_bytes_size must be > 0 in VMM mode")
		}
		tokenStride := c.NumLayers * c.NumKVHeads * c.HeadDim * c.ElemBytes
		slotStride := c.MaxSeqLen * tokenStride
		if slotStride%c.BlockBytesSize != 0 {
			return c, newErr(ConfigInvalid,
				"S_slot (%d bytes) is not a multiple of block_bytes_size (%d bytes); raise head_dim, num_layers, "+
					"num_kv_heads or max_seq_len, or lower block_bytes_size", slotStride, c.BlockBytesSize)
		}
		c.pageBytes = c.BlockBytesSize
		total := c.MaxBatchSize * slotStride
		if total%c.pageBytes != 0 {
			return c, newErr(ConfigInvalid, "reservation size (%d bytes) is not a multiple of page size (%d bytes)", total, c.pageBytes)
		}
	} else {
		if c.BlockSize <= 0 || c.BlockSize%16 != 0 {
			return c, newErr(ConfigInvalid, "block_size must be a positive multiple of 16, got %d", c.BlockSize)
		}
		if c.NumBlocks <= 0 {
			return c, newErr(ConfigInvalid, "num_blocks must be > 0 in legacy mode, got %d", c.NumBlocks)
		}
		if c.MaxSeqLen%c.BlockSize != 0 {
			rounded := (c.MaxSeqLen/c.BlockSize + 1) * c.BlockSize
			c.Logger.Warnf("max_seq_len (%d) mod block_size (%d) != 0, rounding up to %d", c.MaxSeqLen, c.BlockSize, rounded)
			c.MaxSeqLen = rounded
		}
	}

	return c, nil
}

// Layout builds this config's CacheLayout. Validate must have been called
// first so ElemBytes and the page size are resolved; when the page size was
// never resolved, Layout uses BlockBytesSize (zero in legacy mode).
func (c EngineConfig) Layout() CacheLayout {
	pageBytes := c.pageBytes
	if pageBytes == 0 {
		pageBytes = c.BlockBytesSize
	}
	return newCacheLayout(c.MaxBatchSize, c.MaxSeqLen, c.NumLayers, c.NumKVHeads, c.HeadDim, c.ElemBytes, pageBytes)
}

// engineConfigYAML is the on-disk shape for LoadEngineConfigYAML: plain
// strings/ints rather than the derived EngineConfig, resolved by the caller
// after loading (mirrors sim/bundle.go's PolicyBundle/LoadPolicyBundle split
// between "what's in the file" and "what the engine actually consumes").
type engineConfigYAML struct {
	MaxBatchSize  int64  `yaml:"max_batch_size"`
	MaxSeqLen     int64  `yaml:"max_seq_len"`
	NumLayers     int64  `yaml:"num_layers"`
	NumKVHeads    int64  `yaml:"num_kv_heads"`
	HeadDim       int64  `yaml:"head_dim"`
	CacheDtype    string `yaml:"cache_dtype"`
	UseVMM        bool   `yaml:"use_vmm"`
	BlockBytesSize int64 `yaml:"block_bytes_size"`
	BlockSize     int64  `yaml:"block_size"`
	NumBlocks     int64  `yaml:"num_blocks"`
	AttentionType string `yaml:"attention_type"`
	KernelVariant string `yaml:"kernel_variant"`
}

// LoadEngineConfigYAML reads a named hardware/model profile from a strict
// YAML file (unknown keys rejected) and resolves it into a validated
// EngineConfig, mirroring sim/bundle.go's LoadPolicyBundle.
func LoadEngineConfigYAML(path string) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, wrapErr(ConfigInvalid, err, "reading engine config %s", path)
	}
	var raw engineConfigYAML
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&raw); err != nil {
		return EngineConfig{}, wrapErr(ConfigInvalid, err, "parsing engine config %s", path)
	}
	cfg := EngineConfig{
		MaxBatchSize:   raw.MaxBatchSize,
		MaxSeqLen:      raw.MaxSeqLen,
		NumLayers:      raw.NumLayers,
		NumKVHeads:     raw.NumKVHeads,
		HeadDim:        raw.HeadDim,
		CacheDtype:     CacheDtype(raw.CacheDtype),
		UseVMM:         raw.UseVMM,
		BlockBytesSize: raw.BlockBytesSize,
		BlockSize:      raw.BlockSize,
		NumBlocks:      raw.NumBlocks,
		AttentionType:  AttentionType(raw.AttentionType),
		KernelVariant:  AttentionKernelVariant(raw.KernelVariant),
	}
	return cfg.Validate()
}

// Summary renders a human-readable geometry summary, used by the `inspect`
// CLI verb.
func (c EngineConfig) Summary() string {
	layout := c.Layout()
	return fmt.Sprintf(
		"max_batch_size=%d max_seq_len=%d num_layers=%d num_kv_heads=%d head_dim=%d elem_bytes=%d "+
			"slot_stride_bytes=%d reservation_bytes=%d reservation_pages=%d block_bytes_size=%d use_vmm=%v",
		c.MaxBatchSize, c.MaxSeqLen, c.NumLayers, c.NumKVHeads, c.HeadDim, c.ElemBytes,
		layout.SlotStrideBytes(), layout.ReservationBytes(), layout.ReservationPages(), layout.BlockBytesSize(), c.UseVMM)
}

func sortedHeadSizes() []int64 {
	sizes := make([]int64, 0, len(supportedHeadSizes))
	for s := range supportedHeadSizes {
		sizes = append(sizes, s)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return sizes
}
