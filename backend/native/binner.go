// Package native provides a GPU compute implementation of finest-level
// anchor binning using gogpu/wgpu.
package native

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
	types "github.com/gogpu/gputypes"

	"github.com/dotviz/dotdb"
)

//go:embed shaders/bin.wgsl
var binShaderWGSL string

// maxGridSize bounds the dense count/balance grids. Each grid cell
// costs 8 bytes across the two storage buffers; 4096x4096 keeps both
// buffers inside default storage buffer limits.
const maxGridSize = 4096

// GPUBinSegment is the GPU-compatible layout of dotdb.BinSegment.
// Must match the Segment struct in bin.wgsl.
type GPUBinSegment struct {
	X0          uint32
	Y0          uint32
	X1          uint32
	Y1          uint32
	StrandDelta int32  // +1 forward, -1 reverse
	Pad0        uint32 // Padding for alignment
	Pad1        uint32
	Pad2        uint32
}

// GPUBinConfig contains binning configuration.
// Must match Config in bin.wgsl.
type GPUBinConfig struct {
	GridSize     uint32
	SegmentCount uint32
	Pad0         uint32
	Pad1         uint32
}

// Binner rasterizes anchor segments into the finest-level bin grid on
// the GPU. It implements dotdb.BinAccelerator.
//
// Note: full GPU dispatch requires buffer binding which needs HAL API
// extensions. The pipelines are created and verified; the dispatch
// itself currently runs the shader's algorithm on the CPU, so results
// are already in the exact form the GPU path will produce.
type Binner struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue

	binPipeline   hal.ComputePipeline
	clearPipeline hal.ComputePipeline

	shaderModule hal.ShaderModule

	pipelineLayout   hal.PipelineLayout
	inputBindLayout  hal.BindGroupLayout
	outputBindLayout hal.BindGroupLayout

	// Compiled SPIR-V (cached for verification)
	spirvCode []uint32

	initialized bool
}

// NewBinner creates a GPU binner on the given device.
// Returns an error if GPU compute is not supported.
func NewBinner(device hal.Device, queue hal.Queue) (*Binner, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("native: device and queue are required")
	}

	b := &Binner{device: device, queue: queue}
	if err := b.init(); err != nil {
		b.Destroy()
		return nil, err
	}
	return b, nil
}

// Register creates a binner and installs it as the process-wide
// binning accelerator for pyramid builds.
func Register(device hal.Device, queue hal.Queue) (*Binner, error) {
	b, err := NewBinner(device, queue)
	if err != nil {
		return nil, err
	}
	if err := dotdb.RegisterBinAccelerator(b); err != nil {
		b.Destroy()
		return nil, err
	}
	return b, nil
}

func (b *Binner) init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	spirvBytes, err := naga.Compile(binShaderWGSL)
	if err != nil {
		return fmt.Errorf("native: failed to compile bin shader: %w", err)
	}
	b.spirvCode = make([]uint32, len(spirvBytes)/4)
	for i := range b.spirvCode {
		b.spirvCode[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	shaderModule, err := b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: "bin_shader",
		Source: hal.ShaderSource{
			SPIRV: b.spirvCode,
		},
	})
	if err != nil {
		return fmt.Errorf("native: failed to create shader module: %w", err)
	}
	b.shaderModule = shaderModule

	if err := b.createBindGroupLayouts(); err != nil {
		return err
	}
	if err := b.createPipelineLayout(); err != nil {
		return err
	}
	if err := b.createPipelines(); err != nil {
		return err
	}

	b.initialized = true
	return nil
}

func (b *Binner) createBindGroupLayouts() error {
	// Input bind group layout (group 0): config + segments.
	inputLayout, err := b.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "bin_input_layout",
		Entries: []types.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: types.ShaderStageCompute,
				Buffer: &types.BufferBindingLayout{
					Type:           types.BufferBindingTypeUniform,
					MinBindingSize: 16, // sizeof(Config)
				},
			},
			{
				Binding:    1,
				Visibility: types.ShaderStageCompute,
				Buffer: &types.BufferBindingLayout{
					Type: types.BufferBindingTypeReadOnlyStorage,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("native: failed to create input bind group layout: %w", err)
	}
	b.inputBindLayout = inputLayout

	// Output bind group layout (group 1): count and balance grids.
	outputLayout, err := b.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "bin_output_layout",
		Entries: []types.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: types.ShaderStageCompute,
				Buffer: &types.BufferBindingLayout{
					Type: types.BufferBindingTypeStorage,
				},
			},
			{
				Binding:    1,
				Visibility: types.ShaderStageCompute,
				Buffer: &types.BufferBindingLayout{
					Type: types.BufferBindingTypeStorage,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("native: failed to create output bind group layout: %w", err)
	}
	b.outputBindLayout = outputLayout

	return nil
}

func (b *Binner) createPipelineLayout() error {
	layout, err := b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "bin_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{b.inputBindLayout, b.outputBindLayout},
	})
	if err != nil {
		return fmt.Errorf("native: failed to create pipeline layout: %w", err)
	}
	b.pipelineLayout = layout
	return nil
}

func (b *Binner) createPipelines() error {
	binPipeline, err := b.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  "bin_pipeline",
		Layout: b.pipelineLayout,
		Compute: hal.ComputeState{
			Module:     b.shaderModule,
			EntryPoint: "cs_bin",
		},
	})
	if err != nil {
		return fmt.Errorf("native: failed to create bin pipeline: %w", err)
	}
	b.binPipeline = binPipeline

	clearPipeline, err := b.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  "bin_clear_pipeline",
		Layout: b.pipelineLayout,
		Compute: hal.ComputeState{
			Module:     b.shaderModule,
			EntryPoint: "cs_clear",
		},
	})
	if err != nil {
		return fmt.Errorf("native: failed to create clear pipeline: %w", err)
	}
	b.clearPipeline = clearPipeline

	return nil
}

// Name implements dotdb.BinAccelerator.
func (b *Binner) Name() string { return "wgpu-compute" }

// BinSegments implements dotdb.BinAccelerator. Grids larger than the
// dense buffer budget are declined with dotdb.ErrFallbackToCPU.
func (b *Binner) BinSegments(segments []dotdb.BinSegment, gridSize uint32) ([]dotdb.BinCell, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil, fmt.Errorf("native: binner not initialized: %w", dotdb.ErrFallbackToCPU)
	}
	if gridSize == 0 || gridSize > maxGridSize {
		return nil, fmt.Errorf("native: grid %d exceeds buffer budget: %w", gridSize, dotdb.ErrFallbackToCPU)
	}
	if len(segments) == 0 {
		return nil, nil
	}

	gpuSegments := convertSegments(segments)
	config := GPUBinConfig{
		GridSize:     gridSize,
		SegmentCount: uint32(len(gpuSegments)),
	}

	// GPU infrastructure is ready, but buffer binding needs a HAL
	// extension. Run the shader's algorithm on dense grids here; the
	// output layout is exactly what the GPU readback will produce.
	counts, balances := b.dispatchCPU(gpuSegments, config)

	return collectCells(counts, balances, gridSize), nil
}

func convertSegments(segments []dotdb.BinSegment) []GPUBinSegment {
	out := make([]GPUBinSegment, len(segments))
	for i, s := range segments {
		delta := int32(1)
		if s.Strand == dotdb.Reverse {
			delta = -1
		}
		out[i] = GPUBinSegment{
			X0:          s.X0,
			Y0:          s.Y0,
			X1:          s.X1,
			Y1:          s.Y1,
			StrandDelta: delta,
		}
	}
	return out
}

// dispatchCPU mirrors cs_bin in bin.wgsl over dense grids.
func (b *Binner) dispatchCPU(segments []GPUBinSegment, config GPUBinConfig) (counts []uint32, balances []int32) {
	cells := int(config.GridSize) * int(config.GridSize)
	counts = make([]uint32, cells)
	balances = make([]int32, cells)

	for _, seg := range segments {
		x, y := int64(seg.X0), int64(seg.Y0)
		x1, y1 := int64(seg.X1), int64(seg.Y1)

		dx := absInt64(x1 - x)
		sx := int64(1)
		if x > x1 {
			sx = -1
		}
		dy := -absInt64(y1 - y)
		sy := int64(1)
		if y > y1 {
			sy = -1
		}
		e := dx + dy

		for {
			bin := uint64(y)*uint64(config.GridSize) + uint64(x)
			counts[bin]++
			balances[bin] += seg.StrandDelta

			if x == x1 && y == y1 {
				break
			}
			e2 := 2 * e
			if e2 >= dy {
				e += dy
				x += sx
			}
			if e2 <= dx {
				e += dx
				y += sy
			}
		}
	}
	return counts, balances
}

// collectCells gathers non-empty bins. Row-major traversal of the
// dense grid yields the (Y, X) order the determinism contract
// requires.
func collectCells(counts []uint32, balances []int32, gridSize uint32) []dotdb.BinCell {
	var cells []dotdb.BinCell
	for y := uint32(0); y < gridSize; y++ {
		row := uint64(y) * uint64(gridSize)
		for x := uint32(0); x < gridSize; x++ {
			if c := counts[row+uint64(x)]; c != 0 {
				cells = append(cells, dotdb.BinCell{
					X:             x,
					Y:             y,
					Count:         c,
					StrandBalance: balances[row+uint64(x)],
				})
			}
		}
	}
	return cells
}

// SPIRVCode returns the compiled SPIR-V code (for debugging/verification).
func (b *Binner) SPIRVCode() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spirvCode
}

// Destroy releases all GPU resources.
func (b *Binner) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil {
		return
	}

	if b.binPipeline != nil {
		b.device.DestroyComputePipeline(b.binPipeline)
		b.binPipeline = nil
	}
	if b.clearPipeline != nil {
		b.device.DestroyComputePipeline(b.clearPipeline)
		b.clearPipeline = nil
	}
	if b.pipelineLayout != nil {
		b.device.DestroyPipelineLayout(b.pipelineLayout)
		b.pipelineLayout = nil
	}
	if b.inputBindLayout != nil {
		b.device.DestroyBindGroupLayout(b.inputBindLayout)
		b.inputBindLayout = nil
	}
	if b.outputBindLayout != nil {
		b.device.DestroyBindGroupLayout(b.outputBindLayout)
		b.outputBindLayout = nil
	}
	if b.shaderModule != nil {
		b.device.DestroyShaderModule(b.shaderModule)
		b.shaderModule = nil
	}

	b.initialized = false
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
