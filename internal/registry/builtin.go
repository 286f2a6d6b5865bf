package registry

import "github.com/somatechlat/vortex/internal/graph"

// Built-in descriptor set for the default diffusion op inventory. Real
// installations replace or extend this from the package manager's manifest.

func numParam(params map[string]interface{}, key string, fallback int64) int64 {
	if v, ok := params[key]; ok {
		if f, ok := v.(float64); ok {
			return int64(f)
		}
		if n, ok := v.(int64); ok {
			return n
		}
		if n, ok := v.(int); ok {
			return int64(n)
		}
	}
	return fallback
}

func imageBytes(w, h, c int64) uint64 {
	return uint64(w * h * c * 4) // float32 channels
}

// Default returns the built-in registry.
func Default() *Registry {
	r := New()

	r.Register(&Descriptor{
		Op:      "loader.image",
		Outputs: []graph.Port{{Name: "image", Type: "image"}},
		Params: []ParamSpec{
			{Name: "path", Kind: KindString, Required: true},
		},
		Cost: func(_ map[string]ShapeInfo, params map[string]interface{}) Cost {
			w := numParam(params, "width", 1024)
			h := numParam(params, "height", 1024)
			size := imageBytes(w, h, 3)
			return Cost{
				PeakBytes: size,
				Outputs: map[string]OutputSpec{
					"image": {DType: "f32", Shape: []int64{h, w, 3}, Bytes: size},
				},
			}
		},
	})

	r.Register(&Descriptor{
		Op:      "clip.encode",
		Inputs:  []graph.Port{},
		Outputs: []graph.Port{{Name: "conditioning", Type: "conditioning"}},
		Params: []ParamSpec{
			{Name: "text", Kind: KindString, Required: true},
		},
		Cost: func(_ map[string]ShapeInfo, _ map[string]interface{}) Cost {
			const size = 77 * 2048 * 4
			return Cost{
				PeakBytes: size * 2,
				Outputs: map[string]OutputSpec{
					"conditioning": {DType: "f32", Shape: []int64{77, 2048}, Bytes: size},
				},
			}
		},
	})

	r.Register(&Descriptor{
		Op: "latent.empty",
		Outputs: []graph.Port{
			{Name: "latent", Type: "latent"},
		},
		Params: []ParamSpec{
			{Name: "width", Kind: KindNumber, Required: false},
			{Name: "height", Kind: KindNumber, Required: false},
			{Name: "batch", Kind: KindNumber, Required: false},
		},
		Cost: func(_ map[string]ShapeInfo, params map[string]interface{}) Cost {
			w := numParam(params, "width", 1024) / 8
			h := numParam(params, "height", 1024) / 8
			b := numParam(params, "batch", 1)
			size := uint64(b*h*w*4) * 4
			return Cost{
				PeakBytes: size,
				Outputs: map[string]OutputSpec{
					"latent": {DType: "f32", Shape: []int64{b, 4, h, w}, Bytes: size},
				},
			}
		},
	})

	r.Register(&Descriptor{
		Op: "sampler.k",
		Inputs: []graph.Port{
			{Name: "latent", Type: "latent"},
			{Name: "conditioning", Type: "conditioning"},
		},
		Outputs: []graph.Port{{Name: "latent", Type: "latent"}},
		Params: []ParamSpec{
			{Name: "seed", Kind: KindNumber, Required: true},
			{Name: "steps", Kind: KindNumber, Required: false},
			{Name: "cfg", Kind: KindNumber, Required: false},
		},
		Cost: func(inputs map[string]ShapeInfo, _ map[string]interface{}) Cost {
			var latent ShapeInfo
			if in, ok := inputs["latent"]; ok {
				latent = in
			} else {
				latent = ShapeInfo{DType: "f32", Shape: []int64{1, 4, 128, 128}, Bytes: 4 * 128 * 128 * 4}
			}
			// The UNet working set dominates: several latent-sized buffers
			// per denoising step.
			return Cost{
				PeakBytes: latent.Bytes * 6,
				Outputs: map[string]OutputSpec{
					"latent": {DType: latent.DType, Shape: latent.Shape, Bytes: latent.Bytes},
				},
			}
		},
	})

	r.Register(&Descriptor{
		Op:      "vae.decode",
		Inputs:  []graph.Port{{Name: "latent", Type: "latent"}},
		Outputs: []graph.Port{{Name: "image", Type: "image"}},
		Cost: func(inputs map[string]ShapeInfo, _ map[string]interface{}) Cost {
			var latentBytes uint64 = 4 * 128 * 128 * 4
			var shape = []int64{1024, 1024, 3}
			if in, ok := inputs["latent"]; ok && len(in.Shape) == 4 {
				latentBytes = in.Bytes
				shape = []int64{in.Shape[2] * 8, in.Shape[3] * 8, 3}
			}
			out := latentBytes * 64 * 3 / 4
			return Cost{
				PeakBytes: latentBytes + out*2,
				Outputs: map[string]OutputSpec{
					"image": {DType: "f32", Shape: shape, Bytes: out},
				},
			}
		},
	})

	return r
}

// Fallback returns a generic cost for ops without a registered descriptor.
// Used only when a registry is built permissively for tests.
func Fallback(inputs map[string]ShapeInfo) Cost {
	var total uint64
	for _, in := range inputs {
		total += in.Bytes
	}
	if total == 0 {
		total = 16 << 20
	}
	return Cost{
		PeakBytes: total * 2,
		Outputs: map[string]OutputSpec{
			"out": {DType: "f32", Shape: []int64{int64(total / 4)}, Bytes: total},
		},
	}
}
