//go:build !cuda

package llm

// This file keeps default builds free of any CUDA probing. CUDA placement
// fails with FeatureNotEnabled and auto never selects it.

const cudaBuilt = false

func cudaDeviceCount() int { return 0 }
