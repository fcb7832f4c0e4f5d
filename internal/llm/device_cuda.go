//go:build cuda

package llm

import (
	"os/exec"
	"strings"
)

// cudaBuilt indicates the llama-server in use was built with CUDA offload.
const cudaBuilt = true

// cudaDeviceCount asks nvidia-smi for visible GPUs; 0 when the driver is
// missing.
func cudaDeviceCount() int {
	out, err := exec.Command("nvidia-smi", "--query-gpu=index", "--format=csv,noheader").Output()
	if err != nil {
		return 0
	}
	n := 0
	for _, l := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}
