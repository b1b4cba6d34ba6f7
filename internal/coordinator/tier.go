package coordinator

import (
	"errors"
	"fmt"

	"github.com/st7ma784/CMACatalyst-sub011/shared/protocol"
)

// ErrInvalidCapabilities is returned when a capability report matches no tier.
var ErrInvalidCapabilities = errors.New("capabilities match no tier")

// Classification thresholds. A GPU below MinVRAMGB cannot hold a model, so
// the worker falls through to the lower tiers.
const (
	MinVRAMGB        = 4
	EdgeLatencyMS    = 50
	MinStorageDiskGB = 100
	MinCPUCores      = 2
	MinCPUMemoryMB   = 1024
)

// ClassifyTier maps a capability report to a tier. The evaluation order is
// fixed: GPU, then edge, then storage, then CPU as the fallback. An explicit
// WORKER_TYPE hint other than "auto" wins over detection.
func ClassifyTier(caps protocol.Capabilities) (protocol.Tier, error) {
	if caps.TypeHint != "" && caps.TypeHint != "auto" {
		t := protocol.Tier(caps.TypeHint)
		if !t.Valid() {
			return "", fmt.Errorf("%w: unknown worker type hint %q", ErrInvalidCapabilities, caps.TypeHint)
		}
		return t, nil
	}

	switch {
	case caps.HasGPU && caps.VRAMGB >= MinVRAMGB:
		return protocol.TierGPU, nil
	case caps.HasPublicIP || (caps.LatencyMS > 0 && caps.LatencyMS < EdgeLatencyMS):
		return protocol.TierEdge, nil
	case caps.DiskType != "" && caps.DiskGB >= MinStorageDiskGB:
		return protocol.TierStorage, nil
	case caps.CoreCount >= MinCPUCores && caps.MemoryMB >= MinCPUMemoryMB:
		return protocol.TierCPU, nil
	}
	return "", ErrInvalidCapabilities
}
