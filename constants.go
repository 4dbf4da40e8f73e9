package vbd

// DeviceType is the virtio device-type identifier for the balloon
// class, advertised to the guest at probe time.
const DeviceType = 5

// Feature bits the device may advertise in avail_features.
const (
	FeatureVersion1     uint64 = 1 << 0 // VIRTIO_F_VERSION_1, bit 32 on the wire; tracked here as a logical flag
	FeatureStatsVQ      uint64 = 1 << 1
	FeatureDeflateOnOOM uint64 = 1 << 2
	FeatureReporting    uint64 = 1 << 5
	FeatureHeteroMem    uint64 = 1 << 6
)

// Fixed queue depths per spec.md §4.4: the two mandatory queues are
// always depth 128; stats and reporting each add one depth-32 queue;
// hetero adds two depth-128 queues.
const (
	baseQueueDepth     = 128
	optionalQueueDepth = 32
	heteroQueueDepth   = 128
)

// hostPageShift is the fixed 4 KiB assumption activate() enforces.
const hostPageShift = 12
