package metrics

// gaugeFields is not used at runtime. It exists so cmd/mcmetricsgen can
// parse its struct tags with go/ast and regenerate generated_descriptors.go
// whenever a gauge is added or renamed here, the same way the teacher's
// cmd/prom-metrics-gen walks a tagged struct to regenerate pkg/exporter.
//
// Run: go run ./cmd/mcmetricsgen
type gaugeFields struct {
	SlabCount      int `mc:"name='mccore_slab_ring_slabs',prom_help='Current number of slabs in the staging ring.'"`
	SlabBytes      int `mc:"name='mccore_slab_ring_bytes',prom_help='Current filled bytes in the staging ring.'"`
	InflightChunks int `mc:"name='mccore_rdma_inflight_chunks',prom_help='Chunks with an RDMA WRITE currently in flight.'"`
}
