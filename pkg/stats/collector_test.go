package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_TrackOperation(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpUpdate)
	collector.TrackOperation(OpUpdate)
	collector.TrackOperation(OpSplit)

	stats := collector.GetStats()

	if stats["update_ops"].(uint64) != 2 {
		t.Errorf("expected 2 update operations, got %v", stats["update_ops"])
	}
	if stats["split_ops"].(uint64) != 1 {
		t.Errorf("expected 1 split operation, got %v", stats["split_ops"])
	}
	if _, exists := stats["last_update_time"]; !exists {
		t.Error("expected last_update_time to exist in stats")
	}
}

func TestCollector_TrackOperationWithLatency(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperationWithLatency(OpFetch, 100)
	collector.TrackOperationWithLatency(OpFetch, 300)
	collector.TrackOperationWithLatency(OpFetch, 200)

	latencyStats, ok := collector.GetStats()["fetch_latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected fetch_latency map")
	}
	if latencyStats["count"].(uint64) != 3 {
		t.Errorf("expected 3 samples, got %v", latencyStats["count"])
	}
	if latencyStats["avg_ns"].(uint64) != 200 {
		t.Errorf("expected avg 200, got %v", latencyStats["avg_ns"])
	}
	if latencyStats["min_ns"].(uint64) != 100 {
		t.Errorf("expected min 100, got %v", latencyStats["min_ns"])
	}
	if latencyStats["max_ns"].(uint64) != 300 {
		t.Errorf("expected max 300, got %v", latencyStats["max_ns"])
	}
}

func TestCollector_Counters(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackBytes(true, 1000)
	collector.TrackBytes(false, 500)
	collector.TrackTensorBytes(4096)
	collector.TrackSlots(3, 1)
	collector.TrackError("resource_exhausted")
	collector.TrackError("resource_exhausted")

	stats := collector.GetStats()
	if stats["total_bytes_written"].(uint64) != 1000 || stats["total_bytes_read"].(uint64) != 500 {
		t.Errorf("unexpected byte counters: %v / %v", stats["total_bytes_written"], stats["total_bytes_read"])
	}
	if stats["tensor_bytes"].(uint64) != 4096 {
		t.Errorf("expected 4096 tensor bytes, got %v", stats["tensor_bytes"])
	}
	if stats["slots_allocated"].(uint64) != 3 || stats["slots_released"].(uint64) != 1 {
		t.Errorf("unexpected slot counters: %v / %v", stats["slots_allocated"], stats["slots_released"])
	}
	if errs := stats["errors"].(map[string]uint64); errs["resource_exhausted"] != 2 {
		t.Errorf("expected 2 resource_exhausted errors, got %v", errs)
	}
}

func TestCollector_Recovery(t *testing.T) {
	collector := NewAtomicCollector()

	start := collector.StartRecovery()
	time.Sleep(2 * time.Millisecond)
	collector.FinishRecovery(start, 7, 1)

	recovery := collector.GetStats()["recovery"].(map[string]interface{})
	if recovery["objects_recovered"].(uint64) != 7 {
		t.Errorf("expected 7 recovered objects, got %v", recovery["objects_recovered"])
	}
	if recovery["corrupted_objects"].(uint64) != 1 {
		t.Errorf("expected 1 corrupted object, got %v", recovery["corrupted_objects"])
	}
	if _, ok := recovery["recovery_duration_ms"]; !ok {
		t.Error("expected recovery duration to be reported")
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewAtomicCollector()
	const goroutines, perG = 8, 500

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				collector.TrackOperationWithLatency(OpQuery, uint64(i+1))
				collector.TrackError("io")
			}
		}(g)
	}
	wg.Wait()

	stats := collector.GetStats()
	if stats["query_ops"].(uint64) != goroutines*perG {
		t.Errorf("expected %d query ops, got %v", goroutines*perG, stats["query_ops"])
	}
}

func TestCollector_GetStatsFiltered(t *testing.T) {
	collector := NewAtomicCollector()
	collector.TrackOperation(OpSeal)
	collector.TrackOperation(OpSplit)

	filtered := collector.GetStatsFiltered("se")
	if _, ok := filtered["seal_ops"]; !ok {
		t.Error("expected seal_ops in filtered stats")
	}
	if _, ok := filtered["split_ops"]; ok {
		t.Error("split_ops should have been filtered out")
	}
}
