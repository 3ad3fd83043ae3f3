package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/kvblock"
	"github.com/KevoDB/kvcache/pkg/objstore"
	"github.com/KevoDB/kvcache/pkg/tensor"
)

var (
	benchmarkType = pflag.String("type", "all", "Benchmarks to run: update, split, seal, fetch, make or all")
	duration      = pflag.Duration("duration", 5*time.Second, "Duration of each benchmark")
	workers       = pflag.Int("workers", runtime.GOMAXPROCS(0), "Concurrent workers, each with its own builders")
	slotWidth     = pflag.Int("slot-width", 1024, "Slot width in bytes")
	layers        = pflag.Int("layers", 8, "Layers per block")
	capacity      = pflag.Int("capacity", 64, "Slots per block")
	backend       = pflag.String("backend", "memory", "Object store backend: memory or disk")
	dataDir       = pflag.String("data-dir", "./benchmark-data", "Directory for the disk backend")
	compression   = pflag.String("compression", "none", "Record compression: none, snappy or zstd")
	copyThreshold = pflag.Int("copy-threshold", tensor.DefaultConcurrentThreshold, "Copies at least this large are split across goroutines")
	cpuProfile    = pflag.String("cpu-profile", "", "Write CPU profile to file")
	resultsFile   = pflag.String("results", "", "CSV file to write results to")
)

// bench holds what every benchmark shares
type bench struct {
	store objstore.Store
	alloc *tensor.HeapAllocator
	opts  []kvblock.Option
	token []kvblock.KV
}

func main() {
	pflag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	b, cleanup, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	benchmarks := map[string]func(context.Context) (BenchmarkResult, error){
		"update": b.runUpdate,
		"split":  b.runSplit,
		"seal":   b.runSeal,
		"fetch":  b.runFetch,
		"make":   b.runMake,
	}
	order := []string{"update", "split", "seal", "fetch", "make"}

	types := strings.Split(*benchmarkType, ",")
	if len(types) == 1 && types[0] == "all" {
		types = order
	}

	var results []BenchmarkResult
	for _, typ := range types {
		run, ok := benchmarks[strings.ToLower(strings.TrimSpace(typ))]
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown benchmark type: %s\n", typ)
			os.Exit(1)
		}
		fmt.Printf("Running %s benchmark...\n", typ)
		result, err := run(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s benchmark failed: %v\n", typ, err)
			os.Exit(1)
		}
		results = append(results, result)
	}

	PrintResultTable(results)

	if *resultsFile != "" {
		if err := SaveResultCSV(results, *resultsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Results written to %s\n", *resultsFile)
	}
}

func setup() (*bench, func(), error) {
	logger := log.NewStandardLogger(log.WithLevel(log.LevelWarn))
	codec, err := objstore.ParseCodec(*compression)
	if err != nil {
		return nil, nil, err
	}
	storeOpts := []objstore.Option{objstore.WithLogger(logger), objstore.WithCodec(codec)}

	var store objstore.Store
	cleanup := func() {}
	switch *backend {
	case "memory":
		store = objstore.NewMemoryStore(1, storeOpts...)
	case "disk":
		if err := os.RemoveAll(*dataDir); err != nil {
			return nil, nil, fmt.Errorf("failed to clean benchmark directory: %w", err)
		}
		disk, err := objstore.OpenDiskStore(*dataDir, 1, storeOpts...)
		if err != nil {
			return nil, nil, err
		}
		store = disk
		cleanup = func() { disk.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", *backend)
	}

	token := make([]kvblock.KV, *layers)
	for l := range token {
		token[l] = kvblock.KV{Key: make([]byte, *slotWidth), Value: make([]byte, *slotWidth)}
		for i := range token[l].Key {
			token[l].Key[i] = byte(i + l)
			token[l].Value[i] = byte(i * l)
		}
	}

	return &bench{
		store: store,
		alloc: tensor.NewHeapAllocator(0),
		opts: []kvblock.Option{
			kvblock.WithLogger(logger),
			kvblock.WithCopier(&tensor.Copier{Threshold: *copyThreshold}),
		},
		token: token,
	}, cleanup, nil
}

func (b *bench) newBuilder() (*kvblock.Builder, error) {
	return kvblock.NewBuilder(b.alloc, *slotWidth, *layers, *capacity, b.opts...)
}

// fill updates builder until it is full
func (b *bench) fill(builder *kvblock.Builder) error {
	for !builder.IsFull() {
		if _, err := builder.Update(b.token); err != nil {
			return err
		}
	}
	return nil
}

// runWorkers calls op from every worker until the duration elapses. op returns
// how many operations it performed.
func runWorkers(ctx context.Context, name string, op func() (int, error)) (BenchmarkResult, error) {
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var ops atomic.Int64
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				n, err := op()
				if err != nil {
					return err
				}
				ops.Add(int64(n))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BenchmarkResult{}, err
	}
	return newResult(name, int(ops.Load()), time.Since(start)), nil
}

func (b *bench) runUpdate(ctx context.Context) (BenchmarkResult, error) {
	return runWorkers(ctx, "Update", func() (int, error) {
		builder, err := b.newBuilder()
		if err != nil {
			return 0, err
		}
		defer builder.Discard()
		return builder.Capacity(), b.fill(builder)
	})
}

func (b *bench) runSplit(ctx context.Context) (BenchmarkResult, error) {
	return runWorkers(ctx, "Split", func() (int, error) {
		parent, err := b.newBuilder()
		if err != nil {
			return 0, err
		}
		defer parent.Discard()
		child, err := b.newBuilder()
		if err != nil {
			return 0, err
		}
		defer child.Discard()

		if err := b.fill(parent); err != nil {
			return 0, err
		}
		for i := 0; i < parent.Capacity(); i++ {
			if _, err := parent.Split(child, i); err != nil {
				return 0, err
			}
		}
		return parent.Capacity(), nil
	})
}

func (b *bench) sealOne(ctx context.Context) (*kvblock.Block, error) {
	builder, err := b.newBuilder()
	if err != nil {
		return nil, err
	}
	if err := b.fill(builder); err != nil {
		builder.Discard()
		return nil, err
	}
	return builder.Seal(ctx, b.store)
}

func (b *bench) runSeal(ctx context.Context) (BenchmarkResult, error) {
	return runWorkers(ctx, "Seal", func() (int, error) {
		blk, err := b.sealOne(context.Background())
		if err != nil {
			return 0, err
		}
		return 1, b.store.DeleteObject(context.Background(), blk.ID())
	})
}

// publish seals one block per worker for the read benchmarks
func (b *bench) publish(ctx context.Context) ([]objstore.ObjectID, error) {
	ids := make([]objstore.ObjectID, *workers)
	g, ctx := errgroup.WithContext(ctx)
	for i := range ids {
		g.Go(func() error {
			blk, err := b.sealOne(ctx)
			if err != nil {
				return err
			}
			ids[i] = blk.ID()
			return nil
		})
	}
	return ids, g.Wait()
}

func (b *bench) runFetch(ctx context.Context) (BenchmarkResult, error) {
	ids, err := b.publish(ctx)
	if err != nil {
		return BenchmarkResult{}, err
	}
	var next atomic.Uint64
	return runWorkers(ctx, "Fetch", func() (int, error) {
		id := ids[next.Add(1)%uint64(len(ids))]
		obj, err := b.store.FetchObject(context.Background(), id)
		if err != nil {
			return 0, err
		}
		if _, err := kvblock.FromObject(obj); err != nil {
			return 0, err
		}
		return 1, nil
	})
}

func (b *bench) runMake(ctx context.Context) (BenchmarkResult, error) {
	ids, err := b.publish(ctx)
	if err != nil {
		return BenchmarkResult{}, err
	}
	var next atomic.Uint64
	return runWorkers(ctx, "Make", func() (int, error) {
		id := ids[next.Add(1)%uint64(len(ids))]
		builder, err := kvblock.MakeBuilder(context.Background(), b.store, b.alloc, id, b.opts...)
		if err != nil {
			return 0, err
		}
		builder.Discard()
		return 1, nil
	})
}
