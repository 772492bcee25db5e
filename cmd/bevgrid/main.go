package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"runtime/pprof"
	"time"

	"context"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roadscene/bevgrid/internal/egomotion"
	"github.com/roadscene/bevgrid/internal/export"
	"github.com/roadscene/bevgrid/internal/statecache"
	"github.com/roadscene/bevgrid/internal/tensor"
	"github.com/roadscene/bevgrid/internal/transformer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	bevH       = flag.Int("bev-h", 50, "BEV grid height in cells")
	bevW       = flag.Int("bev-w", 50, "BEV grid width in cells")
	numCams    = flag.Int("cams", 6, "Number of cameras")
	numLevels  = flag.Int("levels", 4, "Number of feature pyramid levels")
	numQuery   = flag.Int("queries", 900, "Number of object queries")
	embedDims  = flag.Int("embed-dims", 256, "Embedding dimensionality")
	decLayers  = flag.Int("decoder-layers", 3, "Number of decoder layers")
	gridRes    = flag.Float64("grid-res", 0.512, "Metric size of one BEV cell in meters")
	frames     = flag.Int("frames", 3, "Number of frames to run in the synthetic sequence")
	sceneID    = flag.String("scene", "scene-0", "Scene identifier keying the temporal state cache")
	shiftMode  = flag.String("shift", "standard", "Ego shift convention (off, standard, alternate)")
	rotateMode = flag.String("rotate", "center", "Previous-state rotation mode (off, center, anchor)")
	encodeOnly = flag.Bool("encode-only", false, "Skip query decoding, produce BEV states only")
	seed       = flag.Int64("seed", 42, "Seed for synthetic inputs and weight init")
	duration   = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	serverAddr = flag.String("server", "", "Feature store Flight address (e.g., localhost:3000)")
	dataset    = flag.String("dataset", "bevgrid_dataset", "Target dataset name on server")
	snapPath   = flag.String("snapshot", "", "Write the final BEV state to this CBOR file")
	listenAddr = flag.String("listen", "", "Address to serve /metrics and /health on (e.g. :8080)")
	enableOTel = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func parseShift(s string) (egomotion.ShiftMode, error) {
	switch s {
	case "off":
		return egomotion.ShiftOff, nil
	case "standard":
		return egomotion.ShiftStandard, nil
	case "alternate":
		return egomotion.ShiftAlternate, nil
	}
	return 0, fmt.Errorf("unknown shift mode %q", s)
}

func parseRotate(s string) (egomotion.RotateMode, error) {
	switch s {
	case "off":
		return egomotion.RotateOff, nil
	case "center":
		return egomotion.RotateCenter, nil
	case "anchor":
		return egomotion.RotateAnchor, nil
	}
	return 0, fmt.Errorf("unknown rotate mode %q", s)
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *listenAddr != "" {
		go serveMetrics(*listenAddr)
	}

	shift, err := parseShift(*shiftMode)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad -shift flag")
	}
	rotate, err := parseRotate(*rotateMode)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad -rotate flag")
	}

	cfg := transformer.DefaultConfig()
	cfg.NumFeatureLevels = *numLevels
	cfg.NumCams = *numCams
	cfg.NumQuery = *numQuery
	cfg.EmbedDims = *embedDims
	cfg.UseShift = shift
	cfg.RotatePrevBEV = rotate
	cfg.EncoderOnly = *encodeOnly

	backend := tensor.NewCPUBackend()
	fusion := transformer.NewNaiveFusion(backend)

	var decoder transformer.DecodeSequence
	if !cfg.EncoderOnly {
		decoder = transformer.NewNaiveDecoder(backend, *decLayers)
	}

	model, err := transformer.New(cfg, fusion, decoder, backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build transformer")
	}
	log.Info().
		Int("bev_h", *bevH).Int("bev_w", *bevW).
		Int("cams", cfg.NumCams).Int("levels", cfg.NumFeatureLevels).
		Int("queries", cfg.NumQuery).Int("embed_dims", cfg.EmbedDims).
		Bool("encoder_only", cfg.EncoderOnly).
		Msg("BEV transformer ready")

	var shipper *export.FlightClient
	breaker := export.NewCircuitBreaker(5, 10*time.Second)
	if *serverAddr != "" {
		shipper, err = export.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := shipper.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Msg("Connected to feature store")
	}

	driver := &sequenceDriver{
		model:   model,
		backend: backend,
		cache:   statecache.NewMapCache(),
		rng:     rand.New(rand.NewSource(*seed)),
		shipper: shipper,
		breaker: breaker,
		builder: export.NewRecordBuilder(memory.NewGoAllocator()),
	}

	if *duration > 0 {
		log.Info().Str("duration", duration.String()).Msg("Starting soak test")
		startTime := time.Now()
		endTime := startTime.Add(*duration)
		var totalFrames int64

		for time.Now().Before(endTime) {
			if err := driver.step(context.Background()); err != nil {
				log.Fatal().Err(err).Msg("Forward pass failed")
			}
			totalFrames++
			if totalFrames%10 == 0 {
				elapsed := time.Since(startTime)
				log.Info().
					Str("elapsed", elapsed.Round(time.Second).String()).
					Int64("total_frames", totalFrames).
					Float64("fps", float64(totalFrames)/elapsed.Seconds()).
					Msg("Soak test progress")
			}
		}

		totalElapsed := time.Since(startTime)
		log.Info().
			Int64("total_frames", totalFrames).
			Dur("total_time", totalElapsed).
			Float64("avg_fps", float64(totalFrames)/totalElapsed.Seconds()).
			Msg("Soak test complete")
		return
	}

	start := time.Now()
	for i := 0; i < *frames; i++ {
		if err := driver.step(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("Forward pass failed")
		}
	}
	elapsed := time.Since(start)
	log.Info().
		Int("frames", *frames).
		Dur("elapsed", elapsed).
		Float64("fps", float64(*frames)/elapsed.Seconds()).
		Msg("Sequence complete")

	if *snapPath != "" {
		if err := driver.writeSnapshot(*snapPath); err != nil {
			log.Fatal().Err(err).Msg("Snapshot write failed")
		}
		log.Info().Str("path", *snapPath).Msg("Wrote BEV snapshot")
	}

	if *listenAddr != "" {
		select {}
	}
}

// sequenceDriver feeds synthetic frames through the transformer, carrying
// the BEV state across frames the way a real perception loop would.
type sequenceDriver struct {
	model   *transformer.Transformer
	backend tensor.Backend
	cache   statecache.Cache
	rng     *rand.Rand

	shipper *export.FlightClient
	breaker *export.CircuitBreaker
	builder *export.RecordBuilder

	frame      int
	heading    float64 // radians, accumulated along the synthetic path
	bevQueries tensor.Tensor
	queryEmbed tensor.Tensor
}

func (d *sequenceDriver) step(ctx context.Context) error {
	cfg := d.model.Config()
	h, w, e := *bevH, *bevW, cfg.EmbedDims

	if d.bevQueries == nil {
		d.bevQueries = d.randTensor([]int{h * w, e})
		d.queryEmbed = d.randTensor([]int{cfg.NumQuery, 2 * e})
	}

	feats := make([]tensor.Tensor, cfg.NumFeatureLevels)
	fh, fw := 32, 32
	for l := 0; l < cfg.NumFeatureLevels; l++ {
		feats[l] = d.randTensor([]int{1, cfg.NumCams, e, fh, fw})
		if fh > 1 {
			fh /= 2
			fw /= 2
		}
	}

	// Drive a gentle arc: ~0.5m per frame, turning 2 degrees per frame.
	d.heading += 2 * math.Pi / 180
	canBus := make([]float32, egomotion.CANBusLen)
	canBus[0] = float32(0.5 * math.Cos(d.heading))
	canBus[1] = float32(0.5 * math.Sin(d.heading))
	canBus[16] = float32(d.heading)
	canBus[17] = float32(2.0)

	var prev tensor.Tensor
	if st, ok := d.cache.Get(*sceneID); ok {
		prev = d.backend.NewTensor([]int{st.BEVH * st.BEVW, st.Batch, st.Dims}, st.Data)
	}

	req := &transformer.ForwardRequest{
		Encode: transformer.EncodeRequest{
			MLVLFeats:  feats,
			BEVQueries: d.bevQueries,
			BEVPos:     d.randTensor([]int{1, e, h, w}),
			CANBus:     canBus,
			PrevBEV:    prev,
			BEVH:       h,
			BEVW:       w,
			GridLength: [2]float64{*gridRes, *gridRes},
		},
		Decode: transformer.DecodeRequest{
			QueryEmbed: d.queryEmbed,
		},
		ReturnBEV: true,
	}

	res, err := d.model.Forward(ctx, req)
	if err != nil {
		return err
	}
	d.frame++

	bevData := append([]float32(nil), res.BEV.Data()...)
	d.cache.Put(*sceneID, statecache.State{
		BEVH: h, BEVW: w, Batch: 1, Dims: e, Data: bevData,
	})

	ev := log.Info().Int("frame", d.frame).Str("scene", *sceneID)
	if res.Decode != nil {
		s := res.Decode.States.Shape()
		ev = ev.Int("decoder_layers", s[0]).Int("queries", s[1])
	}
	ev.Msg("Frame fused")

	if d.shipper != nil {
		d.ship(ctx, bevData, h, w, e)
	}
	return nil
}

// ship sends the frame's BEV grid to the feature store, skipping quietly
// while the breaker is open.
func (d *sequenceDriver) ship(ctx context.Context, data []float32, h, w, e int) {
	if !d.breaker.Allow() {
		log.Warn().Int("frame", d.frame).Msg("Export circuit open, dropping frame")
		return
	}

	rec, err := d.builder.BuildRecord(data, h, w, e)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build record batch")
		d.breaker.Failure()
		return
	}
	defer rec.Release()

	putCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := d.shipper.DoPut(putCtx, *dataset, rec); err != nil {
		log.Error().Err(err).Int("frame", d.frame).Msg("Flight DoPut failed")
		d.breaker.Failure()
		return
	}
	d.breaker.Success()
}

func (d *sequenceDriver) writeSnapshot(path string) error {
	st, ok := d.cache.Get(*sceneID)
	if !ok {
		return fmt.Errorf("no cached state for scene %q", *sceneID)
	}
	snap := &export.Snapshot{
		SceneID:   *sceneID,
		Timestamp: time.Now().UTC(),
		BEVH:      st.BEVH,
		BEVW:      st.BEVW,
		Batch:     st.Batch,
		Dims:      st.Dims,
		Data:      st.Data,
	}
	return snap.WriteFile(path)
}

func (d *sequenceDriver) randTensor(shape []int) tensor.Tensor {
	t := d.backend.NewTensor(shape, nil)
	data := t.Data()
	for i := range data {
		data[i] = float32(d.rng.NormFloat64() * 0.1)
	}
	return t
}

func serveMetrics(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Metrics server failed")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bevgrid"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
