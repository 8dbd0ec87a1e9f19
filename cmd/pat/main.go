package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/tsweb"

	"github.com/banshee-data/pat/internal/beacon"
	"github.com/banshee-data/pat/internal/config"
	"github.com/banshee-data/pat/internal/db"
	"github.com/banshee-data/pat/internal/fabric"
	"github.com/banshee-data/pat/internal/fpga"
	"github.com/banshee-data/pat/internal/fsm"
	"github.com/banshee-data/pat/internal/health"
	"github.com/banshee-data/pat/internal/ipc"
	"github.com/banshee-data/pat/internal/monitor"
	"github.com/banshee-data/pat/internal/monitoring"
	"github.com/banshee-data/pat/internal/timeutil"
	"github.com/banshee-data/pat/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to JSON configuration (defaults apply when empty)")
	listen     = flag.String("listen", "127.0.0.1:8081", "Debug HTTP listen address (empty to disable)")
	grpcListen = flag.String("grpc-listen", "127.0.0.1:50051", "gRPC health listen address (empty to disable)")
	dbPath     = flag.String("db", "pat.db", "Telemetry database path (empty to disable)")
	logPath    = flag.String("log", "pat.log", "Text log path")
	framesPath = flag.String("frames", "", "Raw 16-bit frame stream to read ('-' for stdin); synthetic frames when empty")
	captureDir = flag.String("capture-dir", "", "Directory for frames saved through /debug/pat-capture (empty to disable)")
	maxFrames  = flag.Int("max-frames", 0, "Stop after this many frames (0 for no limit)")
	transport  = flag.String("transport", "", "Override the configured transport: memory, mqtt or serial")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

const healthService = "pat"

func loadConfig() (*config.PATConfig, error) {
	if *configPath == "" {
		return config.EmptyConfig(), nil
	}
	return config.LoadConfig(*configPath)
}

// openFabric connects the configured transport. The memory transport runs an
// in-process FPGA simulator so the binary works without hardware. ctx bounds
// the receive side (serial monitor, simulator); it must outlive the final
// ResetFSM or the safe-state writes cannot be verified.
func openFabric(ctx context.Context, cfg *config.PATConfig, wg *sync.WaitGroup, logf func(string, ...interface{})) (fabric.Fabric, error) {
	switch cfg.GetTransport() {
	case config.TransportMQTT:
		return fabric.NewMQTT(cfg.MQTTOptions())
	case config.TransportSerial:
		mux, err := fabric.NewRealSerialMux(cfg.GetSerialPort(), cfg.PortOptions())
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("serial link monitor: %v", err)
			}
			log.Print("serial link monitor terminated")
		}()
		return mux, nil
	default:
		bus := fabric.NewMemory()
		sim := fpga.NewSimulator(bus, fpga.SimulatorOptions{
			RequestTopic: cfg.GetRequestTopic(),
			AnswerTopic:  cfg.GetAnswerTopic(),
			AckWrites:    true,
			Logf:         logf,
		})
		if err := sim.Start(ctx); err != nil {
			bus.Close()
			return nil, err
		}
		return bus, nil
	}
}

func openSource(cfg *config.PATConfig) (beacon.FrameSource, io.Closer, error) {
	area := cfg.GetFrameArea()
	switch *framesPath {
	case "":
		return beacon.NewSyntheticSource(area, uint64(time.Now().UnixNano())), nil, nil
	case "-":
		rr, err := beacon.NewRawReader(os.Stdin, area)
		return rr, nil, err
	default:
		f, err := os.Open(*framesPath)
		if err != nil {
			return nil, nil, err
		}
		rr, err := beacon.NewRawReader(f, area)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return rr, f, nil
	}
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *transport != "" {
		cfg.Transport = transport
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid transport override: %v", err)
		}
	}
	returnAddress := cfg.GetReturnAddress()
	if returnAddress == 0 {
		returnAddress = uint32(os.Getpid())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	// The link stays up after a signal until the mirror is safe.
	linkCtx, stopLink := context.WithCancel(context.Background())
	defer stopLink()
	bus, err := openFabric(linkCtx, cfg, &wg, monitoring.Logf)
	if err != nil {
		log.Fatalf("failed to open %s transport: %v", cfg.GetTransport(), err)
	}
	defer bus.Close()

	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("failed to open log file: %v", err)
	}
	sink := health.NewLogger(logFile, bus, health.Options{
		ReturnAddress: returnAddress,
		HealthTopic:   cfg.GetHealthTopic(),
		StatusTopic:   cfg.GetStatusTopic(),
		Mirror:        log.Printf,
	})
	defer sink.Close()
	monitoring.SetLogger(sink.Logf)
	sink.Logf("%s starting: transport=%s return_address=%d", version.String(), cfg.GetTransport(), returnAddress)
	if err := sink.PublishStatus(ipc.StatusCameraInit); err != nil {
		log.Printf("failed to publish status: %v", err)
	}

	clock := timeutil.RealClock{}
	client, err := fpga.NewClient(bus, fpga.Options{
		ReturnAddress: returnAddress,
		RequestTopic:  cfg.GetRequestTopic(),
		AnswerTopic:   cfg.GetAnswerTopic(),
		Clock:         clock,
		Logf:          sink.Logf,
	})
	if err != nil {
		log.Fatalf("failed to create FPGA client: %v", err)
	}
	defer client.Close()

	actOpts := cfg.ActuatorOptions()
	actOpts.Clock = clock
	actOpts.Logf = sink.Logf
	actuator := fsm.New(client, actOpts)
	if err := actuator.Initialize(ctx); err != nil {
		// keep running: every cycle re-asserts bias and re-verifies
		sink.Logf("FSM initialization incomplete: %v", err)
	}

	var store *db.DB
	var session string
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
		session, err = store.StartSession(clock.Now(), returnAddress, cfg.GetTransport())
		if err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
		sink.Logf("telemetry session %s", session)
	}

	var centroids monitor.CentroidStore
	if store != nil {
		centroids = store
	}
	mon := monitor.New(centroids, func() interface{} {
		return map[string]interface{}{
			"build":    version.Get(),
			"actuator": actuator.State(),
			"fpga":     client.Stats(),
			"health":   sink.Stats(),
		}
	})

	if *captureDir != "" {
		if err := os.MkdirAll(*captureDir, 0o755); err != nil {
			log.Fatalf("failed to create capture directory: %v", err)
		}
		mon.SetCaptureDir(*captureDir)
	}

	hs := grpchealth.NewServer()
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			log.Fatalf("failed to listen on %s: %v", *grpcListen, err)
		}
		gs := grpc.NewServer()
		healthpb.RegisterHealthServer(gs, hs)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gs.Serve(lis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			hs.Shutdown()
			gs.GracefulStop()
		}()
	}

	if *listen != "" {
		mux := http.NewServeMux()
		tsweb.Debugger(mux)
		fabric.AttachAdminRoutes(mux, bus)
		fpga.AttachAdminRoutes(mux, client, cfg.GetAnswerTimeout())
		mon.AttachAdminRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux, filepath.Dir(*dbPath)); err != nil {
				log.Fatalf("failed to attach database routes: %v", err)
			}
		}
		server := &http.Server{Addr: *listen, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	source, closer, err := openSource(cfg)
	if err != nil {
		log.Fatalf("failed to open frame source: %v", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	loop := &Loop{
		Source:   source,
		Actuator: actuator,
		Process:  cfg.ProcessOptions(),
		Clock:    clock,
		Logf:     sink.Logf,
		Store:    store,
		Session:  session,
		Monitor:  mon,
		SetServing: func(ok bool) {
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if ok {
				status = healthpb.HealthCheckResponse_SERVING
			}
			hs.SetServingStatus(healthService, status)
		},
	}
	if err := sink.PublishStatus(ipc.StatusMain); err != nil {
		log.Printf("failed to publish status: %v", err)
	}
	if err := loop.Run(ctx, cfg.GetFrameInterval(), *maxFrames); err != nil {
		sink.Logf("pointing loop stopped: %v", err)
	}

	if _, err := enterSafeState(actuator, sink); err != nil {
		sink.Logf("safe state incomplete: %v", err)
	}
	stop()
	stopLink()
	bus.Close()
	wg.Wait()
	sink.Logf("pat stopped")
}

// enterSafeState centres the mirror, turns the laser bias off and reports
// Standby. The transport must still be delivering answers.
func enterSafeState(act *fsm.Actuator, sink *health.Logger) (fsm.CycleReport, error) {
	report, err := act.ResetFSM(context.Background())
	if perr := sink.PublishStatus(ipc.StatusStandby); perr != nil {
		log.Printf("failed to publish status: %v", perr)
	}
	return report, err
}
