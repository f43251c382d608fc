// Command edmbridge runs a field-event station without the desktop shell.
// Officials drive it over a websocket; results are mirrored to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"polyfield-edm/internal/archive"
	"polyfield-edm/internal/config"
	"polyfield-edm/internal/control"
	"polyfield-edm/internal/publish"
	"polyfield-edm/internal/simulator"
	"polyfield-edm/internal/station"
	"polyfield-edm/internal/telemetry"
	"polyfield-edm/internal/transport"
)

func main() {
	configPath := flag.String("config", "edm_config.txt", "path to configuration file")
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("edmbridge: failed to load config: %v", err)
	}
	if err := run(config.Get()); err != nil {
		log.Fatalf("edmbridge: %v", err)
	}
}

func openArchive(ctx context.Context, cfg *config.Config) (archive.Store, error) {
	if cfg.ArchiveS3Bucket != "" {
		return archive.NewS3Store(ctx, cfg.ArchiveS3Bucket, cfg.ArchiveGzip)
	}
	return archive.NewFileStore(cfg.ArchiveDir)
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupInstrumentation(ctx, "edmbridge", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Printf("edmbridge: telemetry shutdown: %v", err)
		}
	}()

	store, err := openArchive(ctx, cfg)
	if err != nil {
		return err
	}

	var events station.Publisher
	if cfg.MQTTBroker != "" {
		client, err := publish.Connect(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		events = publish.New(client, cfg.MQTTTopicPrefix)
	}

	st, err := station.New(station.Options{
		Factory: transport.Factory{
			Mode:     cfg.Mode,
			Simulate: simulator.Open(cfg.Simulator()),
		},
		EDMProfile:  cfg.EDMProfile,
		ReadTimeout: cfg.EDMReadTimeout,
		WindProfile: cfg.WindProfile,
		Policy:      cfg.Policy(),
		Circle:      cfg.CircleType,
		Archive:     store,
		Events:      events,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	attach(ctx, st, cfg)

	if rec, err := st.RestoreLatest(ctx, cfg.CircleType); err == nil {
		log.Printf("edmbridge: resumed %s calibration from %s", rec.CircleType, rec.CreatedAt.Format(time.RFC3339))
	} else if !errors.Is(err, archive.ErrNotFound) {
		log.Printf("edmbridge: could not restore calibration: %v", err)
	}

	mux := http.NewServeMux()
	control.NewHandler(st).Routes(mux)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WebServerPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("edmbridge: control server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()
	log.Printf("edmbridge: stopped")
	return err
}

// attach connects the configured instruments. A missing instrument is
// logged so the station can still be driven once it is plugged in.
func attach(ctx context.Context, st *station.Coordinator, cfg *config.Config) {
	if err := st.Connect(ctx, station.DeviceEDM, cfg.EDM()); err != nil {
		log.Printf("edmbridge: %v", err)
	}
	if wcfg, ok := cfg.Wind(); ok {
		if err := st.Connect(ctx, station.DeviceWind, wcfg); err != nil {
			log.Printf("edmbridge: %v", err)
		} else if err := st.StartWindListener(ctx); err != nil {
			log.Printf("edmbridge: %v", err)
		}
	}
	if scfg, ok := cfg.Scoreboard(); ok {
		if err := st.Connect(ctx, station.DeviceScoreboard, scfg); err != nil {
			log.Printf("edmbridge: %v", err)
		}
	}
}
