package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	ginprometheus "github.com/zsais/go-gin-prometheus"

	"github.com/yowenter/fleetd/pkg/fleet"
	"github.com/yowenter/fleetd/pkg/fleet/seed"
	"github.com/yowenter/fleetd/pkg/leader"
	"github.com/yowenter/fleetd/pkg/types"
)

var buildtime string
var version string

func corsHandler(opt types.CORSOption, h http.Handler) http.Handler {
	if !opt.Enabled {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins:   opt.AllowOrigins,
		AllowCredentials: opt.AllowCredentials,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "If-Match", "If-Unmodified-Since", "If-None-Match"},
		ExposedHeaders:   []string{"ETag", "Last-Modified"},
		MaxAge:           opt.MaxAge,
	}).Handler(h)
}

func main() {
	configPath := flag.StringP("config", "c", fleet.DefaultServerConfig, "server config file")
	writeDefault := flag.Bool("write-default-config", false, "write the default config to --config and exit")
	flag.Parse()

	if *writeDefault {
		if err := fleet.SaveDefaultServerConfig(*configPath); err != nil {
			log.Fatalf("write default config failed %v", err)
		}
		log.Infof("default config written to %s", *configPath)
		return
	}

	log.Infof("fleet server version `%v`, buildtime `%v`", version, buildtime)
	fleet.InitPrometheus()
	conf, err := fleet.LoadFleetServerConfig(*configPath)
	if err != nil {
		log.Fatalf("load config %s failed %v", *configPath, err)
	}

	if conf.Debug {
		log.SetLevel(log.DebugLevel)
		gin.SetMode(gin.DebugMode)
	} else {
		log.SetLevel(log.InfoLevel)
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := fleet.NewStore(ctx, &conf.Store)
	if err != nil {
		log.Fatalf("open %s store failure %v", conf.Store.Backend, err)
	}
	defer st.Close()
	controller := fleet.NewFleetController(conf, st)

	r := gin.New()
	r.Use(gin.LoggerWithWriter(gin.DefaultWriter, "/ping"), gin.Recovery())
	p := ginprometheus.NewPrometheus("gin")
	p.Use(r)

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"buildtime": buildtime,
			"version":   version,
			"name":      "fleet server",
			"store":     conf.Store.Backend,
		})
	})

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	controller.SetupRoutes(r)

	jobs := []leader.Job{
		func(ctx context.Context) { controller.MetricsCollector(ctx, conf.MetricsInterval) },
	}
	if conf.SeedFile != "" {
		jobs = append(jobs, func(ctx context.Context) {
			if err := seed.Watch(ctx, controller, conf.SeedFile); err != nil {
				log.Errorf("seed watcher stopped %v", err)
			}
		})
	}
	go func() {
		if err := leader.RunJobs(ctx, &conf.LeaderElection, jobs...); err != nil {
			log.Errorf("background jobs not started %v", err)
		}
	}()

	s := &http.Server{
		Addr:           conf.Listen,
		Handler:        corsHandler(conf.CORS, r),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	log.Infof("listening on %s", conf.Listen)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("serve failed %v", err)
		os.Exit(1)
	}
}
