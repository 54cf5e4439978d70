package main

import (
	"context"
	"os/signal"
	"syscall"

	"Storyloom/backend/go/internal/agent"
	"Storyloom/backend/go/internal/config"
	"Storyloom/backend/go/internal/database/kafka"
	"Storyloom/backend/go/internal/database/mysql"
	"Storyloom/backend/go/internal/database/redis"
	"Storyloom/backend/go/internal/discovery/etcd"
	"Storyloom/backend/go/internal/pipeline_service/api"
	"Storyloom/backend/go/internal/pipeline_service/metrics"
	"Storyloom/backend/go/internal/pipeline_service/service"
	phttp "Storyloom/backend/go/pkg/http"
	"Storyloom/backend/go/pkg/logger"
	"Storyloom/backend/go/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(configPath *string) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the pipeline executor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "listen address, overrides server.address")
	return cmd
}

func serve(ctx context.Context, cfg *config.AppConfig, log *logger.Logger) error {
	s, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore(log)

	var (
		discovery *etcd.ServiceDiscovery
		resolver  agent.EndpointResolver
	)
	if cfg.Discovery.Enabled {
		discovery, err = etcd.NewServiceDiscovery(&cfg.Discovery, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := discovery.Close(); err != nil {
				log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing etcd client")
			}
		}()
		if cfg.Agents.Gateway.Service != "" {
			resolver = discovery.Resolver(cfg.Agents.Gateway.Service)
		}
	}

	agents, err := agent.NewExecutor(ctx, cfg.Agents, cfg.Middleware.CircuitBreaker, resolver)
	if err != nil {
		return err
	}
	planner, err := agent.NewPlanner(cfg.Pipeline, agents)
	if err != nil {
		return err
	}
	m := metrics.MustNewMetrics(prometheus.DefaultRegisterer)

	execOpts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithEventHistory(cfg.Pipeline.EventHistory),
	}
	apiOpts := []api.Option{
		api.WithHeartbeat(config.Duration(cfg.Pipeline.HeartbeatInterval)),
		api.WithCancelOnDisconnect(cfg.Pipeline.CancelOnDisconnect),
		api.WithHealthCheck("mysql", mysql.HealthCheck),
	}

	if cfg.Databases.Redis.Enabled {
		client, err := redis.GetClient(&cfg.Databases.Redis)
		if err != nil {
			return err
		}
		defer func() {
			if err := redis.Close(); err != nil {
				log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing Redis")
			}
		}()
		lock := redis.NewChapterLock(client, config.Duration(cfg.Pipeline.LockTTL))
		execOpts = append(execOpts, service.WithLocker(lock), service.WithLockRenewal(lock.RenewInterval()))
		apiOpts = append(apiOpts, api.WithHealthCheck("redis", redis.HealthCheck))
	} else {
		log.Warn("Redis disabled, chapter run locks are local to this process")
	}

	if cfg.Databases.Kafka.Enabled {
		kc, err := kafka.GetClient(&cfg.Databases.Kafka)
		if err != nil {
			return err
		}
		// The executor drains its mirror queue during Shutdown, before this runs.
		defer func() {
			if err := kc.Close(); err != nil {
				log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing Kafka client")
			}
		}()
		if controller, err := kc.ControllerAddress(); err == nil {
			log.WithField("controller", controller).WithField("topic", cfg.Databases.Kafka.EventsTopic).Info("Mirroring pipeline events to Kafka")
		}
		execOpts = append(execOpts, service.WithMirror(kafka.NewEventPublisher(kc.Writer)))
		apiOpts = append(apiOpts, api.WithHealthCheck("kafka", kc.HealthCheck))
	}

	if discovery != nil {
		deregister, err := discovery.Register(ctx, cfg.App.Name, cfg.Discovery.AdvertiseAddress, cfg.Discovery.TTL)
		if err != nil {
			return err
		}
		defer deregister()
		apiOpts = append(apiOpts, api.WithHealthCheck("etcd", discovery.HealthCheck))
	}

	registry := service.NewRegistry(cfg.Pipeline.RetentionSize, config.Duration(cfg.Pipeline.StatusRetention))
	executor := service.NewExecutor(agents, planner, s, s, registry, execOpts...)
	handler := api.NewAPI(executor, s,
		service.NewRecovery(s, s, log),
		service.NewSummarizer(agents, s, log),
		m, log, apiOpts...)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := api.NewRouter(handler, api.RouterConfig{
		Server:      cfg.Server,
		RateLimiter: cfg.Middleware.RateLimiter,
	})
	if err != nil {
		return err
	}
	srv := phttp.NewServer(cfg.Server, router, phttp.WithLogger(log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Stopping pipelines...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Server.ShutdownTimeout))
		defer cancel()
		if err := executor.Shutdown(shutdownCtx); err != nil {
			log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Pipelines did not stop in time, aborted in-flight steps")
		}
		return nil
	})

	log.WithField("address", srv.Addr()).WithField("version", cfg.App.Version).Info("Pipeline service started")
	if err := g.Wait(); err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Pipeline service stopped with error")
		return err
	}
	log.Info("Pipeline service gracefully stopped")
	return nil
}
