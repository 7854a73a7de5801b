package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/logship/internal/config"
	"github.com/szibis/logship/internal/facade"
	"github.com/szibis/logship/internal/health"
	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/queue"
	"github.com/szibis/logship/internal/receiver"
	"github.com/szibis/logship/internal/retry"
	logshiptls "github.com/szibis/logship/internal/tls"
	"github.com/szibis/logship/internal/writer"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "logship.yaml", "path to the configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("logship %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal("failed to load configuration", logging.F("path", *configPath, "error", err.Error()))
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logging.SetMinLevel(logging.ParseLevel(cfg.LogLevel))

	if cfg.Memory.LimitRatio > 0 {
		if _, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.Memory.LimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		); err != nil {
			logging.Warn("memory limit detection failed", logging.F("error", err.Error()))
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		logging.Fatal("failed to configure AWS clients", logging.F("error", err.Error()))
	}

	checker := health.New()
	writers := make([]*writer.Writer, 0, len(cfg.Writers))
	for _, wc := range cfg.Writers {
		w := buildWriter(wc, awsCfg, cfg.AWS.Endpoint)
		w.Start()
		checker.RegisterWriter(w)
		writers = append(writers, w)
	}
	for _, w := range writers {
		if !w.WaitUntilInitialized(time.Minute) {
			logging.Error("writer did not come up", logging.F("writer", w.Name(), "state", w.State().String()))
		}
	}

	tlsCfg, err := logshiptls.ServerConfig(logshiptls.Config{
		Enabled:      cfg.Receiver.TCP.TLS.Enabled,
		CertFile:     cfg.Receiver.TCP.TLS.CertFile,
		KeyFile:      cfg.Receiver.TCP.TLS.KeyFile,
		ClientCAFile: cfg.Receiver.TCP.TLS.ClientCAFile,
	})
	if err != nil {
		logging.Fatal("failed to configure receiver TLS", logging.F("error", err.Error()))
	}

	sink := receiver.NewFanout(writers)
	recvCfg := receiver.Config{
		MaxLineBytes: int(cfg.Receiver.TCP.MaxLineBytes),
		Oversize:     cfg.Receiver.TCP.Oversize,
		TLS:          tlsCfg,
	}
	group, groupCtx := errgroup.WithContext(ctx)
	if cfg.Receiver.TCP.Address != "" {
		tcp := receiver.NewTCP(cfg.Receiver.TCP.Address, recvCfg, sink)
		group.Go(func() error { return tcp.Run(groupCtx) })
	}
	if cfg.Receiver.Stdin {
		stdin := receiver.NewStdin(os.Stdin, recvCfg, sink)
		group.Go(func() error { return stdin.Run(groupCtx) })
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/live", checker.LiveHandler())
	mux.HandleFunc("/ready", checker.ReadyHandler())
	mux.HandleFunc("/stats", checker.StatsHandler())
	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout),
	}
	go func() {
		logging.Info("operational endpoint started", logging.F("addr", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("operational server error", logging.F("error", err.Error()))
		}
	}()

	logging.Info("logship started", logging.F(
		"version", version,
		"writers", len(writers),
		"tcp_addr", cfg.Receiver.TCP.Address,
		"stdin", cfg.Receiver.Stdin,
	))

	<-ctx.Done()
	logging.Info("shutting down")
	checker.SetShuttingDown()

	// Receivers first so no new messages arrive, then writers drain their
	// queues, then the operational endpoint goes away.
	cancel()
	if err := group.Wait(); err != nil {
		logging.Warn("receiver error during shutdown", logging.F("error", err.Error()))
	}
	for _, w := range writers {
		w.Stop()
	}
	for _, w := range writers {
		if !w.WaitUntilStopped(30 * time.Second) {
			logging.Warn("writer did not drain in time", logging.F("writer", w.Name()))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Warn("server shutdown error", logging.F("error", err.Error()))
	}

	logging.Info("shutdown complete")
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func buildWriter(wc config.WriterConfig, awsCfg aws.Config, endpoint string) *writer.Writer {
	log := logging.ForWriter(wc.Name)
	retrier := retry.New(retry.Config{MaxAttempts: wc.RetryBudget})
	action := queue.ParseDiscardAction(wc.DiscardAction)

	var fac facade.Facade
	d := wc.Destination
	switch d.Type {
	case config.DestinationCloudWatch:
		client := cloudwatchlogs.NewFromConfig(awsCfg, func(o *cloudwatchlogs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		fac = facade.NewCloudWatch(facade.CloudWatchConfig{
			LogGroup:        d.LogGroup,
			LogStream:       d.LogStream,
			RetentionDays:   int32(d.RetentionDays),
			AutoCreate:      d.AutoCreate,
			DedicatedWriter: d.DedicatedWriter,
		}, client, retrier, log)
	case config.DestinationKinesis:
		client := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		fac = facade.NewKinesis(facade.KinesisConfig{
			StreamName:   d.StreamName,
			PartitionKey: d.PartitionKey,
			ShardCount:   int32(d.ShardCount),
			AutoCreate:   d.AutoCreate,
		}, client, retrier, log)
	case config.DestinationSNS:
		client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		fac = facade.NewSNS(facade.SNSConfig{
			TopicName:  d.TopicName,
			TopicArn:   d.TopicArn,
			Subject:    d.Subject,
			AutoCreate: d.AutoCreate,
		}, client, retrier, log)
	default:
		// Validation rejects unknown types before this point.
		logging.Fatal("unknown destination type", logging.F("type", d.Type))
	}

	return writer.New(writer.Config{
		Name:             wc.Name,
		BatchDelay:       time.Duration(wc.BatchDelay),
		DiscardThreshold: wc.DiscardThreshold,
		DiscardAction:    action,
		RetryBudget:      wc.RetryBudget,
		SendTimeout:      time.Duration(wc.SendTimeout),
		Synchronous:      wc.Synchronous,
	}, fac)
}
