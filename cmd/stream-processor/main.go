// Copyright 2024 The Vesselwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The stream-processor consumes vessel state records from Kafka, evaluates
// them against the notification rule catalog and emits notifications.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/shlex"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vesselwatch/vesselwatch/pkg/broadcast"
	"github.com/vesselwatch/vesselwatch/pkg/catalog"
	"github.com/vesselwatch/vesselwatch/pkg/notify"
	"github.com/vesselwatch/vesselwatch/pkg/processor"
	"github.com/vesselwatch/vesselwatch/pkg/source"
	"github.com/vesselwatch/vesselwatch/pkg/state"
)

// extraArgsEnvvar holds additional command line arguments, parsed like a
// shell parses arguments. For example: EXTRA_ARGS="--reset --from-beginning".
const extraArgsEnvvar = "EXTRA_ARGS"

func extraArgs() ([]string, error) {
	return shlex.Split(os.Getenv(extraArgsEnvvar))
}

type processorOptions struct {
	KafkaBrokers  string
	KafkaTopic    string
	KafkaGroup    string
	KafkaClientID string
	SASLMechanism string
	SASLUser      string
	SASLPassword  string
	SASLToken     string
	KafkaTLS      bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN      string
	PostgresMaxConns int

	StateTTL        time.Duration
	CatalogCacheTTL time.Duration
	NotifyRetention time.Duration
	StatsInterval   time.Duration

	ListenAddress string

	Reset         bool
	FromBeginning bool
	Info          bool
}

func (opts *processorOptions) setupFlags(a *kingpin.Application) {
	a.Flag("kafka.brokers", "Comma-separated Kafka broker addresses.").
		Default("localhost:9092").
		OverrideDefaultFromEnvar("KAFKA_BROKERS").
		StringVar(&opts.KafkaBrokers)

	a.Flag("kafka.topic", "Topic carrying vessel state records.").
		Default("vessel.state.changed").
		OverrideDefaultFromEnvar("KAFKA_TOPIC").
		StringVar(&opts.KafkaTopic)

	a.Flag("kafka.group", "Consumer group id.").
		Default("vessel-stream-processor").
		OverrideDefaultFromEnvar("KAFKA_GROUP").
		StringVar(&opts.KafkaGroup)

	a.Flag("kafka.client-id", "Client id reported to the brokers.").
		Default("stream-processor").
		StringVar(&opts.KafkaClientID)

	a.Flag("kafka.sasl-mechanism", "SASL mechanism for broker authentication (plain or oauthbearer). Empty disables SASL.").
		Default("").
		OverrideDefaultFromEnvar("KAFKA_SASL_MECHANISM").
		StringVar(&opts.SASLMechanism)

	a.Flag("kafka.sasl-user", "SASL username for the plain mechanism.").
		Default("").
		OverrideDefaultFromEnvar("KAFKA_SASL_USER").
		StringVar(&opts.SASLUser)

	a.Flag("kafka.sasl-password", "SASL password for the plain mechanism.").
		Default("").
		OverrideDefaultFromEnvar("KAFKA_SASL_PASSWORD").
		StringVar(&opts.SASLPassword)

	a.Flag("kafka.sasl-token", "Bearer token for the oauthbearer mechanism.").
		Default("").
		OverrideDefaultFromEnvar("KAFKA_SASL_TOKEN").
		StringVar(&opts.SASLToken)

	a.Flag("kafka.tls", "Use TLS for broker connections.").
		Default("false").
		OverrideDefaultFromEnvar("KAFKA_TLS").
		BoolVar(&opts.KafkaTLS)

	a.Flag("redis.addr", "Address of the Redis state store.").
		Default("localhost:6379").
		OverrideDefaultFromEnvar("REDIS_ADDR").
		StringVar(&opts.RedisAddr)

	a.Flag("redis.password", "Password of the Redis state store.").
		Default("").
		OverrideDefaultFromEnvar("REDIS_PASSWORD").
		StringVar(&opts.RedisPassword)

	a.Flag("redis.db", "Redis database number.").
		Default("0").
		OverrideDefaultFromEnvar("REDIS_DB").
		IntVar(&opts.RedisDB)

	a.Flag("postgres.dsn", "PostgreSQL connection string for the rule catalog and notification store.").
		Default("").
		OverrideDefaultFromEnvar("POSTGRES_DSN").
		StringVar(&opts.PostgresDSN)

	a.Flag("postgres.max-conns", "Maximum connections in the PostgreSQL pool.").
		Default("10").
		IntVar(&opts.PostgresMaxConns)

	a.Flag("state.ttl", "TTL of per-vessel tracked state.").
		Default("24h").
		DurationVar(&opts.StateTTL)

	a.Flag("catalog.cache-ttl", "How long a rule snapshot is served before it is refreshed.").
		Default("60s").
		DurationVar(&opts.CatalogCacheTTL)

	a.Flag("notify.retention", "Retention window applied to new notifications via expiresAt.").
		Default("168h").
		DurationVar(&opts.NotifyRetention)

	a.Flag("stats.interval", "Period of discovery stats publishes and summary log lines.").
		Default("1m").
		DurationVar(&opts.StatsInterval)

	a.Flag("web.listen-address", "The address to listen on for HTTP requests.").
		Default(":9090").
		StringVar(&opts.ListenAddress)

	a.Flag("reset", "Delete the consumer group, purge all vessel state and consume from the beginning.").
		Default("false").
		BoolVar(&opts.Reset)

	a.Flag("from-beginning", "Consume from the earliest retained offset when the group has no committed offsets.").
		Default("false").
		BoolVar(&opts.FromBeginning)

	a.Flag("info", "Print topic partition count and backlog, then exit.").
		Default("false").
		BoolVar(&opts.Info)
}

func (opts *processorOptions) validate() error {
	if opts.KafkaBrokers == "" {
		return errors.New("no --kafka.brokers specified")
	}
	if !opts.Info && opts.PostgresDSN == "" {
		return errors.New("no --postgres.dsn was specified or set via POSTGRES_DSN")
	}
	return nil
}

func (opts *processorOptions) source() source.Options {
	return source.Options{
		Brokers:       strings.Split(opts.KafkaBrokers, ","),
		Topic:         opts.KafkaTopic,
		GroupID:       opts.KafkaGroup,
		ClientID:      opts.KafkaClientID,
		FromBeginning: opts.FromBeginning || opts.Reset,
		SASLMechanism: opts.SASLMechanism,
		SASLUser:      opts.SASLUser,
		SASLPassword:  opts.SASLPassword,
		SASLToken:     opts.SASLToken,
		TLS:           opts.KafkaTLS,
	}
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "unknown"
	}
	return info.Main.Version
}

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("stream-processor", "The Vesselwatch notification stream processor.")
	a.HelpFlag.Short('h')

	opts := processorOptions{}
	opts.setupFlags(a)

	extra, err := extraArgs()
	if err != nil {
		_ = level.Error(logger).Log("msg", "Error parsing commandline arguments", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}
	if _, err := a.Parse(append(os.Args[1:], extra...)); err != nil {
		_ = level.Error(logger).Log("msg", "Error parsing commandline arguments", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}
	if err := opts.validate(); err != nil {
		_ = level.Error(logger).Log("msg", "invalid command line argument", "err", err)
		os.Exit(1)
	}

	if opts.Info {
		info, err := source.TopicInfo(opts.source())
		if err != nil {
			_ = level.Error(logger).Log("msg", "reading topic info failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("topic: %s\npartitions: %d\nbacklog: %d\n", info.Topic, info.Partitions, info.Backlog)
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()

	_ = level.Info(logger).Log("msg", "starting stream processor", "version", version())

	// Relational store first: a schema or connection problem is fatal.
	if err := catalog.Migrate(ctx, opts.PostgresDSN); err != nil {
		_ = level.Error(logger).Log("msg", "applying catalog migrations failed", "err", err)
		os.Exit(1)
	}
	pool, err := catalog.Connect(ctx, opts.PostgresDSN, int32(opts.PostgresMaxConns))
	if err != nil {
		_ = level.Error(logger).Log("msg", "connecting to the catalog database failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	// State store and broadcast channel share one Redis connection.
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = level.Error(logger).Log("msg", "connecting to the state store failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	stateStore := state.New(rdb, state.Options{TTL: opts.StateTTL})
	pub := broadcast.NewPublisher(reg, rdb)
	store := catalog.NewStore(log.With(logger, "component", "catalog"), pool)
	rules := catalog.New(log.With(logger, "component", "catalog"), reg, store, catalog.Options{TTL: opts.CatalogCacheTTL})
	sink := notify.NewSink(log.With(logger, "component", "notify"), reg, pool, pub, notify.Options{Retention: opts.NotifyRetention})

	proc := processor.New(log.With(logger, "component", "processor"), reg, processor.Config{
		Rules:         rules,
		State:         stateStore,
		RuleState:     store,
		Sink:          sink,
		Broadcast:     pub,
		StatsInterval: opts.StatsInterval,
	})

	srcOpts := opts.source()
	if opts.Reset {
		group, err := source.ResetGroup(logger, srcOpts)
		if err != nil {
			_ = level.Error(logger).Log("msg", "resetting consumer group failed", "err", err)
			os.Exit(1)
		}
		srcOpts.GroupID = group
		if err := stateStore.PurgeVessels(ctx); err != nil {
			_ = level.Error(logger).Log("msg", "purging vessel state failed", "err", err)
			os.Exit(1)
		}
		_ = level.Info(logger).Log("msg", "vessel state purged, consuming from the beginning", "group", group)
	}

	consumer, err := source.NewConsumer(log.With(logger, "component", "source"), reg, srcOpts, proc)
	if err != nil {
		_ = level.Error(logger).Log("msg", "creating consumer failed", "err", err)
		os.Exit(1)
	}

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Record consumer. Closing the group blocks until in-flight
		// evaluations finished, which keeps shutdown loss-free.
		ctxConsume, cancelConsume := context.WithCancel(ctx)
		g.Add(func() error {
			return consumer.Run(ctxConsume)
		}, func(error) {
			cancelConsume()
			if err := consumer.Close(); err != nil {
				_ = level.Warn(logger).Log("msg", "closing consumer failed", "err", err)
			}
		})
	}
	{
		// Catalog refresher.
		ctxRules, cancelRules := context.WithCancel(ctx)
		g.Add(func() error {
			return rules.Run(ctxRules)
		}, func(error) {
			cancelRules()
		})
	}
	{
		// Discovery stats publisher.
		ctxStats, cancelStats := context.WithCancel(ctx)
		g.Add(func() error {
			return proc.RunStats(ctxStats)
		}, func(error) {
			cancelStats()
		})
	}
	reloadCh := make(chan chan error)
	{
		// Web server.
		server := &http.Server{Addr: opts.ListenAddress}

		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		http.HandleFunc("/-/reload", func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				rc := make(chan error)
				reloadCh <- rc
				if err := <-rc; err != nil {
					http.Error(w, fmt.Sprintf("Failed to reload rules: %s", err), http.StatusInternalServerError)
				}
			} else {
				http.Error(w, "Only POST requests allowed.", http.StatusMethodNotAllowed)
			}
		})
		http.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		http.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "stream-processor is Ready.\n")
		})
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "Starting web server", "listen", opts.ListenAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctxServer, cancelServer := context.WithTimeout(ctx, time.Minute)
			if err := server.Shutdown(ctxServer); err != nil {
				_ = level.Error(logger).Log("msg", "Server failed to shut down gracefully.")
			}
			cancelServer()
		})
	}
	{
		// Reload handler. Invalidates the rule snapshot so the next record
		// evaluates against the current catalog.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		cancel := make(chan struct{})
		g.Add(
			func() error {
				for {
					select {
					case <-hup:
						rules.Invalidate()
						_ = level.Info(logger).Log("msg", "rule snapshot invalidated")
					case rc := <-reloadCh:
						rules.Invalidate()
						_ = level.Info(logger).Log("msg", "rule snapshot invalidated")
						rc <- nil
					case <-cancel:
						return nil
					}
				}
			},
			func(error) {
				cancel <- struct{}{}
			},
		)
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "running stream processor failed", "err", err)
		os.Exit(1)
	}
}
