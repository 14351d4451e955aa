//
// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// change-streams-watch is a tool to tail DynamoDB Streams and Cloud Spanner
// Change Streams, and to write items and wait for their change records.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
	"github.com/cloudspannerecosystem/change-streams-watch/controller"
	"github.com/cloudspannerecosystem/change-streams-watch/dynamostreams"
	"github.com/cloudspannerecosystem/change-streams-watch/memstream"
	"github.com/cloudspannerecosystem/change-streams-watch/persist"
	"github.com/cloudspannerecosystem/change-streams-watch/scope"
	"github.com/cloudspannerecosystem/change-streams-watch/spannerstreams"
	"github.com/cloudspannerecosystem/change-streams-watch/streamtable"
)

const (
	backendDynamoDB = "dynamodb"
	backendSpanner  = "spanner"
	backendMemory   = "memory"
)

func usage() {
	command := os.Args[0]
	fmt.Printf(`Usage:
  %s [OPTIONS]

Options:
  -b, --backend=               Backend [dynamodb|spanner|memory] (default: dynamodb)
  -s, --stream=                Stream ARN (dynamodb) or Change Stream ID (spanner)
  -t, --table=                 Table to write to; the dynamodb stream defaults to its latest stream
  -p, --project=               GCP Project ID (spanner)
  -i, --instance=              Cloud Spanner Instance ID (spanner)
  -d, --database=              Cloud Spanner Database ID (spanner)
      --role=                  Database role for fine-grained access control (spanner)
      --credentials=           Credentials JSON file (spanner)
      --region=                AWS region (dynamodb)
      --endpoint=              Endpoint URL, e.g. of DynamoDB Local (dynamodb)
  -f, --format=                Output format [text|json] (default: text)
      --position=              Where to start reading [latest|oldest] (default: latest)
      --start=                 Start timestamp with RFC3339 format (spanner, implies --position=oldest)
      --end=                   Stop reading at this RFC3339 timestamp (default: none)
      --duration=              Stop reading after this duration (default: none)
      --put=                   JSON item to write and wait for; may be repeated
  -c, --config=                YAML configuration file
      --metrics-addr=          Serve Prometheus metrics on this address
      --visualize-partitions   Visualize the stream partitions in Graphviz DOT
  -v, --verbose                Print raw records and debug logs

Help Options:
  -h, -help                    Show this help message
`, command)
}

type putList []string

func (l *putList) String() string {
	return strings.Join(*l, ",")
}

func (l *putList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

type options struct {
	backend                           string
	streamID, table                   string
	projectID, instanceID, databaseID string
	role, credentials                 string
	region, endpoint                  string
	format, position                  string
	start, end                        time.Time
	duration                          time.Duration
	puts                              []string
	configPath, metricsAddr           string
	verbose, visualizePartitions      bool
	logger                            *zap.Logger
}

func main() {
	var (
		o          options
		start, end string
		puts       putList
	)

	// Long options.
	flag.StringVar(&o.backend, "backend", backendDynamoDB, "")
	flag.StringVar(&o.streamID, "stream", "", "")
	flag.StringVar(&o.table, "table", "", "")
	flag.StringVar(&o.projectID, "project", "", "")
	flag.StringVar(&o.instanceID, "instance", "", "")
	flag.StringVar(&o.databaseID, "database", "", "")
	flag.StringVar(&o.role, "role", "", "")
	flag.StringVar(&o.credentials, "credentials", "", "")
	flag.StringVar(&o.region, "region", "", "")
	flag.StringVar(&o.endpoint, "endpoint", "", "")
	flag.StringVar(&o.format, "format", formatText, "")
	flag.StringVar(&o.position, "position", "", "")
	flag.StringVar(&start, "start", "", "")
	flag.StringVar(&end, "end", "", "")
	flag.DurationVar(&o.duration, "duration", 0, "")
	flag.Var(&puts, "put", "")
	flag.StringVar(&o.configPath, "config", "", "")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "")
	flag.BoolVar(&o.verbose, "verbose", false, "")
	flag.BoolVar(&o.visualizePartitions, "visualize-partitions", false, "")

	// Short options.
	flag.StringVar(&o.backend, "b", backendDynamoDB, "")
	flag.StringVar(&o.streamID, "s", "", "")
	flag.StringVar(&o.table, "t", "", "")
	flag.StringVar(&o.projectID, "p", "", "")
	flag.StringVar(&o.instanceID, "i", "", "")
	flag.StringVar(&o.databaseID, "d", "", "")
	flag.StringVar(&o.format, "f", formatText, "")
	flag.StringVar(&o.configPath, "c", "", "")
	flag.BoolVar(&o.verbose, "v", false, "")

	flag.Usage = usage
	flag.Parse()

	// Validate required options.
	switch o.backend {
	case backendDynamoDB:
		if o.streamID == "" && o.table == "" {
			flag.Usage()
			os.Exit(1)
		}
	case backendSpanner:
		if o.projectID == "" || o.instanceID == "" || o.databaseID == "" || o.streamID == "" {
			flag.Usage()
			os.Exit(1)
		}
	case backendMemory:
	default:
		exitf("invalid backend: %s", o.backend)
	}

	// Validate optional options.
	if o.format != formatText && o.format != formatJSON {
		exitf("invalid format: %s", o.format)
	}
	if start != "" {
		ts, err := time.Parse(time.RFC3339, start)
		if err != nil {
			exitf("invalid start timestamp: %v", err)
		}
		o.start = ts
	}
	if end != "" {
		ts, err := time.Parse(time.RFC3339, end)
		if err != nil {
			exitf("invalid end timestamp: %v", err)
		}
		o.end = ts
	}
	if o.visualizePartitions && end == "" && o.duration == 0 {
		exitf("To visualize partitions, specify --end or --duration option as well")
	}
	o.puts = puts

	logger, err := newLogger(o.verbose)
	if err != nil {
		exitf("failed to create a logger: %v", err)
	}
	defer logger.Sync()
	o.logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	go handleInterrupt(cancel)

	if o.visualizePartitions {
		fmt.Fprintf(os.Stderr, "Reading the stream and analyzing partitions...\n\n")
	} else {
		fmt.Fprintf(os.Stderr, "Reading the stream...\n")
	}
	if err := run(ctx, &o, os.Stdout); err != nil {
		exitf("failed to read stream: %v", err)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return config.Build()
}

// backend is the stream and the optional table of a run.
type backend struct {
	transport changestreams.Transport
	store     streamtable.ItemStore
	streamID  string
	keys      []string
	close     func()
}

func openBackend(ctx context.Context, o *options, c *fileConfig) (*backend, error) {
	switch o.backend {
	case backendMemory:
		stream := memstream.New(&memstream.Options{KeyAttributes: c.KeyAttributes})
		streamID := o.streamID
		if streamID == "" {
			streamID = backendMemory
		}
		return &backend{
			transport: stream,
			store:     stream,
			streamID:  streamID,
			keys:      c.KeyAttributes,
			close:     func() {},
		}, nil

	case backendDynamoDB:
		var optFns []func(*config.LoadOptions) error
		if o.region != "" {
			optFns = append(optFns, config.WithRegion(o.region))
		}
		if o.endpoint != "" {
			optFns = append(optFns,
				config.WithBaseEndpoint(o.endpoint),
				config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")),
			)
		}

		b := &backend{streamID: o.streamID, keys: c.KeyAttributes, close: func() {}}
		if o.table != "" {
			store, err := dynamostreams.NewStore(ctx, o.table, optFns...)
			if err != nil {
				return nil, err
			}
			if len(b.keys) == 0 {
				if b.keys, err = store.KeyAttributes(ctx); err != nil {
					return nil, err
				}
			}
			if b.streamID == "" {
				if b.streamID, err = store.LatestStreamARN(ctx); err != nil {
					return nil, err
				}
			}
			b.store = store
		}
		transport, err := dynamostreams.NewTransport(ctx, optFns...)
		if err != nil {
			return nil, err
		}
		b.transport = transport
		return b, nil

	case backendSpanner:
		so := c.spannerOptions()
		so.Table = o.table
		so.Start = o.start
		so.ClientConfig = spanner.ClientConfig{
			SessionPoolConfig: spanner.DefaultSessionPoolConfig,
			DatabaseRole:      o.role,
		}
		var clientOpts []option.ClientOption
		if o.credentials != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(o.credentials))
		}
		database := fmt.Sprintf("projects/%s/instances/%s/databases/%s", o.projectID, o.instanceID, o.databaseID)
		transport, err := spannerstreams.NewTransport(ctx, database, &so, clientOpts...)
		if err != nil {
			return nil, err
		}

		b := &backend{transport: transport, streamID: o.streamID, keys: c.KeyAttributes, close: transport.Close}
		if o.table != "" {
			keys := b.keys
			if len(keys) == 0 {
				keys = []string{"id"}
			}
			store, err := spannerstreams.NewStore(transport.Client(), o.table, keys)
			if err != nil {
				transport.Close()
				return nil, err
			}
			b.store = store
			b.keys = keys
		}
		return b, nil
	}
	return nil, errors.NotValidf("backend %q", o.backend)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return func() {
		server.Close()
	}
}

// run tails the stream until ctx is done, after writing o.puts.
func run(ctx context.Context, o *options, out io.Writer) error {
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fc, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	subscriberConfig, err := fc.subscriberConfig()
	if err != nil {
		return err
	}
	if o.position != "" {
		if subscriberConfig.Position, err = parsePosition(o.position); err != nil {
			return err
		}
	}
	if !o.start.IsZero() {
		subscriberConfig.Position = changestreams.PositionOldest
	}
	controllerConfig, err := fc.controllerConfig()
	if err != nil {
		return err
	}
	controllerConfig.Logger = logger
	writerConfig, err := fc.writerConfig()
	if err != nil {
		return err
	}
	writerConfig.Logger = logger

	var cancel context.CancelFunc
	if !o.end.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, o.end)
		defer cancel()
	}
	if o.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	b, err := openBackend(ctx, o, fc)
	if err != nil {
		return err
	}
	defer b.close()

	if o.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		subscriberConfig.Metrics = changestreams.NewMetrics(reg)
		defer serveMetrics(o.metricsAddr, reg, logger)()
	}

	transport := b.transport
	var visualizer *PartitionVisualizer
	if o.visualizePartitions {
		visualizer = NewPartitionVisualizer(transport)
		transport = visualizer
	}

	table, err := streamtable.New(streamtable.Options[changestreams.Item]{
		StreamID:      b.streamID,
		Transport:     transport,
		Store:         b.store,
		Codec:         streamtable.ItemCodec{},
		KeyAttributes: b.keys,
		Config:        subscriberConfig,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	root := scope.New(ctx, "watch")
	defer root.Dispose()
	registry := controller.NewRegistry()
	defer registry.Close()

	ctrl, err := controller.OpenWithConfig(registry, root, b.streamID, func() (controller.Resource[changestreams.Item], error) {
		return table, nil
	}, &controllerConfig)
	if err != nil {
		return err
	}

	printer := &Logger{
		out:     out,
		format:  o.format,
		verbose: o.verbose,
	}
	var listener controller.Listener[changestreams.Item] = printer
	if o.visualizePartitions {
		listener = controller.ListenerFunc[changestreams.Item](func(controller.Event[changestreams.Item]) {})
	}
	for _, typ := range changestreams.EventTypes {
		if _, err := ctrl.AddEventListener(typ, listener); err != nil {
			return err
		}
	}

	if len(o.puts) > 0 {
		if err := write(ctx, ctrl, table, o.puts, &writerConfig); err != nil {
			return err
		}
		logger.Info("writes confirmed", zap.Int("count", len(o.puts)))
	}

	select {
	case <-ctx.Done():
	case <-ctrl.Done():
	}
	registry.Close()

	if visualizer != nil {
		visualizer.Draw(out)
	}
	return printer.Err()
}

// write stores the JSON items of puts and waits for their change records.
func write(ctx context.Context, feed persist.Feed[changestreams.Item], store persist.Store[changestreams.Item], puts []string, config *persist.Config) error {
	items := make([]changestreams.Item, 0, len(puts))
	for _, put := range puts {
		var item changestreams.Item
		if err := json.Unmarshal([]byte(put), &item); err != nil {
			return errors.Annotatef(err, "parsing item %s", put)
		}
		items = append(items, item)
	}

	writer, err := persist.NewWriter(feed, store, config)
	if err != nil {
		return err
	}
	defer writer.Close()
	return writer.WriteAll(ctx, items)
}

func exitf(format string, a ...interface{}) {
	message := fmt.Sprintf(format, a...)
	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	fmt.Fprint(os.Stderr, message)
	os.Exit(1)
}

func handleInterrupt(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	cancel()
}
