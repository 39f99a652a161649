package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/matei-oltean/go-dht/dht"
)

func usage() {
	fmt.Printf(`%s [options]

    Runs a Mainline DHT node: joins the overlay via the bootstrap
    peers, answers remote queries, and keeps its routing table and
    peer store persisted across restarts.

    --port <port>            UDP port to listen on (default %d)
    --config-dir <path>      Directory for persisted state (default "config")
    --bootstrap <host:port>  Bootstrap nodes, comma separated
                             (default: the well-known routers)
    -v                       Verbose (debug) logging
`, os.Args[0], dht.DefaultPort)
	os.Exit(2)
}

func main() {
	var port int
	var configDir string
	var bootstrap string
	var verbose bool
	flag.Usage = usage
	flag.IntVar(&port, "port", dht.DefaultPort, "")
	flag.StringVar(&configDir, "config-dir", "config", "")
	flag.StringVar(&bootstrap, "bootstrap", "", "")
	flag.BoolVar(&verbose, "v", false, "")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := dht.DefaultConfig()
	cfg.Port = port
	cfg.ConfigDir = configDir
	cfg.Logger = log
	if bootstrap != "" {
		cfg.BootstrapNodes = strings.Split(bootstrap, ",")
	}

	node, err := dht.New(cfg)
	if err != nil {
		log.WithError(err).Error("creating DHT node failed")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		log.WithError(err).Error("starting DHT node failed")
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := node.Bootstrap(ctx); err != nil {
			log.WithError(err).Warn("bootstrap failed, running with persisted nodes only")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		node.Stop()
		return nil
	})
	g.Wait()
}
