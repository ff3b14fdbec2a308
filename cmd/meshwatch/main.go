// Command meshwatch attaches a read-only session to a discovery domain and
// prints the node graph. With -watch it stays attached and reprints on every
// graph change.
//
// Usage:
//
//	meshwatch -redis redis://localhost:6379 -domain 0
//	meshwatch -config meshwire.yaml -watch
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshwire/meshwire/config"
	"github.com/meshwire/meshwire/core"
	"github.com/meshwire/meshwire/graph"
	"github.com/meshwire/meshwire/session"
	"github.com/meshwire/meshwire/transport/redistransport"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a JSON or YAML config file")
		redisURL   = flag.String("redis", "", "redis URL (overrides config)")
		domain     = flag.Int("domain", -1, "discovery domain (overrides config)")
		watch      = flag.Bool("watch", false, "stay attached and reprint on graph changes")
		asJSON     = flag.Bool("json", false, "print the graph as JSON")
	)
	flag.Parse()

	if err := run(*configPath, *redisURL, *domain, *watch, *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "meshwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, redisURL string, domain int, watch, asJSON bool) error {
	var opts []config.Option
	opts = append(opts, config.WithSessionName("meshwatch"))
	if configPath != "" {
		opts = append(opts, config.WithConfigFile(configPath))
	}
	if redisURL != "" {
		opts = append(opts, config.WithRedisURL(redisURL))
	}
	if domain >= 0 {
		opts = append(opts, config.WithDomain(domain))
	}
	cfg, err := config.New(opts...)
	if err != nil {
		return err
	}

	logger := core.NewSessionLogger(cfg.SessionName, cfg.Logging.Level, cfg.Logging.Format)

	tp, err := redistransport.Connect(cfg.Transport.RedisURL,
		redistransport.WithLogger(logger),
		redistransport.WithNamespace(cfg.Transport.Namespace),
		redistransport.WithTokenTTL(cfg.Transport.TokenTTL),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := session.Open(ctx, tp, cfg.Domain, session.WithLogger(logger))
	if err != nil {
		_ = tp.Close()
		return err
	}
	defer sess.Shutdown(context.Background())

	printGraph(sess.Graph(), cfg.Domain, asJSON)
	if !watch {
		return nil
	}

	for {
		if err := sess.WaitForGraphChange(ctx); err != nil {
			return nil // interrupted
		}
		sess.GraphGuard().TakeTriggered()
		printGraph(sess.Graph(), cfg.Domain, asJSON)
	}
}

type graphDump struct {
	Domain   int                  `json:"domain"`
	Nodes    []graph.NodeIdentity `json:"nodes"`
	Topics   map[string][]string  `json:"topics"`
	Services map[string][]string  `json:"services"`
}

func printGraph(g *graph.Cache, domain int, asJSON bool) {
	dump := graphDump{
		Domain:   domain,
		Nodes:    g.Nodes(),
		Topics:   g.TopicNamesAndTypes(false),
		Services: g.ServiceNamesAndTypes(false),
	}

	if asJSON {
		data, err := json.MarshalIndent(dump, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshwatch: encoding graph: %v\n", err)
			return
		}
		fmt.Println(string(data))
		return
	}

	fmt.Printf("domain %d: %d node(s)\n", domain, len(dump.Nodes))
	for _, n := range dump.Nodes {
		fmt.Printf("  node %s (ns %s)\n", n.Name, n.Namespace)
	}
	fmt.Printf("topics: %d\n", len(dump.Topics))
	for name, types := range dump.Topics {
		fmt.Printf("  %s %v  pub=%d sub=%d\n", name, types,
			g.CountPublishers(name), g.CountSubscriptions(name))
	}
	fmt.Printf("services: %d\n", len(dump.Services))
	for name, types := range dump.Services {
		fmt.Printf("  %s %v  srv=%d cli=%d\n", name, types,
			g.CountServices(name), g.CountClients(name))
	}
	fmt.Println()
}
