// Command agent runs the worker: it connects to the orchestrator over the
// WebSocket transport, reports load, and executes deploy/remove tasks
// against the local Docker daemon.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelhq/fleet/internal/agent"
	"github.com/kestrelhq/fleet/internal/config"
	"github.com/kestrelhq/fleet/internal/transport"
)

func main() {
	cfg, err := config.ParseAgent(os.Args[1:])
	if err != nil {
		log.Fatalf("agent: parse config: %v", err)
	}

	containers, err := agent.NewDockerDriver()
	if err != nil {
		log.Fatalf("agent: connect to docker: %v", err)
	}

	a := agent.New(agent.Config{
		Containers:     containers,
		Repos:          agent.NewGitDriver(),
		DeploymentRoot: cfg.DeploymentPath,
	})

	client := transport.NewClient(transport.ClientConfig{
		ServerURL:      cfg.ServerURL,
		Hostname:       cfg.Hostname,
		Reconnect:      true,
		ReconnectDelay: 5 * time.Second,
		Handlers:       a,
	})
	a.Attach(client)

	log.Printf("agent: connecting to %s as %s...", cfg.ServerURL, cfg.Hostname)
	if err := client.Connect(); err != nil {
		log.Fatalf("agent: connect: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("agent: shutting down")
	a.Stop()
	client.Disconnect()
}
