// Package config resolves controller and agent configuration from flags
// with environment-variable fallbacks, so the same binary works invoked
// directly or from a container entrypoint.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Controller holds every tunable the orchestrator binary accepts.
type Controller struct {
	HTTPPort          int
	WSPort            int
	StoreDSN          string
	MigrationsPath    string
	GithubToken       string
	CheckInterval     time.Duration
	CPUThreshold      float64
	ScaleUpCooldown   time.Duration
	ScaleDownCooldown time.Duration
	InactiveTimeout   time.Duration
	SweepInterval     time.Duration
}

// ParseController reads controller configuration from the command line,
// falling back to environment variables for anything not passed as a flag.
func ParseController(args []string) (Controller, error) {
	fs := flag.NewFlagSet("controller", flag.ContinueOnError)

	httpPort := fs.Int("http-port", envInt("PORT", 3000), "admin HTTP port")
	wsPort := fs.Int("ws-port", envInt("WS_PORT", 3001), "worker transport port")
	storeDSN := fs.String("store-dsn", os.Getenv("STORE_DSN"), "sqlite://path selects the SQLite backend; empty selects in-memory")
	migrationsPath := fs.String("migrations", envString("MIGRATIONS_PATH", "./internal/store/migrations"), "migrations directory for the SQLite backend")
	githubToken := fs.String("github-token", os.Getenv("GITHUB_TOKEN"), "optional GitHub token for repository validation")
	checkInterval := fs.Duration("check-interval", envDuration("CHECK_INTERVAL", 30*time.Second), "scaling controller tick period")
	cpuThreshold := fs.Float64("cpu-threshold", envFloat("CPU_THRESHOLD", 70), "scale-up CPU percentage threshold")
	scaleUpCooldown := fs.Duration("scale-up-cooldown", envDuration("SCALE_UP_COOLDOWN", 5*time.Minute), "minimum time between scale-ups")
	scaleDownCooldown := fs.Duration("scale-down-cooldown", envDuration("SCALE_DOWN_COOLDOWN", 10*time.Minute), "minimum time between scale-downs")
	inactiveTimeout := fs.Duration("inactive-timeout", envDuration("INACTIVE_TIMEOUT", 2*time.Minute), "heartbeat staleness before a worker is purged")
	sweepInterval := fs.Duration("sweep-interval", envDuration("SWEEP_INTERVAL", 30*time.Second), "worker registry sweep period")

	if err := fs.Parse(args); err != nil {
		return Controller{}, err
	}

	return Controller{
		HTTPPort:          *httpPort,
		WSPort:            *wsPort,
		StoreDSN:          *storeDSN,
		MigrationsPath:    *migrationsPath,
		GithubToken:       *githubToken,
		CheckInterval:     *checkInterval,
		CPUThreshold:      *cpuThreshold,
		ScaleUpCooldown:   *scaleUpCooldown,
		ScaleDownCooldown: *scaleDownCooldown,
		InactiveTimeout:   *inactiveTimeout,
		SweepInterval:     *sweepInterval,
	}, nil
}

// Agent holds every tunable the worker agent binary accepts.
type Agent struct {
	DeploymentPath string
	ServerURL      string
	Hostname       string
}

// ParseAgent reads agent configuration from the command line, falling back
// to environment variables.
func ParseAgent(args []string) (Agent, error) {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)

	hostname, _ := os.Hostname()
	deploymentPath := fs.String("deployment-path", envString("DEPLOYMENT_PATH", "./deployments"), "working directory root for cloned repositories")
	serverURL := fs.String("server", envString("MAIN_SERVER_URL", "ws://localhost:3001/ws/agent"), "orchestrator WebSocket URL")
	hostnameFlag := fs.String("hostname", envString("WORKER_HOSTNAME", hostname), "identity reported on registration")

	if err := fs.Parse(args); err != nil {
		return Agent{}, err
	}

	return Agent{
		DeploymentPath: *deploymentPath,
		ServerURL:      *serverURL,
		Hostname:       *hostnameFlag,
	}, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
