// Command tdsdial is a minimal TDS client: it dials a server, runs the
// prelogin/TLS/login handshake, and exits. It exists to exercise
// tdsconn end to end the way cmd/aul exercises the teacher's server
// stack, not as a full client library entry point.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ha1tch/tdscore/requests"
	"github.com/ha1tch/tdscore/tdsconn"
	"github.com/ha1tch/tdscore/tdslog"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tdsdial", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		addr        = fs.String("addr", "localhost:1433", "server address (host:port)")
		configFile  = fs.String("c", "", "YAML config file path")
		user        = fs.String("user", "sa", "login username")
		password    = fs.String("password", "", "login password")
		database    = fs.String("database", "", "initial database")
		encrypt     = fs.Bool("encrypt", true, "request encryption during prelogin")
		insecure    = fs.Bool("insecure-skip-verify", false, "skip TLS certificate verification")
		metricsAddr = fs.String("metrics-addr", "", "if set, serve prometheus metrics on this address (e.g. :9100)")
		logLevel    = fs.String("log-level", "info", "log level (debug, info, warn, error)")
		showVersion = fs.Bool("version", false, "print version and exit")
	)
	fs.Usage = func() { printUsage(stderr) }

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, "tdsdial (tdscore)")
		return 0
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}

	cfg := tdsconn.DefaultConfig()
	if *configFile != "" {
		loaded, err := tdsconn.LoadConfigFile(*configFile)
		if err != nil {
			fmt.Fprintf(stderr, "error loading config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *encrypt {
		cfg.TLS = &tls.Config{InsecureSkipVerify: *insecure}
	}

	var reg prometheus.Registerer
	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		reg = registry
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.WithError(err).Warn("metrics server stopped")
			}
		}()
	}
	metrics := tdsconn.NewMetrics(reg)

	conn, err := tdsconn.Dial("tcp", *addr, cfg, tdslog.New(logger, tdslog.CategoryConnection), metrics)
	if err != nil {
		fmt.Fprintf(stderr, "error dialing %s: %v\n", *addr, err)
		return 1
	}
	defer conn.Close()

	encryption := requests.EncryptOff
	if *encrypt {
		encryption = requests.EncryptOn
	}
	pre := &requests.Prelogin{Encryption: encryption}
	if err := conn.Submit(pre).Wait(); err != nil {
		fmt.Fprintf(stderr, "prelogin failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "prelogin complete: server encryption=%d version=0x%08x\n", pre.Result.Encryption, pre.Result.Version)

	login := &requests.Login{
		UserName:   *user,
		Password:   *password,
		Database:   *database,
		AppName:    "tdsdial",
		PacketSize: uint32(cfg.PacketSize),
	}
	start := time.Now()
	if err := conn.Submit(login).Wait(); err != nil {
		fmt.Fprintf(stderr, "login failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "login complete in %s, state=%s\n", time.Since(start), conn.State())
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `tdsdial - dial a TDS/SQL-Server-compatible server and complete the login handshake

Usage:
  tdsdial [options]

Options:
  -addr <host:port>          server address (default: localhost:1433)
  -c <file>                  YAML config file path
  -user <name>                login username (default: sa)
  -password <pass>            login password
  -database <name>            initial database
  -encrypt                    request encryption during prelogin (default: true)
  -insecure-skip-verify        skip TLS certificate verification
  -metrics-addr <addr>         serve prometheus metrics on this address
  -log-level <level>           debug, info, warn, error (default: info)
  -version                     print version and exit

Examples:
  tdsdial -addr db.example.com:1433 -user sa -password secret
  tdsdial -addr localhost:1433 -encrypt=false
`)
}
