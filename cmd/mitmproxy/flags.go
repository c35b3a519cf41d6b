package main

import (
	"flag"
	"strings"
)

// config holds the CLI's flag-loaded settings, mirroring the teacher's
// own flag-based Config/loadConfig split in cmd/go-mitmproxy.
type config struct {
	version bool

	addr    string
	dynAddr string

	certPath    string
	upstream    string
	sslInsecure bool

	ignoreHosts stringList
	allowHosts  stringList

	proxyAuth string
	logFile   string
	debug     bool
}

// stringList implements flag.Value for a repeatable, comma-joinable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error {
	*l = append(*l, strings.Split(v, ",")...)
	return nil
}

func loadConfig() *config {
	cfg := &config{}

	flag.BoolVar(&cfg.version, "version", false, "show version and exit")
	flag.StringVar(&cfg.addr, "addr", "", "proxy listen address (default :12345)")
	flag.StringVar(&cfg.dynAddr, "dyn-addr", "", "dynamic TLS loopback listen address (default 127.0.0.1:12346)")
	flag.StringVar(&cfg.certPath, "cert-path", "", "directory holding (or to generate) the root CA")
	flag.StringVar(&cfg.upstream, "upstream", "", "forward proxy URL every origin connection is routed through")
	flag.BoolVar(&cfg.sslInsecure, "ssl-insecure", false, "skip certificate verification when dialing origin servers over TLS")
	flag.Var(&cfg.ignoreHosts, "ignore-hosts", "comma-separated glob patterns of hosts to tunnel through without interception")
	flag.Var(&cfg.allowHosts, "allow-hosts", "comma-separated glob patterns of the only hosts to intercept")
	flag.StringVar(&cfg.proxyAuth, "proxy-auth", "", "require proxy-client auth, format user:pass|user2:pass2")
	flag.StringVar(&cfg.logFile, "log-file", "", "write connection lifecycle events to this file instead of stdout")
	flag.BoolVar(&cfg.debug, "debug", false, "enable debug logging")

	flag.Parse()

	return cfg
}
