package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"

	"m365proxy/config"
)

const configPathEnv = "M365PROXY_CONFIG"

// cliFlags are the command-line overrides applied on top of the loaded
// configuration file.
type cliFlags struct {
	configPath string
	tokenPath  string
	queueDir   string
	logFile    string
	logLevel   string
	bind       string
	smtpPort   int
	pop3Port   int
	httpsProxy string
	noSSL      bool
	debug      bool
	quiet      bool

	args []string
}

func parseFlags(argv []string) (*cliFlags, int) {
	fl := &cliFlags{}
	fs := flag.NewFlagSet("m365proxy", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: m365proxy [flags] [command]

Commands:
  init-config   write a skeleton configuration file
  configure     interactive configuration wizard
  login         perform the OAuth2 device-code login
  check-token   verify that a usable access token is available
  show-token    print the decrypted token bundle
  check-config  load, validate, and print the configuration
  test          send a test message through a running proxy instance
  hash PASSWORD print the bcrypt hash of PASSWORD
  (none)        run the SMTP/POP3 proxy servers

Flags:
`)
		fs.PrintDefaults()
	}

	fs.StringVar(&fl.configPath, "config", "", "path to the configuration file")
	fs.StringVar(&fl.tokenPath, "token", "", "override token store path")
	fs.StringVar(&fl.queueDir, "queue-dir", "", "override spool directory")
	fs.StringVar(&fl.logFile, "log-file", "", "override log file path")
	fs.StringVar(&fl.logLevel, "log-level", "", "override log level (debug/info/warn/error)")
	fs.StringVar(&fl.bind, "bind", "", "override bind address")
	fs.IntVar(&fl.smtpPort, "smtp-port", -1, "override SMTP port")
	fs.IntVar(&fl.pop3Port, "pop3-port", -1, "override POP3 port")
	fs.StringVar(&fl.httpsProxy, "https-proxy", "", "forward proxy URL for upstream requests")
	fs.BoolVar(&fl.noSSL, "no-ssl", false, "disable TLS even if certificates are configured")
	fs.BoolVar(&fl.debug, "debug", false, "log at debug level")
	fs.BoolVar(&fl.quiet, "quiet", false, "log errors only")

	if err := fs.Parse(argv); err != nil {
		return nil, 2
	}
	if fl.debug && fl.quiet {
		fmt.Fprintln(os.Stderr, "m365proxy: -debug and -quiet are mutually exclusive")
		return nil, 2
	}
	fl.args = fs.Args()

	if fl.configPath == "" {
		fl.configPath = os.Getenv(configPathEnv)
	}
	if fl.configPath == "" {
		fl.configPath = "config.json"
	}
	return fl, 0
}

// applyOverrides folds the CLI flags into the loaded configuration.
func applyOverrides(cfg *config.Config, fl *cliFlags) {
	if fl.tokenPath != "" {
		cfg.TokenPath = fl.tokenPath
	}
	if fl.queueDir != "" {
		cfg.QueueDir = fl.queueDir
	}
	if fl.bind != "" {
		cfg.Bind = fl.bind
	}
	if fl.smtpPort >= 0 {
		port := fl.smtpPort
		cfg.SMTPPort = &port
	}
	if fl.pop3Port >= 0 {
		port := fl.pop3Port
		cfg.POP3Port = &port
	}
	if fl.httpsProxy != "" {
		cfg.HTTPSProxy = &config.HTTPSProxy{URL: fl.httpsProxy}
	}
	if fl.noSSL {
		cfg.TLS = nil
	}
	if cfg.Logging == nil {
		cfg.Logging = &config.Logging{}
	}
	if fl.logFile != "" {
		cfg.Logging.LogFile = fl.logFile
	}
	switch {
	case fl.debug:
		cfg.Logging.Level = "debug"
	case fl.quiet:
		cfg.Logging.Level = "error"
	case fl.logLevel != "":
		cfg.Logging.Level = fl.logLevel
	}
}

// resolveProxyURL returns the forward proxy URL: configuration wins over the
// conventional environment variables. Configured credentials are folded into
// the URL's userinfo.
func resolveProxyURL(cfg *config.Config) string {
	if cfg.HTTPSProxy != nil && cfg.HTTPSProxy.URL != "" {
		p := cfg.HTTPSProxy
		if p.Username == "" {
			return p.URL
		}
		u, err := url.Parse(p.URL)
		if err != nil {
			return p.URL
		}
		u.User = url.UserPassword(p.Username, p.Password)
		return u.String()
	}
	for _, key := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}
