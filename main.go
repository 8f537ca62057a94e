package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"m365proxy/config"
	"m365proxy/credverify"
	"m365proxy/logging"
	"m365proxy/mail"
	"m365proxy/mailbox"
	"m365proxy/pop3d"
	"m365proxy/smtpd"
	"m365proxy/spool"
	"m365proxy/supervisor"
	"m365proxy/tokenmgr"
	"m365proxy/tokenstore"
	"m365proxy/upstream"
	"m365proxy/vault"
)

const spoolInterval = 5 * time.Minute

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fl, code := parseFlags(argv)
	if fl == nil {
		return code
	}

	command := ""
	if len(fl.args) > 0 {
		command = fl.args[0]
	}

	// Commands that work without a loaded configuration.
	switch command {
	case "hash":
		if len(fl.args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: m365proxy hash PASSWORD")
			return 2
		}
		return cmdHash(fl.args[1])
	case "init-config":
		return cmdInitConfig(fl.configPath)
	case "configure":
		return cmdConfigure(fl.configPath)
	}

	cfg, err := config.Load(fl.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "m365proxy: %v\n", err)
		return 1
	}
	applyOverrides(cfg, fl)

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "m365proxy: logging: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	switch command {
	case "":
		return runServers(cfg, log)
	case "login":
		return cmdLogin(cfg, log)
	case "check-token":
		return cmdCheckToken(cfg, log)
	case "show-token":
		return cmdShowToken(cfg, log)
	case "check-config":
		return cmdCheckConfig(cfg)
	case "test":
		return cmdTest(cfg)
	default:
		fmt.Fprintf(os.Stderr, "m365proxy: unknown command %q\n", command)
		return 2
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, logFile := "", ""
	if cfg.Logging != nil {
		level, logFile = cfg.Logging.Level, cfg.Logging.LogFile
	}
	return logging.New(level, logFile)
}

// buildTokenStack wires the storage backend, token store, token manager,
// and upstream adapter. shutdown may be nil for one-shot CLI commands.
func buildTokenStack(cfg *config.Config, log *zap.Logger, shutdown func(reason string)) (*tokenstore.Store, *tokenmgr.Manager, *upstream.Adapter, error) {
	region, bucket := "", ""
	if cfg.S3 != nil {
		region, bucket = cfg.S3.Region, cfg.S3.Bucket
	}
	storage, err := vault.New(cfg.StorageBackend, filepath.Dir(cfg.TokenPath), region, bucket)
	if err != nil {
		return nil, nil, nil, err
	}

	store := tokenstore.New(storage, cfg.ClientID, filepath.Base(cfg.TokenPath))
	mgr := tokenmgr.New(store, cfg.ClientID, cfg.TenantID, log, shutdown)
	adapter := upstream.New(mgr, log, upstream.WithProxy(resolveProxyURL(cfg)))
	return store, mgr, adapter, nil
}

// runServers is the default command: start the refresh loop, the spool
// worker, and both front-ends under the supervisor, then wait for shutdown.
func runServers(cfg *config.Config, log *zap.Logger) int {
	sup := supervisor.New(log)

	store, mgr, adapter, err := buildTokenStack(cfg, log, sup.Shutdown)
	if err != nil {
		log.Error("storage init failed", zap.Error(err))
		return 1
	}

	if _, ok := store.Load(context.Background()); !ok {
		log.Error("no token bundle found; run `m365proxy login` first",
			zap.String("token_path", cfg.TokenPath))
		return 1
	}

	region, bucket := "", ""
	if cfg.S3 != nil {
		region, bucket = cfg.S3.Region, cfg.S3.Bucket
	}
	spoolStorage, err := vault.New(cfg.StorageBackend, cfg.QueueDir, region, bucket)
	if err != nil {
		log.Error("spool storage init failed", zap.Error(err))
		return 1
	}

	sp := spool.New(spoolStorage)
	ops := mailbox.New(adapter, sp, log, cfg.AttachmentLimitMB)
	worker := spool.NewWorker(sp, ops, spoolInterval, log)
	verifier := credverify.New(cfg.Mailboxes)

	smtpFE, err := smtpd.New(cfg, verifier, ops, log)
	if err != nil {
		log.Error("smtp front-end init failed", zap.Error(err))
		return 1
	}
	pop3FE, err := pop3d.New(cfg, verifier, ops, log)
	if err != nil {
		log.Error("pop3 front-end init failed", zap.Error(err))
		return 1
	}

	sup.Go("token-refresh", func(ctx context.Context) { mgr.RunRefreshLoop(ctx, adapter) })
	sup.Go("spool-worker", worker.Run)
	sup.Go("smtp", smtpFE.Run)
	sup.Go("pop3", pop3FE.Run)

	log.Info("mail proxy running", zap.String("bind", cfg.Bind))
	sup.Wait()
	return 0
}

func cmdLogin(cfg *config.Config, log *zap.Logger) int {
	_, mgr, _, err := buildTokenStack(cfg, log, nil)
	if err != nil {
		log.Error("storage init failed", zap.Error(err))
		return 1
	}

	err = mgr.LoginInteractive(context.Background(), func(verificationURI, userCode string) {
		fmt.Printf("To sign in, open %s and enter the code %s\n", verificationURI, userCode)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		return 1
	}
	fmt.Println("Login successful, token stored.")
	return 0
}

func cmdCheckToken(cfg *config.Config, log *zap.Logger) int {
	_, mgr, _, err := buildTokenStack(cfg, log, nil)
	if err != nil {
		log.Error("storage init failed", zap.Error(err))
		return 1
	}
	if _, ok := mgr.GetAccessToken(context.Background()); !ok {
		fmt.Fprintln(os.Stderr, "Access token is missing or invalid. Run `m365proxy login` to authenticate.")
		return 1
	}
	fmt.Println("Access token is valid.")
	return 0
}

func cmdShowToken(cfg *config.Config, log *zap.Logger) int {
	store, _, _, err := buildTokenStack(cfg, log, nil)
	if err != nil {
		log.Error("storage init failed", zap.Error(err))
		return 1
	}
	bundle, ok := store.Load(context.Background())
	if !ok {
		fmt.Fprintln(os.Stderr, "No readable token bundle found.")
		return 1
	}
	out, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal token bundle: %v\n", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}

func cmdCheckConfig(cfg *config.Config) int {
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal config: %v\n", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}

func cmdTest(cfg *config.Config) int {
	if len(cfg.Mailboxes) == 0 {
		fmt.Fprintln(os.Stderr, "no mailboxes configured")
		return 1
	}
	fmt.Printf("Password for %s: ", cfg.Mailboxes[0].Username)
	rd := bufio.NewReader(os.Stdin)
	password, err := rd.ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "read password: %v\n", err)
		return 1
	}
	password = strings.TrimRight(password, "\r\n")

	err = mail.SelfTest(cfg, password, func(format string, args ...any) {
		fmt.Printf(format+"\n", args...)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "self-test failed: %v\n", err)
		return 1
	}
	fmt.Println("Self-test passed.")
	return 0
}
