package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"golang.org/x/term"

	"github.com/absfs/envelopefs"
	"github.com/absfs/envelopefs/internal/osbase"
	"github.com/absfs/envelopefs/keystore/badgerstore"
	"github.com/absfs/envelopefs/keystore/sqlitestore"
)

type userError struct {
	msg string
}

func (e userError) Error() string { return e.msg }

func main() {
	global := flag.NewFlagSet("envelopectl", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	configPath := global.String("config", "envelopefs.yaml", "configuration file")
	if err := global.Parse(os.Args[1:]); err != nil {
		printUsage()
		os.Exit(1)
	}
	args := global.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handleError(run(ctx, *configPath, args))
}

func run(ctx context.Context, configPath string, args []string) error {
	var cmd func(context.Context, *envelopefs.FS, []string) error
	switch args[0] {
	case "master":
		cmd = runMaster
	case "recovery":
		cmd = runRecovery
	case "migrate":
		cmd = runMigrate
	case "verify":
		cmd = runVerify
	case "recover":
		cmd = runRecover
	case "status":
		cmd = runStatus
	default:
		printUsage()
		return userError{msg: fmt.Sprintf("unknown command %q", args[0])}
	}

	efs, closeFS, err := open(configPath)
	if err != nil {
		return err
	}
	defer closeFS()
	return cmd(ctx, efs, args[1:])
}

// open builds the filesystem and key store named by the config file.
func open(configPath string) (*envelopefs.FS, func(), error) {
	fc, err := envelopefs.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := fc.Config()
	if err != nil {
		return nil, nil, userError{msg: fmt.Sprintf("invalid configuration: %v", err)}
	}

	var store envelopefs.KeyStore
	switch fc.Store.Driver {
	case "badger":
		store, err = badgerstore.Open(badgerstore.Config{Path: fc.Store.Path, SyncWrites: true, Logger: cfg.Logger})
	case "sqlite":
		store, err = sqlitestore.Open(fc.Store.Path)
	case "memory":
		store = envelopefs.NewMemoryKeyStore()
	default:
		return nil, nil, userError{msg: fmt.Sprintf("unknown store driver %q", fc.Store.Driver)}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open key store: %w", err)
	}

	root := fc.Root
	if root == "" {
		root = "data"
	}
	base, err := osbase.New(root)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("open data directory: %w", err)
	}

	efs, err := envelopefs.New(base, store, cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return efs, func() {
		efs.Close()
		store.Close()
	}, nil
}

func handleError(err error) {
	if err == nil {
		return
	}

	var uerr userError
	if errors.As(err, &uerr) {
		fmt.Fprintln(os.Stderr, uerr.Error())
		os.Exit(1)
	}
	if envelopefs.IsWrongSecret(err) {
		fmt.Fprintln(os.Stderr, "wrong secret")
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(2)
}

func runMaster(ctx context.Context, efs *envelopefs.FS, args []string) error {
	if len(args) != 1 {
		printUsage()
		return userError{msg: "usage: envelopectl master <enable|disable>"}
	}
	admin := efs.Admin()
	switch args[0] {
	case "enable":
		if err := admin.EnableMasterKeyMode(ctx); err != nil {
			return err
		}
		fmt.Println("master key mode enabled; run `envelopectl migrate --all` to convert existing files")
	case "disable":
		if err := admin.DisableMasterKeyMode(ctx); err != nil {
			return err
		}
		fmt.Println("master key mode disabled; run `envelopectl migrate --all` to convert existing files")
	default:
		return userError{msg: "usage: envelopectl master <enable|disable>"}
	}
	return nil
}

func runRecovery(ctx context.Context, efs *envelopefs.FS, args []string) error {
	if len(args) != 1 {
		return userError{msg: "usage: envelopectl recovery <enable|disable>"}
	}
	admin := efs.Admin()
	switch args[0] {
	case "enable":
		pw, err := promptConfirmed("Recovery passphrase: ")
		if err != nil {
			return err
		}
		defer zeroBytes(pw)
		if err := admin.EnableRecoveryKey(ctx, pw); err != nil {
			if envelopefs.IsValidationError(err) {
				return userError{msg: err.Error()}
			}
			return err
		}
		fmt.Println("recovery key enabled")
	case "disable":
		pw, err := promptPassword("Recovery passphrase: ")
		if err != nil {
			return fmt.Errorf("read passphrase: %w", err)
		}
		defer zeroBytes(pw)
		if err := admin.DisableRecoveryKey(ctx, pw); err != nil {
			return err
		}
		fmt.Println("recovery key disabled")
	default:
		return userError{msg: "usage: envelopectl recovery <enable|disable>"}
	}
	return nil
}

func runMigrate(ctx context.Context, efs *envelopefs.FS, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var user, secretEnv string
	var all, withSecret, withRecovery bool
	fs.StringVar(&user, "user", "", "migrate the files of one user")
	fs.StringVar(&secretEnv, "secret-env", "", "read login secrets from environment variables with this prefix")
	fs.BoolVar(&all, "all", false, "migrate every file")
	fs.BoolVar(&withSecret, "secret", false, "prompt for the user's login secret")
	fs.BoolVar(&withRecovery, "recovery", false, "prompt for the recovery passphrase")

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid arguments"}
	}
	if (user == "") == !all {
		return userError{msg: "exactly one of --user or --all is required"}
	}
	if withSecret && user == "" {
		return userError{msg: "--secret requires --user"}
	}

	var opts envelopefs.MigrationOptions
	var providers []envelopefs.SecretProvider
	if withSecret {
		secret, err := promptPassword(fmt.Sprintf("Login secret for %s: ", user))
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		providers = append(providers, envelopefs.StaticSecrets(map[string][]byte{user: secret}))
		zeroBytes(secret)
	}
	if secretEnv != "" {
		providers = append(providers, envelopefs.EnvSecrets(secretEnv))
	}
	if len(providers) > 0 {
		opts.Secrets = envelopefs.ChainSecrets(providers...)
	}
	if withRecovery {
		pw, err := promptPassword("Recovery passphrase: ")
		if err != nil {
			return fmt.Errorf("read passphrase: %w", err)
		}
		defer zeroBytes(pw)
		opts.RecoveryPassphrase = pw
	}

	admin := efs.Admin()
	var cp *envelopefs.MigrationCheckpoint
	var err error
	if all {
		cp, err = admin.MigrateAll(ctx, opts)
	} else {
		cp, err = admin.MigrateUser(ctx, user, opts)
	}
	if cp != nil {
		fmt.Printf("job %s: %s (processed %d, skipped %d, finalized %d, failed %d)\n",
			cp.JobID, cp.State, cp.Processed, cp.Skipped, cp.Finalized, len(cp.Failed))
	}
	return err
}

func runVerify(ctx context.Context, efs *envelopefs.FS, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var user string
	fs.StringVar(&user, "user", "", "user to verify")
	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid arguments"}
	}
	if user == "" {
		return userError{msg: "missing required flag: --user"}
	}

	secret, err := promptPassword(fmt.Sprintf("Login secret for %s: ", user))
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	defer zeroBytes(secret)

	report, err := efs.Admin().VerifyUser(ctx, user, secret)
	if err != nil {
		return err
	}
	fmt.Printf("checked %d files: %d ok, %d failed\n", report.Checked, report.OK, len(report.Failed))

	paths := make([]string, 0, len(report.Failed))
	for p := range report.Failed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		kind := "unreadable"
		switch {
		case envelopefs.IsInaccessible(report.Failed[p]):
			kind = "inaccessible"
		case envelopefs.IsCorrupted(report.Failed[p]):
			kind = "corrupted"
		}
		fmt.Printf("  %s: %s: %v\n", p, kind, report.Failed[p])
	}
	if len(report.Failed) > 0 {
		return userError{msg: "verification failed"}
	}
	return nil
}

func runRecover(ctx context.Context, efs *envelopefs.FS, args []string) error {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var user string
	fs.StringVar(&user, "user", "", "user whose key pair to recover")
	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid arguments"}
	}
	if user == "" {
		return userError{msg: "missing required flag: --user"}
	}

	pw, err := promptPassword("Recovery passphrase: ")
	if err != nil {
		return fmt.Errorf("read passphrase: %w", err)
	}
	defer zeroBytes(pw)

	secret, err := promptConfirmed(fmt.Sprintf("New login secret for %s: ", user))
	if err != nil {
		return err
	}
	defer zeroBytes(secret)

	if err := efs.Admin().RecoverUser(ctx, user, pw, secret); err != nil {
		return err
	}
	fmt.Printf("key pair of %s recovered\n", user)
	return nil
}

func runStatus(ctx context.Context, efs *envelopefs.FS, args []string) error {
	if len(args) != 0 {
		return userError{msg: "usage: envelopectl status"}
	}
	st, err := efs.Admin().Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("key mode:        %s\n", st.KeyMode)
	fmt.Printf("recovery:        %t\n", st.RecoveryEnabled)
	fmt.Printf("system key:      %t\n", st.SystemKey)
	fmt.Printf("recovery key:    %t\n", st.RecoveryKey)
	if cp := st.Migration; cp != nil {
		fmt.Printf("last migration:  %s to %s, %s (updated %s)\n", cp.JobID, cp.Target, cp.State, cp.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

func promptConfirmed(prompt string) ([]byte, error) {
	pw, err := promptPassword(prompt)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	confirm, err := promptPassword("Confirm: ")
	if err != nil {
		zeroBytes(pw)
		return nil, fmt.Errorf("read confirmation: %w", err)
	}
	defer zeroBytes(confirm)
	if !bytes.Equal(pw, confirm) {
		zeroBytes(pw)
		return nil, userError{msg: "secrets do not match"}
	}
	return pw, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: envelopectl [-config envelopefs.yaml] <command>")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  master enable|disable")
	fmt.Fprintln(os.Stderr, "  recovery enable|disable")
	fmt.Fprintln(os.Stderr, "  migrate --user <id> [--secret] [--secret-env PREFIX] [--recovery]")
	fmt.Fprintln(os.Stderr, "  migrate --all [--secret-env PREFIX] [--recovery]")
	fmt.Fprintln(os.Stderr, "  verify --user <id>")
	fmt.Fprintln(os.Stderr, "  recover --user <id>")
	fmt.Fprintln(os.Stderr, "  status")
}
