package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"calmkit/internal/client"
	"calmkit/internal/config"
	"calmkit/internal/keymgr"
	"calmkit/internal/localstore"
	"calmkit/internal/session"
)

const usage = `usage: calmkit <command> [flags]

commands:
  register      create an account, log in, optionally set a passcode
  login         log in with email and password
  logout        end the session and forget the key
  unlock        derive the log key from your passcode
  set-passcode  change the passcode and re-encrypt stored logs
  status        show the latest passcode change job
  salt          print this installation's salt
  log           write an encrypted mood log
  logs          list and decrypt mood logs`

// sessionStore is session-scoped storage that can be ended as a whole.
type sessionStore interface {
	keymgr.Store
	End(ctx context.Context) error
}

// env holds everything a command needs for one invocation.
type env struct {
	cfg     config.ClientConfig
	local   *localstore.Bolt
	session sessionStore
	keys    *keymgr.Manager
	api     *client.Client
	closers []func() error
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEnv(ctx, config.LoadClient())
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	err = run(ctx, e, os.Args[1], os.Args[2:])
	e.close()
	if err != nil {
		fmt.Println("Error:", describe(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, e *env, cmd string, args []string) error {
	switch cmd {
	case "register":
		return cmdRegister(ctx, e, args)
	case "login":
		return cmdLogin(ctx, e, args)
	case "logout":
		return cmdLogout(ctx, e)
	case "unlock":
		return cmdUnlock(ctx, e, args)
	case "set-passcode":
		return cmdSetPasscode(ctx, e, args)
	case "status":
		return cmdStatus(ctx, e)
	case "salt":
		return cmdSalt(ctx, e)
	case "log":
		return cmdLog(ctx, e, args)
	case "logs":
		return cmdLogs(ctx, e, args)
	case "help", "-h", "--help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newEnv(ctx context.Context, cfg config.ClientConfig) (*env, error) {
	local, err := localstore.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, local: local, closers: []func() error{local.Close}}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionID, cfg.SessionTTL)
		if err != nil {
			e.close()
			return nil, err
		}
		e.session = redisStore
		e.closers = append(e.closers, redisStore.Close)
	} else {
		fileStore, err := session.OpenFileStore(cfg.SessionPath(), cfg.SessionTTL)
		if err != nil {
			e.close()
			return nil, err
		}
		e.session = fileStore
		e.closers = append(e.closers, fileStore.Close)
	}
	e.keys = keymgr.New(local, e.session)

	token, _, err := local.Get(ctx, localstore.TokenKey)
	if err != nil {
		e.close()
		return nil, err
	}
	e.api = client.New(cfg.APIURL, client.WithToken(token))
	return e, nil
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

func describe(err error) string {
	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Msg != "":
		return apiErr.Msg
	case errors.Is(err, client.ErrNoToken):
		return "not logged in; run calmkit login"
	case errors.Is(err, keymgr.ErrLocked):
		return "logs are locked; run calmkit unlock or pass -passcode"
	case errors.Is(err, keymgr.ErrInvalidPasscode):
		return "passcode must be exactly 4 digits"
	}
	return err.Error()
}
