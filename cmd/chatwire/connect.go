package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/aldenis/chatwire/internal/attach"
	"github.com/aldenis/chatwire/internal/auth"
	"github.com/aldenis/chatwire/internal/conn"
	"github.com/aldenis/chatwire/internal/config"
	"github.com/aldenis/chatwire/internal/dispatch"
	"github.com/aldenis/chatwire/internal/logger"
	"github.com/aldenis/chatwire/internal/metrics"
	"github.com/aldenis/chatwire/internal/outbound"
	"github.com/aldenis/chatwire/internal/presence"
	"github.com/aldenis/chatwire/internal/protocol"
	"github.com/aldenis/chatwire/internal/store"
)

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect to the chat server and read sends from stdin",
		Long: `Connect opens the persistent connection and reads commands from stdin:

  <user>: <text>          send a chat message
  /typing <user> on|off   send a typing indicator
  /read <user> <msgid>    send a read receipt
  /file <user> <path>     upload an attachment and send it
  /state                  print connection state
  /quit                   exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect()
		},
	}
}

func runConnect() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log)
	log := logger.New("cli")

	var provider auth.Provider
	if cfg.Auth.TokenFile != "" {
		provider = &auth.TokenFile{UserID: cfg.Auth.UserID, Path: cfg.Auth.TokenFile}
	} else {
		provider = &auth.Static{UserID: cfg.Auth.UserID, Token: cfg.Auth.Token}
	}

	met := metrics.New(prometheus.DefaultRegisterer)
	st := store.NewMemory()

	mgr, err := conn.New(conn.Config{
		URL:               cfg.ServerURL,
		KeepaliveInterval: cfg.Keepalive(),
		BaseDelay:         cfg.ReconnectBase(),
		BackoffFactor:     cfg.Reconnect.Factor,
		MaxAttempts:       cfg.Reconnect.MaxAttempts,
		DialTimeout:       cfg.DialTimeout(),
	}, provider, nil, logger.New("conn"), met)
	if err != nil {
		return err
	}

	api := outbound.New(mgr, st, provider, logger.New("outbound"), met, cfg.SendRetryDelay())
	dispatcher := dispatch.New(st, &printNotifier{log: log}, logger.New("dispatch"), met)

	var uploader *attach.Uploader
	if cfg.Attachments.Bucket != "" {
		client := s3.New(s3.Options{Region: cfg.Attachments.Region})
		uploader = attach.NewUploader(client, cfg.Attachments.Bucket, cfg.Attachments.Prefix,
			cfg.Attachments.Region, int64(cfg.Attachments.MaxSizeMB)<<20)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	activity := func() time.Time { return time.Unix(0, lastActivity.Load()) }

	go dispatcher.Run(ctx.Done(), mgr.Events())
	go presence.NewReporter(api, logger.New("presence"), activity).Run(ctx)
	go presence.NewTimezoneReporter(api, logger.New("timezone"), "").Run(ctx)

	if cfg.DebugAddr != "" {
		go runDebugServer(ctx, cfg.DebugAddr, mgr, log)
	}

	mgr.Connect()
	defer mgr.Disconnect()

	log.Infof("reading commands from stdin (server %s)", cfg.ServerURL)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		lastActivity.Store(time.Now().UnixNano())
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := handleLine(ctx, line, api, mgr, uploader); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
	}
	return scanner.Err()
}

func handleLine(ctx context.Context, line string, api *outbound.API, mgr *conn.Manager, uploader *attach.Uploader) error {
	if strings.HasPrefix(line, "/") {
		fields := strings.Fields(line)
		switch fields[0] {
		case "/state":
			fmt.Printf("state=%s attempts=%d\n", mgr.State(), mgr.Attempts())
			return nil
		case "/typing":
			if len(fields) != 3 {
				return fmt.Errorf("usage: /typing <user> on|off")
			}
			return api.SendTyping(ctx, fields[1], fields[2] == "on")
		case "/read":
			if len(fields) != 3 {
				return fmt.Errorf("usage: /read <user> <msgid>")
			}
			return api.SendReadReceipt(ctx, fields[1], fields[2])
		case "/file":
			if len(fields) != 3 {
				return fmt.Errorf("usage: /file <user> <path>")
			}
			return sendFile(ctx, api, uploader, fields[1], fields[2])
		default:
			return fmt.Errorf("unknown command %s", fields[0])
		}
	}

	peer, text, ok := strings.Cut(line, ":")
	if !ok {
		return fmt.Errorf("expected '<user>: <text>' or a /command")
	}
	id, err := api.SendChatMessage(ctx, strings.TrimSpace(peer), strings.TrimSpace(text), nil)
	if err != nil {
		return err
	}
	fmt.Printf("sent %s\n", id)
	return nil
}

func sendFile(ctx context.Context, api *outbound.API, uploader *attach.Uploader, peer, path string) error {
	if uploader == nil {
		return fmt.Errorf("attachments not configured (set attachments.bucket)")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	att, err := uploader.Upload(ctx, path, f)
	if err != nil {
		return err
	}
	id, err := api.SendChatMessage(ctx, peer, "", []protocol.Attachment{att})
	if err != nil {
		return err
	}
	fmt.Printf("sent %s (%s, %d bytes)\n", id, att.Name, att.Size)
	return nil
}

// printNotifier surfaces connection and protocol faults on the
// terminal in addition to the log.
type printNotifier struct {
	log *logger.Logger
}

func (n *printNotifier) Notify(err error) {
	n.log.Warnf("%v", err)
	fmt.Fprintf(os.Stderr, "! %v\n", err)
}
