package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/servicehub/chatcore/internal/backend"
	"github.com/servicehub/chatcore/internal/call"
	"github.com/servicehub/chatcore/internal/chat"
	"github.com/servicehub/chatcore/internal/config"
	"github.com/servicehub/chatcore/internal/session"
	"github.com/servicehub/chatcore/internal/transport"
	"github.com/servicehub/chatcore/internal/types"
	"github.com/servicehub/chatcore/internal/upload"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.LoadClient()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsURL, err := socketURL(cfg.ServerURL, cfg.Token)
	if err != nil {
		logger.WithError(err).Fatal("invalid server url")
	}
	socket := transport.NewSocket(wsURL, transport.Options{Logger: logger})
	if err := socket.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("failed to connect")
	}
	defer socket.Close()

	api := backend.NewClient(cfg.ServerURL, cfg.Token, cfg.Delivery.RequestTimeout)
	uploader, err := upload.NewAdapter(cfg.ServerURL, cfg.Token, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create upload adapter")
	}
	media := call.NewPionFactory(call.PionConfig{STUNServers: cfg.Call.STUNServers, Logger: logger})

	sess := session.Open(ctx, session.Options{
		SelfID:         cfg.UserID,
		Role:           types.Role(cfg.Role),
		ConversationID: cfg.ConversationID,
		PeerID:         cfg.PeerID,
		Delivery:       cfg.Delivery,
		Call:           cfg.Call,
	}, socket, api, uploader, media, logger)
	defer sess.Close()

	ui := &terminal{sess: sess, out: os.Stdout}
	sess.Store().Watch(func(c chat.Change) { ui.changed(c) })
	sess.Calls().OnChange(ui.callChanged)
	ui.printHistory()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || !ui.handle(ctx, line) {
				return
			}
		}
	}
}

// socketURL turns the REST base URL into the websocket endpoint.
func socketURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type terminal struct {
	sess *session.Session
	out  *os.File
}

func (t *terminal) printf(format string, args ...any) {
	fmt.Fprintf(t.out, format+"\n", args...)
}

// handle runs one input line and reports whether to keep going.
func (t *terminal) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	cmd, arg, _ := strings.Cut(line, " ")
	calls := t.sess.Calls()
	var err error
	switch cmd {
	case "/quit":
		return false
	case "/more":
		var anchor *chat.Anchor
		anchor, err = t.sess.Pager().LoadMore(ctx, "")
		if err == nil && anchor == nil {
			t.printf("-- no older messages")
		}
	case "/retry":
		_, err = t.sess.Pipeline().Retry(ctx, arg)
	case "/delete":
		err = t.sess.Pipeline().Delete(ctx, arg)
	case "/recall":
		err = t.sess.Pipeline().Recall(ctx, arg)
	case "/read":
		err = t.sess.Pipeline().MarkRead(ctx)
	case "/image", "/voice", "/video":
		kind := types.Kind(strings.TrimPrefix(cmd, "/"))
		_, err = t.sess.Pipeline().Send(ctx, chat.Draft{Kind: kind, LocalPath: arg})
	case "/call":
		_, err = calls.Initiate()
	case "/accept":
		err = calls.Accept(ctx)
	case "/reject":
		err = calls.Reject()
	case "/hangup":
		err = calls.Hangup()
	case "/minimize":
		if err = calls.Minimize(); err == nil {
			calls.Teardown()
		}
	case "/restore":
		calls.Restore()
	default:
		if strings.HasPrefix(cmd, "/") {
			t.printf("-- unknown command %s", cmd)
			return true
		}
		_, err = t.sess.Pipeline().Send(ctx, chat.Draft{Text: line})
	}
	if err != nil {
		t.printf("-- %v", err)
	}
	return true
}

func (t *terminal) printHistory() {
	msgs := t.sess.Store().ListNewestFirst()
	for i := len(msgs) - 1; i >= 0; i-- {
		t.printMessage(msgs[i])
	}
}

func (t *terminal) changed(c chat.Change) {
	if c.Op == chat.OpRemove {
		for _, id := range c.IDs {
			t.printf("-- removed %s", id)
		}
		return
	}
	for _, id := range c.IDs {
		if m, ok := t.sess.Store().Get(id); ok && (c.Op != chat.OpUpdate || m.Delivery != types.DeliveryPending) {
			t.printMessage(m)
		}
	}
}

func (t *terminal) printMessage(m types.Message) {
	status := ""
	switch m.Delivery {
	case types.DeliveryPending:
		status = " (sending)"
	case types.DeliveryFailed:
		status = " (" + m.FailNote + ")"
	}
	if m.Upload.Phase == types.UploadUploading {
		status = fmt.Sprintf(" (uploading %d%%)", m.Upload.Progress)
	}
	t.printf("[%s] %s %s: %s%s", m.ID, m.Timestamp.Format("15:04"), m.SenderID, m.Content, status)
}

func (t *terminal) callChanged(s call.Snapshot) {
	switch {
	case s.Phase == call.PhaseRinging:
		t.printf("-- incoming call from %s, /accept or /reject", s.PeerID)
	case s.Phase.Terminal():
		t.printf("-- call %s (%s, %s)", s.Phase, s.Reason, s.Duration.Round(1e9))
	case s.Floating:
		t.printf("-- call minimized, /restore to return")
	default:
		t.printf("-- call %s, media %s", s.Phase, s.Media)
	}
}
