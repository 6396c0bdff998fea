// Command wsechod is a minimal echo server built on top of wsocket, as a
// consumer of the library rather than the library itself.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"

	"github.com/nyxwire/wsocket"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg := wsocket.DefaultConfig()
	if *configPath != "" {
		loaded, err := wsocket.LoadConfigFile(*configPath)
		if err != nil {
			slog.Error("wsechod: loading config", slog.Any("error", err))
			os.Exit(1)
		}
		cfg = loaded
	}

	srv, err := wsocket.New(cfg, func() wsocket.Handler { return &echoHandler{} }, nil)
	if err != nil {
		slog.Error("wsechod: building server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.ListenAndServe(context.Background()); err != nil {
		slog.Error("wsechod: serving", slog.Any("error", err))
		os.Exit(1)
	}
}

// echoHandler sends every text/binary message straight back to its sender.
type echoHandler struct {
	conn *wsocket.Conn
}

func (h *echoHandler) Init(req *http.Request, conn *wsocket.Conn, ctx context.Context) (wsocket.Handler, error) {
	h.conn = conn
	return h, nil
}

func (h *echoHandler) Handle(msg wsocket.Message) {
	switch msg.Type {
	case wsocket.MessageText:
		_ = h.conn.WriteText(msg.Payload)
	case wsocket.MessageBinary:
		_ = h.conn.WriteBinary(msg.Payload)
	}
}

func (h *echoHandler) Close() {}
