// Package attach is the entry point for the client proper: it attaches a
// local document to a server over a WebSocket, joins the configured views,
// and keeps the document patched until the connection goes away.
package attach

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/livetree/livetree/pkg/channel"
	"github.com/livetree/livetree/pkg/dom"
	"github.com/livetree/livetree/pkg/logutil"
	"github.com/livetree/livetree/pkg/prog"
	"github.com/livetree/livetree/pkg/store"
	"github.com/livetree/livetree/pkg/view"
)

var logger = logutil.GetLogger("[attach] ")

// Program is the attach subprogram.
type Program struct{}

func (Program) Run(fds [3]*os.File, f *prog.Flags, args []string) error {
	cfg, err := loadConfig(f, args)
	if err != nil {
		return prog.BadUsage(err.Error())
	}
	if cfg.Endpoint == "" {
		return prog.BadUsage("no endpoint; pass -endpoint or set it in the config file")
	}
	if len(cfg.Views) == 0 {
		return prog.BadUsage("no views to join; pass view ids as arguments or set them in the config file")
	}
	if cfg.Log != "" && f.Log == "" {
		if err := logutil.SetOutputFile(cfg.Log); err != nil {
			fmt.Fprintln(fds[2], "Warning:", err)
		}
	}

	doc, err := loadDocument(cfg)
	if err != nil {
		return err
	}

	var st store.Store
	if cfg.DB != "" {
		st, err = store.NewStore(cfg.DB)
		if err != nil {
			return fmt.Errorf("open snapshot database: %w", err)
		}
		defer st.Close()
	}

	interactive := isatty.IsTerminal(fds[1].Fd())
	opts := &channel.Options{
		Store: st,
		OnPatch: func(v *view.View) {
			printView(fds[1], v, interactive)
		},
	}

	ctx := context.Background()
	c, err := channel.Dial(ctx, cfg.Endpoint, doc, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	logger.Printf("connected to %s", cfg.Endpoint)

	for _, id := range cfg.Views {
		if _, err := c.Join(ctx, id, id); err != nil {
			fmt.Fprintln(fds[2], "Warning:", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	select {
	case <-c.DisconnectNotify():
		return fmt.Errorf("connection to %s lost", cfg.Endpoint)
	case <-sigCh:
		logger.Printf("interrupted; leaving")
	}
	return nil
}

// loadDocument parses the configured document file, or synthesizes a document
// with one container element per configured view.
func loadDocument(cfg *config) (*dom.Document, error) {
	if cfg.Document != "" {
		markup, err := os.ReadFile(cfg.Document)
		if err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
		return dom.Parse(string(markup))
	}
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for _, id := range cfg.Views {
		fmt.Fprintf(&sb, `<div id="%s"></div>`, id)
	}
	sb.WriteString("</body></html>")
	return dom.Parse(sb.String())
}

func printView(out *os.File, v *view.View, interactive bool) {
	markup, err := v.HTML()
	if err != nil {
		logger.Printf("render %s: %v", v.ID(), err)
		return
	}
	if interactive {
		fmt.Fprintf(out, "-- %s --\n%s\n", v.ID(), markup)
	} else {
		fmt.Fprintln(out, markup)
	}
}
