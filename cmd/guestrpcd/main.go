// guestrpcd is a demonstration helper daemon speaking the guestrpc wire
// protocol over a unix or vsock listener. It serves a handful of
// procedures (ping, echo, file upload, file download) and exists for
// manual testing of control-side integrations.
package main

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"

	"github.com/mdlayher/vsock"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/guestkit/guestrpc/guestd"
	"github.com/guestkit/guestrpc/protocol"
)

// Procedure numbers served by this daemon.
const (
	procPing     uint32 = 1
	procEcho     uint32 = 2
	procUpload   uint32 = 3
	procDownload uint32 = 4
)

func main() {
	app := &cli.App{
		Name:  "guestrpcd",
		Usage: "demonstration guest helper daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Usage: "Unix socket path to listen on, or connect to when launched by a controller.",
			},
			&cli.UintFlag{
				Name:  "vsock-port",
				Usage: "AF_VSOCK port to listen on instead of a unix socket.",
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "Directory uploads and downloads are resolved against.",
				Value: ".",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Action: run,
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	var logger *zap.Logger
	var err error
	if ctx.Bool("verbose") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	slog := logger.Named("guestrpcd").Sugar()

	root := ctx.String("root")
	server := &guestd.Server{Log: slog}
	registerProcs(server, root)

	sockPath := ctx.String("socket")
	if sockPath == "" && ctx.Args().Len() > 0 {
		// A launcher passes the control socket path as the final
		// argument; in that mode we dial out instead of listening.
		sockPath = ctx.Args().Get(ctx.Args().Len() - 1)
		nc, err := net.Dial("unix", sockPath)
		if err != nil {
			return fmt.Errorf("connecting to control socket %q: %w", sockPath, err)
		}
		return server.Serve(nc)
	}

	var ln net.Listener
	if port := ctx.Uint("vsock-port"); port != 0 {
		ln, err = vsock.Listen(uint32(port), nil)
		if err != nil {
			return fmt.Errorf("listening on vsock port %d: %w", port, err)
		}
	} else {
		if sockPath == "" {
			return fmt.Errorf("one of --socket or --vsock-port is required")
		}
		ln, err = net.Listen("unix", sockPath)
		if err != nil {
			return fmt.Errorf("listening on %q: %w", sockPath, err)
		}
	}
	defer ln.Close()
	slog.Infow("listening", "addr", ln.Addr().String())

	for {
		nc, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accepting connection: %w", err)
		}
		// One control process at a time; the protocol has no
		// multiplexing.
		if err := server.Serve(nc); err != nil {
			slog.Warnw("serve failed", "err", err)
		}
	}
}

func registerProcs(server *guestd.Server, root string) {
	server.Handle(procPing, func(s *guestd.Session, hdr protocol.MessageHeader, body []byte) error {
		return s.ReplyOK(nil)
	})

	server.Handle(procEcho, func(s *guestd.Session, hdr protocol.MessageHeader, body []byte) error {
		return s.ReplyOK(body)
	})

	server.Handle(procUpload, func(s *guestd.Session, hdr protocol.MessageHeader, body []byte) error {
		path, _, err := protocol.DecodeString(body)
		if err != nil {
			return err
		}
		f, err := os.Create(filepath.Join(root, filepath.Base(path)))
		if err != nil {
			if rerr := s.RejectTransfer(); rerr != nil {
				return rerr
			}
			return err
		}
		defer f.Close()
		if err := s.ReceiveFile(f); err != nil {
			return err
		}
		return s.ReplyOK(nil)
	})

	server.Handle(procDownload, func(s *guestd.Session, hdr protocol.MessageHeader, body []byte) error {
		path, _, err := protocol.DecodeString(body)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(root, filepath.Base(path)))
		if err != nil {
			return err
		}
		if err := s.ReplyOK(nil); err != nil {
			return err
		}
		return s.SendFile(bytes.NewReader(data))
	})
}
